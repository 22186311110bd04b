package ingress

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/CreepyPvP/nanocl/pkg/proxy"
)

const (
	sitesDir   = "sites-enabled"
	streamsDir = "streams-enabled"
	confDDir   = "conf.d"

	defaultConfName = "default.conf"
	confExt         = ".conf"
)

// ConfDir is the gateway configuration tree managed by the projector:
//
//	<root>/sites-enabled/<name>.conf     one per http rule
//	<root>/streams-enabled/<name>.conf   one per stream rule
//	<root>/conf.d/default.conf           fallback server
type ConfDir struct {
	root string
}

// NewConfDir returns the layout rooted at root
func NewConfDir(root string) *ConfDir {
	return &ConfDir{root: root}
}

// Root returns the root directory
func (d *ConfDir) Root() string {
	return d.root
}

// Dirs returns the managed subdirectories
func (d *ConfDir) Dirs() []string {
	return []string{
		filepath.Join(d.root, sitesDir),
		filepath.Join(d.root, streamsDir),
		filepath.Join(d.root, confDDir),
	}
}

// Path returns the file a rule of the given kind and resource name renders to
func (d *ConfDir) Path(kind proxy.ConfKind, name string) string {
	dir := sitesDir
	if kind == proxy.ConfStream {
		dir = streamsDir
	}
	return filepath.Join(d.root, dir, name+confExt)
}

// DefaultPath returns the path of the fallback server file
func (d *ConfDir) DefaultPath() string {
	return filepath.Join(d.root, confDDir, defaultConfName)
}

// Ensure creates the managed subdirectories
func (d *ConfDir) Ensure() error {
	for _, dir := range d.Dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Clear removes the managed subdirectories with everything in them and
// creates them again empty
func (d *ConfDir) Clear() error {
	for _, dir := range d.Dirs() {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
	}
	return d.Ensure()
}

// WriteDefault writes the fallback server file
func (d *ConfDir) WriteDefault() error {
	return WriteFileAtomic(d.DefaultPath(), []byte(proxy.DefaultServerConf))
}

// Remove deletes a rule file; a missing file is not an error
func (d *ConfDir) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Snapshot reads every managed file, keyed by path relative to the root.
// Temporary files of in-flight writes are ignored.
func (d *ConfDir) Snapshot() (map[string][]byte, error) {
	files := make(map[string][]byte)
	for _, dir := range d.Dirs() {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || isTempFile(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			rel, err := filepath.Rel(d.root, path)
			if err != nil {
				return nil, err
			}
			files[rel] = data
		}
	}
	return files, nil
}

// WriteFileAtomic replaces path with data so that readers see either the
// old or the new content. The temp file lives in the same directory so the
// final rename stays on one filesystem.
func WriteFileAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".")
}
