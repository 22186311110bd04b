package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/CreepyPvP/nanocl/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalidManifest is returned when a document cannot be parsed at all
var ErrInvalidManifest = errors.New("invalid manifest")

// Object is one desired namespace or entity
type Object struct {
	Kind          types.EntityKind `json:"kind"`
	Namespace     string           `json:"namespace"`
	Name          string           `json:"name"`
	SchemaVersion string           `json:"schemaVersion"`
	Spec          json.RawMessage  `json:"spec,omitempty"`
}

// Key returns the entity key, or the namespace name for namespace objects
func (o Object) Key() string {
	if o.Kind == types.EntityKindNamespace {
		return o.Name
	}
	return types.GenKey(o.Namespace, o.Name)
}

// Manifest is an ordered list of desired objects
type Manifest struct {
	Objects []Object `json:"objects"`
}

// rawObject is the YAML form of an object
type rawObject struct {
	Kind          string `yaml:"kind"`
	Namespace     string `yaml:"namespace"`
	Name          string `yaml:"name"`
	SchemaVersion string `yaml:"schemaVersion"`
	Spec          any    `yaml:"spec"`
}

// rawDocument is the YAML form of a document listing several objects
type rawDocument struct {
	Namespace string      `yaml:"namespace"`
	Objects   []rawObject `yaml:"objects"`
}

// ParseFile reads and parses a manifest file
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML (or JSON) manifest. A document is either a mapping
// with an objects list, or a single object; several documents may be
// separated by ---.
func Parse(data []byte) (*Manifest, error) {
	m := &Manifest{}
	dec := yaml.NewDecoder(bytes.NewReader(data))

	for doc := 0; ; doc++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %v: %w", doc, err, ErrInvalidManifest)
		}
		if len(node.Content) == 0 || node.Content[0].Tag == "!!null" {
			continue
		}

		objects, err := decodeDocument(&node)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		m.Objects = append(m.Objects, objects...)
	}

	return m, nil
}

func decodeDocument(node *yaml.Node) ([]Object, error) {
	if hasKey(node, "objects") {
		var doc rawDocument
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrInvalidManifest)
		}
		objects := make([]Object, 0, len(doc.Objects))
		for i, raw := range doc.Objects {
			if raw.Namespace == "" {
				raw.Namespace = doc.Namespace
			}
			obj, err := raw.toObject()
			if err != nil {
				return nil, fmt.Errorf("objects[%d]: %w", i, err)
			}
			objects = append(objects, obj)
		}
		return objects, nil
	}

	var raw rawObject
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidManifest)
	}
	obj, err := raw.toObject()
	if err != nil {
		return nil, err
	}
	return []Object{obj}, nil
}

func hasKey(node *yaml.Node, key string) bool {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

func (r rawObject) toObject() (Object, error) {
	kind, err := types.ParseEntityKind(r.Kind)
	if err != nil {
		return Object{}, fmt.Errorf("%v: %w", err, ErrInvalidManifest)
	}

	obj := Object{
		Kind:          kind,
		Namespace:     r.Namespace,
		Name:          r.Name,
		SchemaVersion: r.SchemaVersion,
	}
	if kind == types.EntityKindNamespace {
		obj.Namespace = r.Name
	}
	if obj.Namespace == "" {
		obj.Namespace = types.DefaultNamespace
	}
	if obj.SchemaVersion == "" {
		obj.SchemaVersion = types.DefaultSchemaVersion
	}

	if r.Spec != nil {
		spec, err := json.Marshal(normalize(r.Spec))
		if err != nil {
			return Object{}, fmt.Errorf("%s %s: spec: %v: %w", kind, r.Name, err, ErrInvalidManifest)
		}
		obj.Spec = spec
	}
	return obj, nil
}

// normalize turns maps with non-string keys into JSON-encodable maps
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}

// Ordered returns the objects in apply order: namespaces, then resources,
// then cargoes and vms. Document order is kept within each group.
func (m *Manifest) Ordered() []Object {
	rank := func(kind types.EntityKind) int {
		switch kind {
		case types.EntityKindNamespace:
			return 0
		case types.EntityKindResource:
			return 1
		default:
			return 2
		}
	}

	ordered := make([]Object, len(m.Objects))
	copy(ordered, m.Objects)
	sort.SliceStable(ordered, func(i, j int) bool {
		return rank(ordered[i].Kind) < rank(ordered[j].Kind)
	})
	return ordered
}

// Fingerprint identifies the set of objects a manifest describes,
// independent of their order and specs
func (m *Manifest) Fingerprint() string {
	ids := make([]string, 0, len(m.Objects))
	seen := make(map[string]bool, len(m.Objects))
	for _, obj := range m.Objects {
		id := string(obj.Kind) + "/" + obj.Key()
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}
