package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// KeySeparator joins an entity name and its namespace into the entity key.
// Names may not contain it, otherwise two (namespace, name) pairs could map
// to the same key.
const KeySeparator = "."

// DefaultNamespace is created when the store is opened and is used for
// manifest objects that do not name a namespace.
const DefaultNamespace = "global"

// DefaultSchemaVersion is applied to manifest objects without schemaVersion.
const DefaultSchemaVersion = "v0.0.1"

// Namespace is a name-scoped partition owning zero or more entities
type Namespace struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// EntityKind identifies the variant of a versioned entity
type EntityKind string

const (
	EntityKindCargo    EntityKind = "cargo"
	EntityKindVm       EntityKind = "vm"
	EntityKindResource EntityKind = "resource"

	// EntityKindNamespace is only used for events and apply records;
	// namespaces are not versioned.
	EntityKindNamespace EntityKind = "namespace"
)

// EntityKinds lists the versioned kinds, in the order the store creates
// their buckets.
var EntityKinds = []EntityKind{EntityKindCargo, EntityKindVm, EntityKindResource}

// ParseEntityKind parses a kind name case-insensitively ("Cargo", "vms", ...)
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cargo", "cargoes":
		return EntityKindCargo, nil
	case "vm", "vms":
		return EntityKindVm, nil
	case "resource", "resources":
		return EntityKindResource, nil
	case "namespace", "namespaces":
		return EntityKindNamespace, nil
	default:
		return "", fmt.Errorf("unknown kind %q", s)
	}
}

// Versioned reports whether entities of this kind carry a history chain
func (k EntityKind) Versioned() bool {
	return k == EntityKindCargo || k == EntityKindVm || k == EntityKindResource
}

// GenKey derives the stable entity key from namespace and name
func GenKey(namespace, name string) string {
	return name + KeySeparator + namespace
}

// SplitKey is the inverse of GenKey
func SplitKey(key string) (namespace, name string, ok bool) {
	idx := strings.Index(key, KeySeparator)
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[idx+1:], key[:idx], true
}

// Entity is a namespaced, versioned object (cargo, vm or resource)
type Entity struct {
	Kind              EntityKind `json:"kind"`
	Key               string     `json:"key"`
	Name              string     `json:"name"`
	Namespace         string     `json:"namespace"`
	CurrentVersionKey string     `json:"currentVersionKey"`
	CreatedAt         time.Time  `json:"createdAt"`

	// RuntimeAddress is reported by the runtime driver; it is status, not
	// configuration, and changing it never creates a Version.
	RuntimeAddress string `json:"runtimeAddress,omitempty"`

	// Version is the resolved head of the history chain. It is filled by
	// reads that join the head version and is never persisted with the entity.
	Version *Version `json:"version,omitempty"`
}

// Version is an immutable configuration snapshot of an entity
type Version struct {
	Key           string          `json:"key"`
	EntityKind    EntityKind      `json:"entityKind"`
	EntityKey     string          `json:"entityKey"`
	Seq           uint64          `json:"seq"`
	SchemaVersion string          `json:"schemaVersion"`
	CreatedAt     time.Time       `json:"createdAt"`
	Payload       json.RawMessage `json:"payload"`
}

// DecodePayload decodes a version payload into a typed spec
func DecodePayload[T any](v *Version) (T, error) {
	var out T
	if v == nil {
		return out, fmt.Errorf("nil version")
	}
	if err := json.Unmarshal(v.Payload, &out); err != nil {
		return out, fmt.Errorf("failed to decode payload of version %s: %w", v.Key, err)
	}
	return out, nil
}

// CanonicalPayload normalises a payload so that structurally equal documents
// compare equal byte-for-byte. encoding/json sorts map keys on output.
// Numbers keep their literal text so large integers survive unchanged.
func CanonicalPayload(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid payload: trailing data after document")
	}
	return json.Marshal(doc)
}

// PayloadEqual compares two payloads under structural equality
func PayloadEqual(a, b []byte) (bool, error) {
	ca, err := CanonicalPayload(a)
	if err != nil {
		return false, err
	}
	cb, err := CanonicalPayload(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// ListQuery filters list operations. Zero values mean unfiltered.
type ListQuery struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"` // case-insensitive substring
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// RecordOp is the operation an apply performed on one object
type RecordOp string

const (
	RecordOpCreate RecordOp = "create"
	RecordOpUpdate RecordOp = "update"
)

// RecordEntry is one tuple of a reconciliation record
type RecordEntry struct {
	Kind      EntityKind `json:"kind"`
	Key       string     `json:"key"`
	Namespace string     `json:"namespace"`
	Before    string     `json:"before,omitempty"`
	After     string     `json:"after,omitempty"`
	Op        RecordOp   `json:"op"`
}

// Record is the receipt of one apply, consumed by a matching revert
type Record struct {
	ID          string        `json:"id"`
	Fingerprint string        `json:"fingerprint"`
	CreatedAt   time.Time     `json:"createdAt"`
	Entries     []RecordEntry `json:"entries"`
}

// CargoSpec is the payload of a cargo version as understood by the runtime
type CargoSpec struct {
	Image  string            `json:"image"`
	Cmd    []string          `json:"cmd,omitempty"`
	Env    []string          `json:"env,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// VmSpec is the payload of a vm version
type VmSpec struct {
	Image  string `json:"image"`
	Cpu    int    `json:"cpu,omitempty"`
	Memory int    `json:"memory,omitempty"`
}

// ResourceSpec is the payload of a resource version. Config is interpreted
// according to Kind; "ProxyRule" is the kind the gateway projector consumes.
type ResourceSpec struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}
