package storage

import (
	"encoding/json"

	"github.com/CreepyPvP/nanocl/pkg/types"
)

// Store defines the interface for control plane state storage.
// It is implemented by BoltDB-backed storage.
type Store interface {
	// Namespaces
	CreateNamespace(name string) (*types.Namespace, error)
	GetNamespace(name string) (*types.Namespace, error)
	ListNamespaces() ([]*types.Namespace, error)
	DeleteNamespace(name string) error
	CountEntities(namespace string) (int, error)

	// Entities. Every mutation of the configuration appends a Version.
	CreateEntity(kind types.EntityKind, namespace, name string, payload json.RawMessage, schemaVersion string) (*types.Entity, error)
	UpdateEntity(kind types.EntityKind, key string, payload json.RawMessage, schemaVersion, expectedHead string) (*types.Entity, error)
	GetEntity(kind types.EntityKind, key string) (*types.Entity, error)
	ListEntities(kind types.EntityKind, query types.ListQuery) ([]*types.Entity, error)
	DeleteEntity(kind types.EntityKind, key string) (int, error)
	SetRuntimeAddress(kind types.EntityKind, key, addr string) (*types.Entity, error)

	// History chains
	ListHistory(kind types.EntityKind, key string) ([]*types.Version, error)
	GetVersion(versionKey string) (*types.Version, error)
	GetEntityVersion(kind types.EntityKind, key, versionKey string) (*types.Version, error)

	// Apply records
	PushRecord(record *types.Record) error
	PopRecord(fingerprint string) (*types.Record, error)
	GetRecord(id string) (*types.Record, error)
	DeleteRecord(id string) error

	// Utility
	Close() error
}
