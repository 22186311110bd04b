package manager

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/CreepyPvP/nanocl/pkg/events"
	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/metrics"
	"github.com/CreepyPvP/nanocl/pkg/storage"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/rs/zerolog"
)

// Manager is the object store used by the rest of the daemon. It implements
// storage.Store and publishes a change event after every committed mutation,
// so effectors never observe an event for state that is not durable yet.
type Manager struct {
	store       storage.Store
	eventBroker *events.Broker
	logger      zerolog.Logger
}

var _ storage.Store = (*Manager)(nil)

// Config holds configuration for creating a Manager
type Config struct {
	DataDir string
	Events  events.Options
}

// NewManager opens the store in cfg.DataDir and starts the event broker
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	broker := events.NewBroker(cfg.Events)
	broker.Start()

	m := New(store, broker)
	m.refreshEntityGauge()
	return m, nil
}

// New wraps an existing store and broker
func New(store storage.Store, broker *events.Broker) *Manager {
	return &Manager{
		store:       store,
		eventBroker: broker,
		logger:      log.WithComponent("manager"),
	}
}

// GetEventBroker returns the broker events are published on
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// PublishEvent publishes an event if a broker is configured
func (m *Manager) PublishEvent(event *events.Event) {
	if m.eventBroker != nil {
		m.eventBroker.Publish(event)
	}
}

func (m *Manager) publishEntity(typ events.EventType, entity *types.Entity, versionKey string) {
	m.PublishEvent(&events.Event{
		Type:       typ,
		EntityKind: entity.Kind,
		Key:        entity.Key,
		Namespace:  entity.Namespace,
		Name:       entity.Name,
		VersionKey: versionKey,
	})
}

func (m *Manager) publishNamespace(typ events.EventType, name string) {
	m.PublishEvent(&events.Event{
		Type:       typ,
		EntityKind: types.EntityKindNamespace,
		Key:        name,
		Namespace:  name,
		Name:       name,
	})
}

// --- Namespaces ---

// CreateNamespace creates a namespace and publishes a created event
func (m *Manager) CreateNamespace(name string) (*types.Namespace, error) {
	ns, err := m.store.CreateNamespace(name)
	if err != nil {
		return nil, err
	}
	m.publishNamespace(events.EventCreated, name)
	return ns, nil
}

// GetNamespace retrieves a namespace by name
func (m *Manager) GetNamespace(name string) (*types.Namespace, error) {
	return m.store.GetNamespace(name)
}

// ListNamespaces returns every namespace
func (m *Manager) ListNamespaces() ([]*types.Namespace, error) {
	return m.store.ListNamespaces()
}

// DeleteNamespace deletes an empty namespace and publishes a deleted event
func (m *Manager) DeleteNamespace(name string) error {
	if err := m.store.DeleteNamespace(name); err != nil {
		return err
	}
	m.publishNamespace(events.EventDeleted, name)
	return nil
}

// CountEntities counts entities owned by a namespace
func (m *Manager) CountEntities(namespace string) (int, error) {
	return m.store.CountEntities(namespace)
}

// --- Entities ---

// CreateEntity creates an entity and publishes a created event
func (m *Manager) CreateEntity(kind types.EntityKind, namespace, name string, payload json.RawMessage, schemaVersion string) (*types.Entity, error) {
	entity, err := m.store.CreateEntity(kind, namespace, name, payload, schemaVersion)
	if err != nil {
		return nil, err
	}

	metrics.VersionsCreated.WithLabelValues(string(kind)).Inc()
	metrics.EntitiesTotal.WithLabelValues(string(kind)).Inc()
	m.publishEntity(events.EventCreated, entity, entity.CurrentVersionKey)
	return entity, nil
}

// UpdateEntity appends a version and publishes an updated event
func (m *Manager) UpdateEntity(kind types.EntityKind, key string, payload json.RawMessage, schemaVersion, expectedHead string) (*types.Entity, error) {
	entity, err := m.store.UpdateEntity(kind, key, payload, schemaVersion, expectedHead)
	if err != nil {
		return nil, err
	}

	metrics.VersionsCreated.WithLabelValues(string(kind)).Inc()
	m.publishEntity(events.EventUpdated, entity, entity.CurrentVersionKey)
	return entity, nil
}

// GetEntity retrieves an entity with its head version
func (m *Manager) GetEntity(kind types.EntityKind, key string) (*types.Entity, error) {
	return m.store.GetEntity(kind, key)
}

// ListEntities lists entities of a kind
func (m *Manager) ListEntities(kind types.EntityKind, query types.ListQuery) ([]*types.Entity, error) {
	return m.store.ListEntities(kind, query)
}

// DeleteEntity deletes an entity with its history and publishes a deleted
// event carrying the last head version key
func (m *Manager) DeleteEntity(kind types.EntityKind, key string) (int, error) {
	entity, err := m.store.GetEntity(kind, key)
	if err != nil {
		return 0, err
	}

	n, err := m.store.DeleteEntity(kind, key)
	if err != nil {
		return 0, err
	}

	metrics.EntitiesTotal.WithLabelValues(string(kind)).Sub(float64(n))
	m.publishEntity(events.EventDeleted, entity, entity.CurrentVersionKey)
	return n, nil
}

// SetRuntimeAddress records the runtime address and publishes an updated
// event with the unchanged head version key
func (m *Manager) SetRuntimeAddress(kind types.EntityKind, key, addr string) (*types.Entity, error) {
	entity, err := m.store.SetRuntimeAddress(kind, key, addr)
	if err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("entity_key", key).
		Str("address", addr).
		Msg("Runtime address updated")
	m.publishEntity(events.EventUpdated, entity, entity.CurrentVersionKey)
	return entity, nil
}

// --- History ---

// ListHistory returns an entity's versions, newest first
func (m *Manager) ListHistory(kind types.EntityKind, key string) ([]*types.Version, error) {
	return m.store.ListHistory(kind, key)
}

// GetVersion retrieves a version by key
func (m *Manager) GetVersion(versionKey string) (*types.Version, error) {
	return m.store.GetVersion(versionKey)
}

// GetEntityVersion retrieves a version after checking it belongs to the entity
func (m *Manager) GetEntityVersion(kind types.EntityKind, key, versionKey string) (*types.Version, error) {
	return m.store.GetEntityVersion(kind, key, versionKey)
}

// --- Apply records ---

// PushRecord stores an apply record
func (m *Manager) PushRecord(record *types.Record) error {
	return m.store.PushRecord(record)
}

// PopRecord removes and returns the newest record for a fingerprint
func (m *Manager) PopRecord(fingerprint string) (*types.Record, error) {
	return m.store.PopRecord(fingerprint)
}

// GetRecord retrieves a record by ID
func (m *Manager) GetRecord(id string) (*types.Record, error) {
	return m.store.GetRecord(id)
}

// DeleteRecord removes a record
func (m *Manager) DeleteRecord(id string) error {
	return m.store.DeleteRecord(id)
}

// Close implements storage.Store; it is equivalent to Shutdown
func (m *Manager) Close() error {
	return m.Shutdown()
}

// Shutdown stops the broker and closes the store
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}

func (m *Manager) refreshEntityGauge() {
	for _, kind := range types.EntityKinds {
		entities, err := m.store.ListEntities(kind, types.ListQuery{})
		if err != nil {
			m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to count entities")
			continue
		}
		metrics.EntitiesTotal.WithLabelValues(string(kind)).Set(float64(len(entities)))
	}
}
