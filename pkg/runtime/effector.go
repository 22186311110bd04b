package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/events"
	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/metrics"
	"github.com/CreepyPvP/nanocl/pkg/storage"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the part of the object store the effector needs
type Store interface {
	GetEntity(kind types.EntityKind, key string) (*types.Entity, error)
	ListEntities(kind types.EntityKind, query types.ListQuery) ([]*types.Entity, error)
	SetRuntimeAddress(kind types.EntityKind, key, addr string) (*types.Entity, error)
}

// Effector drives the runtime to match the cargoes in the store
type Effector struct {
	driver      Driver
	store       Store
	stopTimeout time.Duration
	logger      zerolog.Logger

	mu sync.Mutex
	// deployed maps a cargo key to the version its container runs
	deployed map[string]string
}

// NewEffector creates an effector
func NewEffector(driver Driver, store Store) *Effector {
	return &Effector{
		driver:      driver,
		store:       store,
		stopTimeout: DefaultStopTimeout,
		logger:      log.WithComponent("runtime"),
		deployed:    make(map[string]string),
	}
}

// Run syncs once and then follows cargo events until ctx is cancelled
func (e *Effector) Run(ctx context.Context, sub *events.Subscription) error {
	if err := e.Sync(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Initial runtime sync failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			e.HandleEvent(ctx, ev)
		}
	}
}

// Sync deploys cargoes whose container is missing, stopped or built from
// an older version, and removes containers whose cargo no longer exists
func (e *Effector) Sync(ctx context.Context) error {
	cargoes, err := e.store.ListEntities(types.EntityKindCargo, types.ListQuery{})
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentRuntime, false, err.Error())
		return fmt.Errorf("failed to list cargoes: %w", err)
	}
	existing, err := e.driver.List(ctx)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentRuntime, false, err.Error())
		return err
	}

	live := make(map[string]struct{}, len(cargoes))
	for _, cargo := range cargoes {
		live[cargo.Key] = struct{}{}

		status, err := e.driver.Inspect(ctx, cargo.Key)
		if err == nil && status.Running && status.VersionKey == cargo.CurrentVersionKey {
			e.mu.Lock()
			e.deployed[cargo.Key] = cargo.CurrentVersionKey
			e.mu.Unlock()
			e.record(cargo.Key, status.Address)
			continue
		}
		e.deploy(ctx, cargo)
	}

	for _, key := range existing {
		if _, ok := live[key]; !ok {
			e.remove(ctx, key)
		}
	}

	metrics.RegisterComponent(metrics.ComponentRuntime, true, "")
	return nil
}

// HandleEvent applies one change event
func (e *Effector) HandleEvent(ctx context.Context, ev *events.Event) {
	if ev.EntityKind != types.EntityKindCargo {
		return
	}

	if ev.Type == events.EventDeleted {
		e.remove(ctx, ev.Key)
		return
	}

	cargo, err := e.store.GetEntity(types.EntityKindCargo, ev.Key)
	if errors.Is(err, storage.ErrNotFound) {
		e.remove(ctx, ev.Key)
		return
	}
	if err != nil {
		e.logger.Error().Err(err).Str("entity_key", ev.Key).Msg("Failed to read cargo")
		return
	}

	// Address updates carry the deployed version and need no action
	e.mu.Lock()
	current := e.deployed[cargo.Key]
	e.mu.Unlock()
	if current == cargo.CurrentVersionKey {
		return
	}

	e.deploy(ctx, cargo)
}

// deploy replaces the container of a cargo with one for its head version
func (e *Effector) deploy(ctx context.Context, cargo *types.Entity) {
	logger := log.WithEntity(string(cargo.Kind), cargo.Key)

	spec, err := types.DecodePayload[types.CargoSpec](cargo.Version)
	if err != nil {
		e.observe("create", err)
		logger.Error().Err(err).Msg("Invalid cargo spec")
		return
	}
	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[LabelVersionKey] = cargo.CurrentVersionKey
	spec.Labels = labels

	if err := e.driver.Remove(ctx, cargo.Key); err != nil && !errors.Is(err, ErrNotFound) {
		e.observe("remove", err)
		logger.Error().Err(err).Msg("Failed to remove previous container")
		return
	}

	err = e.driver.Create(ctx, cargo.Key, spec)
	e.observe("create", err)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create container")
		return
	}

	err = e.driver.Start(ctx, cargo.Key)
	e.observe("start", err)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start container")
		return
	}

	status, err := e.driver.Inspect(ctx, cargo.Key)
	e.observe("inspect", err)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to inspect container")
		return
	}

	e.mu.Lock()
	e.deployed[cargo.Key] = cargo.CurrentVersionKey
	e.mu.Unlock()

	e.record(cargo.Key, status.Address)
	logger.Info().
		Str("version_key", cargo.CurrentVersionKey).
		Str("image", spec.Image).
		Str("address", status.Address).
		Msg("Cargo deployed")
}

// record stores the runtime address when it changed
func (e *Effector) record(key, addr string) {
	cargo, err := e.store.GetEntity(types.EntityKindCargo, key)
	if err != nil || cargo.RuntimeAddress == addr {
		return
	}
	if _, err := e.store.SetRuntimeAddress(types.EntityKindCargo, key, addr); err != nil {
		e.logger.Error().Err(err).Str("entity_key", key).Msg("Failed to record runtime address")
	}
}

func (e *Effector) remove(ctx context.Context, key string) {
	e.mu.Lock()
	delete(e.deployed, key)
	e.mu.Unlock()

	err := e.driver.Remove(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return
	}
	e.observe("remove", err)
	if err != nil {
		e.logger.Error().Err(err).Str("entity_key", key).Msg("Failed to remove container")
		return
	}
	e.logger.Info().Str("entity_key", key).Msg("Cargo removed")
}

func (e *Effector) observe(operation string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.RuntimeOperations.WithLabelValues(operation, status).Inc()
}
