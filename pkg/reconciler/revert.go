package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/manifest"
	"github.com/CreepyPvP/nanocl/pkg/metrics"
	"github.com/CreepyPvP/nanocl/pkg/storage"
	"github.com/CreepyPvP/nanocl/pkg/types"
)

// Revert undoes the most recent apply of a manifest with the same object
// set. Without a matching record it does nothing and returns an empty result.
func (e *Engine) Revert(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, err := e.store.PopRecord(m.Fingerprint())
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Info().Str("fingerprint", m.Fingerprint()).Msg("No apply record to revert")
		return &Result{Outcomes: []Outcome{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return e.revert(ctx, record)
}

// RevertRecord undoes a specific apply record. The record is consumed.
func (e *Engine) RevertRecord(ctx context.Context, id string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, err := e.store.GetRecord(id)
	if err != nil {
		return nil, err
	}
	if err := e.store.DeleteRecord(id); err != nil {
		return nil, err
	}
	return e.revert(ctx, record)
}

// revert walks the record backwards. Creations are deleted; updates append a
// copy of the version that was the head before the apply. When interrupted,
// the entries not reverted yet are stored again under the same record ID.
func (e *Engine) revert(ctx context.Context, record *types.Record) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, "revert")

	result := &Result{Record: record, Outcomes: make([]Outcome, 0, len(record.Entries))}

	var fatal error
	var remaining []types.RecordEntry
	for i := len(record.Entries) - 1; i >= 0; i-- {
		entry := record.Entries[i]
		_, name, _ := types.SplitKey(entry.Key)
		if entry.Kind == types.EntityKindNamespace {
			name = entry.Key
		}
		outcome := Outcome{
			Kind:      entry.Kind,
			Namespace: entry.Namespace,
			Name:      name,
			Key:       entry.Key,
		}

		if fatal == nil {
			fatal = ctx.Err()
		}
		if fatal != nil {
			outcome.skip(fatal)
			result.Outcomes = append(result.Outcomes, outcome)
			remaining = append([]types.RecordEntry{entry}, remaining...)
			continue
		}

		e.revertEntry(entry, &outcome)
		if errors.Is(outcome.Err, storage.ErrStorageUnavailable) {
			fatal = outcome.Err
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	for _, o := range result.Outcomes {
		metrics.RevertActions.WithLabelValues(string(o.Action)).Inc()
	}

	if len(remaining) > 0 {
		rest := *record
		rest.Entries = remaining
		if err := e.store.PushRecord(&rest); err != nil {
			e.logger.Error().Err(err).Str("record", record.ID).Msg("Failed to keep unreverted entries")
		}
	}

	e.logger.Info().
		Str("record", record.ID).
		Int("deleted", result.Count(ActionDelete)).
		Int("restored", result.Count(ActionUpdate)).
		Int("failed", result.Count(ActionError)).
		Msg("Apply record reverted")

	return result, fatal
}

func (e *Engine) revertEntry(entry types.RecordEntry, outcome *Outcome) {
	switch {
	case entry.Kind == types.EntityKindNamespace:
		e.revertNamespace(entry, outcome)
	case entry.Op == types.RecordOpCreate:
		_, err := e.store.DeleteEntity(entry.Kind, entry.Key)
		switch {
		case err == nil:
			outcome.Action = ActionDelete
			outcome.Before = entry.After
		case errors.Is(err, storage.ErrNotFound):
			outcome.Action = ActionNoop
		default:
			outcome.fail(err)
		}
	case entry.Op == types.RecordOpUpdate:
		for attempt := 0; ; attempt++ {
			err := e.restore(entry, outcome)
			if err == nil {
				return
			}
			if !errors.Is(err, storage.ErrConflict) || attempt > 0 {
				outcome.fail(err)
				return
			}
			metrics.ConflictRetries.Inc()
		}
	default:
		outcome.fail(fmt.Errorf("unknown record operation %q", entry.Op))
	}
}

// restore appends a copy of entry.Before unless the head already carries
// the same configuration
func (e *Engine) restore(entry types.RecordEntry, outcome *Outcome) error {
	target, err := e.store.GetEntityVersion(entry.Kind, entry.Key, entry.Before)
	if err != nil {
		return err
	}
	current, err := e.store.GetEntity(entry.Kind, entry.Key)
	if err != nil {
		return err
	}

	same, err := sameVersion(current.Version, target.Payload, target.SchemaVersion)
	if err != nil {
		return err
	}
	outcome.Before = current.CurrentVersionKey
	if same {
		outcome.Action = ActionNoop
		outcome.After = current.CurrentVersionKey
		return nil
	}

	updated, err := e.store.UpdateEntity(entry.Kind, entry.Key, target.Payload, target.SchemaVersion, current.CurrentVersionKey)
	if err != nil {
		return err
	}
	outcome.Action = ActionUpdate
	outcome.After = updated.CurrentVersionKey
	return nil
}

func (e *Engine) revertNamespace(entry types.RecordEntry, outcome *Outcome) {
	count, err := e.store.CountEntities(entry.Key)
	if err != nil {
		outcome.fail(err)
		return
	}
	if count > 0 {
		nsLog := log.WithNamespace(entry.Key)
		nsLog.Info().Int("entities", count).Msg("Namespace kept, still in use")
		outcome.skip(fmt.Errorf("namespace %s still owns %d entities: %w", entry.Key, count, storage.ErrNamespaceNotEmpty))
		return
	}

	err = e.store.DeleteNamespace(entry.Key)
	switch {
	case err == nil:
		outcome.Action = ActionDelete
	case errors.Is(err, storage.ErrNotFound):
		outcome.Action = ActionNoop
	case errors.Is(err, storage.ErrNamespaceNotEmpty):
		outcome.skip(err)
	default:
		outcome.fail(err)
	}
}

// Reset appends a copy of an earlier version of the entity and makes it the
// head. The target must belong to the entity's own chain.
func (e *Engine) Reset(ctx context.Context, kind types.EntityKind, key, versionKey string) (*types.Entity, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, "reset")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := e.store.GetEntityVersion(kind, key, versionKey)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		current, err := e.store.GetEntity(kind, key)
		if err != nil {
			return nil, err
		}

		updated, err := e.store.UpdateEntity(kind, key, target.Payload, target.SchemaVersion, current.CurrentVersionKey)
		if err == nil {
			metrics.ResetsTotal.Inc()
			e.logger.Info().
				Str("entity_key", key).
				Str("target", versionKey).
				Str("version_key", updated.CurrentVersionKey).
				Msg("Entity reset")
			return updated, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt > 0 {
			return nil, err
		}
		metrics.ConflictRetries.Inc()
	}
}
