package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/manifest"
	"github.com/CreepyPvP/nanocl/pkg/metrics"
	"github.com/CreepyPvP/nanocl/pkg/proxy"
	"github.com/CreepyPvP/nanocl/pkg/storage"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidSpec is reported for manifest objects that fail validation
var ErrInvalidSpec = storage.ErrInvalidSpec

// Action is what the engine did with one object
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionNoop   Action = "noop"
	ActionDelete Action = "delete"
	ActionSkip   Action = "skip"
	ActionError  Action = "error"
)

// Outcome is the per-object result of an apply or revert
type Outcome struct {
	Kind      types.EntityKind `json:"kind"`
	Namespace string           `json:"namespace"`
	Name      string           `json:"name"`
	Key       string           `json:"key"`
	Action    Action           `json:"action"`
	Before    string           `json:"before,omitempty"`
	After     string           `json:"after,omitempty"`
	Error     string           `json:"error,omitempty"`

	// Err is the error behind Error, kept for errors.Is
	Err error `json:"-"`
}

func (o *Outcome) fail(err error) {
	o.Action = ActionError
	o.Err = err
	o.Error = err.Error()
}

func (o *Outcome) skip(err error) {
	o.Action = ActionSkip
	o.Err = err
	o.Error = err.Error()
}

// Result is the receipt of an apply or revert
type Result struct {
	// Record is the apply record that was stored or consumed, if any
	Record   *types.Record `json:"record,omitempty"`
	Outcomes []Outcome     `json:"outcomes"`
}

// Count returns how many outcomes have the given action
func (r *Result) Count(action Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == action {
			n++
		}
	}
	return n
}

// Engine applies manifests against the store, reverts them and resets
// entities to earlier versions. It holds no locks: concurrent writers to the
// same entity are serialized by the store's compare-and-swap update.
type Engine struct {
	store  storage.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine creates an engine on top of a store
func NewEngine(store storage.Store) *Engine {
	return &Engine{
		store:  store,
		logger: log.WithComponent("reconciler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply reconciles every object of the manifest. Failures are reported per
// object and the batch continues; only cancellation and an unavailable store
// stop it early, in which case the remaining objects are reported as skipped.
// Changes made so far are recorded so the partial batch can be reverted.
func (e *Engine) Apply(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, "apply")

	objects := m.Ordered()
	record := &types.Record{
		ID:          uuid.NewString(),
		Fingerprint: m.Fingerprint(),
		CreatedAt:   e.now(),
	}
	result := &Result{Outcomes: make([]Outcome, 0, len(objects))}

	var fatal error
	for _, obj := range objects {
		outcome := Outcome{
			Kind:      obj.Kind,
			Namespace: obj.Namespace,
			Name:      obj.Name,
			Key:       obj.Key(),
		}

		if fatal == nil {
			fatal = ctx.Err()
		}
		if fatal != nil {
			outcome.skip(fatal)
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}

		entry := e.applyObject(obj, &outcome)
		if entry != nil {
			record.Entries = append(record.Entries, *entry)
		}
		if errors.Is(outcome.Err, storage.ErrStorageUnavailable) {
			fatal = outcome.Err
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	for _, o := range result.Outcomes {
		metrics.ApplyActions.WithLabelValues(string(o.Action)).Inc()
	}

	if len(record.Entries) > 0 {
		if err := e.store.PushRecord(record); err != nil {
			e.logger.Error().Err(err).Str("record", record.ID).Msg("Failed to store apply record")
			return result, fmt.Errorf("failed to store apply record: %w", err)
		}
		result.Record = record
	}

	e.logger.Info().
		Str("fingerprint", record.Fingerprint).
		Int("created", result.Count(ActionCreate)).
		Int("updated", result.Count(ActionUpdate)).
		Int("unchanged", result.Count(ActionNoop)).
		Int("failed", result.Count(ActionError)).
		Msg("Manifest applied")

	return result, fatal
}

func (e *Engine) applyObject(obj manifest.Object, outcome *Outcome) *types.RecordEntry {
	if obj.Kind == types.EntityKindNamespace {
		return e.applyNamespace(obj, outcome)
	}

	if err := ValidateObject(obj); err != nil {
		outcome.fail(err)
		return nil
	}

	for attempt := 0; ; attempt++ {
		entry, err := e.upsert(obj, outcome)
		if err == nil {
			return entry
		}
		retryable := errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNameConflict)
		if !retryable || attempt > 0 {
			outcome.fail(err)
			return nil
		}
		metrics.ConflictRetries.Inc()
		e.logger.Debug().Str("entity_key", outcome.Key).Err(err).Msg("Lost race for entity head, retrying")
	}
}

// upsert creates the entity or appends a version when the desired payload
// differs from the head
func (e *Engine) upsert(obj manifest.Object, outcome *Outcome) (*types.RecordEntry, error) {
	key := obj.Key()

	current, err := e.store.GetEntity(obj.Kind, key)
	if errors.Is(err, storage.ErrNotFound) {
		created, err := e.store.CreateEntity(obj.Kind, obj.Namespace, obj.Name, obj.Spec, obj.SchemaVersion)
		if err != nil {
			return nil, err
		}
		outcome.Action = ActionCreate
		outcome.After = created.CurrentVersionKey
		return &types.RecordEntry{
			Kind:      obj.Kind,
			Key:       key,
			Namespace: obj.Namespace,
			After:     created.CurrentVersionKey,
			Op:        types.RecordOpCreate,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	same, err := sameVersion(current.Version, obj.Spec, obj.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if same {
		outcome.Action = ActionNoop
		outcome.Before = current.CurrentVersionKey
		outcome.After = current.CurrentVersionKey
		return nil, nil
	}

	updated, err := e.store.UpdateEntity(obj.Kind, key, obj.Spec, obj.SchemaVersion, current.CurrentVersionKey)
	if err != nil {
		return nil, err
	}
	outcome.Action = ActionUpdate
	outcome.Before = current.CurrentVersionKey
	outcome.After = updated.CurrentVersionKey
	return &types.RecordEntry{
		Kind:      obj.Kind,
		Key:       key,
		Namespace: obj.Namespace,
		Before:    current.CurrentVersionKey,
		After:     updated.CurrentVersionKey,
		Op:        types.RecordOpUpdate,
	}, nil
}

func (e *Engine) applyNamespace(obj manifest.Object, outcome *Outcome) *types.RecordEntry {
	if err := storage.ValidateName(obj.Name); err != nil {
		outcome.fail(err)
		return nil
	}

	_, err := e.store.GetNamespace(obj.Name)
	if err == nil {
		outcome.Action = ActionNoop
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		outcome.fail(err)
		return nil
	}

	if _, err := e.store.CreateNamespace(obj.Name); err != nil {
		if errors.Is(err, storage.ErrNameConflict) {
			// Created concurrently; it exists, which is what was asked for
			outcome.Action = ActionNoop
			return nil
		}
		outcome.fail(err)
		return nil
	}

	nsLog := log.WithNamespace(obj.Name)
	nsLog.Info().Msg("Namespace created")

	outcome.Action = ActionCreate
	return &types.RecordEntry{
		Kind:      types.EntityKindNamespace,
		Key:       obj.Name,
		Namespace: obj.Name,
		Op:        types.RecordOpCreate,
	}
}

// sameVersion compares a head version with a desired payload under
// structural equality
func sameVersion(head *types.Version, payload json.RawMessage, schemaVersion string) (bool, error) {
	if head == nil {
		return false, nil
	}
	if head.SchemaVersion != schemaVersion {
		return false, nil
	}
	equal, err := types.PayloadEqual(head.Payload, payload)
	if err != nil {
		return false, fmt.Errorf("%v: %w", err, ErrInvalidSpec)
	}
	return equal, nil
}

// ValidateObject checks a manifest object before it reaches the store
func ValidateObject(obj manifest.Object) error {
	if err := storage.ValidateName(obj.Name); err != nil {
		return err
	}
	if obj.Kind == types.EntityKindNamespace {
		return nil
	}
	if err := storage.ValidateName(obj.Namespace); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}
	if len(obj.Spec) == 0 {
		return fmt.Errorf("%s %s: spec is required: %w", obj.Kind, obj.Name, ErrInvalidSpec)
	}

	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%s %s: %s: %w", obj.Kind, obj.Name, fmt.Sprintf(format, args...), ErrInvalidSpec)
	}

	switch obj.Kind {
	case types.EntityKindCargo:
		var spec types.CargoSpec
		if err := json.Unmarshal(obj.Spec, &spec); err != nil {
			return invalid("%v", err)
		}
		if spec.Image == "" {
			return invalid("image is required")
		}
	case types.EntityKindVm:
		var spec types.VmSpec
		if err := json.Unmarshal(obj.Spec, &spec); err != nil {
			return invalid("%v", err)
		}
		if spec.Image == "" {
			return invalid("image is required")
		}
	case types.EntityKindResource:
		var spec types.ResourceSpec
		if err := json.Unmarshal(obj.Spec, &spec); err != nil {
			return invalid("%v", err)
		}
		if spec.Kind == "" {
			return invalid("kind is required")
		}
		if proxy.IsProxyRule(spec) {
			if _, err := proxy.Parse(spec.Config); err != nil {
				return invalid("%v", err)
			}
		}
	default:
		return invalid("unsupported kind")
	}
	return nil
}
