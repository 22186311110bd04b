package reconciler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/CreepyPvP/nanocl/pkg/manifest"
	"github.com/CreepyPvP/nanocl/pkg/storage"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewEngine(store), store
}

func parse(t *testing.T, data string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(data))
	require.NoError(t, err)
	return m
}

func actions(result *Result) []Action {
	out := make([]Action, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		out = append(out, o.Action)
	}
	return out
}

const stateV1 = `
objects:
  - kind: Namespace
    name: default
  - kind: Cargo
    namespace: default
    name: web
    spec:
      image: nginx:1
  - kind: Resource
    namespace: default
    name: r1
    spec:
      kind: ProxyRule
      config:
        rule:
          http:
            network: public
            locations:
              - path: /
                target:
                  uri: {uri: "http://x"}
`

const stateV2 = `
objects:
  - kind: Namespace
    name: default
  - kind: Cargo
    namespace: default
    name: web
    spec:
      image: nginx:2
  - kind: Resource
    namespace: default
    name: r1
    spec:
      kind: ProxyRule
      config:
        rule:
          http:
            network: public
            locations:
              - path: /
                target:
                  uri: {uri: "http://x"}
`

func TestApply_CreatesInDependencyOrder(t *testing.T) {
	engine, store := newTestEngine(t)

	result, err := engine.Apply(context.Background(), parse(t, stateV1))
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, []Action{ActionCreate, ActionCreate, ActionCreate}, actions(result))
	assert.Equal(t, types.EntityKindNamespace, result.Outcomes[0].Kind)
	assert.Equal(t, types.EntityKindResource, result.Outcomes[1].Kind)
	assert.Equal(t, types.EntityKindCargo, result.Outcomes[2].Kind)

	require.NotNil(t, result.Record)
	assert.Len(t, result.Record.Entries, 3)

	entity, err := store.GetEntity(types.EntityKindCargo, "web.default")
	require.NoError(t, err)
	assert.Equal(t, result.Outcomes[2].After, entity.CurrentVersionKey)
}

func TestApply_Idempotent(t *testing.T) {
	engine, store := newTestEngine(t)
	m := parse(t, stateV1)

	_, err := engine.Apply(context.Background(), m)
	require.NoError(t, err)

	result, err := engine.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionNoop, ActionNoop, ActionNoop}, actions(result))
	assert.Nil(t, result.Record, "a batch without changes stores no record")

	history, err := store.ListHistory(types.EntityKindCargo, "web.default")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApply_StructuralEquality(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Apply(context.Background(), parse(t, "kind: Cargo\nname: web\nspec: {image: nginx, env: [A=1]}\n"))
	require.NoError(t, err)

	// Same document, different key order and formatting
	result, err := engine.Apply(context.Background(), parse(t, `{"kind":"cargo","name":"web","spec":{"env":["A=1"],"image":"nginx"}}`))
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionNoop}, actions(result))
}

func TestApply_Update(t *testing.T) {
	engine, store := newTestEngine(t)

	first, err := engine.Apply(context.Background(), parse(t, stateV1))
	require.NoError(t, err)

	result, err := engine.Apply(context.Background(), parse(t, stateV2))
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionNoop, ActionNoop, ActionUpdate}, actions(result))

	cargo := result.Outcomes[2]
	assert.Equal(t, first.Outcomes[2].After, cargo.Before)
	assert.NotEqual(t, cargo.Before, cargo.After)

	require.NotNil(t, result.Record)
	require.Len(t, result.Record.Entries, 1)
	assert.Equal(t, types.RecordOpUpdate, result.Record.Entries[0].Op)

	history, err := store.ListHistory(types.EntityKindCargo, "web.default")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestApply_InvalidSpecContinues(t *testing.T) {
	engine, store := newTestEngine(t)

	m := parse(t, `
objects:
  - kind: Cargo
    name: broken
    spec: {cmd: [sh]}
  - kind: Cargo
    name: dotted.name
    spec: {image: a}
  - kind: Resource
    name: bad-proxy
    spec: {kind: ProxyRule, config: {rule: {}}}
  - kind: Cargo
    name: elsewhere
    namespace: missing
    spec: {image: a}
  - kind: Cargo
    name: good
    spec: {image: a}
`)

	result, err := engine.Apply(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 5)

	byName := map[string]Outcome{}
	for _, o := range result.Outcomes {
		byName[o.Name] = o
	}
	assert.ErrorIs(t, byName["broken"].Err, ErrInvalidSpec)
	assert.ErrorIs(t, byName["dotted.name"].Err, storage.ErrInvalidName)
	assert.ErrorIs(t, byName["bad-proxy"].Err, ErrInvalidSpec)
	assert.ErrorIs(t, byName["elsewhere"].Err, storage.ErrNotFound)
	assert.Equal(t, ActionCreate, byName["good"].Action)
	assert.NotEmpty(t, byName["broken"].Error)

	_, err = store.GetEntity(types.EntityKindCargo, "good.global")
	assert.NoError(t, err)
}

func TestApply_Cancelled(t *testing.T) {
	engine, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Apply(ctx, parse(t, stateV1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []Action{ActionSkip, ActionSkip, ActionSkip}, actions(result))
	assert.Nil(t, result.Record)
}

func TestRevert_InvertsApply(t *testing.T) {
	engine, store := newTestEngine(t)
	m := parse(t, stateV1)

	_, err := engine.Apply(context.Background(), m)
	require.NoError(t, err)

	result, err := engine.Revert(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionDelete, ActionDelete, ActionDelete}, actions(result))

	for _, obj := range m.Objects {
		if obj.Kind == types.EntityKindNamespace {
			_, err := store.GetNamespace(obj.Name)
			assert.ErrorIs(t, err, storage.ErrNotFound)
			continue
		}
		_, err := store.GetEntity(obj.Kind, obj.Key())
		assert.ErrorIs(t, err, storage.ErrNotFound, obj.Key())
	}

	// The record was consumed, reverting again is a no-op
	result, err = engine.Revert(context.Background(), m)
	require.NoError(t, err)
	assert.Empty(t, result.Outcomes)
	assert.Nil(t, result.Record)
}

func TestRevert_UpdateAppendsPreviousPayload(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Apply(context.Background(), parse(t, stateV1))
	require.NoError(t, err)
	v2 := parse(t, stateV2)
	_, err = engine.Apply(context.Background(), v2)
	require.NoError(t, err)

	result, err := engine.Revert(context.Background(), v2)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionUpdate}, actions(result))

	entity, err := store.GetEntity(types.EntityKindCargo, "web.default")
	require.NoError(t, err)
	assert.JSONEq(t, `{"image":"nginx:1"}`, string(entity.Version.Payload))

	history, err := store.ListHistory(types.EntityKindCargo, "web.default")
	require.NoError(t, err)
	assert.Len(t, history, 3, "revert appends instead of truncating")

	// The first apply's record is still there and deletes everything
	result, err = engine.Revert(context.Background(), v2)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionDelete, ActionDelete, ActionDelete}, actions(result))
}

func TestRevert_KeepsNonEmptyNamespace(t *testing.T) {
	engine, store := newTestEngine(t)
	m := parse(t, "kind: Namespace\nname: shared\n")

	_, err := engine.Apply(context.Background(), m)
	require.NoError(t, err)
	_, err = store.CreateEntity(types.EntityKindCargo, "shared", "other", json.RawMessage(`{"image":"a"}`), "v1")
	require.NoError(t, err)

	result, err := engine.Revert(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, ActionSkip, result.Outcomes[0].Action)
	assert.ErrorIs(t, result.Outcomes[0].Err, storage.ErrNamespaceNotEmpty)

	_, err = store.GetNamespace("shared")
	assert.NoError(t, err)
}

func TestRevertRecord(t *testing.T) {
	engine, store := newTestEngine(t)

	applied, err := engine.Apply(context.Background(), parse(t, "kind: Cargo\nname: web\nspec: {image: a}\n"))
	require.NoError(t, err)
	require.NotNil(t, applied.Record)

	result, err := engine.RevertRecord(context.Background(), applied.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionDelete}, actions(result))

	_, err = store.GetEntity(types.EntityKindCargo, "web.global")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = engine.RevertRecord(context.Background(), applied.Record.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReset(t *testing.T) {
	engine, store := newTestEngine(t)

	created, err := store.CreateEntity(types.EntityKindCargo, "global", "web", json.RawMessage(`{"image":"v1"}`), "v1")
	require.NoError(t, err)
	v1 := created.CurrentVersionKey
	_, err = store.UpdateEntity(types.EntityKindCargo, "web.global", json.RawMessage(`{"image":"v2"}`), "v1", "")
	require.NoError(t, err)
	_, err = store.UpdateEntity(types.EntityKindCargo, "web.global", json.RawMessage(`{"image":"v3"}`), "v1", "")
	require.NoError(t, err)

	reset, err := engine.Reset(context.Background(), types.EntityKindCargo, "web.global", v1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"image":"v1"}`, string(reset.Version.Payload))
	assert.NotEqual(t, v1, reset.CurrentVersionKey)

	history, err := store.ListHistory(types.EntityKindCargo, "web.global")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, reset.CurrentVersionKey, history[0].Key)
	assert.Equal(t, v1, history[3].Key)
	assert.Equal(t, uint64(4), history[0].Seq)
}

func TestReset_Ownership(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := store.CreateEntity(types.EntityKindCargo, "global", "a", json.RawMessage(`{"image":"a"}`), "v1")
	require.NoError(t, err)
	b, err := store.CreateEntity(types.EntityKindCargo, "global", "b", json.RawMessage(`{"image":"b"}`), "v1")
	require.NoError(t, err)

	_, err = engine.Reset(context.Background(), types.EntityKindCargo, "a.global", b.CurrentVersionKey)
	assert.ErrorIs(t, err, storage.ErrForbidden)

	_, err = engine.Reset(context.Background(), types.EntityKindCargo, "a.global", "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	history, err := store.ListHistory(types.EntityKindCargo, "a.global")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestValidateObject(t *testing.T) {
	tests := []struct {
		name    string
		obj     manifest.Object
		wantErr error
	}{
		{name: "cargo", obj: manifest.Object{Kind: types.EntityKindCargo, Namespace: "global", Name: "c", Spec: json.RawMessage(`{"image":"a"}`)}},
		{name: "vm", obj: manifest.Object{Kind: types.EntityKindVm, Namespace: "global", Name: "v", Spec: json.RawMessage(`{"image":"ubuntu","cpu":2}`)}},
		{name: "plain resource", obj: manifest.Object{Kind: types.EntityKindResource, Namespace: "global", Name: "r", Spec: json.RawMessage(`{"kind":"DnsRule","config":{"anything":true}}`)}},
		{name: "namespace", obj: manifest.Object{Kind: types.EntityKindNamespace, Name: "prod"}},
		{name: "no spec", obj: manifest.Object{Kind: types.EntityKindCargo, Namespace: "global", Name: "c"}, wantErr: ErrInvalidSpec},
		{name: "vm without image", obj: manifest.Object{Kind: types.EntityKindVm, Namespace: "global", Name: "v", Spec: json.RawMessage(`{"cpu":2}`)}, wantErr: ErrInvalidSpec},
		{name: "resource without kind", obj: manifest.Object{Kind: types.EntityKindResource, Namespace: "global", Name: "r", Spec: json.RawMessage(`{"config":{}}`)}, wantErr: ErrInvalidSpec},
		{name: "cargo with wrong types", obj: manifest.Object{Kind: types.EntityKindCargo, Namespace: "global", Name: "c", Spec: json.RawMessage(`{"image":3}`)}, wantErr: ErrInvalidSpec},
		{name: "empty name", obj: manifest.Object{Kind: types.EntityKindCargo, Namespace: "global", Spec: json.RawMessage(`{"image":"a"}`)}, wantErr: storage.ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateObject(tt.obj)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
