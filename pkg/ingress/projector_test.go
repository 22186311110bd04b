package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/events"
	"github.com/CreepyPvP/nanocl/pkg/manager"
	"github.com/CreepyPvP/nanocl/pkg/proxy"
	"github.com/CreepyPvP/nanocl/pkg/storage"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReloader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingReloader) Reload(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingReloader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestProjector(t *testing.T) (*Projector, *storage.BoltStore, *countingReloader) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reloader := &countingReloader{}
	p := NewProjector(store, Config{
		ConfDir:   t.TempDir(),
		Listeners: proxy.DefaultListeners(),
		Reloader:  reloader,
	})
	return p, store, reloader
}

func proxyRule(config string) json.RawMessage {
	return json.RawMessage(`{"kind":"ProxyRule","config":` + config + `}`)
}

func siteRule(domain string) json.RawMessage {
	return proxyRule(`{"rule":{"http":{"domain":"` + domain + `","network":"public","locations":[
		{"path":"/","target":{"uri":{"uri":"http://backend"}}}
	]}}}`)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestProjector_ResyncAndDelete(t *testing.T) {
	p, store, reloader := newTestProjector(t)
	ctx := context.Background()

	_, err := store.CreateEntity(types.EntityKindResource, "global", "r1", siteRule("example.com"), "v1")
	require.NoError(t, err)

	require.NoError(t, p.Resync(ctx))
	assert.Equal(t, 1, reloader.count())

	site := filepath.Join(p.Dir().Root(), "sites-enabled", "r1.conf")
	assert.Contains(t, readFile(t, site), "server_name example.com;")
	assert.Equal(t, proxy.DefaultServerConf, readFile(t, p.Dir().DefaultPath()))

	_, err = store.DeleteEntity(types.EntityKindResource, "r1.global")
	require.NoError(t, err)
	p.HandleEvent(ctx, &events.Event{Type: events.EventDeleted, EntityKind: types.EntityKindResource, Key: "r1.global"})

	assert.NoFileExists(t, site)
	assert.Equal(t, 2, reloader.count())
}

func TestProjector_ResyncDeterministic(t *testing.T) {
	p, store, _ := newTestProjector(t)
	ctx := context.Background()

	_, err := store.CreateEntity(types.EntityKindResource, "global", "site", siteRule("a.example.com"), "v1")
	require.NoError(t, err)
	_, err = store.CreateEntity(types.EntityKindResource, "global", "db", proxyRule(`{"rule":{"stream":[
		{"network":"private","protocol":"tcp","port":5432,"target":{"uri":{"uri":"tcp://10.0.0.9:5432"}}}
	]}}`), "v1")
	require.NoError(t, err)

	require.NoError(t, p.Resync(ctx))
	first, err := p.Dir().Snapshot()
	require.NoError(t, err)

	require.NoError(t, p.Resync(ctx))
	second, err := p.Dir().Snapshot()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, filepath.Join("streams-enabled", "db.conf"))
	assert.Contains(t, first, filepath.Join("sites-enabled", "site.conf"))
	assert.Contains(t, first, filepath.Join("conf.d", "default.conf"))
}

func TestProjector_UnresolvedCargo(t *testing.T) {
	p, store, _ := newTestProjector(t)
	ctx := context.Background()

	_, err := store.CreateEntity(types.EntityKindResource, "global", "web", proxyRule(`{"rule":{"http":{"network":"public","locations":[
		{"path":"/","target":{"cargo":{"key":"app.global","port":8080}}}
	]}}}`), "v1")
	require.NoError(t, err)

	require.NoError(t, p.Resync(ctx))
	site := filepath.Join(p.Dir().Root(), "sites-enabled", "web.conf")
	assert.Contains(t, readFile(t, site), "return 503; # unresolved cargo app.global")

	_, err = store.CreateEntity(types.EntityKindCargo, "global", "app", json.RawMessage(`{"image":"nginx"}`), "v1")
	require.NoError(t, err)
	_, err = store.SetRuntimeAddress(types.EntityKindCargo, "app.global", "10.0.0.5")
	require.NoError(t, err)

	p.HandleEvent(ctx, &events.Event{Type: events.EventUpdated, EntityKind: types.EntityKindCargo, Key: "app.global"})
	assert.Contains(t, readFile(t, site), "proxy_pass http://10.0.0.5:8080;")
}

func TestProjector_NameCollision(t *testing.T) {
	p, store, _ := newTestProjector(t)
	ctx := context.Background()

	_, err := store.CreateNamespace("prod")
	require.NoError(t, err)
	_, err = store.CreateEntity(types.EntityKindResource, "global", "r1", siteRule("first.example.com"), "v1")
	require.NoError(t, err)
	_, err = store.CreateEntity(types.EntityKindResource, "prod", "r1", siteRule("second.example.com"), "v1")
	require.NoError(t, err)

	require.NoError(t, p.Resync(ctx))
	site := filepath.Join(p.Dir().Root(), "sites-enabled", "r1.conf")
	assert.Contains(t, readFile(t, site), "first.example.com")

	// An update of the skipped resource still cannot take the file
	p.HandleEvent(ctx, &events.Event{Type: events.EventUpdated, EntityKind: types.EntityKindResource, Key: "r1.prod"})
	assert.Contains(t, readFile(t, site), "first.example.com")

	_, err = store.DeleteEntity(types.EntityKindResource, "r1.global")
	require.NoError(t, err)
	p.HandleEvent(ctx, &events.Event{Type: events.EventDeleted, EntityKind: types.EntityKindResource, Key: "r1.global"})
	assert.NoFileExists(t, site)
	require.Len(t, p.resyncCh, 1, "owner removal schedules a resync")

	require.NoError(t, p.Resync(ctx))
	assert.Contains(t, readFile(t, site), "second.example.com")
}

func TestProjector_SkipsUnchangedAndForeignResources(t *testing.T) {
	p, store, reloader := newTestProjector(t)
	ctx := context.Background()

	_, err := store.CreateEntity(types.EntityKindResource, "global", "r1", siteRule("example.com"), "v1")
	require.NoError(t, err)
	_, err = store.CreateEntity(types.EntityKindResource, "global", "dns", json.RawMessage(`{"kind":"DnsRule","config":{}}`), "v1")
	require.NoError(t, err)

	require.NoError(t, p.Resync(ctx))
	files, err := p.Dir().Snapshot()
	require.NoError(t, err)
	assert.Len(t, files, 2, "default server and r1 only")

	p.HandleEvent(ctx, &events.Event{Type: events.EventUpdated, EntityKind: types.EntityKindResource, Key: "r1.global"})
	assert.Equal(t, 1, reloader.count(), "unchanged content does not reload")

	p.HandleEvent(ctx, &events.Event{Type: events.EventCreated, EntityKind: types.EntityKindNamespace, Key: "prod"})
	assert.Equal(t, 1, reloader.count())
}

func TestProjector_InvalidRuleRemovesFile(t *testing.T) {
	p, store, _ := newTestProjector(t)
	ctx := context.Background()

	entity, err := store.CreateEntity(types.EntityKindResource, "global", "r1", siteRule("example.com"), "v1")
	require.NoError(t, err)
	require.NoError(t, p.Resync(ctx))

	_, err = store.UpdateEntity(types.EntityKindResource, "r1.global", proxyRule(`{"rule":{}}`), "v1", entity.CurrentVersionKey)
	require.NoError(t, err)
	p.HandleEvent(ctx, &events.Event{Type: events.EventUpdated, EntityKind: types.EntityKindResource, Key: "r1.global"})

	assert.NoFileExists(t, filepath.Join(p.Dir().Root(), "sites-enabled", "r1.conf"))
}

func TestProjector_ReloadFailureKeepsFiles(t *testing.T) {
	p, store, reloader := newTestProjector(t)
	reloader.err = errors.New("nginx: invalid config")

	_, err := store.CreateEntity(types.EntityKindResource, "global", "r1", siteRule("example.com"), "v1")
	require.NoError(t, err)

	require.NoError(t, p.Resync(context.Background()))
	assert.FileExists(t, filepath.Join(p.Dir().Root(), "sites-enabled", "r1.conf"))
}

func TestProjector_Drifted(t *testing.T) {
	p, store, _ := newTestProjector(t)

	_, err := store.CreateEntity(types.EntityKindResource, "global", "r1", siteRule("example.com"), "v1")
	require.NoError(t, err)
	require.NoError(t, p.Resync(context.Background()))

	drifted, err := p.Drifted()
	require.NoError(t, err)
	assert.False(t, drifted)

	site := filepath.Join(p.Dir().Root(), "sites-enabled", "r1.conf")
	require.NoError(t, os.WriteFile(site, []byte("edited"), 0644))
	drifted, err = p.Drifted()
	require.NoError(t, err)
	assert.True(t, drifted)

	require.NoError(t, p.Resync(context.Background()))
	require.NoError(t, os.WriteFile(filepath.Join(p.Dir().Root(), "sites-enabled", "stray.conf"), []byte("x"), 0644))
	drifted, err = p.Drifted()
	require.NoError(t, err)
	assert.True(t, drifted)
}

func TestProjector_RunFollowsEvents(t *testing.T) {
	m, err := manager.NewManager(&manager.Config{DataDir: t.TempDir(), Events: events.DefaultOptions()})
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown() })

	p := NewProjector(m, Config{ConfDir: t.TempDir(), Listeners: proxy.DefaultListeners()})
	sub := m.GetEventBroker().Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, sub) }()

	_, err = m.CreateEntity(types.EntityKindResource, "global", "r1", siteRule("example.com"), "v1")
	require.NoError(t, err)

	site := filepath.Join(p.Dir().Root(), "sites-enabled", "r1.conf")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(site)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = m.DeleteEntity(types.EntityKindResource, "r1.global")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(site)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("projector did not stop")
	}
}
