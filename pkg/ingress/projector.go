package ingress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/events"
	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/metrics"
	"github.com/CreepyPvP/nanocl/pkg/proxy"
	"github.com/CreepyPvP/nanocl/pkg/storage"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrProjection wraps render and write failures of a single rule
var ErrProjection = errors.New("projection failure")

// errUnresolved marks a cargo without a runtime address
var errUnresolved = errors.New("cargo has no runtime address")

// DefaultResyncInterval is the period of the full resync safety net
const DefaultResyncInterval = time.Minute

// resolveConcurrency bounds parallel cargo lookups during a resync
const resolveConcurrency = 8

// Source is the part of the object store the projector reads
type Source interface {
	GetEntity(kind types.EntityKind, key string) (*types.Entity, error)
	ListEntities(kind types.EntityKind, query types.ListQuery) ([]*types.Entity, error)
}

// Config configures a Projector
type Config struct {
	ConfDir        string
	Listeners      proxy.Listeners
	ResyncInterval time.Duration
	Reloader       Reloader
}

type projection struct {
	path    string
	cargoes []string
}

// Projector renders ProxyRule resources into the gateway configuration
// directory. It is the only writer of that directory; every mutation of the
// tree happens under mu.
type Projector struct {
	source   Source
	dir      *ConfDir
	renderer *proxy.Renderer
	reloader Reloader
	interval time.Duration
	logger   zerolog.Logger

	mu         sync.Mutex
	projected  map[string]projection          // resource key -> file
	owners     map[string]string              // file path -> resource key
	watchers   map[string]map[string]struct{} // cargo key -> resource keys
	collisions map[string]struct{}            // resources skipped for a taken file name
	written    map[string][]byte              // relative path -> last content written

	lookups  singleflight.Group
	resyncCh chan struct{}
	lastSeq  uint64
}

// NewProjector creates a projector writing below cfg.ConfDir
func NewProjector(source Source, cfg Config) *Projector {
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.Reloader == nil {
		cfg.Reloader = NopReloader{}
	}
	return &Projector{
		source:     source,
		dir:        NewConfDir(cfg.ConfDir),
		renderer:   proxy.NewRenderer(cfg.Listeners),
		reloader:   cfg.Reloader,
		interval:   cfg.ResyncInterval,
		logger:     log.WithComponent("ingress"),
		projected:  make(map[string]projection),
		owners:     make(map[string]string),
		watchers:   make(map[string]map[string]struct{}),
		collisions: make(map[string]struct{}),
		written:    make(map[string][]byte),
		resyncCh:   make(chan struct{}, 1),
	}
}

// Dir returns the managed directory layout
func (p *Projector) Dir() *ConfDir {
	return p.dir
}

// RequestResync schedules a full resync on the Run loop. Requests arriving
// while one is pending are coalesced.
func (p *Projector) RequestResync() {
	select {
	case p.resyncCh <- struct{}{}:
	default:
	}
}

// Run projects change events until ctx is cancelled or the subscription is
// closed. It resyncs on start, periodically, on request and whenever the
// event sequence shows a gap.
func (p *Projector) Run(ctx context.Context, sub *events.Subscription) error {
	if err := p.Resync(ctx); err != nil {
		p.logger.Error().Err(err).Msg("Initial resync failed")
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if p.lastSeq != 0 && ev.Seq != p.lastSeq+1 {
				p.logger.Warn().
					Uint64("expected", p.lastSeq+1).
					Uint64("got", ev.Seq).
					Msg("Missed change events, scheduling resync")
				p.RequestResync()
			}
			p.lastSeq = ev.Seq
			p.HandleEvent(ctx, ev)

		case <-ticker.C:
			p.RequestResync()

		case <-p.resyncCh:
			if err := p.Resync(ctx); err != nil {
				p.logger.Error().Err(err).Msg("Resync failed")
			}
		}
	}
}

// Resync rebuilds the whole directory from the live set of ProxyRule
// resources and reloads the gateway once
func (p *Projector) Resync(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ResyncDuration)

	resources, err := p.source.ListEntities(types.EntityKindResource, types.ListQuery{})
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentProjector, false, err.Error())
		return fmt.Errorf("failed to list resources: %w", err)
	}

	addrs := p.prefetch(ctx, resources)
	resolver := proxy.ResolverFunc(func(_ context.Context, key string) (string, error) {
		if addr, ok := addrs[key]; ok {
			return addr, nil
		}
		return "", fmt.Errorf("cargo %s: %w", key, errUnresolved)
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.dir.Clear(); err != nil {
		metrics.RegisterComponent(metrics.ComponentProjector, false, err.Error())
		return err
	}
	p.projected = make(map[string]projection)
	p.owners = make(map[string]string)
	p.watchers = make(map[string]map[string]struct{})
	p.collisions = make(map[string]struct{})
	p.written = make(map[string][]byte)

	if err := p.dir.WriteDefault(); err != nil {
		metrics.RegisterComponent(metrics.ComponentProjector, false, err.Error())
		return err
	}
	p.written[p.rel(p.dir.DefaultPath())] = []byte(proxy.DefaultServerConf)

	failures := 0
	for _, resource := range resources {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.project(ctx, resource, resolver); err != nil {
			failures++
		}
	}

	p.reload(ctx)
	p.logger.Info().
		Int("resources", len(resources)).
		Int("files", len(p.projected)).
		Int("failures", failures).
		Msg("Gateway configuration resynced")
	return nil
}

// prefetch resolves every cargo referenced by the resources concurrently
func (p *Projector) prefetch(ctx context.Context, resources []*types.Entity) map[string]string {
	keys := make(map[string]struct{})
	for _, resource := range resources {
		rule, err := proxy.FromResource(resource)
		if err != nil {
			continue
		}
		for _, key := range rule.CargoKeys() {
			keys[key] = struct{}{}
		}
	}

	var mu sync.Mutex
	addrs := make(map[string]string, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for key := range keys {
		key := key
		g.Go(func() error {
			addr, err := p.resolveCargo(gctx, key)
			if err != nil {
				return nil
			}
			mu.Lock()
			addrs[key] = addr
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return addrs
}

// resolveCargo looks up the runtime address of a cargo. Concurrent lookups
// of the same key share one store read.
func (p *Projector) resolveCargo(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err, _ := p.lookups.Do(key, func() (any, error) {
		cargo, err := p.source.GetEntity(types.EntityKindCargo, key)
		if err != nil {
			return "", err
		}
		if cargo.RuntimeAddress == "" {
			return "", fmt.Errorf("cargo %s: %w", key, errUnresolved)
		}
		return cargo.RuntimeAddress, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// HandleEvent applies one change event to the directory
func (p *Projector) HandleEvent(ctx context.Context, ev *events.Event) {
	changed := false

	switch ev.EntityKind {
	case types.EntityKindResource:
		changed = p.refresh(ctx, ev.Key, ev.Type == events.EventDeleted)

	case types.EntityKindCargo:
		for _, key := range p.dependents(ev.Key) {
			if p.refresh(ctx, key, false) {
				changed = true
			}
		}

	default:
		return
	}

	if changed {
		p.reload(ctx)
	}
}

// refresh re-projects one resource, or removes its file when it is gone
func (p *Projector) refresh(ctx context.Context, key string, deleted bool) bool {
	var resource *types.Entity
	if !deleted {
		var err error
		resource, err = p.source.GetEntity(types.EntityKindResource, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			deleted = true
		case err != nil:
			p.logger.Error().Err(err).Str("entity_key", key).Msg("Failed to read resource, scheduling resync")
			p.RequestResync()
			return false
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if deleted {
		return p.unproject(key)
	}
	changed, _ := p.project(ctx, resource, proxy.ResolverFunc(p.resolveCargo))
	return changed
}

// project renders one resource into its file. Callers hold mu.
func (p *Projector) project(ctx context.Context, resource *types.Entity, resolver proxy.Resolver) (bool, error) {
	rule, err := proxy.FromResource(resource)
	if errors.Is(err, proxy.ErrNotProxyRule) {
		return p.unproject(resource.Key), nil
	}
	if err != nil {
		changed := p.unproject(resource.Key)
		return changed, p.failure(resource.Key, err)
	}

	path := p.dir.Path(rule.Rule.Kind(), resource.Name)
	if owner, ok := p.owners[path]; ok && owner != resource.Key {
		changed := p.unproject(resource.Key)
		p.collisions[resource.Key] = struct{}{}
		return changed, p.failure(resource.Key, fmt.Errorf("%s is already rendered for %s", path, owner))
	}
	delete(p.collisions, resource.Key)

	rendered, err := p.renderer.Render(ctx, resource.Key, rule, resolver)
	if err != nil {
		changed := p.unproject(resource.Key)
		return changed, p.failure(resource.Key, err)
	}
	for _, cargo := range rendered.Unresolved {
		p.logger.Warn().
			Str("entity_key", resource.Key).
			Str("cargo", cargo).
			Msg("Cargo target unresolved, location disabled")
	}

	changed := false
	if prev, ok := p.projected[resource.Key]; ok && prev.path != path {
		changed = p.unproject(resource.Key)
	}

	rel := p.rel(path)
	if current, ok := p.written[rel]; !ok || !bytes.Equal(current, rendered.Content) {
		if err := WriteFileAtomic(path, rendered.Content); err != nil {
			return changed, p.failure(resource.Key, err)
		}
		p.written[rel] = rendered.Content
		metrics.ProjectorWrites.WithLabelValues("write").Inc()
		changed = true
		p.logger.Debug().Str("entity_key", resource.Key).Str("path", path).Msg("Rule rendered")
	}

	if prev, ok := p.projected[resource.Key]; ok {
		p.unwatch(resource.Key, prev.cargoes)
	}
	cargoes := rule.CargoKeys()
	p.projected[resource.Key] = projection{path: path, cargoes: cargoes}
	p.owners[path] = resource.Key
	for _, cargo := range cargoes {
		if p.watchers[cargo] == nil {
			p.watchers[cargo] = make(map[string]struct{})
		}
		p.watchers[cargo][resource.Key] = struct{}{}
	}
	return changed, nil
}

// unproject removes the file of a resource. Callers hold mu.
func (p *Projector) unproject(key string) bool {
	delete(p.collisions, key)

	prev, ok := p.projected[key]
	if !ok {
		return false
	}

	p.unwatch(key, prev.cargoes)
	delete(p.projected, key)
	delete(p.owners, prev.path)
	delete(p.written, p.rel(prev.path))

	if err := p.dir.Remove(prev.path); err != nil {
		p.failure(key, err)
	} else {
		metrics.ProjectorWrites.WithLabelValues("remove").Inc()
		p.logger.Debug().Str("entity_key", key).Str("path", prev.path).Msg("Rule removed")
	}

	// A resource skipped because of this one may own the name now
	if len(p.collisions) > 0 {
		p.RequestResync()
	}
	return true
}

func (p *Projector) unwatch(key string, cargoes []string) {
	for _, cargo := range cargoes {
		delete(p.watchers[cargo], key)
		if len(p.watchers[cargo]) == 0 {
			delete(p.watchers, cargo)
		}
	}
}

// dependents returns the resources whose rules reference a cargo
func (p *Projector) dependents(cargo string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.watchers[cargo]))
	for key := range p.watchers[cargo] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (p *Projector) failure(key string, err error) error {
	err = fmt.Errorf("resource %s: %w: %w", key, ErrProjection, err)
	metrics.ProjectorFailures.Inc()
	p.logger.Error().Err(err).Str("entity_key", key).Msg("Rule skipped")
	return err
}

func (p *Projector) reload(ctx context.Context) {
	if err := p.reloader.Reload(ctx); err != nil {
		metrics.ReloadFailures.Inc()
		metrics.RegisterComponent(metrics.ComponentProjector, false, "reload failed: "+err.Error())
		p.logger.Error().Err(err).Msg("Gateway reload failed")
		return
	}
	metrics.RegisterComponent(metrics.ComponentProjector, true, "")
}

// Drifted reports whether the files on disk differ from what the projector
// last wrote
func (p *Projector) Drifted() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	files, err := p.dir.Snapshot()
	if err != nil {
		return false, err
	}
	if len(files) != len(p.written) {
		return true, nil
	}
	for rel, content := range files {
		if want, ok := p.written[rel]; !ok || !bytes.Equal(want, content) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Projector) rel(path string) string {
	rel, err := filepath.Rel(p.dir.Root(), path)
	if err != nil {
		return path
	}
	return rel
}
