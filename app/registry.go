package app

import (
	"context"
	"sync"
	"time"

	"github.com/dataflowrt/core/extension"
	"github.com/dataflowrt/core/telemetry"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

// AddonInfo is the catalog metadata for one registered addon type. It is
// descriptive only; loading the addon's manifest and launching whatever
// process or shared library backs it remains an external collaborator
// -- AddonRegistry only tracks the Go-side factory this
// process itself already links in, plus optional catalog metadata fetched
// from a remote registry for discovery/display.
type AddonInfo struct {
	Name        string
	Description string
	Version     string
	Origin      string
}

// AddonFactory constructs a fresh extension.Handler for one node of a
// graph, seeded with that node's initial property bag.
type AddonFactory func(props value.Value) (extension.Handler, error)

// RegistryClient is the abstraction a remote addon catalog implements.
// HTTPRegistryClient is the bundled implementation.
type RegistryClient interface {
	ListAddons(ctx context.Context) ([]*AddonInfo, error)
	DescribeAddon(ctx context.Context, name string) (*AddonInfo, error)
}

// AddonCache memoizes RegistryClient lookups. memoryAddonCache is the
// bundled implementation; tests may supply their own.
type AddonCache interface {
	Get(ctx context.Context, key string) (*AddonInfo, bool)
	Set(ctx context.Context, key string, info *AddonInfo, ttl time.Duration)
}

type cacheEntry struct {
	info      *AddonInfo
	expiresAt time.Time
}

// memoryAddonCache is a plain TTL map, trimmed to the single
// get/set/expire shape this registry needs.
type memoryAddonCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newMemoryAddonCache() *memoryAddonCache {
	return &memoryAddonCache{entries: make(map[string]cacheEntry)}
}

func (c *memoryAddonCache) Get(_ context.Context, key string) (*AddonInfo, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.info, true
}

func (c *memoryAddonCache) Set(_ context.Context, key string, info *AddonInfo, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{info: info, expiresAt: time.Now().Add(ttl)}
}

// AddonRegistry is the app-level catalog of known addon types. Local
// types are registered by RegisterFactory before the app
// starts; DescribeAddon/ListAddons additionally consult an optional remote
// catalog for types this process does not itself implement.
type AddonRegistry struct {
	mu        sync.RWMutex
	factories map[string]AddonFactory

	client   RegistryClient
	cache    AddonCache
	cacheTTL time.Duration
	log      telemetry.Logger
}

// RegistryOption configures an AddonRegistry.
type RegistryOption func(*AddonRegistry)

// WithRegistryClient sets the remote catalog consulted for addon types not
// registered locally.
func WithRegistryClient(c RegistryClient) RegistryOption {
	return func(r *AddonRegistry) { r.client = c }
}

// WithAddonCache overrides the default in-memory TTL cache.
func WithAddonCache(c AddonCache) RegistryOption {
	return func(r *AddonRegistry) { r.cache = c }
}

// WithCacheTTL sets how long a remote catalog lookup is cached. Defaults to
// one hour.
func WithCacheTTL(ttl time.Duration) RegistryOption {
	return func(r *AddonRegistry) { r.cacheTTL = ttl }
}

// WithRegistryLogger sets the logger used for registry diagnostics.
func WithRegistryLogger(log telemetry.Logger) RegistryOption {
	return func(r *AddonRegistry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewAddonRegistry constructs an empty registry.
func NewAddonRegistry(opts ...RegistryOption) *AddonRegistry {
	r := &AddonRegistry{
		factories: make(map[string]AddonFactory),
		cache:     newMemoryAddonCache(),
		cacheTTL:  time.Hour,
		log:       telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterFactory links a local addon type this process can instantiate.
func (r *AddonRegistry) RegisterFactory(name string, f AddonFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Instantiate builds a fresh Handler for addon type name using its
// registered factory.
func (r *AddonRegistry) Instantiate(name string, props value.Value) (extension.Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, tenerr.InvalidArgumentf("no addon type %q registered in this app", name)
	}
	return f(props)
}

// HasFactory reports whether name is locally instantiable, used by the
// start_graph handler to decide whether a node is local or must be
// forwarded to a remote app.
func (r *AddonRegistry) HasFactory(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// DescribeAddon returns catalog metadata for name, preferring the local
// cache, then the remote catalog if one is configured.
func (r *AddonRegistry) DescribeAddon(ctx context.Context, name string) (*AddonInfo, error) {
	if info, ok := r.cache.Get(ctx, name); ok {
		return info, nil
	}
	if r.client == nil {
		return nil, tenerr.InvalidArgumentf("addon %q is not known locally and no remote catalog is configured", name)
	}
	info, err := r.client.DescribeAddon(ctx, name)
	if err != nil {
		return nil, err
	}
	r.cache.Set(ctx, name, info, r.cacheTTL)
	return info, nil
}

// ListAddons returns every addon type the remote catalog advertises. Local
// factory-only types with no catalog entry are not included; callers
// wanting those enumerate the registered names directly.
func (r *AddonRegistry) ListAddons(ctx context.Context) ([]*AddonInfo, error) {
	if r.client == nil {
		return nil, nil
	}
	infos, err := r.client.ListAddons(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		r.cache.Set(ctx, info.Name, info, r.cacheTTL)
	}
	return infos, nil
}
