package entity

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	apperrors "entity-mirror.io/entity/internal/pkg/errors"
)

// Instance is one row of a registered source model. Implementations are
// whatever the host application fetches from its own tables; the sync engine
// only ever needs the primary key and hands the value back to the type's
// Config for everything else.
type Instance interface {
	InstanceID() int64
}

// Config describes how instances of one source type map onto the mirror.
// It is the capability interface the Syncer calls into; concrete source-type
// adapters implement it explicitly.
type Config interface {
	// EntityKind returns the kind tuple for an instance.
	EntityKind(obj Instance) KindTuple

	// DisplayName returns a human-readable name for an instance.
	DisplayName(obj Instance) string

	// Meta returns the denormalized metadata blob for an instance, or nil
	// when the type carries none.
	Meta(obj Instance) (json.RawMessage, error)

	// IsActive reports whether the instance's mirror row should be active.
	IsActive(obj Instance) bool

	// SuperEntities returns, per super-entity type name, the (sub id,
	// super id) pairs for the given instances. syncingAll is true during a
	// full sync, letting implementations batch their lookups differently.
	SuperEntities(ctx context.Context, objs []Instance, syncingAll bool) (map[string][]Edge, error)
}

// Source fetches instances of one source type. It stands in for the
// pre-fetch-optimized query a registration may carry: implementations should
// preload whatever their Config needs so per-instance resolution stays cheap.
type Source interface {
	FetchAll(ctx context.Context) ([]Instance, error)
	FetchByIDs(ctx context.Context, ids []int64) ([]Instance, error)
}

// WatcherFunc maps a changed instance of a watched type to the refs of
// registered instances that must be re-synced because of it. Used when a
// relationship is not visible from the mirrored side, e.g. a many-to-many
// held by the other model.
type WatcherFunc func(ctx context.Context, changedID int64) ([]Ref, error)

// BaseConfig provides the default resolution policy: no metadata, always
// active, no super entities. Embed it and override what the type needs.
type BaseConfig struct{}

func (BaseConfig) Meta(Instance) (json.RawMessage, error) { return nil, nil }

func (BaseConfig) IsActive(Instance) bool { return true }

func (BaseConfig) SuperEntities(context.Context, []Instance, bool) (map[string][]Edge, error) {
	return nil, nil
}

type registration struct {
	typeName string
	config   Config
	source   Source
}

// Registry maps source type names to their configs and sources, and tracks
// watcher relationships between types. Construct one at process start and
// hand it to the Syncer; there is no process-global instance, so tests can
// build isolated registries.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]registration
	watchers map[string][]WatcherFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]registration),
		watchers: make(map[string][]WatcherFunc),
	}
}

// Register records a source type with its config and source. Registering the
// same type name again is a no-op. A missing config or source is a
// programming mistake and fails immediately.
func (r *Registry) Register(typeName string, cfg Config, src Source) error {
	if typeName == "" {
		return apperrors.InvalidConfig("type name must not be empty")
	}
	if cfg == nil {
		return apperrors.InvalidConfig("entity config must not be nil for " + typeName)
	}
	if src == nil {
		return apperrors.InvalidConfig("entity source must not be nil for " + typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[typeName]; ok {
		return nil
	}
	r.entries[typeName] = registration{typeName: typeName, config: cfg, source: src}
	return nil
}

// RegisterWatcher records that changes to watchedType must cascade syncs to
// the refs the extractor yields. The watched type does not itself have to be
// registered as syncable.
func (r *Registry) RegisterWatcher(watchedType string, fn WatcherFunc) error {
	if watchedType == "" {
		return apperrors.InvalidConfig("watched type name must not be empty")
	}
	if fn == nil {
		return apperrors.InvalidConfig("watcher func must not be nil for " + watchedType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[watchedType] = append(r.watchers[watchedType], fn)
	return nil
}

// lookup returns the registration for a type name.
func (r *Registry) lookup(typeName string) (registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[typeName]
	if !ok {
		return registration{}, apperrors.NotRegistered(typeName)
	}
	return reg, nil
}

// TypeNames returns all registered type names in sorted order.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WatchersOf returns the watcher funcs registered for a type name.
func (r *Registry) WatchersOf(typeName string) []WatcherFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watchers[typeName]
}
