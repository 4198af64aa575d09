// Package resolver memoizes channel and user display-name lookups for the
// lifetime of a session.
package resolver

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/memohai/unifeed/internal/backend"
)

// Kind distinguishes the two name namespaces of a backend.
type Kind string

const (
	KindChannel Kind = "channel"
	KindUser    Kind = "user"
)

type cacheKey struct {
	backend backend.Type
	kind    Kind
	id      string
}

func (k cacheKey) String() string {
	return string(k.backend) + "/" + string(k.kind) + "/" + k.id
}

// Resolver caches display names per (backend, kind, id). Entries are never
// evicted or overwritten. Names looked up under an ended context are returned
// but not cached.
type Resolver struct {
	registry *backend.Registry
	logger   *slog.Logger
	group    singleflight.Group

	mu    sync.RWMutex
	cache map[cacheKey]string
}

// New creates a Resolver that delegates misses to the adapters in registry.
func New(log *slog.Logger, registry *backend.Registry) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		registry: registry,
		logger:   log.With(slog.String("component", "resolver")),
		cache:    map[cacheKey]string{},
	}
}

// ChannelName returns the display name of a channel, looking it up once.
func (r *Resolver) ChannelName(ctx context.Context, bt backend.Type, id string) string {
	return r.resolve(ctx, cacheKey{backend: bt, kind: KindChannel, id: strings.TrimSpace(id)})
}

// UserName returns the display name of a user. Backends without user lookup echo the id.
func (r *Resolver) UserName(ctx context.Context, bt backend.Type, id string) string {
	return r.resolve(ctx, cacheKey{backend: bt, kind: KindUser, id: strings.TrimSpace(id)})
}

// Cached returns a stored name without doing any I/O.
func (r *Resolver) Cached(bt backend.Type, kind Kind, id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.cache[cacheKey{backend: bt, kind: kind, id: strings.TrimSpace(id)}]
	return name, ok
}

func (r *Resolver) resolve(ctx context.Context, key cacheKey) string {
	if key.id == "" {
		return ""
	}
	if name, ok := r.Cached(key.backend, key.kind, key.id); ok {
		return name
	}
	v, _, _ := r.group.Do(key.String(), func() (any, error) {
		// A caller that lost the race may arrive after the winner stored.
		if name, ok := r.Cached(key.backend, key.kind, key.id); ok {
			return name, nil
		}
		name := r.lookup(ctx, key)
		// A lookup cut short by ctx falls back to the id; keep it out of the cache.
		if ctx.Err() == nil {
			r.store(key, name)
		}
		return name, nil
	})
	return v.(string)
}

func (r *Resolver) lookup(ctx context.Context, key cacheKey) string {
	if r.registry == nil {
		return key.id
	}
	adapter, ok := r.registry.Get(key.backend)
	if !ok {
		return key.id
	}
	var name string
	switch key.kind {
	case KindChannel:
		name = adapter.ResolveChannelName(ctx, key.id)
	case KindUser:
		if ur, ok := r.registry.GetUserResolver(key.backend); ok {
			name = ur.ResolveUserName(ctx, key.id)
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = key.id
	}
	if r.logger != nil {
		r.logger.Debug("resolved", slog.String("key", key.String()), slog.String("name", name))
	}
	return name
}

func (r *Resolver) store(key cacheKey, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cache[key]; !exists {
		r.cache[key] = name
	}
}

// Len reports the number of cached names.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
