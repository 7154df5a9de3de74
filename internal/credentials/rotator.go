// Package credentials owns the pool of provider API keys and rotates the
// active key in response to provider failures.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// persistTimeout bounds a pool write. Writes are detached from the
// caller's context so a cancelled session cannot drop an eviction.
const persistTimeout = 10 * time.Second

// ErrNoCredentials is returned when the pool is empty. It is terminal for
// the request that observes it.
var ErrNoCredentials = errors.New("no provider credentials available")

// Credential is one provider API key together with its position in the
// pool at the time it was handed out.
type Credential struct {
	Key   string
	Index int
}

// Masked returns the key in a form safe for logs.
func (c Credential) Masked() string {
	return Mask(c.Key)
}

// Persister durably stores the pool after a change.
type Persister interface {
	PersistCredentials(ctx context.Context, keys []string) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, keys []string) error

// PersistCredentials implements Persister.
func (f PersisterFunc) PersistCredentials(ctx context.Context, keys []string) error {
	return f(ctx, keys)
}

// Observer receives rotation events, used for metrics.
type Observer interface {
	CredentialRotated(evicted bool, remaining int)
}

// Rotator owns the ordered credential pool and the active index.
//
// The pool is the one piece of mutable state shared by concurrent
// sessions. Mutations happen under mu; persistence runs after mu is
// released and is serialized by persistMu, so a slow write never blocks
// Current for unrelated requests. persistMu is always taken before mu.
type Rotator struct {
	mu      sync.RWMutex
	keys    []string
	active  int
	version uint64

	// pending maps evicted keys to the pool version that dropped them,
	// until a write at that version or later succeeds.
	pending map[string]uint64

	persistMu sync.Mutex
	persisted uint64
	persister Persister

	observer Observer
	logger   *slog.Logger
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithPersister sets where pool changes are written.
func WithPersister(p Persister) Option {
	return func(r *Rotator) { r.persister = p }
}

// WithObserver registers a rotation observer.
func WithObserver(o Observer) Option {
	return func(r *Rotator) { r.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Rotator) { r.logger = logger }
}

// NewRotator creates a rotator over keys. Blank keys are dropped.
func NewRotator(keys []string, opts ...Option) *Rotator {
	r := &Rotator{
		keys:    normalize(keys),
		pending: make(map[string]uint64),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "credentials")
	return r
}

// Current returns the active credential.
func (r *Rotator) Current() (Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return Credential{}, ErrNoCredentials
	}
	return Credential{Key: r.keys[r.active], Index: r.active}, nil
}

// Len returns the pool size.
func (r *Rotator) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Keys returns a copy of the pool.
func (r *Rotator) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.keys)
}

// Advance moves off the credential `from` after it failed.
//
// With evict, `from` is removed from the pool permanently and the change is
// persisted before Advance returns. A write that failed earlier is retried
// on the next Advance. Without evict the pointer moves to the
// next key, wrapping modulo the pool size.
//
// Advance is compare-and-rotate: if another session already moved the
// active pointer away from `from`, the pointer is left where it is and only
// the eviction (if any) is applied. Advance returns ErrNoCredentials when
// the pool is empty afterwards.
func (r *Rotator) Advance(ctx context.Context, from Credential, evict bool) error {
	r.mu.Lock()
	if len(r.keys) == 0 {
		r.mu.Unlock()
		return ErrNoCredentials
	}

	isActive := r.active < len(r.keys) && r.keys[r.active] == from.Key
	changed := false

	switch {
	case evict:
		idx := r.indexOfLocked(from)
		if idx >= 0 {
			r.keys = slices.Delete(r.keys, idx, idx+1)
			changed = true
			if idx < r.active {
				r.active--
			}
			if len(r.keys) == 0 || r.active >= len(r.keys) {
				r.active = 0
			}
		}
	case isActive:
		r.active = (r.active + 1) % len(r.keys)
	}

	remaining := len(r.keys)
	if changed {
		r.version++
		r.pending[from.Key] = r.version
	}
	next := ""
	if remaining > 0 {
		next = Mask(r.keys[r.active])
	}
	r.mu.Unlock()

	if changed {
		r.logger.Warn("provider key evicted", "key", from.Masked(), "remaining", remaining)
	} else if isActive {
		r.logger.Info("provider key rotated", "from", from.Masked(), "to", next)
	}
	if (changed || isActive) && r.observer != nil {
		r.observer.CredentialRotated(changed, remaining)
	}

	if err := r.persist(ctx); err != nil && changed {
		return err
	}

	if remaining == 0 {
		return ErrNoCredentials
	}
	return nil
}

// Reload adopts a pool edited outside the process. The active key is kept
// when it is still present, otherwise the pointer restarts at zero. Keys
// evicted by this process whose removal is not yet on disk stay evicted.
func (r *Rotator) Reload(keys []string) {
	keys = normalize(keys)

	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]string, 0, len(keys))
	filtered := false
	for _, k := range keys {
		if _, ok := r.pending[k]; ok {
			filtered = true
			continue
		}
		kept = append(kept, k)
	}
	for k := range r.pending {
		if !slices.Contains(keys, k) {
			delete(r.pending, k)
		}
	}

	if !slices.Equal(kept, r.keys) {
		current := ""
		if len(r.keys) > 0 {
			current = r.keys[r.active]
		}
		r.keys = kept
		r.active = 0
		if idx := slices.Index(kept, current); idx >= 0 {
			r.active = idx
		}
		r.version++
		r.logger.Info("provider keys reloaded", "count", len(kept))
	}

	// Storage matches memory unless an eviction still has to be written.
	if !filtered {
		r.persisted = r.version
	}
}

// indexOfLocked finds `from` in the pool, preferring the index it was
// handed out with so duplicate keys evict the right slot.
func (r *Rotator) indexOfLocked(from Credential) int {
	if from.Index >= 0 && from.Index < len(r.keys) && r.keys[from.Index] == from.Key {
		return from.Index
	}
	return slices.Index(r.keys, from.Key)
}

// persist writes the current pool if it is newer than the last write.
func (r *Rotator) persist(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	version := r.version
	keys := slices.Clone(r.keys)
	r.mu.RUnlock()

	if version <= r.persisted {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.persister.PersistCredentials(ctx, keys); err != nil {
		r.logger.Error("failed to persist provider keys", "error", err)
		return fmt.Errorf("persist credentials: %w", err)
	}
	r.persisted = version

	r.mu.Lock()
	for k, v := range r.pending {
		if v <= version {
			delete(r.pending, k)
		}
	}
	r.mu.Unlock()
	return nil
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Mask hides all but the tail of a key.
func Mask(key string) string {
	if key == "" {
		return ""
	}
	tail := len(key) / 5
	if tail > 4 {
		tail = 4
	}
	return "****" + key[len(key)-tail:]
}
