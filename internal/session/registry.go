package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNoOwner is returned when signing in without a user id.
var ErrNoOwner = errors.New("no authenticated owner")

type registered struct {
	store      *Store
	lastActive time.Time
}

// Registry holds one Store per signed-in user.
type Registry struct {
	persister    Persister
	observer     Observer
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	stores map[string]*registered
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryPersister hydrates and persists stores through p.
func WithRegistryPersister(p Persister) RegistryOption {
	return func(r *Registry) { r.persister = p }
}

// WithRegistryObserver forwards every store change to o.
func WithRegistryObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithRegistryWriteTimeout bounds persistence calls made by the stores.
func WithRegistryWriteTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.writeTimeout = d }
}

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		now:    time.Now,
		stores: make(map[string]*registered),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SignIn returns the user's store, creating and hydrating it on first use.
// A fresh store with no persisted sessions gets one empty session.
func (r *Registry) SignIn(ctx context.Context, userID string) (*Store, error) {
	if userID == "" {
		return nil, ErrNoOwner
	}
	if st, ok := r.Lookup(userID); ok {
		return st, nil
	}

	opts := []StoreOption{WithObserver(r.observer), WithWriteTimeout(r.writeTimeout)}
	if r.persister != nil {
		opts = append(opts, WithPersister(r.persister))
	}
	st := NewStore(userID, opts...)

	if r.persister != nil {
		persisted, err := r.persister.ListSessions(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("load sessions for %s: %w", userID, err)
			}
			slog.Warn("failed to load persisted sessions, starting empty", "user_id", userID, "error", err)
		}
		st.Load(persisted)
	}

	r.mu.Lock()
	if existing, ok := r.stores[userID]; ok {
		// Lost a concurrent sign-in race.
		existing.lastActive = r.now()
		r.mu.Unlock()
		return existing.store, nil
	}
	r.stores[userID] = &registered{store: st, lastActive: r.now()}
	r.mu.Unlock()

	if st.Len() == 0 {
		st.Create(ctx, userID)
	}
	slog.Info("session store opened", "user_id", userID, "sessions", st.Len())
	return st, nil
}

// SignOut tears down the user's store. It reports whether one existed.
func (r *Registry) SignOut(userID string) bool {
	r.mu.Lock()
	reg, ok := r.stores[userID]
	delete(r.stores, userID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	reg.store.Clear()
	slog.Info("session store closed", "user_id", userID)
	return true
}

// Lookup returns the store of a signed-in user and marks it active.
func (r *Registry) Lookup(userID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.stores[userID]
	if !ok {
		return nil, false
	}
	reg.lastActive = r.now()
	return reg.store, true
}

// Users returns the ids of all signed-in users, sorted.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IdleUsers returns signed-in users inactive for at least ttl.
func (r *Registry) IdleUsers(ttl time.Duration) []string {
	cutoff := r.now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, reg := range r.stores {
		if !reg.lastActive.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
