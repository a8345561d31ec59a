// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/holyanswers/holyanswers/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting users, chat sessions and
// device-scoped key-value state.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetIdleUsers returns users not seen within ttl.
	GetIdleUsers(ctx context.Context, ttl time.Duration) ([]*domain.User, error)

	// GetSession retrieves a chat session snapshot. Returns ErrNotFound when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpsertSession creates or merges a chat session snapshot.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// DeleteSession removes a chat session snapshot.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns all sessions owned by userID, oldest first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// Get, Set and Delete implement kv.Store.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
