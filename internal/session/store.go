// Package session owns the chat sessions of signed-in users: the per-user
// Store, the Registry of stores, and best-effort persistence of snapshots.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/holyanswers/holyanswers/internal/domain"
)

var (
	// ErrSessionNotFound is returned when the session id is not in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStreamingInProgress is returned when appending while an AI message is still streaming.
	ErrStreamingInProgress = errors.New("a message is still streaming in this session")
	// ErrNoStreamingMessage is returned when updating a message that is not the live AI message.
	ErrNoStreamingMessage = errors.New("no streaming message to update")
	// ErrContentShrunk is returned when a streaming update would drop already accumulated text.
	ErrContentShrunk = errors.New("streaming content may only grow")
	// ErrInvalidMessage is returned for messages with an unknown sender or wrong session.
	ErrInvalidMessage = errors.New("invalid message")
)

// ChangeKind describes what happened to a session.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "session.created"
	ChangeUpdated  ChangeKind = "session.updated"
	ChangeDeleted  ChangeKind = "session.deleted"
	ChangeSelected ChangeKind = "session.selected"
)

// Change is delivered to the Observer after every mutation.
type Change struct {
	Kind      ChangeKind
	UserID    string
	SessionID string
	CurrentID string
	// Session is a private snapshot; nil for deletions.
	Session *domain.Session
}

// Observer receives store changes. It is called without store locks held.
type Observer func(Change)

// Persister stores session snapshots durably. It is optional.
type Persister interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpsertSession(ctx context.Context, session *domain.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)
}

type entry struct {
	session *domain.Session
	seq     uint64 // creation order, breaks CreatedAt ties
}

// Store is the in-memory collection of one user's sessions. Every mutation
// replaces the stored session object, so snapshots handed out earlier never change.
type Store struct {
	ownerID      string
	persister    Persister
	observer     Observer
	writeTimeout time.Duration

	mu        sync.RWMutex
	sessions  map[string]*entry
	nextSeq   uint64
	currentID string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersister enables best-effort persistence.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) { s.persister = p }
}

// WithObserver registers a change observer.
func WithObserver(o Observer) StoreOption {
	return func(s *Store) { s.observer = o }
}

// WithWriteTimeout bounds each persistence call.
func WithWriteTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewStore creates an empty store for ownerID.
func NewStore(ownerID string, opts ...StoreOption) *Store {
	s := &Store{
		ownerID:      ownerID,
		sessions:     make(map[string]*entry),
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OwnerID returns the user the store belongs to.
func (s *Store) OwnerID() string {
	return s.ownerID
}

// Load replaces the store contents with previously persisted sessions. The
// most recently created one becomes current. Messages left streaming by an
// interrupted turn are finalized as they stand.
func (s *Store) Load(sessions []*domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*entry, len(sessions))
	s.currentID = ""
	ordered := slices.Clone(sessions)
	slices.SortStableFunc(ordered, func(a, b *domain.Session) int {
		return compareInt64(a.CreatedAt, b.CreatedAt)
	})
	for _, sess := range ordered {
		if sess == nil || sess.UserID != s.ownerID {
			continue
		}
		c := sess.Clone()
		for i := range c.Messages {
			c.Messages[i].IsStreaming = false
		}
		s.nextSeq++
		s.sessions[c.ID] = &entry{session: c, seq: s.nextSeq}
		s.currentID = c.ID
	}
}

// Create adds a new empty session owned by ownerID and makes it current.
// It is a no-op when ownerID is empty or is not the store's owner.
func (s *Store) Create(ctx context.Context, ownerID string) (*domain.Session, bool) {
	if ownerID == "" || ownerID != s.ownerID {
		return nil, false
	}

	sess := domain.NewSession(ownerID)
	s.mu.Lock()
	s.nextSeq++
	s.sessions[sess.ID] = &entry{session: sess, seq: s.nextSeq}
	s.currentID = sess.ID
	snap := sess.Clone()
	s.mu.Unlock()

	s.persist(ctx, snap)
	s.notify(Change{Kind: ChangeCreated, UserID: s.ownerID, SessionID: snap.ID, CurrentID: snap.ID, Session: snap})
	return snap, true
}

// Select makes id the current session. Unknown ids are ignored.
func (s *Store) Select(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.currentID = id
	snap := e.session.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSelected, UserID: s.ownerID, SessionID: id, CurrentID: id, Session: snap})
	return true
}

// Delete removes a session. When it was current, the most recently created
// remaining session becomes current, or none if the store is empty.
func (s *Store) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, id)
	if s.currentID == id {
		s.currentID = s.newestLocked()
	}
	current := s.currentID
	s.mu.Unlock()

	if s.persister != nil {
		pctx, cancel := s.writeContext(ctx)
		defer cancel()
		if err := s.persister.DeleteSession(pctx, id); err != nil {
			slog.Warn("failed to delete persisted session", "user_id", s.ownerID, "session_id", id, "error", err)
		}
	}
	s.notify(Change{Kind: ChangeDeleted, UserID: s.ownerID, SessionID: id, CurrentID: current})
	return true
}

func (s *Store) newestLocked() string {
	var newest *entry
	for _, e := range s.sessions {
		if newest == nil ||
			e.session.CreatedAt > newest.session.CreatedAt ||
			(e.session.CreatedAt == newest.session.CreatedAt && e.seq > newest.seq) {
			newest = e
		}
	}
	if newest == nil {
		return ""
	}
	return newest.session.ID
}

// Append adds msg to the end of the session and returns the new snapshot.
func (s *Store) Append(ctx context.Context, sessionID string, msg domain.Message) (*domain.Session, error) {
	if !msg.Sender.Valid() || (msg.SessionID != "" && msg.SessionID != sessionID) {
		return nil, ErrInvalidMessage
	}
	msg.SessionID = sessionID

	snap, err := s.mutate(sessionID, func(next *domain.Session) error {
		if _, streaming := next.Streaming(); streaming {
			return ErrStreamingInProgress
		}
		if msg.IsStreaming && msg.Sender != domain.SenderAI {
			return ErrInvalidMessage
		}
		next.Messages = append(next.Messages, msg.Clone())
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.persist(ctx, snap)
	s.notify(Change{Kind: ChangeUpdated, UserID: s.ownerID, SessionID: sessionID, CurrentID: s.CurrentID(), Session: snap})
	return snap, nil
}

// UpdateLast replaces the live AI message (the last message, still streaming)
// with msg. While msg keeps streaming its content must extend the old content;
// finalizing (IsStreaming=false) may set any content, after which the message
// is immutable. Only finalized snapshots are persisted.
func (s *Store) UpdateLast(ctx context.Context, sessionID string, msg domain.Message) (*domain.Session, error) {
	snap, err := s.mutate(sessionID, func(next *domain.Session) error {
		last, ok := next.Streaming()
		if !ok || last.ID != msg.ID {
			return ErrNoStreamingMessage
		}
		if msg.IsStreaming && !strings.HasPrefix(msg.Content, last.Content) {
			return ErrContentShrunk
		}
		updated := msg.Clone()
		updated.Sender = domain.SenderAI
		updated.SessionID = sessionID
		updated.Timestamp = last.Timestamp
		next.Messages[len(next.Messages)-1] = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !msg.IsStreaming {
		s.persist(ctx, snap)
	}
	s.notify(Change{Kind: ChangeUpdated, UserID: s.ownerID, SessionID: sessionID, CurrentID: s.CurrentID(), Session: snap})
	return snap, nil
}

// SetTitle renames a session.
func (s *Store) SetTitle(ctx context.Context, sessionID, title string) (*domain.Session, error) {
	snap, err := s.mutate(sessionID, func(next *domain.Session) error {
		next.Title = title
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.persist(ctx, snap)
	s.notify(Change{Kind: ChangeUpdated, UserID: s.ownerID, SessionID: sessionID, CurrentID: s.CurrentID(), Session: snap})
	return snap, nil
}

// mutate applies fn to a copy of the session and swaps the copy in.
func (s *Store) mutate(sessionID string, fn func(next *domain.Session) error) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	next := e.session.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	s.sessions[sessionID] = &entry{session: next, seq: e.seq}
	return next.Clone(), nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session.Clone(), true
}

// CurrentID returns the current session id, or "" when there is none.
func (s *Store) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Current returns a snapshot of the current session.
func (s *Store) Current() (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentID == "" {
		return nil, false
	}
	e, ok := s.sessions[s.currentID]
	if !ok {
		return nil, false
	}
	return e.session.Clone(), true
}

// List returns snapshots of all sessions in creation order.
func (s *Store) List() []*domain.Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *entry) int {
		if c := compareInt64(a.session.CreatedAt, b.session.CreatedAt); c != 0 {
			return c
		}
		return compareInt64(int64(a.seq), int64(b.seq))
	})
	out := make([]*domain.Session, len(entries))
	for i, e := range entries {
		out[i] = e.session.Clone()
	}
	return out
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Clear drops all in-memory sessions without touching persistence.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*entry)
	s.currentID = ""
}

func (s *Store) persist(ctx context.Context, snap *domain.Session) {
	if s.persister == nil {
		return
	}
	pctx, cancel := s.writeContext(ctx)
	defer cancel()
	if err := s.persister.UpsertSession(pctx, snap); err != nil {
		slog.Warn("failed to persist session", "user_id", s.ownerID, "session_id", snap.ID, "error", err)
	}
}

// writeContext detaches persistence from request cancellation but keeps a bound.
func (s *Store) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
}

func (s *Store) notify(c Change) {
	if s.observer != nil {
		s.observer(c)
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
