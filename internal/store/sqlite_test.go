package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/holyanswers/holyanswers/internal/domain"
	"github.com/holyanswers/holyanswers/internal/kv"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetUser(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil for missing user; got %v, %v", got, err)
	}

	now := time.Now().Truncate(time.Second)
	user := &domain.User{
		UserID:      "user-1",
		DisplayName: "Ruth",
		Email:       "ruth@example.com",
		LastSeenAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	got, err = s.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.DisplayName != "Ruth" || got.Email != "ruth@example.com" {
		t.Fatalf("unexpected user: %+v", got)
	}
	if !got.LastSeenAt.Equal(now) {
		t.Fatalf("expected last seen %v, got %v", now, got.LastSeenAt)
	}
}

func TestGetIdleUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()
	for id, seen := range map[string]time.Time{"old": old, "fresh": fresh} {
		if err := s.UpsertUser(ctx, &domain.User{UserID: id, DisplayName: id, LastSeenAt: seen, CreatedAt: seen, UpdatedAt: seen}); err != nil {
			t.Fatalf("UpsertUser failed: %v", err)
		}
	}

	idle, err := s.GetIdleUsers(ctx, time.Hour)
	if err != nil {
		t.Fatalf("GetIdleUsers failed: %v", err)
	}
	if len(idle) != 1 || idle[0].UserID != "old" {
		t.Fatalf("expected only the old user, got %+v", idle)
	}
}

func TestSessionSnapshotUpsertMerge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetSession(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sess := domain.NewSession("user-1")
	sess.Messages = append(sess.Messages, domain.NewMessage(sess.ID, domain.SenderUser, "What is grace?"))
	sess.Version = 2
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	stale := sess.Clone()
	stale.Version = 1
	stale.Messages = nil
	stale.Title = "stale"
	if err := s.UpsertSession(ctx, stale); err != nil {
		t.Fatalf("UpsertSession (stale) failed: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Title == "stale" || len(got.Messages) != 1 {
		t.Fatalf("stale snapshot overwrote newer one: %+v", got)
	}
	if got.Messages[0].Content != "What is grace?" {
		t.Fatalf("unexpected message content %q", got.Messages[0].Content)
	}

	list, err := s.ListSessions(ctx, "user-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSessions = %v, %v", list, err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Get(ctx, "theme:dev"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected kv.ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "theme:dev", "dark"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(ctx, "theme:dev", "light"); err != nil {
		t.Fatalf("Set overwrite failed: %v", err)
	}
	v, err := s.Get(ctx, "theme:dev")
	if err != nil || v != "light" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if err := s.Delete(ctx, "theme:dev"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}
