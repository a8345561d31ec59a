package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/holyanswers/holyanswers/internal/domain"
	"github.com/holyanswers/holyanswers/internal/session"
)

// slowSubscriberTimeout is how long a subscriber may leave its channel full
// before the subscription is dropped. The client reconnects with Last-Event-ID.
const slowSubscriberTimeout = 5 * time.Second

// Hub publishes events to users and replays recent ones on reconnect.
type Hub struct {
	backend Backend
	replay  *ReplayQueue
	seq     atomic.Int64
	// userLocks serializes publishes per user so IDs reach the topic in order.
	userLocks sync.Map
}

// New creates a hub over backend keeping replaySize events per user.
func New(backend Backend, replaySize int) *Hub {
	h := &Hub{
		backend: backend,
		replay:  NewReplayQueue(replaySize),
	}
	// Seeding from the clock keeps IDs increasing across restarts, so a
	// client's Last-Event-ID from a previous process never hides new events.
	h.seq.Store(time.Now().UnixMicro())
	return h
}

// Publish assigns ev an ID, buffers it for replay and sends it to the user's topic.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if ev.UserID == "" {
		return errors.New("event has no user")
	}
	lock, _ := h.userLocks.LoadOrStore(ev.UserID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	ev.ID = h.seq.Add(1)
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	h.replay.Enqueue(ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", ev.Type)
	msg.Metadata.Set("user_id", ev.UserID)
	msg.SetContext(ctx)

	if err := h.backend.Publisher().Publish(Topic(ev.UserID), msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe streams the user's events. Buffered events newer than afterID are
// delivered first. The channel closes when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, userID string, afterID int64) (<-chan Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := h.backend.Subscriber().Subscribe(ctx, Topic(userID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", userID, err)
	}

	var missed []Event
	if afterID > 0 {
		missed = h.replay.After(userID, afterID)
	}

	out := make(chan Event, 16)
	go func() {
		// Cancelling ends the backend subscription so publishers never wait on it.
		defer cancel()
		defer close(out)

		last := int64(0)
		for _, ev := range missed {
			if !send(ctx, out, ev) {
				return
			}
			last = ev.ID
		}

		for msg := range msgs {
			var ev Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				slog.Warn("dropping undecodable hub message", "user_id", userID, "message_id", msg.UUID, "error", err)
				continue
			}
			// Already delivered from the replay buffer.
			if ev.ID <= last {
				continue
			}
			if !send(ctx, out, ev) {
				return
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	timer := time.NewTimer(slowSubscriberTimeout)
	defer timer.Stop()
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		slog.Warn("dropping slow hub subscriber", "user_id", ev.UserID, "event_id", ev.ID)
		return false
	}
}

// Prune forgets the user's replay buffer.
func (h *Hub) Prune(userID string) {
	h.replay.Prune(userID)
}

// Close shuts the backend down.
func (h *Hub) Close() error {
	return h.backend.Close()
}

type sessionPayload struct {
	CurrentID string          `json:"currentId"`
	Session   *domain.Session `json:"session,omitempty"`
}

// ObserveSessions is a session.Observer that forwards store changes. Snapshots
// taken mid-stream are skipped; turn.update events carry that progress.
func (h *Hub) ObserveSessions(c session.Change) {
	if c.Session != nil {
		if _, streaming := c.Session.Streaming(); streaming && c.Kind == session.ChangeUpdated {
			return
		}
	}
	ev, err := NewEvent(string(c.Kind), c.UserID, c.SessionID, sessionPayload{CurrentID: c.CurrentID, Session: c.Session})
	if err != nil {
		slog.Warn("failed to encode session event", "user_id", c.UserID, "session_id", c.SessionID, "error", err)
		return
	}
	if err := h.Publish(context.Background(), ev); err != nil {
		slog.Warn("failed to publish session event", "user_id", c.UserID, "session_id", c.SessionID, "error", err)
	}
}
