package chat

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/holyanswers/holyanswers/internal/domain"
	"github.com/holyanswers/holyanswers/internal/stream"
)

const subscriberBuffer = 16

// Outcome claims. Whichever of Cancel and the turn worker claims first wins.
const (
	outcomeOpen int32 = iota
	outcomeCancelled
	outcomeFinishing
)

// TurnEvent is delivered to turn subscribers on every change. Update carries
// the whole accumulated answer, so a subscriber that misses events loses nothing
// by reading only the latest one.
type TurnEvent struct {
	TurnID    string         `json:"turnId"`
	SessionID string         `json:"sessionId"`
	MessageID string         `json:"messageId"`
	State     State          `json:"state"`
	Update    stream.Update  `json:"update"`
	Message   domain.Message `json:"message"`
}

// Turn is one user question and its streamed answer.
type Turn struct {
	ID        string
	UserID    string
	SessionID string
	DeviceID  string
	MessageID string

	cancel  context.CancelFunc
	outcome atomic.Int32
	done    chan struct{}

	mu     sync.Mutex
	state  State
	latest *TurnEvent
	subs   map[int]chan TurnEvent
	nextID int
}

func newTurn(id, userID, sessionID, deviceID, messageID string, cancel context.CancelFunc) *Turn {
	return &Turn{
		cancel:    cancel,
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		DeviceID:  deviceID,
		MessageID: messageID,
		state:     StateAwaitingResponse,
		done:      make(chan struct{}),
		subs:      make(map[int]chan TurnEvent),
	}
}

// State returns the current state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the turn reaches a terminal state.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn ends or ctx is done and returns the final state.
func (t *Turn) Wait(ctx context.Context) (State, error) {
	select {
	case <-t.done:
		return t.State(), nil
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

// Cancel stops reading the answer. It reports false when the turn already
// ended or is already being finalized.
func (t *Turn) Cancel() bool {
	if !t.outcome.CompareAndSwap(outcomeOpen, outcomeCancelled) {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

func (t *Turn) isCancelled() bool {
	return t.outcome.Load() == outcomeCancelled
}

// beginFinish claims the turn for completion or failure. It reports false
// when Cancel got there first.
func (t *Turn) beginFinish() bool {
	return t.outcome.CompareAndSwap(outcomeOpen, outcomeFinishing)
}

// Latest returns the most recent event, if any.
func (t *Turn) Latest() (TurnEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return TurnEvent{}, false
	}
	return *t.latest, true
}

// Subscribe returns a channel receiving the latest event followed by every
// later one. The channel is closed after the terminal event. When the
// subscriber falls behind, the oldest buffered events are dropped.
func (t *Turn) Subscribe() (<-chan TurnEvent, func()) {
	ch := make(chan TurnEvent, subscriberBuffer)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest != nil {
		ch <- *t.latest
	}
	if t.state.Terminal() {
		close(ch)
		return ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
}

// emit records ev as the latest event and moves the turn to ev.State.
func (t *Turn) emit(ev TurnEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.State != t.state {
		if !canTransition(t.state, ev.State) {
			return false
		}
		t.state = ev.State
	}
	t.latest = &ev
	for _, ch := range t.subs {
		offer(ch, ev)
	}
	if ev.State.Terminal() {
		t.outcome.CompareAndSwap(outcomeOpen, outcomeFinishing)
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		close(t.done)
	}
	return true
}

// offer sends ev, discarding the oldest buffered event if the channel is full.
// The turn worker is the only sender.
func offer(ch chan TurnEvent, ev TurnEvent) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// TurnView is the client-facing form of a TurnEvent: the display markup is
// sanitized and the raw text is included for copy-to-clipboard.
type TurnView struct {
	TurnID     string   `json:"turn_id"`
	SessionID  string   `json:"session_id"`
	MessageID  string   `json:"message_id"`
	State      State    `json:"state"`
	Content    string   `json:"content"`
	Raw        string   `json:"raw"`
	Final      bool     `json:"final"`
	Failed     bool     `json:"failed,omitempty"`
	Tone       string   `json:"tone,omitempty"`
	References []string `json:"references,omitempty"`
}

// View converts e for delivery to a browser.
func (e TurnEvent) View() TurnView {
	return TurnView{
		TurnID:     e.TurnID,
		SessionID:  e.SessionID,
		MessageID:  e.MessageID,
		State:      e.State,
		Content:    stream.Sanitize(e.Update.Display),
		Raw:        e.Update.Raw,
		Final:      e.Update.Final,
		Failed:     e.Update.Failed,
		Tone:       e.Message.Tone,
		References: e.Message.References,
	}
}
