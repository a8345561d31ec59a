// Package chat runs question-and-answer turns against the AI backend.
//
// The Orchestrator is the only writer of a session's messages while a turn
// is in flight. It appends the user message and an empty placeholder answer,
// folds streamed chunks into the placeholder and finalizes it, charging the
// device's demo counter only for completed turns.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/holyanswers/holyanswers/internal/agent"
	"github.com/holyanswers/holyanswers/internal/domain"
	"github.com/holyanswers/holyanswers/internal/hub"
	"github.com/holyanswers/holyanswers/internal/session"
	"github.com/holyanswers/holyanswers/internal/stream"
)

// Rejections returned by Submit. None of them mutates any state.
var (
	ErrEmptyInput      = errors.New("question is empty")
	ErrTurnInFlight    = errors.New("an answer is already being generated for this session")
	ErrDemoCapReached  = errors.New("demo message limit reached")
	ErrNotSignedIn     = errors.New("not signed in")
	ErrSessionNotFound = errors.New("session not found")
)

// MessagesPerTurn is what a completed turn adds to the demo counter.
const MessagesPerTurn = 2

// Cancel policies.
const (
	CancelKeep    = "keep"
	CancelDiscard = "discard"
)

// Backend streams answers and accepts stop requests.
type Backend interface {
	Chat(ctx context.Context, req agent.ChatRequest) iter.Seq2[*agent.ChatResponse, error]
	StopGeneration(ctx context.Context, userID, sessionID string) error
}

// Counter is the device-scoped demo counter.
type Counter interface {
	Get(ctx context.Context, deviceID string) (int, error)
	Increment(ctx context.Context, deviceID string, n int) (int, error)
	Max() int
}

// Stores finds the session store of a signed-in user.
type Stores interface {
	Lookup(userID string) (*session.Store, bool)
}

// CurrentUser resolves the signed-in user for a request.
type CurrentUser interface {
	CurrentUserID(ctx context.Context) (string, bool)
}

// CurrentUserFunc adapts a function to CurrentUser.
type CurrentUserFunc func(ctx context.Context) (string, bool)

// CurrentUserID calls f.
func (f CurrentUserFunc) CurrentUserID(ctx context.Context) (string, bool) { return f(ctx) }

// Publisher receives turn and counter events. It is optional.
type Publisher interface {
	Publish(ctx context.Context, ev hub.Event) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Stores    Stores
	Users     CurrentUser
	Counter   Counter
	Backend   Backend
	Publisher Publisher
}

// Config tunes turn behaviour.
type Config struct {
	// CancelPolicy is CancelKeep (default) or CancelDiscard.
	CancelPolicy string
	// ErrorMessage replaces the answer of a failed turn.
	ErrorMessage string
	// ContextTurns bounds the history sent with each question; zero sends none.
	ContextTurns int
	// TurnTimeout bounds a whole turn; zero means no limit.
	TurnTimeout time.Duration
	// StopTimeout bounds the stop-generation call.
	StopTimeout time.Duration
	// Cumulative is set when backend chunks repeat the whole answer so far.
	Cumulative bool
}

// SubmitRequest is one question from the UI.
type SubmitRequest struct {
	// SessionID selects the session; empty means the current session.
	SessionID string
	Input     string
	// DeviceID scopes the demo counter; empty falls back to the user id.
	DeviceID string
}

// Orchestrator runs turns. It is safe for concurrent use.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu       sync.Mutex
	inflight map[string]*Turn // by session id
	pending  map[string]int   // reserved turns by device id
	wg       sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Stores == nil || deps.Users == nil || deps.Counter == nil || deps.Backend == nil {
		return nil, errors.New("chat: stores, users, counter and backend are required")
	}
	if cfg.CancelPolicy == "" {
		cfg.CancelPolicy = CancelKeep
	}
	if cfg.CancelPolicy != CancelKeep && cfg.CancelPolicy != CancelDiscard {
		return nil, fmt.Errorf("chat: unknown cancel policy %q", cfg.CancelPolicy)
	}
	if cfg.ErrorMessage == "" {
		cfg.ErrorMessage = stream.DefaultApology
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		inflight: make(map[string]*Turn),
		pending:  make(map[string]int),
	}, nil
}

// Submit validates the question, appends the user message and an empty
// streaming placeholder, and starts the turn in the background.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Turn, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	userID, ok := o.deps.Users.CurrentUserID(ctx)
	if !ok || userID == "" {
		return nil, ErrNotSignedIn
	}
	store, ok := o.deps.Stores.Lookup(userID)
	if !ok {
		return nil, ErrNotSignedIn
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = store.CurrentID()
	}
	sess, ok := store.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = userID
	}

	// The turn outlives the request that started it.
	turnCtx := context.WithoutCancel(ctx)
	cancelTimeout := context.CancelFunc(func() {})
	if o.cfg.TurnTimeout > 0 {
		turnCtx, cancelTimeout = context.WithTimeout(turnCtx, o.cfg.TurnTimeout)
	}
	turnCtx, cancelTurn := context.WithCancel(turnCtx)
	abort := func(turn *Turn) {
		if turn != nil {
			o.release(turn)
		}
		cancelTurn()
		cancelTimeout()
	}

	placeholder := domain.NewPlaceholder(sessionID)
	turn, err := o.reserve(ctx, userID, sessionID, deviceID, placeholder.ID, cancelTurn)
	if err != nil {
		abort(nil)
		return nil, err
	}

	if _, err := store.Append(ctx, sessionID, domain.NewMessage(sessionID, domain.SenderUser, input)); err != nil {
		abort(turn)
		return nil, mapStoreError(err)
	}
	if _, err := store.Append(ctx, sessionID, placeholder); err != nil {
		// The user message stays; only the answer could not be attached.
		abort(turn)
		return nil, mapStoreError(err)
	}
	if sess.Title == domain.DefaultSessionTitle && !hasUserMessage(sess) {
		if _, err := store.SetTitle(ctx, sessionID, domain.TitleFromInput(input)); err != nil {
			slog.Warn("failed to set session title", "session_id", sessionID, "error", err)
		}
	}

	chatReq := agent.ChatRequest{
		Message:   input,
		UserID:    userID,
		SessionID: sessionID,
		TurnID:    turn.ID,
	}
	if o.cfg.ContextTurns > 0 {
		chatReq.History = agent.History(sess.Messages, o.cfg.ContextTurns)
	}

	slog.Info("chat turn started",
		"user_id", userID,
		"session_id", sessionID,
		"turn_id", turn.ID,
		"input_length", len(input),
	)
	o.publishState(turn, StateAwaitingResponse)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancelTimeout()
		defer cancelTurn()
		o.run(turnCtx, turn, store, placeholder, chatReq)
	}()
	return turn, nil
}

func hasUserMessage(s *domain.Session) bool {
	for _, m := range s.Messages {
		if m.Sender == domain.SenderUser {
			return true
		}
	}
	return false
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrStreamingInProgress):
		return ErrTurnInFlight
	default:
		return err
	}
}

// reserve claims the session and one turn's worth of the device's cap.
func (o *Orchestrator) reserve(ctx context.Context, userID, sessionID, deviceID, messageID string, cancel context.CancelFunc) (*Turn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, busy := o.inflight[sessionID]; busy {
		return nil, ErrTurnInFlight
	}
	count, err := o.deps.Counter.Get(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("read demo counter: %w", err)
	}
	if count+MessagesPerTurn*o.pending[deviceID] >= o.deps.Counter.Max() {
		return nil, ErrDemoCapReached
	}

	turn := newTurn(uuid.NewString(), userID, sessionID, deviceID, messageID, cancel)
	o.inflight[sessionID] = turn
	o.pending[deviceID]++
	return turn, nil
}

func (o *Orchestrator) release(turn *Turn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[turn.SessionID] == turn {
		delete(o.inflight, turn.SessionID)
	}
	if o.pending[turn.DeviceID] <= 1 {
		delete(o.pending, turn.DeviceID)
	} else {
		o.pending[turn.DeviceID]--
	}
}

// metadata collects the structured fields that ride along with chunks.
type metadata struct {
	tone       string
	references []string
}

func (o *Orchestrator) texts(ctx context.Context, req agent.ChatRequest, meta *metadata) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range o.deps.Backend.Chat(ctx, req) {
			if err != nil {
				yield("", err)
				return
			}
			if resp == nil {
				continue
			}
			if resp.Tone != "" {
				meta.tone = resp.Tone
			}
			if len(resp.References) > 0 {
				meta.references = resp.References
			}
			if !yield(resp.Response, nil) {
				return
			}
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, turn *Turn, store *session.Store, msg domain.Message, req agent.ChatRequest) {
	state, up, final := o.consume(ctx, turn, store, msg, req)
	// Release before the terminal event so a caller woken by it can submit again.
	o.release(turn)
	o.emit(turn, state, up, final)
}

// consume reads the answer to the end and finalizes the placeholder.
func (o *Orchestrator) consume(ctx context.Context, turn *Turn, store *session.Store, msg domain.Message, req agent.ChatRequest) (State, stream.Update, domain.Message) {
	var meta metadata
	var src stream.Source
	if o.cfg.Cumulative {
		src = stream.FromSnapshots(o.texts(ctx, req, &meta))
	} else {
		src = stream.FromSeq(o.texts(ctx, req, &meta))
	}
	defer src.Close()

	acc := stream.NewAccumulator(o.cfg.ErrorMessage)
	for {
		chunk, err := src.Next(ctx)
		if turn.isCancelled() {
			return o.finishCancelled(turn, store, msg, acc)
		}
		if err != nil && !turn.beginFinish() {
			return o.finishCancelled(turn, store, msg, acc)
		}
		if errors.Is(err, io.EOF) {
			return o.finishCompleted(turn, store, msg, acc, meta)
		}
		if err != nil {
			slog.Error("chat turn failed", "user_id", turn.UserID, "session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
			return o.finishErrored(turn, store, msg, acc)
		}
		if chunk == "" {
			continue
		}

		up := acc.Add(chunk)
		msg.Content = up.Raw
		if _, err := store.UpdateLast(ctx, turn.SessionID, msg); err != nil {
			// Session deleted or user signed out mid-answer.
			slog.Warn("stopping turn, session no longer accepts updates", "session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
			turn.outcome.CompareAndSwap(outcomeOpen, outcomeCancelled)
			return o.finishCancelled(turn, store, msg, acc)
		}
		o.emit(turn, StateStreaming, up, msg)
	}
}

func (o *Orchestrator) finishCompleted(turn *Turn, store *session.Store, msg domain.Message, acc *stream.Accumulator, meta metadata) (State, stream.Update, domain.Message) {
	up := acc.Finish()
	msg.Content = up.Raw
	msg.IsStreaming = false
	msg.Tone = meta.tone
	msg.References = meta.references
	o.finalize(store, turn, msg)

	ctx := context.Background()
	count, err := o.deps.Counter.Increment(ctx, turn.DeviceID, MessagesPerTurn)
	if err != nil {
		slog.Warn("failed to update demo counter", "device_id", turn.DeviceID, "turn_id", turn.ID, "error", err)
	} else {
		o.publish(hub.TypeCounterUpdated, turn, map[string]int{"count": count, "max": o.deps.Counter.Max()})
	}

	slog.Info("chat turn finalized", "user_id", turn.UserID, "session_id", turn.SessionID, "turn_id", turn.ID, "answer_length", len(up.Raw))
	return StateFinalized, up, msg
}

func (o *Orchestrator) finishErrored(turn *Turn, store *session.Store, msg domain.Message, acc *stream.Accumulator) (State, stream.Update, domain.Message) {
	up := acc.Fail()
	msg.Content = up.Raw
	msg.IsStreaming = false
	o.finalize(store, turn, msg)
	return StateErrored, up, msg
}

func (o *Orchestrator) finishCancelled(turn *Turn, store *session.Store, msg domain.Message, acc *stream.Accumulator) (State, stream.Update, domain.Message) {
	o.stopRemote(turn)

	up := acc.Finish()
	if o.cfg.CancelPolicy == CancelDiscard {
		up = stream.Update{Final: true}
	}
	msg.Content = up.Raw
	msg.IsStreaming = false
	o.finalize(store, turn, msg)

	slog.Info("chat turn cancelled", "user_id", turn.UserID, "session_id", turn.SessionID, "turn_id", turn.ID, "kept_length", len(up.Raw))
	return StateCancelled, up, msg
}

// stopRemote makes the single best-effort stop request for a cancelled turn.
func (o *Orchestrator) stopRemote(turn *Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
	defer cancel()
	if err := o.deps.Backend.StopGeneration(ctx, turn.UserID, turn.SessionID); err != nil {
		slog.Warn("stop generation failed", "user_id", turn.UserID, "session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
	}
}

func (o *Orchestrator) finalize(store *session.Store, turn *Turn, msg domain.Message) {
	if _, err := store.UpdateLast(context.Background(), turn.SessionID, msg); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		slog.Warn("failed to finalize answer", "session_id", turn.SessionID, "turn_id", turn.ID, "error", err)
	}
}

func (o *Orchestrator) emit(turn *Turn, state State, up stream.Update, msg domain.Message) {
	ev := TurnEvent{
		TurnID:    turn.ID,
		SessionID: turn.SessionID,
		MessageID: turn.MessageID,
		State:     state,
		Update:    up,
		Message:   msg.Clone(),
	}
	prev := turn.State()
	if !turn.emit(ev) {
		return
	}
	if state != prev {
		o.publishState(turn, state)
	}
	if state == StateStreaming {
		o.publish(hub.TypeTurnUpdate, turn, ev)
	}
}

func (o *Orchestrator) publishState(turn *Turn, state State) {
	ev, _ := turn.Latest()
	ev.TurnID, ev.SessionID, ev.MessageID, ev.State = turn.ID, turn.SessionID, turn.MessageID, state
	o.publish(hub.TypeTurnState, turn, ev)
}

func (o *Orchestrator) publish(eventType string, turn *Turn, data any) {
	if o.deps.Publisher == nil {
		return
	}
	ev, err := hub.NewEvent(eventType, turn.UserID, turn.SessionID, data)
	if err != nil {
		slog.Warn("failed to encode turn event", "turn_id", turn.ID, "error", err)
		return
	}
	ev.TurnID = turn.ID
	if err := o.deps.Publisher.Publish(context.Background(), ev); err != nil {
		slog.Warn("failed to publish turn event", "turn_id", turn.ID, "type", eventType, "error", err)
	}
}

// InFlight returns the running turn of a session, if any.
func (o *Orchestrator) InFlight(sessionID string) (*Turn, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.inflight[sessionID]
	return t, ok
}

// Cancel cancels the running turn of the user's session. It reports whether
// a turn was cancelled.
func (o *Orchestrator) Cancel(userID, sessionID string) bool {
	t, ok := o.InFlight(sessionID)
	if !ok || t.UserID != userID {
		return false
	}
	return t.Cancel()
}

// CancelUser cancels every running turn of userID, e.g. on sign-out.
func (o *Orchestrator) CancelUser(userID string) int {
	o.mu.Lock()
	var turns []*Turn
	for _, t := range o.inflight {
		if t.UserID == userID {
			turns = append(turns, t)
		}
	}
	o.mu.Unlock()

	n := 0
	for _, t := range turns {
		if t.Cancel() {
			n++
		}
	}
	return n
}

// Shutdown cancels all running turns and waits for them to finish or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	turns := make([]*Turn, 0, len(o.inflight))
	for _, t := range o.inflight {
		turns = append(turns, t)
	}
	o.mu.Unlock()
	for _, t := range turns {
		t.Cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
