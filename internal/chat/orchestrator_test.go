package chat

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holyanswers/holyanswers/internal/agent"
	"github.com/holyanswers/holyanswers/internal/counter"
	"github.com/holyanswers/holyanswers/internal/domain"
	"github.com/holyanswers/holyanswers/internal/hub"
	"github.com/holyanswers/holyanswers/internal/kv"
	"github.com/holyanswers/holyanswers/internal/session"
	"github.com/holyanswers/holyanswers/internal/stream"
)

const testUser = "user-1"

// fakeBackend yields chunks, then optionally blocks until ctx ends, then
// optionally fails.
type fakeBackend struct {
	chunks  []string
	err     error
	block   bool
	reached chan struct{}
	stopErr error
	stops   atomic.Int32

	mu       sync.Mutex
	requests []agent.ChatRequest
}

func newFakeBackend(chunks ...string) *fakeBackend {
	return &fakeBackend{chunks: chunks, reached: make(chan struct{})}
}

func (b *fakeBackend) Chat(ctx context.Context, req agent.ChatRequest) iter.Seq2[*agent.ChatResponse, error] {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	return func(yield func(*agent.ChatResponse, error) bool) {
		for _, c := range b.chunks {
			if !yield(&agent.ChatResponse{Response: c}, nil) {
				return
			}
		}
		if b.block {
			close(b.reached)
			<-ctx.Done()
			yield(nil, ctx.Err())
			return
		}
		if b.err != nil {
			yield(nil, b.err)
		}
	}
}

func (b *fakeBackend) StopGeneration(context.Context, string, string) error {
	b.stops.Add(1)
	return b.stopErr
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev hub.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	registry *session.Registry
	store    *session.Store
	counter  *counter.Counter
	backend  *fakeBackend
	pub      *recordingPublisher
}

func newFixture(t *testing.T, backend *fakeBackend, max int, cfg Config) *fixture {
	t.Helper()
	reg := session.NewRegistry()
	st, err := reg.SignIn(context.Background(), testUser)
	require.NoError(t, err)

	ctr := counter.New(kv.NewMemory(), max)
	pub := &recordingPublisher{}
	orch, err := New(Deps{
		Stores:    reg,
		Users:     CurrentUserFunc(func(context.Context) (string, bool) { return testUser, true }),
		Counter:   ctr,
		Backend:   backend,
		Publisher: pub,
	}, cfg)
	require.NoError(t, err)

	return &fixture{orch: orch, registry: reg, store: st, counter: ctr, backend: backend, pub: pub}
}

func waitTurn(t *testing.T, turn *Turn) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := turn.Wait(ctx)
	require.NoError(t, err, "turn did not finish")
	return state
}

func waitReached(t *testing.T, b *fakeBackend) {
	t.Helper()
	select {
	case <-b.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never reached the blocking point")
	}
}

func currentMessages(t *testing.T, st *session.Store) []domain.Message {
	t.Helper()
	s, ok := st.Current()
	require.True(t, ok)
	return s.Messages
}

func TestSubmitCompletesTurn(t *testing.T) {
	f := newFixture(t, newFakeBackend("Hello, **wor", "ld**\n", "*done"), 20, Config{})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "  Say hello  "})
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, waitTurn(t, turn))

	msgs := currentMessages(t, f.store)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.SenderUser, msgs[0].Sender)
	assert.Equal(t, "Say hello", msgs[0].Content)
	assert.Equal(t, domain.SenderAI, msgs[1].Sender)
	assert.Equal(t, "Hello, **world**\n*done", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Equal(t, turn.MessageID, msgs[1].ID)

	ev, ok := turn.Latest()
	require.True(t, ok)
	assert.True(t, ev.Update.Final)
	assert.Equal(t, "Hello, <b>world</b><br>•done", ev.Update.Display)

	count, err := f.counter.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, MessagesPerTurn, count)
	assert.Contains(t, f.pub.types(), hub.TypeCounterUpdated)
	assert.Contains(t, f.pub.types(), hub.TypeTurnUpdate)

	_, busy := f.orch.InFlight(turn.SessionID)
	assert.False(t, busy)
}

func TestSubmitSetsTitleOnFirstQuestion(t *testing.T) {
	f := newFixture(t, newFakeBackend("ok"), 20, Config{})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "What is grace?"})
	require.NoError(t, err)
	waitTurn(t, turn)

	turn, err = f.orch.Submit(context.Background(), SubmitRequest{Input: "And mercy?"})
	require.NoError(t, err)
	waitTurn(t, turn)

	s, ok := f.store.Current()
	require.True(t, ok)
	assert.Equal(t, domain.TitleFromInput("What is grace?"), s.Title)
}

func TestCounterTracksCompletedTurns(t *testing.T) {
	f := newFixture(t, newFakeBackend("Amen."), 20, Config{})

	for i := 0; i < 3; i++ {
		turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "pray"})
		require.NoError(t, err)
		require.Equal(t, StateFinalized, waitTurn(t, turn))
	}

	count, err := f.counter.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 3*MessagesPerTurn, count)
	assert.Len(t, currentMessages(t, f.store), 6)
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	f := newFixture(t, newFakeBackend("x"), 20, Config{})

	_, err := f.orch.Submit(context.Background(), SubmitRequest{Input: " \n\t "})
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, currentMessages(t, f.store))
}

func TestSubmitRequiresSignedInUser(t *testing.T) {
	backend := newFakeBackend("x")
	reg := session.NewRegistry()
	orch, err := New(Deps{
		Stores:  reg,
		Users:   CurrentUserFunc(func(context.Context) (string, bool) { return "", false }),
		Counter: counter.New(kv.NewMemory(), 20),
		Backend: backend,
	}, Config{})
	require.NoError(t, err)

	_, err = orch.Submit(context.Background(), SubmitRequest{Input: "hi"})
	assert.ErrorIs(t, err, ErrNotSignedIn)

	orch.deps.Users = CurrentUserFunc(func(context.Context) (string, bool) { return "ghost", true })
	_, err = orch.Submit(context.Background(), SubmitRequest{Input: "hi"})
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestSubmitUnknownSession(t *testing.T) {
	f := newFixture(t, newFakeBackend("x"), 20, Config{})

	_, err := f.orch.Submit(context.Background(), SubmitRequest{SessionID: "missing", Input: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubmitWhileInFlight(t *testing.T) {
	backend := newFakeBackend("Partial ")
	backend.block = true
	f := newFixture(t, backend, 20, Config{})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "first"})
	require.NoError(t, err)
	waitReached(t, backend)

	_, err = f.orch.Submit(context.Background(), SubmitRequest{Input: "second"})
	assert.ErrorIs(t, err, ErrTurnInFlight)

	msgs := currentMessages(t, f.store)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsStreaming)
	assert.Equal(t, "Partial ", msgs[1].Content)

	require.True(t, f.orch.Cancel(testUser, turn.SessionID))
	waitTurn(t, turn)
}

func TestSubmitAtCapIsRejected(t *testing.T) {
	f := newFixture(t, newFakeBackend("ok"), 4, Config{})

	for i := 0; i < 2; i++ {
		turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "q"})
		require.NoError(t, err)
		waitTurn(t, turn)
	}

	_, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "one more"})
	assert.ErrorIs(t, err, ErrDemoCapReached)
	assert.Len(t, currentMessages(t, f.store), 4)

	count, err := f.counter.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestPendingTurnsCountAgainstCap(t *testing.T) {
	backend := newFakeBackend("slow")
	backend.block = true
	f := newFixture(t, backend, 2, Config{})

	first, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "q", DeviceID: "device-a"})
	require.NoError(t, err)
	waitReached(t, backend)

	other, ok := f.store.Create(context.Background(), testUser)
	require.True(t, ok)
	_, err = f.orch.Submit(context.Background(), SubmitRequest{SessionID: other.ID, Input: "q", DeviceID: "device-a"})
	assert.ErrorIs(t, err, ErrDemoCapReached)

	s, ok := f.store.Get(other.ID)
	require.True(t, ok)
	assert.Empty(t, s.Messages)

	f.orch.Cancel(testUser, first.SessionID)
	waitTurn(t, first)
}

func TestCancelKeepsPartialAnswer(t *testing.T) {
	backend := newFakeBackend("Blessed are ", "the meek")
	backend.block = true
	backend.stopErr = errors.New("agent unreachable")
	f := newFixture(t, backend, 20, Config{})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "Beatitudes"})
	require.NoError(t, err)
	waitReached(t, backend)

	assert.True(t, f.orch.Cancel(testUser, turn.SessionID))
	assert.False(t, f.orch.Cancel(testUser, turn.SessionID))
	assert.Equal(t, StateCancelled, waitTurn(t, turn))

	msgs := currentMessages(t, f.store)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Blessed are the meek", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.EqualValues(t, 1, backend.stops.Load())

	count, err := f.counter.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// gatedCounter holds Increment until released so a test can act while a
// completed turn is being finalized.
type gatedCounter struct {
	*counter.Counter
	entered chan struct{}
	release chan struct{}
}

func (c *gatedCounter) Increment(ctx context.Context, deviceID string, n int) (int, error) {
	close(c.entered)
	<-c.release
	return c.Counter.Increment(ctx, deviceID, n)
}

func TestCancelLosesToCompletion(t *testing.T) {
	backend := newFakeBackend("Amen")
	reg := session.NewRegistry()
	st, err := reg.SignIn(context.Background(), testUser)
	require.NoError(t, err)
	ctr := &gatedCounter{
		Counter: counter.New(kv.NewMemory(), 20),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	orch, err := New(Deps{
		Stores:  reg,
		Users:   CurrentUserFunc(func(context.Context) (string, bool) { return testUser, true }),
		Counter: ctr,
		Backend: backend,
	}, Config{})
	require.NoError(t, err)

	turn, err := orch.Submit(context.Background(), SubmitRequest{Input: "Pray"})
	require.NoError(t, err)

	select {
	case <-ctr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never reached the counter")
	}
	assert.False(t, orch.Cancel(testUser, turn.SessionID), "a finishing turn cannot be cancelled")
	assert.False(t, turn.Cancel())
	close(ctr.release)

	assert.Equal(t, StateFinalized, waitTurn(t, turn))
	assert.Zero(t, backend.stops.Load())
	msgs := currentMessages(t, st)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Amen", msgs[1].Content)

	count, err := ctr.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCancelDiscardPolicy(t *testing.T) {
	backend := newFakeBackend("Blessed ")
	backend.block = true
	f := newFixture(t, backend, 20, Config{CancelPolicy: CancelDiscard})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "q"})
	require.NoError(t, err)
	waitReached(t, backend)

	require.Equal(t, 1, f.orch.CancelUser(testUser))
	assert.Equal(t, StateCancelled, waitTurn(t, turn))

	msgs := currentMessages(t, f.store)
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
}

func TestCancelIgnoresOtherUsers(t *testing.T) {
	backend := newFakeBackend("x")
	backend.block = true
	f := newFixture(t, backend, 20, Config{})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "q"})
	require.NoError(t, err)
	waitReached(t, backend)

	assert.False(t, f.orch.Cancel("someone-else", turn.SessionID))
	assert.False(t, f.orch.Cancel(testUser, "other-session"))
	assert.True(t, f.orch.Cancel(testUser, turn.SessionID))
	waitTurn(t, turn)
}

func TestBackendFailureShowsApology(t *testing.T) {
	backend := newFakeBackend("Half an ans")
	backend.err = errors.New("connection reset")
	f := newFixture(t, backend, 20, Config{})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "q"})
	require.NoError(t, err)
	assert.Equal(t, StateErrored, waitTurn(t, turn))

	msgs := currentMessages(t, f.store)
	require.Len(t, msgs, 2)
	assert.Equal(t, stream.DefaultApology, msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)

	ev, ok := turn.Latest()
	require.True(t, ok)
	assert.True(t, ev.Update.Failed)

	count, err := f.counter.Get(context.Background(), testUser)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCumulativeBackend(t *testing.T) {
	f := newFixture(t, newFakeBackend("Hope", "Hope is", "Hope", "Hope is trust."), 20, Config{Cumulative: true})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "q"})
	require.NoError(t, err)
	require.Equal(t, StateFinalized, waitTurn(t, turn))
	assert.Equal(t, "Hope is trust.", currentMessages(t, f.store)[1].Content)
}

func TestHistorySentWithQuestion(t *testing.T) {
	backend := newFakeBackend("answer")
	f := newFixture(t, backend, 20, Config{ContextTurns: 4})

	for _, q := range []string{"one", "two"} {
		turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: q})
		require.NoError(t, err)
		waitTurn(t, turn)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.requests, 2)
	assert.Empty(t, backend.requests[0].History)
	require.Len(t, backend.requests[1].History, 2)
	assert.Equal(t, "one", backend.requests[1].History[0].Content)
	assert.Equal(t, "two", backend.requests[1].Message)
}

func TestSessionDeletedMidTurn(t *testing.T) {
	backend := newFakeBackend("first", " second")
	backend.block = true
	f := newFixture(t, backend, 20, Config{})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "q"})
	require.NoError(t, err)
	waitReached(t, backend)

	require.True(t, f.store.Delete(context.Background(), turn.SessionID))
	f.orch.Cancel(testUser, turn.SessionID)
	assert.Equal(t, StateCancelled, waitTurn(t, turn))
}

func TestShutdownCancelsTurns(t *testing.T) {
	backend := newFakeBackend("x")
	backend.block = true
	f := newFixture(t, backend, 20, Config{})

	turn, err := f.orch.Submit(context.Background(), SubmitRequest{Input: "q"})
	require.NoError(t, err)
	waitReached(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
	assert.Equal(t, StateCancelled, turn.State())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)

	reg := session.NewRegistry()
	_, err = New(Deps{
		Stores:  reg,
		Users:   CurrentUserFunc(func(context.Context) (string, bool) { return "", false }),
		Counter: counter.New(kv.NewMemory(), 1),
		Backend: newFakeBackend(),
	}, Config{CancelPolicy: "shred"})
	assert.Error(t, err)
}
