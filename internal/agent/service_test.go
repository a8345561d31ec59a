package agent

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/holyanswers/holyanswers/internal/domain"
)

type scriptedProcessor struct {
	chunks []string
	err    error
}

func (p *scriptedProcessor) Chat(context.Context, ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		for _, c := range p.chunks {
			if !yield(&ChatResponse{Response: c}, nil) {
				return
			}
		}
		if p.err != nil {
			yield(nil, p.err)
		}
	}
}

func (p *scriptedProcessor) StopGeneration(context.Context, string, string) error { return nil }
func (p *scriptedProcessor) Health(context.Context) error                         { return nil }
func (p *scriptedProcessor) Close()                                               {}

type memoryConversationLog struct {
	mu     sync.Mutex
	events []ConversationLogEvent
}

func (m *memoryConversationLog) Log(e ConversationLogEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memoryConversationLog) Close() error { return nil }

func TestServiceLogsQuestionAndAnswer(t *testing.T) {
	log := &memoryConversationLog{}
	svc := NewService(&scriptedProcessor{chunks: []string{"Be ", "still."}}, log)

	for _, err := range svc.Chat(context.Background(), ChatRequest{Message: "Psalm 46?", UserID: "u", SessionID: "s"}) {
		if err != nil {
			t.Fatalf("Chat failed: %v", err)
		}
	}

	if len(log.events) != 2 {
		t.Fatalf("expected 2 log events, got %d", len(log.events))
	}
	if log.events[0].EventType != "chat_user_message" || log.events[0].ContentRaw != "Psalm 46?" {
		t.Fatalf("unexpected question event %+v", log.events[0])
	}
	answer := log.events[1]
	if answer.ContentRaw != "Be still." || answer.Meta["partial"] != false {
		t.Fatalf("unexpected answer event %+v", answer)
	}
}

func TestServiceLogsPartialAnswerOnError(t *testing.T) {
	log := &memoryConversationLog{}
	svc := NewService(&scriptedProcessor{chunks: []string{"Be "}, err: errors.New("reset")}, log)

	var gotErr error
	for _, err := range svc.Chat(context.Background(), ChatRequest{Message: "x"}) {
		if err != nil {
			gotErr = err
		}
	}
	if gotErr == nil {
		t.Fatal("expected error")
	}
	answer := log.events[len(log.events)-1]
	if answer.Meta["partial"] != true || answer.Meta["stream_error"] != "reset" {
		t.Fatalf("unexpected answer meta %+v", answer.Meta)
	}
}

func TestHistoryKeepsLatestFinalizedMessages(t *testing.T) {
	msgs := []domain.Message{
		domain.NewMessage("s", domain.SenderUser, "one"),
		domain.NewMessage("s", domain.SenderAI, "two"),
		domain.NewMessage("s", domain.SenderUser, "three"),
		domain.NewPlaceholder("s"),
	}
	got := History(msgs, 2)
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Fatalf("unexpected history %+v", got)
	}
	if got[0].Sender != "ai" {
		t.Fatalf("unexpected sender %q", got[0].Sender)
	}
}
