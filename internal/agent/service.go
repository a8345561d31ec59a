package agent

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"time"
)

// Service wraps a Processor and records every exchange in the conversation log.
type Service struct {
	processor  Processor
	log        ConversationLogger
	cumulative bool
}

// NewService creates a service over processor. A nil log disables conversation logging.
func NewService(processor Processor, log ConversationLogger) *Service {
	if log == nil {
		log = noopConversationLogger{}
	}
	s := &Service{processor: processor, log: log}
	if c, ok := processor.(Cumulative); ok {
		s.cumulative = c.Cumulative()
	}
	return s
}

// Cumulative reports whether chunks repeat the whole answer so far.
func (s *Service) Cumulative() bool {
	return s.cumulative
}

// Chat forwards to the processor, logging the question up front and the
// answer (possibly partial) once the stream ends or the caller stops reading.
func (s *Service) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		s.log.Log(ConversationLogEvent{
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			UserID:     req.UserID,
			SessionID:  req.SessionID,
			Channel:    "chat",
			Direction:  "outbound",
			EventType:  "chat_user_message",
			ContentRaw: req.Message,
			Meta: map[string]any{
				"turn_id":       req.TurnID,
				"history_items": len(req.History),
			},
		})

		var (
			content   strings.Builder
			chunks    int
			partial   = true
			streamErr string
		)
		defer func() {
			s.logAnswer(req, content.String(), chunks, partial, streamErr)
		}()

		for resp, err := range s.processor.Chat(ctx, req) {
			if err != nil {
				streamErr = err.Error()
				yield(nil, err)
				return
			}
			if resp != nil && resp.Response != "" {
				chunks++
				if s.cumulative {
					content.Reset()
				}
				content.WriteString(resp.Response)
			}
			if !yield(resp, nil) {
				return
			}
		}
		partial = false
	}
}

func (s *Service) logAnswer(req ChatRequest, content string, chunks int, partial bool, streamErr string) {
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    "chat",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: content,
		Meta: map[string]any{
			"turn_id":       req.TurnID,
			"stream_chunks": chunks,
			"partial":       partial,
			"stream_error":  streamErr,
		},
	})
}

// StopGeneration forwards a stop request to the processor.
func (s *Service) StopGeneration(ctx context.Context, userID, sessionID string) error {
	return s.processor.StopGeneration(ctx, userID, sessionID)
}

// Health checks the processor.
func (s *Service) Health(ctx context.Context) error {
	return s.processor.Health(ctx)
}

// Close releases resources.
func (s *Service) Close() {
	if s.processor != nil {
		s.processor.Close()
	}
	if err := s.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}
