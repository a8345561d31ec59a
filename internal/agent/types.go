// Package agent implements the clients for the hosted AI answer services.
package agent

import (
	"errors"
	"time"

	"github.com/holyanswers/holyanswers/internal/domain"
)

// ErrStopUnsupported is returned by backends that cannot stop a generation.
var ErrStopUnsupported = errors.New("stop generation not supported")

// ChatRequest is one question sent to the AI backend.
type ChatRequest struct {
	Message   string         `json:"user_input"`
	History   []HistoryEntry `json:"context_history,omitempty"`
	UserID    string         `json:"-"`
	SessionID string         `json:"-"`
	TurnID    string         `json:"-"`
}

// HistoryEntry is one earlier message of the conversation.
type HistoryEntry struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// ChatResponse is one chunk of an answer. For cumulative backends Response
// holds the whole answer so far; otherwise it holds only the new text.
type ChatResponse struct {
	Response   string   `json:"response"`
	Tone       string   `json:"tone,omitempty"`
	References []string `json:"references,omitempty"`
	Done       bool     `json:"done,omitempty"`
}

// History converts finalized session messages into context entries, keeping
// at most the last limit entries. Streaming and empty messages are skipped.
func History(messages []domain.Message, limit int) []HistoryEntry {
	var out []HistoryEntry
	for _, m := range messages {
		if m.IsStreaming || m.Content == "" {
			continue
		}
		out = append(out, HistoryEntry{Sender: string(m.Sender), Content: m.Content})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClientConfig holds settings shared by the backend clients.
type ClientConfig struct {
	EndpointURL     string
	StopURL         string
	RequestEncoding string
	APIKey          string
	// RequestTimeout bounds a whole answer; zero means no limit.
	RequestTimeout time.Duration
	StopTimeout    time.Duration
}
