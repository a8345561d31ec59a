package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultSessionTitle is the title given to a session before its first question.
const DefaultSessionTitle = "New Conversation"

const maxTitleRunes = 40

// Session is one conversation thread owned by a user.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	UserID    string    `json:"userId"`
	// Version increases on every mutation so observers can detect a new snapshot.
	Version uint64 `json:"version"`
}

// NewSession creates an empty session for the given owner.
func NewSession(userID string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Title:     DefaultSessionTitle,
		Messages:  []Message{},
		CreatedAt: time.Now().UnixMilli(),
		UserID:    userID,
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		c.Messages[i] = m.Clone()
	}
	return &c
}

// LastMessage returns the most recent message, if any.
func (s *Session) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Streaming returns the message currently being streamed, if any.
func (s *Session) Streaming() (Message, bool) {
	last, ok := s.LastMessage()
	if !ok || !last.IsStreaming {
		return Message{}, false
	}
	return last, true
}

// TitleFromInput derives a session title from the first user question.
func TitleFromInput(input string) string {
	title := strings.Join(strings.Fields(input), " ")
	if title == "" {
		return DefaultSessionTitle
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}
