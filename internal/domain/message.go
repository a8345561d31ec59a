package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	// SenderUser marks a message typed by the signed-in user.
	SenderUser Sender = "user"
	// SenderAI marks a message produced by the AI backend.
	SenderAI Sender = "ai"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAI
}

// Message is one chat turn entry. It is owned by exactly one Session.
type Message struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Sender      Sender   `json:"sender"`
	Timestamp   int64    `json:"timestamp"`
	IsStreaming bool     `json:"isStreaming"`
	SessionID   string   `json:"sessionId"`
	Tone        string   `json:"tone,omitempty"`
	References  []string `json:"references,omitempty"`
}

// NewMessage builds a message stamped with a fresh id and the current time.
func NewMessage(sessionID string, sender Sender, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
		SessionID: sessionID,
	}
}

// NewPlaceholder builds the empty streaming AI message attached at submit time.
func NewPlaceholder(sessionID string) Message {
	m := NewMessage(sessionID, SenderAI, "")
	m.IsStreaming = true
	return m
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.References = slices.Clone(m.References)
	return m
}
