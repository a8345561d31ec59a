// Package hub fans session and turn events out to every connection of a user.
//
// Events travel over a watermill Publisher/Subscriber pair, either the
// in-process gochannel or Redis Streams, so several server instances can
// share one event stream.
package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried by the hub.
const (
	TypeSessionCreated  = "session.created"
	TypeSessionUpdated  = "session.updated"
	TypeSessionDeleted  = "session.deleted"
	TypeSessionSelected = "session.selected"
	TypeTurnUpdate      = "turn.update"
	TypeTurnState       = "turn.state"
	TypeCounterUpdated  = "counter.updated"
)

// Event is one notification for a user's connections.
type Event struct {
	// ID is assigned by the hub on publish; it orders events for replay.
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId,omitempty"`
	TurnID    string          `json:"turnId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Time      time.Time       `json:"time"`
}

// NewEvent builds an event with data encoded as JSON.
func NewEvent(eventType, userID, sessionID string, data any) (Event, error) {
	ev := Event{
		Type:      eventType,
		UserID:    userID,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s event: %w", eventType, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Topic returns the watermill topic for a user's events.
func Topic(userID string) string {
	return "holyanswers.user." + userID
}
