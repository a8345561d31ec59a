package hub

import (
	"container/list"
	"sync"
)

// ReplayQueue buffers recent events per user so a reconnecting client can
// catch up from its Last-Event-ID. Each user gets a bounded list so one
// user's burst cannot evict another user's events.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// NewReplayQueue creates a queue keeping at most maxSize events per user.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ReplayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue records ev for its user.
func (q *ReplayQueue) Enqueue(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[ev.UserID]
	if !ok {
		l = list.New()
		q.queues[ev.UserID] = l
	}
	l.PushBack(ev)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// After returns the user's buffered events with an ID greater than afterID.
func (q *ReplayQueue) After(userID string, afterID int64) []Event {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[userID]
	if !ok {
		return nil
	}
	var missed []Event
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(Event)
		if ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Prune drops the user's buffer, e.g. on sign-out.
func (q *ReplayQueue) Prune(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, userID)
}
