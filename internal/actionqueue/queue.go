// Package actionqueue holds matched actions in arrival order and drains them
// one per tick through the rate limiter.
package actionqueue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
)

type Kind string

const (
	KindReact Kind = "react"
	KindReply Kind = "reply"
)

type Source string

const (
	SourceLive     Source = "live"
	SourceBackfill Source = "backfill"
)

// Action is what the drain loop performs for an item.
type Action struct {
	Kind   Kind   `json:"kind"`
	Symbol string `json:"symbol,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Item is created by the router on a match and consumed exactly once.
type Item struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	Text           string                `json:"text"`
	Ref            *transport.MessageRef `json:"ref,omitempty"`
	EnqueuedAt     time.Time             `json:"enqueued_at"`
	Action         Action                `json:"action"`
	Client         string                `json:"client"`
	Source         Source                `json:"source"`
}

// Queue is an unbounded FIFO safe for concurrent producers.
type Queue struct {
	mu    sync.Mutex
	items []Item
	now   func() time.Time
}

func New() *Queue { return &Queue{now: time.Now} }

// Push appends it, assigning an ID and enqueue time when missing, and
// returns the new length.
func (q *Queue) Push(it Item) (Item, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = q.now()
	}
	q.items = append(q.items, it)
	return it, len(q.items)
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// PopIf removes the head only if its ID is id. A flush between Peek and
// PopIf makes it return false.
func (q *Queue) PopIf(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].ID != id {
		return false
	}
	q.items[0] = Item{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return true
}

// Flush empties the queue and returns how many items were discarded.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending items, head first.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}
