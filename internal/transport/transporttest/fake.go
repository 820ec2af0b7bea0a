// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
)

// Call records one outbound action.
type Call struct {
	Op             string // react, reply, message
	ConversationID string
	MessageID      string
	Payload        string
}

// Fake is a scriptable Transport. The zero value is not ready; use New.
type Fake struct {
	mu sync.Mutex

	ready   bool
	calls   []Call
	convs   []transport.Conversation
	history map[string][]transport.Message
	media   map[string]transport.Media

	historyErr map[string]error
	historyReq []transport.HistoryQuery

	// SendErr, when set, is returned by React, Reply and SendMessage.
	SendErr error
	// Block, when non-nil, makes sends wait until it is closed.
	Block chan struct{}

	out chan<- transport.Event
}

func New() *Fake {
	return &Fake{
		ready:      true,
		history:    map[string][]transport.Message{},
		media:      map[string]transport.Media{},
		historyErr: map[string]error{},
	}
}

var _ transport.Transport = (*Fake)(nil)

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Start(ctx context.Context, out chan<- transport.Event) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (f *Fake) Stop(ctx context.Context) error { return nil }

func (f *Fake) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *Fake) SetReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

// Emit delivers ev to the channel passed to Start, if any.
func (f *Fake) Emit(ev transport.Event) bool {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		return false
	}
	out <- ev
	return true
}

func (f *Fake) record(ctx context.Context, c Call) error {
	f.mu.Lock()
	block := f.Block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return transport.ErrNotReady
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *Fake) React(ctx context.Context, ref transport.MessageRef, symbol string) error {
	return f.record(ctx, Call{Op: "react", ConversationID: ref.ConversationID, MessageID: ref.MessageID, Payload: symbol})
}

func (f *Fake) Reply(ctx context.Context, ref transport.MessageRef, text string) error {
	return f.record(ctx, Call{Op: "reply", ConversationID: ref.ConversationID, MessageID: ref.MessageID, Payload: text})
}

func (f *Fake) SendMessage(ctx context.Context, conversationID, text string) error {
	return f.record(ctx, Call{Op: "message", ConversationID: conversationID, Payload: text})
}

// Calls returns a copy of the recorded actions in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) SetConversations(convs ...transport.Conversation) {
	f.mu.Lock()
	f.convs = append([]transport.Conversation(nil), convs...)
	f.mu.Unlock()
}

func (f *Fake) Conversations(ctx context.Context) ([]transport.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return nil, transport.ErrNotReady
	}
	return append([]transport.Conversation(nil), f.convs...), nil
}

// SetHistory installs the full history of a conversation, in any order.
func (f *Fake) SetHistory(conversationID string, msgs ...transport.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]transport.Message(nil), msgs...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Timestamp.Before(cp[j].Timestamp) })
	f.history[conversationID] = cp
}

func (f *Fake) SetHistoryError(conversationID string, err error) {
	f.mu.Lock()
	f.historyErr[conversationID] = err
	f.mu.Unlock()
}

// HistoryRequests returns every query FetchHistory received.
func (f *Fake) HistoryRequests() []transport.HistoryQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.HistoryQuery(nil), f.historyReq...)
}

// FetchHistory returns up to q.Limit messages older than q.Before, newest page
// first, in ascending order inside the page.
func (f *Fake) FetchHistory(ctx context.Context, conversationID string, q transport.HistoryQuery) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyReq = append(f.historyReq, q)
	if err := f.historyErr[conversationID]; err != nil {
		return nil, err
	}
	all := f.history[conversationID]
	end := len(all)
	if q.Before != "" {
		end = -1
		for i, m := range all {
			if m.Ref.MessageID == q.Before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("unknown cursor %q", q.Before)
		}
	}
	start := 0
	if q.Limit > 0 && end-q.Limit > 0 {
		start = end - q.Limit
	}
	return append([]transport.Message(nil), all[start:end]...), nil
}

func (f *Fake) SetMedia(messageID string, m transport.Media) {
	f.mu.Lock()
	f.media[messageID] = m
	f.mu.Unlock()
}

func (f *Fake) DownloadMedia(ctx context.Context, ref transport.MessageRef) (transport.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.media[ref.MessageID]
	if !ok {
		return transport.Media{}, fmt.Errorf("no media for %s", ref.MessageID)
	}
	return m, nil
}
