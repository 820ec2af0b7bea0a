// Package activity keeps the bounded, in-memory record of pipeline events
// served by GET /logs.
package activity

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/elliotchance/pie/v2"

	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const DefaultCapacity = 500

// Event kinds written by the pipeline.
const (
	KindQRReady         = "qr_ready"
	KindReady           = "ready"
	KindDisconnected    = "disconnected"
	KindGroupsSelected  = "groups_selected"
	KindBotStarted      = "bot_started"
	KindBotStopped      = "bot_stopped"
	KindSkip            = "skip"
	KindEnqueue         = "enqueue"
	KindDryRun          = "dry_run"
	KindOCRError        = "ocr_error"
	KindMessageError    = "message_error"
	KindReact           = "react"
	KindReply           = "reply"
	KindSendError       = "send_error"
	KindQueueFlushed    = "queue_flushed"
	KindHistoryScan     = "history_scan"
	KindHistoryError    = "history_error"
	KindHistoryDone     = "history_done"
	KindHistoryTrigger  = "history_trigger_error"
	KindScheduledScan   = "scheduled_scan"
	KindConfigReloaded  = "config_reloaded"
	KindStateRestored   = "state_restored"
	KindStatePersistErr = "state_persist_error"
)

// Entry is one activity record. Fields are flattened next to ts and event
// when encoded.
type Entry struct {
	At     time.Time
	Kind   string
	Fields map[string]any
}

func (e Entry) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["ts"] = e.At.UnixMilli()
	m["event"] = e.Kind
	return json.Marshal(m)
}

// Log is an append-only ring that drops the oldest entry beyond its capacity.
type Log struct {
	mu      sync.Mutex
	buf     []Entry
	next    int
	full    bool
	mirror  logx.Logger
	nowFunc func() time.Time
}

// New creates a ring holding at most capacity entries. Every entry is also
// written to mirror at debug level.
func New(capacity int, mirror logx.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]Entry, capacity), mirror: mirror, nowFunc: time.Now}
}

// Add appends an entry. kv holds alternating string keys and values.
func (l *Log) Add(kind string, kv ...any) {
	if l == nil {
		return
	}
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			fields[k] = err.Error()
			continue
		}
		fields[k] = kv[i+1]
	}

	l.mu.Lock()
	e := Entry{At: l.nowFunc(), Kind: kind, Fields: fields}
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if !l.mirror.IsZero() && l.mirror.Enabled(logx.LevelDebug) {
		l.mirror.Debug(kind, logx.Any("fields", fields))
	}
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	idx := l.next
	for len(out) < n {
		idx--
		if idx < 0 {
			idx = len(l.buf) - 1
		}
		out = append(out, l.buf[idx])
	}
	return out
}

// Filter returns stored entries of the given kind, newest first.
func (l *Log) Filter(kind string) []Entry {
	return pie.Filter(l.Recent(0), func(e Entry) bool { return e.Kind == kind })
}

// Preview shortens message text for log entries.
func Preview(s string) string {
	r := []rune(s)
	if len(r) > 80 {
		return string(r[:80])
	}
	return s
}
