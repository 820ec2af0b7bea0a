package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ActionRecord is one executed (or failed) queue action.
type ActionRecord struct {
	At             time.Time `json:"at"`
	ItemID         string    `json:"item_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Kind           string    `json:"kind"`
	Payload        string    `json:"payload"`
	Client         string    `json:"client,omitempty"`
	Source         string    `json:"source"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
	TookMS         int64     `json:"took_ms"`
}
