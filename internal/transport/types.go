package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotReady    = errors.New("transport not ready")
	ErrUnsupported = errors.New("operation not supported by transport")
)

type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
)

// Event is delivered on the single inbound channel handed to Start.
type Event struct {
	Kind    EventKind
	At      time.Time
	QR      string // EventQR: raw pairing payload
	Reason  string // EventDisconnected
	Message *Message
}

// MessageRef addresses a message for reactions, replies and media downloads.
type MessageRef struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type Message struct {
	Ref          MessageRef
	IsGroup      bool
	Sender       string
	SenderName   string
	FromSelf     bool
	Body         string
	HasMedia     bool
	MediaType    string
	Timestamp    time.Time
	Conversation string // display name when the transport knows it
}

func (m Message) ConversationID() string { return m.Ref.ConversationID }

type Conversation struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsGroup      bool   `json:"isGroup"`
	Participants int    `json:"participants"`
}

// HistoryQuery pages backward. Before is the id of the oldest message
// already seen; empty means the most recent page.
type HistoryQuery struct {
	Limit  int
	Before string
}

type Media struct {
	MimeType string
	Data     []byte
}

// Transport is the chat platform connection the pipeline acts through.
type Transport interface {
	Name() string

	// Start runs until ctx is canceled or Stop is called. Events are sent on
	// out; a full channel drops the event.
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error
	IsReady() bool

	React(ctx context.Context, ref MessageRef, symbol string) error
	Reply(ctx context.Context, ref MessageRef, text string) error
	SendMessage(ctx context.Context, conversationID, text string) error

	Conversations(ctx context.Context) ([]Conversation, error)
	FetchHistory(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error)
	DownloadMedia(ctx context.Context, ref MessageRef) (Media, error)
}
