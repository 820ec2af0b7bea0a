package whatsapp

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
)

const (
	frameQR           = "qr"
	frameReady        = "ready"
	frameDisconnected = "disconnected"
	frameMessage      = "message"
	frameResponse     = "response"
)

const (
	opReact   = "react"
	opReply   = "reply"
	opMessage = "message"
	opChats   = "chats"
	opHistory = "history"
	opMedia   = "media"
)

// frame is any inbound bridge frame.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	QR        string          `json:"qr,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   *wireMessage    `json:"message,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	disconnected bool
}

type request struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Chat      string `json:"chat,omitempty"`
	ID        string `json:"id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
	Content   string `json:"content,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Before    string `json:"before,omitempty"`
}

// wireMessage is a message as the bridge serializes it. Timestamp is in unix
// seconds.
type wireMessage struct {
	ID        string `json:"id"`
	Chat      string `json:"chat"`
	ChatName  string `json:"chat_name,omitempty"`
	IsGroup   *bool  `json:"is_group,omitempty"`
	From      string `json:"from"`
	FromName  string `json:"from_name,omitempty"`
	FromMe    bool   `json:"from_me,omitempty"`
	Body      string `json:"body"`
	HasMedia  bool   `json:"has_media,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// toMessage converts a wire message. fallback stands in for a missing
// timestamp: live events use the receive time, history keeps the zero time.
func (w wireMessage) toMessage(fallback time.Time) transport.Message {
	chat := w.Chat
	if chat == "" {
		chat = w.From
	}
	isGroup := strings.HasSuffix(chat, groupSuffix)
	if w.IsGroup != nil {
		isGroup = *w.IsGroup
	}
	ts := fallback
	if w.Timestamp > 0 {
		ts = time.Unix(w.Timestamp, 0)
	}
	return transport.Message{
		Ref:          transport.MessageRef{ConversationID: chat, MessageID: w.ID},
		IsGroup:      isGroup,
		Sender:       w.From,
		SenderName:   w.FromName,
		FromSelf:     w.FromMe,
		Body:         w.Body,
		HasMedia:     w.HasMedia,
		MediaType:    w.MediaType,
		Timestamp:    ts,
		Conversation: w.ChatName,
	}
}
