// Package whatsapp talks to a WhatsApp Web bridge over a websocket.
//
// The bridge owns the WhatsApp session and speaks JSON frames. Inbound frames
// are qr, ready, disconnected, message and response; requests carry a
// request_id that the matching response echoes.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const (
	groupSuffix = "@g.us"

	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectMin     = time.Second
	defaultReconnectMax     = 30 * time.Second
)

var (
	ErrBridgeDisconnected = errors.New("whatsapp bridge disconnected")
	ErrRequestTimeout     = errors.New("whatsapp bridge request timed out")
)

type Config struct {
	URL   string
	Token string

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

// Bridge implements transport.Transport.
type Bridge struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	pending map[string]chan frame

	writeMu sync.Mutex
	ready   atomic.Bool
	dropped atomic.Uint64
}

var _ transport.Transport = (*Bridge)(nil)

func New(cfg Config, log logx.Logger) (*Bridge, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("whatsapp bridge url is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectMin)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{
		cfg:     cfg,
		log:     log.With(logx.String("transport", "whatsapp")),
		pending: map[string]chan frame{},
	}, nil
}

func (b *Bridge) Name() string { return "whatsapp" }

func (b *Bridge) IsReady() bool { return b.ready.Load() }

// Dropped counts inbound events lost to a full channel.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// Start keeps a bridge connection open until ctx is canceled or Stop is
// called, reconnecting with exponential backoff.
func (b *Bridge) Start(ctx context.Context, out chan<- transport.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	defer cancel()

	b.log.Info("starting whatsapp bridge client", logx.String("url", b.cfg.URL))
	backoff := b.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := b.dial(ctx)
		if err != nil {
			b.log.Warn("whatsapp bridge connect failed", logx.Err(err), logx.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, b.cfg.ReconnectMax)
			continue
		}
		backoff = b.cfg.ReconnectMin
		b.log.Info("whatsapp bridge connected")

		err = b.readLoop(ctx, conn, out)
		b.detach(conn)
		if ctx.Err() != nil {
			b.ready.Store(false)
			return nil
		}
		b.log.Warn("whatsapp bridge connection lost, will reconnect", logx.Err(err))
		if b.ready.Swap(false) {
			b.emit(out, transport.Event{Kind: transport.EventDisconnected, Reason: "bridge connection lost"})
		}
	}
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: b.cfg.HandshakeTimeout,
	}
	var header http.Header
	if b.cfg.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + b.cfg.Token}}
	}
	conn, _, err := dialer.DialContext(ctx, b.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial whatsapp bridge %s: %w", b.cfg.URL, err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return conn, nil
}

// detach drops conn and fails every request still waiting on it.
func (b *Bridge) detach(conn *websocket.Conn) {
	_ = conn.Close()
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	pending := b.pending
	b.pending = map[string]chan frame{}
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- frame{Type: frameResponse, Error: ErrBridgeDisconnected.Error(), disconnected: true}
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- transport.Event) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.log.Warn("invalid whatsapp bridge frame", logx.Err(err))
			continue
		}
		b.handle(f, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (b *Bridge) handle(f frame, out chan<- transport.Event) {
	switch f.Type {
	case frameQR:
		b.ready.Store(false)
		b.emit(out, transport.Event{Kind: transport.EventQR, QR: f.QR})
	case frameReady:
		b.ready.Store(true)
		b.emit(out, transport.Event{Kind: transport.EventReady})
	case frameDisconnected:
		b.ready.Store(false)
		b.emit(out, transport.Event{Kind: transport.EventDisconnected, Reason: f.Reason})
	case frameMessage:
		if f.Message == nil {
			return
		}
		msg := f.Message.toMessage(time.Now())
		b.log.Debug("whatsapp message received",
			logx.String("chat", msg.ConversationID()),
			logx.Bool("group", msg.IsGroup),
			logx.Bool("media", msg.HasMedia),
		)
		b.emit(out, transport.Event{Kind: transport.EventMessage, At: msg.Timestamp, Message: &msg})
	case frameResponse:
		b.mu.Lock()
		ch, ok := b.pending[f.RequestID]
		delete(b.pending, f.RequestID)
		b.mu.Unlock()
		if ok {
			ch <- f
		}
	default:
		b.log.Debug("unknown whatsapp bridge frame", logx.String("type", f.Type))
	}
}

func (b *Bridge) emit(out chan<- transport.Event, ev transport.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case out <- ev:
	default:
		b.dropped.Add(1)
		b.log.Warn("inbound event dropped", logx.String("kind", string(ev.Kind)))
	}
}

func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	conn := b.conn
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		b.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		b.writeMu.Unlock()
		_ = conn.Close()
	}
	b.ready.Store(false)
	return nil
}

// call sends one request and waits for its response. data, when non-nil,
// receives the response payload.
func (b *Bridge) call(ctx context.Context, req request, data any) error {
	if !b.ready.Load() {
		return transport.ErrNotReady
	}
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return transport.ErrNotReady
	}
	req.RequestID = uuid.NewString()
	ch := make(chan frame, 1)
	b.pending[req.RequestID] = ch
	b.mu.Unlock()

	raw, err := json.Marshal(req)
	if err != nil {
		b.forget(req.RequestID)
		return fmt.Errorf("marshal whatsapp %s request: %w", req.Type, err)
	}
	b.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, raw)
	b.writeMu.Unlock()
	if err != nil {
		b.forget(req.RequestID)
		return fmt.Errorf("send whatsapp %s request: %w", req.Type, err)
	}

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.disconnected {
			return ErrBridgeDisconnected
		}
		if !resp.OK {
			msg := resp.Error
			if msg == "" {
				msg = "unknown error"
			}
			return fmt.Errorf("whatsapp %s: %s", req.Type, msg)
		}
		if data != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, data); err != nil {
				return fmt.Errorf("decode whatsapp %s response: %w", req.Type, err)
			}
		}
		return nil
	case <-timer.C:
		b.forget(req.RequestID)
		return fmt.Errorf("%w: %s", ErrRequestTimeout, req.Type)
	case <-ctx.Done():
		b.forget(req.RequestID)
		return ctx.Err()
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) React(ctx context.Context, ref transport.MessageRef, symbol string) error {
	return b.call(ctx, request{Type: opReact, Chat: ref.ConversationID, ID: ref.MessageID, Emoji: symbol}, nil)
}

func (b *Bridge) Reply(ctx context.Context, ref transport.MessageRef, text string) error {
	return b.call(ctx, request{Type: opReply, Chat: ref.ConversationID, ID: ref.MessageID, Content: text}, nil)
}

func (b *Bridge) SendMessage(ctx context.Context, conversationID, text string) error {
	return b.call(ctx, request{Type: opMessage, Chat: conversationID, Content: text}, nil)
}

func (b *Bridge) Conversations(ctx context.Context) ([]transport.Conversation, error) {
	var resp struct {
		Chats []transport.Conversation `json:"chats"`
	}
	if err := b.call(ctx, request{Type: opChats}, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Chats {
		if !resp.Chats[i].IsGroup {
			resp.Chats[i].IsGroup = strings.HasSuffix(resp.Chats[i].ID, groupSuffix)
		}
	}
	return resp.Chats, nil
}

func (b *Bridge) FetchHistory(ctx context.Context, conversationID string, q transport.HistoryQuery) ([]transport.Message, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := b.call(ctx, request{Type: opHistory, Chat: conversationID, Limit: q.Limit, Before: q.Before}, &resp); err != nil {
		return nil, err
	}
	out := make([]transport.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.Chat == "" {
			m.Chat = conversationID
		}
		out = append(out, m.toMessage(time.Time{}))
	}
	return out, nil
}

func (b *Bridge) DownloadMedia(ctx context.Context, ref transport.MessageRef) (transport.Media, error) {
	var resp struct {
		MimeType string `json:"mimetype"`
		Data     []byte `json:"data"`
	}
	if err := b.call(ctx, request{Type: opMedia, Chat: ref.ConversationID, ID: ref.MessageID}, &resp); err != nil {
		return transport.Media{}, err
	}
	return transport.Media{MimeType: resp.MimeType, Data: resp.Data}, nil
}
