// Package telegram runs the pipeline on Telegram groups through the Bot API.
//
// The Bot API has no history endpoint, so FetchHistory reports
// transport.ErrUnsupported and conversations are learned from traffic.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/loorksy/whatsapp-bot-backend/internal/runtime/supervisor"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const (
	mediaCacheSize = 512
	maxMediaBytes  = 10 << 20
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint.
	APIURL string
	// Offline skips the getMe call, for tests.
	Offline bool
}

// Adapter implements transport.Transport.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- transport.Event
	ready   atomic.Bool
	dropped atomic.Uint64

	runMu sync.Mutex
	sup   *supervisor.Supervisor

	mu         sync.Mutex
	convs      map[string]transport.Conversation
	media      map[transport.MessageRef]string // file id
	mediaOrder []transport.MessageRef
}

var _ transport.Transport = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Poller:  &tele.LongPoller{Timeout: timeout, AllowedUpdates: []string{"message"}},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:   cfg,
		log:   log.With(logx.String("transport", "telegram")),
		bot:   b,
		convs: map[string]transport.Conversation{},
		media: map[transport.MessageRef]string{},
	}
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)

	handle := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.handleMessage(m)
		}
		return nil
	}
	b.Handle(tele.OnText, handle)
	b.Handle(tele.OnPhoto, handle)
	return a, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) IsReady() bool { return a.ready.Load() }

// Start polls until ctx is canceled or Stop is called.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.runMu.Lock()
	if a.sup != nil {
		a.runMu.Unlock()
		return errors.New("telegram adapter already started")
	}
	a.out.Store(out)
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup = sup
	a.runMu.Unlock()

	sup.Go0("telegram.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-ticker.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart0("telegram.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithPublishFirstError(true),
		supervisor.WithStopOnCleanExit(false),
	)

	a.ready.Store(true)
	a.emit(transport.Event{Kind: transport.EventReady})

	<-sup.Context().Done()
	a.ready.Store(false)
	a.runMu.Lock()
	if a.sup == sup {
		a.sup = nil
	}
	a.runMu.Unlock()
	wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("inbound events dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()
	a.ready.Store(false)
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	if sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()
	return nil
}

func (a *Adapter) emit(ev transport.Event) {
	out, _ := a.out.Load().(chan<- transport.Event)
	if out == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case out <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) handleMessage(m *tele.Message) {
	if m.Chat == nil {
		return
	}
	msg := a.toMessage(m)
	if msg.IsGroup {
		a.mu.Lock()
		a.convs[msg.ConversationID()] = transport.Conversation{
			ID:      msg.ConversationID(),
			Name:    m.Chat.Title,
			IsGroup: true,
		}
		a.mu.Unlock()
	}
	if m.Photo != nil && m.Photo.FileID != "" {
		a.rememberMedia(msg.Ref, m.Photo.FileID)
	}
	a.emit(transport.Event{Kind: transport.EventMessage, At: msg.Timestamp, Message: &msg})
}

func (a *Adapter) toMessage(m *tele.Message) transport.Message {
	msg := transport.Message{
		Ref: transport.MessageRef{
			ConversationID: strconv.FormatInt(m.Chat.ID, 10),
			MessageID:      strconv.Itoa(m.ID),
		},
		IsGroup:      m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
		Body:         m.Text,
		Timestamp:    m.Time(),
		Conversation: m.Chat.Title,
	}
	if m.Sender != nil {
		msg.Sender = strconv.FormatInt(m.Sender.ID, 10)
		msg.SenderName = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
		if me := a.bot.Me; me != nil && me.ID != 0 {
			msg.FromSelf = m.Sender.ID == me.ID
		}
	}
	if m.Photo != nil {
		msg.HasMedia = true
		msg.MediaType = "image/jpeg"
		msg.Body = m.Caption
	}
	return msg
}

func (a *Adapter) rememberMedia(ref transport.MessageRef, fileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.media[ref]; !ok {
		a.mediaOrder = append(a.mediaOrder, ref)
	}
	a.media[ref] = fileID
	for len(a.mediaOrder) > mediaCacheSize {
		delete(a.media, a.mediaOrder[0])
		a.mediaOrder = a.mediaOrder[1:]
	}
}

func parseRef(ref transport.MessageRef) (*tele.Chat, int, error) {
	chatID, err := strconv.ParseInt(ref.ConversationID, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("telegram chat id %q: %w", ref.ConversationID, err)
	}
	msgID := 0
	if ref.MessageID != "" {
		if msgID, err = strconv.Atoi(ref.MessageID); err != nil {
			return nil, 0, fmt.Errorf("telegram message id %q: %w", ref.MessageID, err)
		}
	}
	return &tele.Chat{ID: chatID}, msgID, nil
}

func (a *Adapter) checkSend(ctx context.Context) error {
	if !a.ready.Load() {
		return transport.ErrNotReady
	}
	return ctx.Err()
}

// React sets a single emoji reaction through setMessageReaction, which
// telebot has no typed helper for.
func (a *Adapter) React(ctx context.Context, ref transport.MessageRef, symbol string) error {
	if err := a.checkSend(ctx); err != nil {
		return err
	}
	chat, msgID, err := parseRef(ref)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"chat_id":    chat.ID,
		"message_id": msgID,
		"reaction":   []map[string]string{{"type": "emoji", "emoji": symbol}},
	}
	if _, err := a.bot.Raw("setMessageReaction", payload); err != nil {
		return fmt.Errorf("telegram setMessageReaction: %w", err)
	}
	return nil
}

func (a *Adapter) Reply(ctx context.Context, ref transport.MessageRef, text string) error {
	if err := a.checkSend(ctx); err != nil {
		return err
	}
	chat, msgID, err := parseRef(ref)
	if err != nil {
		return err
	}
	opts := &tele.SendOptions{ReplyTo: &tele.Message{ID: msgID, Chat: chat}}
	if _, err := a.bot.Send(chat, text, opts); err != nil {
		return fmt.Errorf("telegram reply: %w", err)
	}
	return nil
}

func (a *Adapter) SendMessage(ctx context.Context, conversationID, text string) error {
	if err := a.checkSend(ctx); err != nil {
		return err
	}
	chat, _, err := parseRef(transport.MessageRef{ConversationID: conversationID})
	if err != nil {
		return err
	}
	if _, err := a.bot.Send(chat, text); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Conversations returns the groups seen since start.
func (a *Adapter) Conversations(ctx context.Context) ([]transport.Conversation, error) {
	if !a.ready.Load() {
		return nil, transport.ErrNotReady
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]transport.Conversation, 0, len(a.convs))
	for _, c := range a.convs {
		out = append(out, c)
	}
	return out, nil
}

func (a *Adapter) FetchHistory(ctx context.Context, conversationID string, q transport.HistoryQuery) ([]transport.Message, error) {
	return nil, fmt.Errorf("telegram history: %w", transport.ErrUnsupported)
}

func (a *Adapter) DownloadMedia(ctx context.Context, ref transport.MessageRef) (transport.Media, error) {
	a.mu.Lock()
	fileID, ok := a.media[ref]
	a.mu.Unlock()
	if !ok {
		return transport.Media{}, fmt.Errorf("telegram media for message %s not cached", ref.MessageID)
	}
	rc, err := a.bot.File(&tele.File{FileID: fileID})
	if err != nil {
		return transport.Media{}, fmt.Errorf("telegram file: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxMediaBytes+1))
	if err != nil {
		return transport.Media{}, fmt.Errorf("telegram file read: %w", err)
	}
	if len(data) > maxMediaBytes {
		return transport.Media{}, fmt.Errorf("telegram file exceeds %d bytes", maxMediaBytes)
	}
	return transport.Media{MimeType: "image/jpeg", Data: data}, nil
}
