package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"

	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const testToken = "123:abc"

// fakeAPI records Bot API calls and answers with canned results.
type fakeAPI struct {
	mu    sync.Mutex
	calls map[string]map[string]any
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{calls: map[string]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/file/bot"+testToken+"/") {
			_, _ = w.Write([]byte("JPEGDATA"))
			return
		}
		method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		api.mu.Lock()
		api.calls[method] = payload
		api.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "sendMessage":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":99,"date":1,"chat":{"id":-100,"type":"supergroup"}}}`))
		case "getFile":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"file_id":"f1","file_path":"photos/1.jpg"}}`))
		case "setMessageReaction":
			if strings.Contains(string(body), "💥") {
				_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: REACTION_INVALID"}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		}
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func (f *fakeAPI) call(method string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func newAdapter(t *testing.T, url string) (*Adapter, chan transport.Event) {
	t.Helper()
	a, err := New(Config{Token: testToken, APIURL: url, Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := make(chan transport.Event, 8)
	a.out.Store((chan<- transport.Event)(events))
	a.ready.Store(true)
	return a, events
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()
	a, events := newAdapter(t, "http://127.0.0.1:0")

	a.handleMessage(&tele.Message{
		ID:       7,
		Unixtime: 1706918400,
		Chat:     &tele.Chat{ID: -100, Type: tele.ChatSuperGroup, Title: "Orders"},
		Sender:   &tele.User{ID: 5, FirstName: "Sara", LastName: "K"},
		Text:     "Ahmed Ali paid",
	})
	a.handleMessage(&tele.Message{
		ID:      8,
		Chat:    &tele.Chat{ID: 5, Type: tele.ChatPrivate},
		Sender:  &tele.User{ID: 5},
		Photo:   &tele.Photo{File: tele.File{FileID: "f1"}},
		Caption: "receipt",
	})

	ev := <-events
	m := ev.Message
	if ev.Kind != transport.EventMessage || m == nil {
		t.Fatalf("event = %+v", ev)
	}
	if !m.IsGroup || m.ConversationID() != "-100" || m.Ref.MessageID != "7" || m.SenderName != "Sara K" || m.Body != "Ahmed Ali paid" {
		t.Fatalf("message = %+v", m)
	}
	photo := (<-events).Message
	if photo.IsGroup || !photo.HasMedia || photo.Body != "receipt" {
		t.Fatalf("photo message = %+v", photo)
	}

	convs, err := a.Conversations(context.Background())
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "-100" || convs[0].Name != "Orders" {
		t.Fatalf("conversations = %+v", convs)
	}
}

func TestReactAndReply(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	a, _ := newAdapter(t, srv.URL)
	ctx := context.Background()
	ref := transport.MessageRef{ConversationID: "-100", MessageID: "7"}

	if err := a.React(ctx, ref, "👍"); err != nil {
		t.Fatalf("React: %v", err)
	}
	got := api.call("setMessageReaction")
	if got["chat_id"] != float64(-100) || got["message_id"] != float64(7) {
		t.Fatalf("reaction payload = %v", got)
	}
	if err := a.React(ctx, ref, "💥"); err == nil {
		t.Fatal("expected API error")
	}

	if err := a.Reply(ctx, ref, "received"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	sent := api.call("sendMessage")
	if sent["text"] != "received" || sent["reply_to_message_id"] == nil && sent["reply_parameters"] == nil {
		t.Fatalf("sendMessage payload = %v", sent)
	}

	if err := a.React(ctx, transport.MessageRef{ConversationID: "abc", MessageID: "1"}, "👍"); err == nil {
		t.Fatal("expected bad chat id error")
	}
}

func TestSendRequiresReady(t *testing.T) {
	t.Parallel()
	_, srv := newFakeAPI(t)
	a, _ := newAdapter(t, srv.URL)
	a.ready.Store(false)
	if err := a.SendMessage(context.Background(), "-100", "hi"); !errors.Is(err, transport.ErrNotReady) {
		t.Fatalf("err = %v", err)
	}
}

func TestHistoryUnsupported(t *testing.T) {
	t.Parallel()
	a, _ := newAdapter(t, "http://127.0.0.1:0")
	if _, err := a.FetchHistory(context.Background(), "-100", transport.HistoryQuery{}); !errors.Is(err, transport.ErrUnsupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestDownloadMedia(t *testing.T) {
	t.Parallel()
	_, srv := newFakeAPI(t)
	a, _ := newAdapter(t, srv.URL)
	ref := transport.MessageRef{ConversationID: "-100", MessageID: "8"}

	if _, err := a.DownloadMedia(context.Background(), ref); err == nil {
		t.Fatal("expected error for unknown media")
	}
	a.rememberMedia(ref, "f1")
	media, err := a.DownloadMedia(context.Background(), ref)
	if err != nil {
		t.Fatalf("DownloadMedia: %v", err)
	}
	if string(media.Data) != "JPEGDATA" || media.MimeType != "image/jpeg" {
		t.Fatalf("media = %+v", media)
	}
}

func TestMediaCacheBounded(t *testing.T) {
	t.Parallel()
	a, _ := newAdapter(t, "http://127.0.0.1:0")
	for i := 0; i < mediaCacheSize+10; i++ {
		a.rememberMedia(transport.MessageRef{ConversationID: "1", MessageID: string(rune('a' + i%26)) + strings.Repeat("x", i/26)}, "f")
	}
	if len(a.media) != mediaCacheSize || len(a.mediaOrder) != mediaCacheSize {
		t.Fatalf("cache size = %d/%d", len(a.media), len(a.mediaOrder))
	}
}
