package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type sentMessage struct{ to, text string }

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) SendMessage(ctx context.Context, conversationID, text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, sentMessage{conversationID, text})
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.With(String("comp", "router")).Info("enqueued", Int("queue", 3))
	log.Debug("hidden")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	for _, want := range []string{`"message":"enqueued"`, `"comp":"router"`, `"queue":3`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log file missing %s:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Fatal("debug line written at info level")
	}
}

func TestChatSinkForwardsWarnings(t *testing.T) {
	svc, log := New(Config{Level: "info", Chat: ChatConfig{Enabled: true, ConversationID: "ops", RatePerSec: 50}})
	defer svc.Close()
	rec := &recordingSender{}
	svc.SetSender(rec)

	log.Info("routine")
	log.Warn("bridge dropped", String("reason", "timeout"))

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("warning not forwarded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	msgs := rec.messages()
	if len(msgs) != 1 || msgs[0].to != "ops" {
		t.Fatalf("sent = %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].text, "[WARN] bridge dropped") || !strings.Contains(msgs[0].text, "- reason=timeout") {
		t.Fatalf("text = %q", msgs[0].text)
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	got := formatChatLine([]byte(`{"level":"error","time":"x","message":"send failed","b":"2","a":1}`))
	if want := "[ERROR] send failed\n- a=1\n- b=2"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := formatChatLine([]byte("not json")); got != "not json" {
		t.Fatalf("raw = %q", got)
	}
}

func TestLoggerZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	if Nop().IsZero() {
		t.Fatal("Nop should not report IsZero")
	}
	zero.Info("discarded")
	Nop().Error("discarded")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Level{
		"debug":   LevelDebug,
		"WARNING": LevelWarn,
		" error ": LevelError,
		"bogus":   LevelInfo,
	} {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v", in, got)
		}
	}
}
