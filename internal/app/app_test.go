package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/config"
	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/match"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport/transporttest"
)

const baseYAML = `
server:
  addr: "127.0.0.1:0"
  api_key: secret
transport:
  kind: whatsapp
  whatsapp:
    url: "ws://127.0.0.1:1/bridge"
logging:
  level: error
pipeline:
  drain_interval: 10ms
`

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(baseYAML+extra), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func groupMsg(conv, id, body string, at time.Time) *transport.Message {
	return &transport.Message{
		Ref:       transport.MessageRef{ConversationID: conv, MessageID: id},
		IsGroup:   true,
		Body:      body,
		Timestamp: at,
	}
}

func newTestApp(t *testing.T, extra string) (*App, *transporttest.Fake) {
	t.Helper()
	fake := transporttest.New()
	a, err := New(writeConfig(t, t.TempDir(), extra), WithTransport(fake))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, fake
}

func TestLiveMessageActedOnAndStateRestored(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
storage:
  driver: file
  path: "`+filepath.ToSlash(filepath.Join(dir, "bot.db"))+`"
  restore_state: true
  resume_running: true
`)
	fake := transporttest.New()
	a, err := New(path, WithTransport(fake))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "http listener", func() bool { return a.Addr() != "" })

	a.ctrl.SelectConversations([]string{"g1"})
	if _, err := a.ctrl.Start(control.StartRequest{Clients: []match.Client{{Name: "Ahmed Ali"}}}); err != nil {
		t.Fatal(err)
	}
	ev := transport.Event{Kind: transport.EventMessage, Message: groupMsg("g1", "m1", "Ahmed Ali", time.Now())}
	waitFor(t, "transport start", func() bool { return fake.Emit(ev) })
	waitFor(t, "reaction", func() bool { return len(fake.Calls()) == 1 })

	if c := fake.Calls()[0]; c.Op != "react" || c.MessageID != "m1" {
		t.Fatalf("call = %+v", c)
	}
	waitFor(t, "action record", func() bool {
		recs, err := a.store.RecentActions(ctx, 10)
		return err == nil && len(recs) == 1 && recs[0].OK && recs[0].MessageID == "m1"
	})
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatal(err)
	}

	b, err := New(path, WithTransport(transporttest.New()))
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	if err := b.Start(ctx2); err != nil {
		t.Fatal(err)
	}
	defer b.Stop(context.Background(), StopAppStop)

	snap := b.ctrl.Snapshot()
	if !snap.Running || len(snap.Roster) != 1 || len(snap.Selection) != 1 || snap.Selection[0] != "g1" {
		t.Fatalf("restored snapshot = %+v", snap)
	}
}

func TestHandleEventSessionAndDisconnect(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, "")
	ctx := context.Background()

	a.handleEvent(ctx, transport.Event{Kind: transport.EventQR, QR: "pair-1"})
	if got := a.session.PairingCode(); got != "pair-1" {
		t.Fatalf("pairing code = %q", got)
	}
	a.handleEvent(ctx, transport.Event{Kind: transport.EventReady})
	if got := a.session.PairingCode(); got != "" {
		t.Fatalf("pairing code after ready = %q", got)
	}

	if _, err := a.ctrl.Start(control.StartRequest{}); err != nil {
		t.Fatal(err)
	}
	a.handleEvent(ctx, transport.Event{Kind: transport.EventDisconnected, Reason: "logout"})
	if a.ctrl.Running() {
		t.Fatal("still running after disconnect")
	}
	for _, kind := range []string{activity.KindQRReady, activity.KindReady, activity.KindDisconnected} {
		if len(a.act.Filter(kind)) != 1 {
			t.Fatalf("missing activity %q", kind)
		}
	}
}

func TestStopOnDisconnectDisabled(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, `  stop_on_disconnect: false
`)
	if _, err := a.ctrl.Start(control.StartRequest{}); err != nil {
		t.Fatal(err)
	}
	a.handleEvent(context.Background(), transport.Event{Kind: transport.EventDisconnected, Reason: "network"})
	if !a.ctrl.Running() {
		t.Fatal("stopped although stop_on_disconnect is false")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, "")

	next, err := config.Decode("config.yaml", []byte(strings.Replace(baseYAML, "drain_interval: 10ms", "drain_interval: 10ms\n  empty_selection: all", 1)+`
backfill:
  schedule: "every: 30m"
  lookback: 2h
`))
	if err != nil {
		t.Fatal(err)
	}
	a.applyConfig(next)

	if got := a.ctrl.Snapshot().EmptySelection; got != control.EmptySelectionAll {
		t.Fatalf("empty selection = %q", got)
	}
	if n := len(a.sched.Entries()); n != 1 {
		t.Fatalf("schedules = %d", n)
	}
	if a.scan.lookback != 2*time.Hour {
		t.Fatalf("lookback = %v", a.scan.lookback)
	}
	if len(a.act.Filter(activity.KindConfigReloaded)) != 1 {
		t.Fatal("reload not recorded")
	}

	prev, err := config.Decode("config.yaml", []byte(baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	a.applyConfig(prev)
	if n := len(a.sched.Entries()); n != 0 {
		t.Fatalf("schedules after removal = %d", n)
	}
}

func TestScheduledScanWatermark(t *testing.T) {
	t.Parallel()
	a, fake := newTestApp(t, `backfill:
  lookback: 1h
`)
	fake.SetHistory("g1", *groupMsg("g1", "h1", "Ahmed Ali", time.Now().Add(-10*time.Minute)))
	a.ctrl.SelectConversations([]string{"g1"})

	a.scheduledScan(context.Background())
	if reqs := fake.HistoryRequests(); len(reqs) != 0 {
		t.Fatalf("scanned while idle: %v", reqs)
	}

	if _, err := a.ctrl.Start(control.StartRequest{Clients: []match.Client{{Name: "Ahmed Ali"}}}); err != nil {
		t.Fatal(err)
	}
	a.scheduledScan(context.Background())
	if a.q.Len() != 1 {
		t.Fatalf("queue = %d after first scan", a.q.Len())
	}
	if a.lastScan.IsZero() {
		t.Fatal("watermark not recorded")
	}

	// The same message seen again is not queued twice.
	a.scheduledScan(context.Background())
	if a.q.Len() != 1 {
		t.Fatalf("queue = %d after second scan", a.q.Len())
	}
	if len(a.act.Filter(activity.KindScheduledScan)) != 2 {
		t.Fatal("scheduled scans not recorded")
	}
}

func TestMapSettings(t *testing.T) {
	t.Parallel()
	th := 80.0
	off := false
	s, err := mapSettings(config.DefaultsConfig{
		Mode:            "REPLY",
		ReplyText:       "received",
		Threshold:       &th,
		Cooldown:        "30s",
		RequiredTerms:   []string{"paid"},
		NormalizeArabic: &off,
		ArchiveLimit:    -5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode != control.ModeReply || s.Threshold != 0.8 || s.Cooldown != 30*time.Second || s.NormalizeArabic {
		t.Fatalf("settings = %+v", s)
	}
	if s.Emoji != control.DefaultEmoji || s.Archive.Limit != control.DefaultArchiveLimit {
		t.Fatalf("defaults lost: %+v", s)
	}
	if _, err := mapSettings(config.DefaultsConfig{Cooldown: "soon"}); err == nil {
		t.Fatal("expected cooldown error")
	}
}

func TestRecentWindow(t *testing.T) {
	t.Parallel()
	for in, want := range map[int]int{-1: 0, 0: defaultRecentWindow, 50: 50} {
		cfg := &config.Config{Pipeline: config.PipelineConfig{RecentWindow: in}}
		if got := recentWindow(cfg); got != want {
			t.Fatalf("recentWindow(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{name: "absent"},
		{name: "none", sc: &config.StorageConfig{Driver: "none"}},
		{name: "file", sc: &config.StorageConfig{Driver: "file", Path: "x/bot"}, enabled: true},
		{name: "sqlite", sc: &config.StorageConfig{Driver: "SQLite", Path: "x/bot.db", BusyTimeout: "2s"}, enabled: true},
		{name: "sqlite without path", sc: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", sc: &config.StorageConfig{Driver: "redis", Path: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, enabled, err := mapStorageConfig(&config.Config{Storage: tt.sc})
			if (err != nil) != tt.wantErr || enabled != tt.enabled {
				t.Fatalf("enabled=%v err=%v", enabled, err)
			}
		})
	}
}
