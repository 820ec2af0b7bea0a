package control

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/eventbus"
	"github.com/loorksy/whatsapp-bot-backend/internal/match"
	"github.com/loorksy/whatsapp-bot-backend/internal/ratelimit"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

type recordingBackfiller struct {
	mu   sync.Mutex
	reqs []BackfillRequest
	err  error
	done chan struct{}
}

func (b *recordingBackfiller) Backfill(ctx context.Context, req BackfillRequest) (int, error) {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	b.mu.Unlock()
	defer close(b.done)
	return 3, b.err
}

func newController(t *testing.T, opts Options) (*Controller, *ratelimit.Limiter, *activity.Log) {
	t.Helper()
	lim := ratelimit.New(1, 0)
	act := activity.New(100, logx.Nop())
	return New(opts, lim, act, eventbus.New(), logx.Nop()), lim, act
}

func ptr[T any](v T) *T { return &v }

func TestStartMergesAndClamps(t *testing.T) {
	t.Parallel()
	c, lim, _ := newController(t, Options{})

	snap, err := c.Start(StartRequest{
		Clients: []match.Client{{Name: "Ahmed Ali", Emoji: "👍"}, {Name: "  "}, {Name: "؟!"}},
		Settings: SettingsPatch{
			Threshold: ptr(60.0),
			Cooldown:  ptr(-4.0),
			RateLimit: ptr(0),
			Emoji:     ptr(""),
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !snap.Running || !c.Running() {
		t.Fatal("expected running")
	}
	s := snap.Settings
	if s.Threshold != 0.6 {
		t.Fatalf("threshold = %v, want 0.6", s.Threshold)
	}
	if s.Cooldown != 0 || s.RateLimit != 1 || s.Emoji != DefaultEmoji {
		t.Fatalf("settings = %+v", s)
	}
	if len(snap.Roster) != 1 || snap.Roster[0].Name != "Ahmed Ali" {
		t.Fatalf("roster = %+v", snap.Roster)
	}
	if perMinute, cooldown := lim.Limits(); perMinute != 1 || cooldown != 0 {
		t.Fatalf("limiter not configured: %d %v", perMinute, cooldown)
	}

	// A second start keeps unspecified fields and replaces the roster.
	snap, err = c.Start(StartRequest{Settings: SettingsPatch{Threshold: ptr(1.7)}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if math.Abs(snap.Settings.Threshold-0.017) > 1e-9 {
		t.Fatalf("threshold = %v", snap.Settings.Threshold)
	}
	if snap.Settings.RateLimit != 1 {
		t.Fatalf("rate limit not kept: %d", snap.Settings.RateLimit)
	}
	if len(snap.Roster) != 0 {
		t.Fatal("roster should be replaced wholesale")
	}
}

func TestThresholdNormalization(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want float64
	}{
		{in: -0.5, want: 0},
		{in: 0, want: 0},
		{in: 0.5, want: 0.5},
		{in: 1, want: 1},
		{in: 50, want: 0.5},
		{in: 100, want: 1},
		{in: 250, want: 1},
	}
	for _, tt := range tests {
		if got := NormalizeThreshold(tt.in); got != tt.want {
			t.Fatalf("NormalizeThreshold(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStartRejectsInvalidWithoutStateChange(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		patch SettingsPatch
		want  error
	}{
		{name: "archive without start", patch: SettingsPatch{Archive: &ArchivePatch{Enabled: ptr(true)}}, want: ErrStartAtRequired},
		{name: "history on start alias without start", patch: SettingsPatch{HistoryOnStart: ptr(true)}, want: ErrStartAtRequired},
		{name: "reply without text", patch: SettingsPatch{Mode: ptr("reply")}, want: ErrInvalidSettings},
		{name: "unknown mode", patch: SettingsPatch{Mode: ptr("shout")}, want: ErrInvalidSettings},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _, _ := newController(t, Options{})
			before := c.Snapshot()
			_, err := c.Start(StartRequest{Clients: []match.Client{{Name: "x"}}, Settings: tt.patch})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			after := c.Snapshot()
			if after.Running || len(after.Roster) != 0 || after.Settings.Mode != before.Settings.Mode {
				t.Fatalf("state changed: %+v", after)
			}
		})
	}
}

func TestStartTriggersBackfill(t *testing.T) {
	t.Parallel()
	c, _, act := newController(t, Options{})
	bf := &recordingBackfiller{err: errors.New("transport not ready"), done: make(chan struct{})}
	c.SetBackfiller(bf, nil)

	_, err := c.Start(StartRequest{Settings: SettingsPatch{
		HistoryOnStart: ptr(true),
		ArchiveStart:   &Timestamp{Time: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		HistoryLimit:   ptr(3),
	}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-bf.done:
	case <-time.After(2 * time.Second):
		t.Fatal("backfill not triggered")
	}
	bf.mu.Lock()
	req := bf.reqs[0]
	bf.mu.Unlock()
	if req.Limit != MinArchiveLimit || !req.StartAt.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("request = %+v", req)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(act.Filter(activity.KindHistoryTrigger)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(act.Filter(activity.KindHistoryTrigger)) != 1 {
		t.Fatal("missing history_trigger_error entry")
	}
}

type countingBackfiller struct {
	mu    sync.Mutex
	calls int
}

func (b *countingBackfiller) Backfill(ctx context.Context, req BackfillRequest) (int, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return 0, nil
}

func TestBackfillOnStartIsOneShot(t *testing.T) {
	t.Parallel()
	c, _, _ := newController(t, Options{})
	bf := &countingBackfiller{}
	c.SetBackfiller(bf, func(name string, fn func(ctx context.Context)) { fn(context.Background()) })

	start := &Timestamp{Time: time.Now().Add(-time.Hour)}
	if _, err := c.Start(StartRequest{Settings: SettingsPatch{Archive: &ArchivePatch{Enabled: ptr(true), StartAt: start}}}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	c.Stop("api")
	snap, err := c.Start(StartRequest{})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if bf.calls != 1 {
		t.Fatalf("backfill calls = %d, want 1", bf.calls)
	}
	if snap.Settings.Archive.Enabled {
		t.Fatal("archive flag carried over to a start that did not ask for it")
	}
	if snap.Settings.Archive.StartAt == nil || !snap.Settings.Archive.StartAt.Equal(start.Time) {
		t.Fatalf("startAt should carry over as a default: %v", snap.Settings.Archive.StartAt)
	}
}

func TestCooldownDoesNotOverflow(t *testing.T) {
	t.Parallel()
	for _, sec := range []float64{1e11, math.Inf(1), math.MaxFloat64} {
		s, err := Merge(DefaultSettings(), SettingsPatch{Cooldown: ptr(sec)})
		if err != nil {
			t.Fatalf("Merge(%v): %v", sec, err)
		}
		if s.Cooldown <= 0 {
			t.Fatalf("cooldown %v seconds became %v", sec, s.Cooldown)
		}
	}
	var s Settings
	if err := json.Unmarshal([]byte(`{"cooldown":1e11}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.Cooldown <= 0 {
		t.Fatalf("decoded cooldown = %v", s.Cooldown)
	}
	if got := secondsToDuration(math.NaN()); got != 0 {
		t.Fatalf("NaN cooldown = %v", got)
	}
}

func TestStopKeepsSettings(t *testing.T) {
	t.Parallel()
	c, _, act := newController(t, Options{})
	if _, err := c.Start(StartRequest{Clients: []match.Client{{Name: "Mona"}}, Settings: SettingsPatch{Emoji: ptr("🔥")}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := c.Stop("api")
	if snap.Running {
		t.Fatal("still running")
	}
	if snap.Settings.Emoji != "🔥" || len(snap.Roster) != 1 {
		t.Fatalf("stop must only flip the flag: %+v", snap)
	}
	c.Stop("again")
	if got := len(act.Filter(activity.KindBotStopped)); got != 1 {
		t.Fatalf("bot_stopped entries = %d, want 1", got)
	}
}

func TestHandleDisconnect(t *testing.T) {
	t.Parallel()
	for _, stop := range []bool{true, false} {
		c, _, _ := newController(t, Options{StopOnDisconnect: stop})
		if _, err := c.Start(StartRequest{}); err != nil {
			t.Fatalf("Start: %v", err)
		}
		c.HandleDisconnect("LOGOUT")
		if c.Running() == stop {
			t.Fatalf("stop_on_disconnect=%v: running=%v", stop, c.Running())
		}
	}
}

func TestSelectionPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		policy EmptySelection
		ids    []string
		conv   string
		want   bool
	}{
		{name: "empty means none", policy: EmptySelectionNone, conv: "g1", want: false},
		{name: "empty means all", policy: EmptySelectionAll, conv: "g1", want: true},
		{name: "member", policy: EmptySelectionNone, ids: []string{"g1", "g2"}, conv: "g2", want: true},
		{name: "non member with all policy", policy: EmptySelectionAll, ids: []string{"g1"}, conv: "g3", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _, _ := newController(t, Options{EmptySelection: tt.policy})
			if tt.ids != nil {
				c.SelectConversations(tt.ids)
			}
			if got := c.Snapshot().Selected(tt.conv); got != tt.want {
				t.Fatalf("Selected(%q) = %v, want %v", tt.conv, got, tt.want)
			}
		})
	}
}

func TestSelectConversationsCleans(t *testing.T) {
	t.Parallel()
	c, _, _ := newController(t, Options{})
	got := c.SelectConversations([]string{" g1 ", "", "g2", "g1"})
	if len(got) != 2 || got[0] != "g1" || got[1] != "g2" {
		t.Fatalf("selection = %v", got)
	}
}

func TestExportRestore(t *testing.T) {
	t.Parallel()
	c, _, _ := newController(t, Options{})
	c.SelectConversations([]string{"g1"})
	if _, err := c.Start(StartRequest{
		Clients:  []match.Client{{Name: "Sara", Emoji: "⭐"}},
		Settings: SettingsPatch{Cooldown: ptr(7.5), RequiredTerms: []string{"invoice"}},
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b, err := json.Marshal(c.Export())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	c2, lim2, _ := newController(t, Options{})
	if err := c2.Restore(st, false); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	snap := c2.Snapshot()
	if snap.Running {
		t.Fatal("resume=false must restore idle")
	}
	if snap.Settings.Cooldown != 7500*time.Millisecond || len(snap.Settings.RequiredTerms) != 1 {
		t.Fatalf("settings = %+v", snap.Settings)
	}
	if !snap.Selected("g1") || len(snap.Roster) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, cd := lim2.Limits(); cd != 7500*time.Millisecond {
		t.Fatalf("limiter cooldown = %v", cd)
	}

	if _, err := c2.Start(StartRequest{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c2.Restore(st, true); !errors.Is(err, ErrAlreadyConfigured) {
		t.Fatalf("Restore while running = %v", err)
	}
}

func TestTimestampFormats(t *testing.T) {
	t.Parallel()
	want := time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{`"2024-02-03"`, `"2024-02-03T00:00:00Z"`, `1706918400`, `1706918400000`, `"1706918400"`} {
		var ts Timestamp
		if err := json.Unmarshal([]byte(in), &ts); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if !ts.Equal(want) {
			t.Fatalf("%s parsed as %v", in, ts.Time)
		}
	}
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Fatal("expected error")
	}
}
