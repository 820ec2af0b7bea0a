package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loorksy/whatsapp-bot-backend/internal/actionqueue"
	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/backfill"
	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/eventbus"
	"github.com/loorksy/whatsapp-bot-backend/internal/match"
	"github.com/loorksy/whatsapp-bot-backend/internal/ratelimit"
	"github.com/loorksy/whatsapp-bot-backend/internal/router"
	"github.com/loorksy/whatsapp-bot-backend/internal/storage"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport/transporttest"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const apiKey = "test-key"

type session struct {
	mu   sync.Mutex
	code string
}

func (s *session) PairingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

type fixture struct {
	ctrl *control.Controller
	q    *actionqueue.Queue
	tr   *transporttest.Fake
	act  *activity.Log
	lim  *ratelimit.Limiter
	r    *router.Router
	sess *session
	h    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	act := activity.New(100, logx.Nop())
	lim := ratelimit.New(20, 0)
	ctrl := control.New(control.Options{EmptySelection: control.EmptySelectionNone}, lim, act, eventbus.New(), logx.Nop())
	f := &fixture{ctrl: ctrl, q: actionqueue.New(), tr: transporttest.New(), act: act, lim: lim, sess: &session{}}
	f.r = router.New(ctrl, f.q, f.tr, nil, act, logx.Nop())
	srv := New(Config{APIKey: apiKey}, Deps{
		Control:   ctrl,
		Queue:     f.q,
		Limiter:   lim,
		Transport: f.tr,
		Scanner:   backfill.New(f.tr, ctrl, f.r, act, logx.Nop()),
		Activity:  act,
		Session:   f.sess,
		Runtime:   func() any { return map[string]int{"tasks": 3} },
	}, logx.Nop())
	f.h = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, auth bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHealthReportsRate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.lim.Mark("g1")
	f.lim.Mark("g2")

	_, body := f.do(t, http.MethodGet, "/health", "", false)
	rate, _ := body["rate"].(map[string]any)
	if rate == nil {
		t.Fatalf("missing rate: %v", body)
	}
	if rate["inWindow"] != 2.0 || rate["perMinute"] != 20.0 || rate["cooldown"] != 0.0 {
		t.Fatalf("rate = %v", rate)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["runtime"] == nil {
		t.Fatalf("health = %d %v", rec.Code, body)
	}

	for _, path := range []string{"/logs", "/chats", "/session/qr"} {
		if rec, _ := f.do(t, http.MethodGet, path, "", false); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token = %d", path, rec.Code)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/bot/stop", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec, _ := f.do(t, http.MethodGet, "/logs", "", true); rec.Code != http.StatusOK {
		t.Fatalf("logs with token = %d", rec.Code)
	}
}

func TestStartWithoutClientsOrSelection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/bot/start", "", true)
	if rec.Code != http.StatusOK || body["running"] != true {
		t.Fatalf("start = %d %v", rec.Code, body)
	}
	if clients, _ := body["clients"].([]any); len(clients) != 0 {
		t.Fatalf("clients = %v", body["clients"])
	}

	// An empty selection acts nowhere under the default policy.
	d := f.r.Route(context.Background(), transport.Message{
		Ref:     transport.MessageRef{ConversationID: "g1@g.us", MessageID: "m1"},
		IsGroup: true,
		Body:    "hello",
	}, router.Options{})
	if d.Skip != router.SkipNotSelected || f.q.Len() != 0 {
		t.Fatalf("decision = %+v, queue = %d", d, f.q.Len())
	}

	_, health := f.do(t, http.MethodGet, "/health", "", false)
	if ids, _ := health["selectedGroupIds"].([]any); ids == nil || len(ids) != 0 {
		t.Fatalf("selectedGroupIds = %v", health["selectedGroupIds"])
	}
	if health["emptySelection"] != "none" {
		t.Fatalf("emptySelection = %v", health["emptySelection"])
	}
}

func TestStartRejectsInvalidSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "backfill without start", body: `{"settings":{"historyOnStart":true}}`, code: http.StatusBadRequest},
		{name: "unknown mode", body: `{"settings":{"mode":"shout"}}`, code: http.StatusBadRequest},
		{name: "malformed", body: `{"clients":`, code: http.StatusBadRequest},
		{name: "ok", body: `{"clients":[{"name":"Ahmed Ali","emoji":"👍"},{"name":"  "}],"settings":{"threshold":60,"cooldown":2}}`, code: http.StatusOK},
	}
	for _, tt := range tests {
		rec, body := f.do(t, http.MethodPost, "/bot/start", tt.body, true)
		if rec.Code != tt.code {
			t.Fatalf("%s: code = %d, body = %v", tt.name, rec.Code, body)
		}
		if tt.code != http.StatusOK && f.ctrl.Running() {
			t.Fatalf("%s: rejected start changed state", tt.name)
		}
	}
	snap := f.ctrl.Snapshot()
	if len(snap.Roster) != 1 || snap.Settings.Threshold != 0.6 || snap.Settings.Cooldown != 2*time.Second {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec, body := f.do(t, http.MethodPost, "/bot/stop", "", true)
	if rec.Code != http.StatusOK || body["running"] != false {
		t.Fatalf("stop = %d %v", rec.Code, body)
	}
}

func TestSelectGroups(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if rec, body := f.do(t, http.MethodPost, "/groups/select", `{}`, true); rec.Code != http.StatusBadRequest || body["error"] != "ids is required" {
		t.Fatalf("missing ids = %d %v", rec.Code, body)
	}
	if rec, _ := f.do(t, http.MethodPost, "/groups/select", `{"ids":"g1"}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-array ids = %d", rec.Code)
	}
	rec, body := f.do(t, http.MethodPost, "/groups/select", `{"ids":["g1"," ","g2","g1"]}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("select = %d", rec.Code)
	}
	ids, _ := body["selectedGroupIds"].([]any)
	if len(ids) != 2 || ids[0] != "g1" || ids[1] != "g2" {
		t.Fatalf("ids = %v", ids)
	}
	if rec, _ := f.do(t, http.MethodPost, "/groups/select", `{"ids":[]}`, true); rec.Code != http.StatusOK {
		t.Fatalf("clearing selection = %d", rec.Code)
	}
	if len(f.ctrl.Snapshot().Selection) != 0 {
		t.Fatal("selection not cleared")
	}
}

func TestHistoryScan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.tr.SetHistory("g1",
		transport.Message{Ref: transport.MessageRef{ConversationID: "g1", MessageID: "old"}, IsGroup: true, Body: "Sara order", Timestamp: start.Add(-time.Hour)},
		transport.Message{Ref: transport.MessageRef{ConversationID: "g1", MessageID: "new"}, IsGroup: true, Body: "Sara order", Timestamp: start.Add(time.Hour)},
	)
	if _, err := f.ctrl.Start(control.StartRequest{Clients: []match.Client{{Name: "Sara"}}}); err != nil {
		t.Fatal(err)
	}

	if rec, body := f.do(t, http.MethodPost, "/history/scan", `{"limit":50}`, true); rec.Code != http.StatusBadRequest || body["error"] != "startAt is required" {
		t.Fatalf("missing startAt = %d %v", rec.Code, body)
	}
	if rec, _ := f.do(t, http.MethodPost, "/history/scan", `{"startAt":"yesterday"}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad startAt = %d", rec.Code)
	}

	rec, body := f.do(t, http.MethodPost, "/history/scan", `{"startAt":"2024-03-01","groups":["g1"]}`, true)
	if rec.Code != http.StatusOK || body["enqueued"] != float64(1) {
		t.Fatalf("scan = %d %v", rec.Code, body)
	}
	if f.q.Len() != 1 {
		t.Fatalf("queue = %d", f.q.Len())
	}

	f.tr.SetReady(false)
	if rec, _ := f.do(t, http.MethodPost, "/history/scan", `{"startAt":1709251200}`, true); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready scan = %d", rec.Code)
	}

	rec, body = f.do(t, http.MethodPost, "/queue/flush", "", true)
	if rec.Code != http.StatusOK || body["cleared"] != float64(1) || f.q.Len() != 0 {
		t.Fatalf("flush = %d %v", rec.Code, body)
	}
	if got := f.act.Filter(activity.KindQueueFlushed); len(got) != 1 {
		t.Fatalf("flush entries = %d", len(got))
	}
}

func TestChats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tr.SetConversations(
		transport.Conversation{ID: "g1", Name: "Orders", IsGroup: true, Participants: 12},
		transport.Conversation{ID: "u1", Name: "Someone"},
	)
	f.tr.SetReady(false)
	if rec, _ := f.do(t, http.MethodGet, "/chats", "", true); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready = %d", rec.Code)
	}
	f.tr.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var chats []transport.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &chats); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if len(chats) != 1 || chats[0].ID != "g1" || chats[0].Participants != 12 {
		t.Fatalf("chats = %+v", chats)
	}
}

func TestSessionQR(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.tr.SetReady(false)
	if rec, _ := f.do(t, http.MethodGet, "/session/qr", "", true); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("no qr = %d", rec.Code)
	}

	f.sess.mu.Lock()
	f.sess.code = "2@pairing-code,abc"
	f.sess.mu.Unlock()
	rec, body := f.do(t, http.MethodGet, "/session/qr", "", true)
	qr, _ := body["qr"].(string)
	if rec.Code != http.StatusOK || !strings.HasPrefix(qr, "data:image/png;base64,") {
		t.Fatalf("qr = %d %.40s", rec.Code, qr)
	}
	_, again := f.do(t, http.MethodGet, "/session/qr", "", true)
	if again["qr"] != qr {
		t.Fatal("same code rendered differently")
	}

	f.sess.mu.Lock()
	f.sess.code = ""
	f.sess.mu.Unlock()
	f.tr.SetReady(true)
	if _, body := f.do(t, http.MethodGet, "/session/qr", "", true); body["message"] != "Already connected" {
		t.Fatalf("connected = %v", body)
	}
}

func TestLogsLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.act.Add(activity.KindReady)
	f.act.Add(activity.KindGroupsSelected, "idsCount", 2)
	f.act.Add(activity.KindBotStarted)

	req := httptest.NewRequest(http.MethodGet, "/logs?limit=2", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	var entries []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0]["event"] != activity.KindBotStarted {
		t.Fatalf("entries = %v", entries)
	}
	if rec, _ := f.do(t, http.MethodGet, "/logs?limit=-1", "", true); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit = %d", rec.Code)
	}
}

type actionLog []storage.ActionRecord

func (l actionLog) RecentActions(ctx context.Context, limit int) ([]storage.ActionRecord, error) {
	if limit < len(l) {
		return l[:limit], nil
	}
	return l, nil
}

func TestActions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if rec, _ := f.do(t, http.MethodGet, "/actions", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("without storage = %d", rec.Code)
	}

	recs := actionLog{
		{ItemID: "b", Kind: "react", OK: true},
		{ItemID: "a", Kind: "reply", Error: "boom"},
	}
	h := New(Config{APIKey: apiKey}, Deps{
		Control: f.ctrl, Queue: f.q, Transport: f.tr, Activity: f.act, Actions: recs,
	}, logx.Nop()).Handler()
	req := httptest.NewRequest(http.MethodGet, "/actions?limit=1", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var got []storage.ActionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || len(got) != 1 || got[0].ItemID != "b" {
		t.Fatalf("actions = %d %v", rec.Code, got)
	}
}

func TestRunServesAndStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := New(Config{Addr: "127.0.0.1:0", APIKey: apiKey}, Deps{
		Control: f.ctrl, Queue: f.q, Transport: f.tr, Activity: f.act,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}

	srv.SetAPIKey("rotated")
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/logs", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old key after rotation = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
