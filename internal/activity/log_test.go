package activity

import (
	"encoding/json"
	"errors"
	"testing"

	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

func TestRingDropsOldest(t *testing.T) {
	t.Parallel()
	l := New(3, logx.Nop())
	for i := 0; i < 5; i++ {
		l.Add("tick", "i", i)
	}
	if got := l.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	got := l.Recent(0)
	want := []int{4, 3, 2}
	for i, e := range got {
		if e.Fields["i"] != want[i] {
			t.Fatalf("entry %d = %v, want %d", i, e.Fields["i"], want[i])
		}
	}
}

func TestRecentLimit(t *testing.T) {
	t.Parallel()
	l := New(10, logx.Nop())
	l.Add("a")
	l.Add("b")
	l.Add("c")
	got := l.Recent(2)
	if len(got) != 2 || got[0].Kind != "c" || got[1].Kind != "b" {
		t.Fatalf("Recent(2) = %+v", got)
	}
	if len(l.Recent(100)) != 3 {
		t.Fatal("limit above size should return everything")
	}
}

func TestEntryJSON(t *testing.T) {
	t.Parallel()
	l := New(0, logx.Nop())
	l.Add(KindSendError, "conversation", "g1", "err", errors.New("boom"), "dangling")
	e := l.Recent(1)[0]
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["event"] != KindSendError || m["conversation"] != "g1" || m["err"] != "boom" {
		t.Fatalf("json = %s", b)
	}
	if _, ok := m["ts"].(float64); !ok {
		t.Fatalf("missing ts: %s", b)
	}
	if _, ok := m["dangling"]; ok {
		t.Fatal("odd trailing key should be ignored")
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()
	l := New(10, logx.Nop())
	l.Add(KindSkip, "reason", "no_match")
	l.Add(KindEnqueue)
	l.Add(KindSkip, "reason", "not_group")
	got := l.Filter(KindSkip)
	if len(got) != 2 || got[0].Fields["reason"] != "not_group" {
		t.Fatalf("Filter = %+v", got)
	}
}

func TestNilLogIsSafe(t *testing.T) {
	t.Parallel()
	var l *Log
	l.Add("anything")
}
