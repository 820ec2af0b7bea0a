// Package backfill replays conversation history through the router.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/elliotchance/pie/v2"

	"github.com/loorksy/whatsapp-bot-backend/internal/actionqueue"
	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/router"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const (
	// MaxPages bounds the page fetches per conversation.
	MaxPages    = 10
	MaxPageSize = 500
)

var ErrStartRequired = fmt.Errorf("%w: startAt is required", control.ErrInvalidSettings)

type Request struct {
	StartAt time.Time
	// Limit caps the messages fetched per conversation.
	Limit int
	// Conversations overrides the selection when non-empty.
	Conversations []string
}

type Report struct {
	Enqueued      int               `json:"enqueued"`
	Matched       int               `json:"matched"`
	Scanned       int               `json:"scanned"`
	Conversations int               `json:"conversations"`
	Pages         int               `json:"pages"`
	Failed        map[string]string `json:"failed,omitempty"`
}

// History is the part of the transport the scanner needs.
type History interface {
	IsReady() bool
	Conversations(ctx context.Context) ([]transport.Conversation, error)
	FetchHistory(ctx context.Context, conversationID string, q transport.HistoryQuery) ([]transport.Message, error)
}

type Scanner struct {
	tr    History
	state router.StateSource
	r     *router.Router
	act   *activity.Log
	log   logx.Logger
}

func New(tr History, state router.StateSource, r *router.Router, act *activity.Log, log logx.Logger) *Scanner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scanner{tr: tr, state: state, r: r, act: act, log: log}
}

// Scan pages backward through every target conversation, sequentially, and
// routes messages not older than StartAt as backfill. A failing conversation
// is recorded in the report and does not stop the others.
func (s *Scanner) Scan(ctx context.Context, req Request) (Report, error) {
	if req.StartAt.IsZero() {
		return Report{}, ErrStartRequired
	}
	if !s.tr.IsReady() {
		return Report{}, transport.ErrNotReady
	}
	limit := control.ClampArchiveLimit(req.Limit)
	snap := s.state.Snapshot()
	if !snap.Running {
		s.act.Add(activity.KindHistoryScan, "note", "running is false (still scanning)")
	}

	targets, explicit, err := s.targets(ctx, snap, req.Conversations)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Conversations: len(targets)}
	opts := router.Options{Source: actionqueue.SourceBackfill, SkipSelection: explicit}
	for _, conv := range targets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		msgs, pages, err := s.collect(ctx, conv, req.StartAt, limit)
		rep.Pages += pages
		if err != nil {
			if rep.Failed == nil {
				rep.Failed = map[string]string{}
			}
			rep.Failed[conv] = err.Error()
			s.act.Add(activity.KindHistoryError, "gid", conv, "err", err)
			s.log.Warn("history fetch failed", logx.String("conversation", conv), logx.Err(err))
			continue
		}
		for _, m := range msgs {
			rep.Scanned++
			d := s.r.Route(ctx, m, opts)
			if d.Skip == "" || d.Skip == router.SkipDryRun {
				rep.Matched++
			}
			if d.Enqueued() {
				rep.Enqueued++
			}
		}
	}

	s.act.Add(activity.KindHistoryDone,
		"enqueued", rep.Enqueued,
		"scanned", rep.Scanned,
		"conversations", rep.Conversations,
		"failed", len(rep.Failed),
	)
	s.log.Info("history scan done", logx.Int("enqueued", rep.Enqueued), logx.Int("scanned", rep.Scanned), logx.Int("failed", len(rep.Failed)))
	return rep, nil
}

func (s *Scanner) targets(ctx context.Context, snap control.Snapshot, explicit []string) ([]string, bool, error) {
	if ids := pie.Filter(explicit, func(id string) bool { return id != "" }); len(ids) > 0 {
		return ids, true, nil
	}
	if len(snap.Selection) > 0 {
		return snap.Selection, false, nil
	}
	if snap.EmptySelection != control.EmptySelectionAll {
		return nil, false, nil
	}
	convs, err := s.tr.Conversations(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list conversations: %w", err)
	}
	groups := pie.Filter(convs, func(c transport.Conversation) bool { return c.IsGroup })
	return pie.Map(groups, func(c transport.Conversation) string { return c.ID }), false, nil
}

// collect fetches pages newest first until the start time, the cap, the
// page budget or the end of history is reached, and returns the surviving
// messages oldest first.
func (s *Scanner) collect(ctx context.Context, conv string, startAt time.Time, limit int) ([]transport.Message, int, error) {
	var (
		out     []transport.Message
		seen    = map[string]struct{}{}
		before  string
		fetched int
		pages   int
	)
	for pages < MaxPages && fetched < limit {
		size := min(limit-fetched, MaxPageSize)
		page, err := s.tr.FetchHistory(ctx, conv, transport.HistoryQuery{Limit: size, Before: before})
		pages++
		if err != nil {
			return nil, pages, err
		}
		if len(page) == 0 {
			break
		}
		fetched += len(page)

		sort.SliceStable(page, func(i, j int) bool { return page[i].Timestamp.Before(page[j].Timestamp) })
		for _, m := range page {
			if m.Timestamp.IsZero() || m.Timestamp.Before(startAt) || m.ConversationID() != conv {
				continue
			}
			if id := m.Ref.MessageID; id != "" {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
			}
			out = append(out, m)
		}

		// Undated messages sort first; page from the oldest dated one.
		dated := pie.Filter(page, func(m transport.Message) bool { return !m.Timestamp.IsZero() })
		if len(dated) == 0 {
			break
		}
		oldest := dated[0]
		if oldest.Timestamp.Before(startAt) {
			break
		}
		next := oldest.Ref.MessageID
		if next == "" || next == before {
			break
		}
		before = next
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, pages, nil
}

// Adapter exposes the scanner as a control.Backfiller.
type Adapter struct{ S *Scanner }

func (a Adapter) Backfill(ctx context.Context, req control.BackfillRequest) (int, error) {
	if a.S == nil {
		return 0, errors.New("backfill scanner not configured")
	}
	rep, err := a.S.Scan(ctx, Request{StartAt: req.StartAt, Limit: req.Limit})
	return rep.Enqueued, err
}
