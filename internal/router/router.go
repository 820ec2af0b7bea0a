// Package router decides, for every inbound or historical message, whether
// it is about a roster client and enqueues the resulting action.
package router

import (
	"context"
	"strings"

	"github.com/loorksy/whatsapp-bot-backend/internal/actionqueue"
	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/enrich"
	"github.com/loorksy/whatsapp-bot-backend/internal/match"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

// Skip reasons recorded in the activity log.
const (
	SkipNotRunning      = "not_running"
	SkipNotGroup        = "not_group"
	SkipNotSelected     = "not_selected"
	SkipFromSelf        = "from_self"
	SkipEmptyBody       = "empty_body"
	SkipMissingRequired = "missing_required_term"
	SkipExcluded        = "excluded_term"
	SkipNoMatch         = "no_match"
	SkipDryRun          = "dry_run"
	SkipNoRoster        = "empty_roster"
	SkipDuplicate       = "duplicate"
)

// StateSource exposes the controller state the router reads.
type StateSource interface {
	Snapshot() control.Snapshot
}

type Options struct {
	Source actionqueue.Source
	// SkipSelection bypasses the selection check, for scans over an explicit
	// conversation list.
	SkipSelection bool
}

// Decision is the outcome of routing one message.
type Decision struct {
	Skip   string
	Match  match.Result
	Item   actionqueue.Item
	Queued int
}

func (d Decision) Enqueued() bool { return d.Skip == "" }

type Router struct {
	state StateSource
	q     *actionqueue.Queue
	media MediaSource
	ocr   enrich.Extractor
	act   *activity.Log
	log   logx.Logger
	seen  *recentSet
}

// MediaSource downloads message attachments.
type MediaSource interface {
	DownloadMedia(ctx context.Context, ref transport.MessageRef) (transport.Media, error)
}

// New builds a router. ocr may be nil, which disables enrichment regardless
// of settings.
func New(state StateSource, q *actionqueue.Queue, media MediaSource, ocr enrich.Extractor, act *activity.Log, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{state: state, q: q, media: media, ocr: ocr, act: act, log: log}
}

// RememberRecent makes the router skip messages it already enqueued, among
// the last n. Call it before the first Route.
func (r *Router) RememberRecent(n int) {
	if n > 0 {
		r.seen = newRecentSet(n)
	}
}

// Route runs the filter and match chain for msg.
func (r *Router) Route(ctx context.Context, msg transport.Message, opts Options) Decision {
	if opts.Source == "" {
		opts.Source = actionqueue.SourceLive
	}
	snap := r.state.Snapshot()
	conv := msg.ConversationID()

	if opts.Source == actionqueue.SourceLive && !snap.Running {
		return r.skip(msg, opts, SkipNotRunning)
	}
	if !msg.IsGroup {
		return r.skip(msg, opts, SkipNotGroup)
	}
	if !opts.SkipSelection && !snap.Selected(conv) {
		return r.skip(msg, opts, SkipNotSelected)
	}
	if msg.FromSelf {
		return r.skip(msg, opts, SkipFromSelf)
	}

	body := msg.Body
	if snap.Settings.EnableOCR && msg.HasMedia {
		body = r.enrich(ctx, msg, body)
	}
	if strings.TrimSpace(body) == "" {
		return r.skip(msg, opts, SkipEmptyBody)
	}

	norm := snap.Normalizer()
	text := norm.Normalize(body)
	if text == "" {
		return r.skip(msg, opts, SkipEmptyBody)
	}
	for _, term := range snap.Settings.RequiredTerms {
		if nt := norm.Normalize(term); nt != "" && !ContainsTerm(text, nt) {
			return r.skip(msg, opts, SkipMissingRequired, "term", term)
		}
	}
	for _, term := range snap.Settings.ExcludedTerms {
		if ContainsTerm(text, norm.Normalize(term)) {
			return r.skip(msg, opts, SkipExcluded, "term", term)
		}
	}
	if len(snap.Roster) == 0 {
		return r.skip(msg, opts, SkipNoRoster)
	}

	res, ok := match.NewMatcher(norm).MatchNormalized(snap.Roster, text, snap.Settings.Threshold)
	if !ok {
		return r.skip(msg, opts, SkipNoMatch)
	}

	it := actionqueue.Item{
		ConversationID: conv,
		Text:           body,
		Client:         res.Client.Name,
		Source:         opts.Source,
	}
	if msg.Ref.MessageID != "" {
		ref := msg.Ref
		it.Ref = &ref
	}
	switch snap.Settings.Mode {
	case control.ModeReply:
		it.Action = actionqueue.Action{Kind: actionqueue.KindReply, Text: snap.Settings.ReplyText}
	default:
		it.Action = actionqueue.Action{Kind: actionqueue.KindReact, Symbol: res.Reaction(snap.Settings.Emoji)}
	}

	if snap.Settings.DryRun {
		r.act.Add(activity.KindDryRun,
			"conversation", conv,
			"client", res.Client.Name,
			"score", res.Score,
			"source", string(opts.Source),
			"preview", activity.Preview(body),
		)
		return Decision{Skip: SkipDryRun, Match: res, Item: it}
	}

	if r.seen != nil && msg.Ref.MessageID != "" && !r.seen.add(conv+"/"+msg.Ref.MessageID) {
		return r.skip(msg, opts, SkipDuplicate, "message", msg.Ref.MessageID)
	}
	it, n := r.q.Push(it)
	r.act.Add(activity.KindEnqueue,
		"conversation", conv,
		"client", res.Client.Name,
		"score", res.Score,
		"source", string(opts.Source),
		"queue", n,
		"preview", activity.Preview(body),
	)
	return Decision{Match: res, Item: it, Queued: n}
}

func (r *Router) enrich(ctx context.Context, msg transport.Message, body string) string {
	if r.ocr == nil || r.media == nil {
		return body
	}
	media, err := r.media.DownloadMedia(ctx, msg.Ref)
	if err != nil {
		return r.ocrFailed(msg, body, err)
	}
	text, err := r.ocr.ExtractText(ctx, media.MimeType, media.Data)
	if err != nil {
		return r.ocrFailed(msg, body, err)
	}
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return body
	case strings.TrimSpace(body) == "":
		return text
	default:
		return body + " " + text
	}
}

func (r *Router) ocrFailed(msg transport.Message, body string, err error) string {
	r.act.Add(activity.KindOCRError, "conversation", msg.ConversationID(), "message", msg.Ref.MessageID, "err", err)
	r.log.Debug("ocr failed", logx.String("conversation", msg.ConversationID()), logx.Err(err))
	return body
}

func (r *Router) skip(msg transport.Message, opts Options, reason string, kv ...any) Decision {
	fields := append([]any{
		"reason", reason,
		"conversation", msg.ConversationID(),
		"source", string(opts.Source),
	}, kv...)
	r.act.Add(activity.KindSkip, fields...)
	return Decision{Skip: reason}
}

// ContainsTerm reports whether normalized text contains term as a whole
// token or token sequence.
func ContainsTerm(text, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+term+" ")
}
