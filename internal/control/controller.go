// Package control owns the run/idle state, the active settings, the client
// roster and the conversation selection.
package control

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/eventbus"
	"github.com/loorksy/whatsapp-bot-backend/internal/match"
	"github.com/loorksy/whatsapp-bot-backend/internal/ratelimit"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

// BackfillRequest describes a history scan triggered by a start.
type BackfillRequest struct {
	StartAt time.Time
	Limit   int
}

// Backfiller runs a history scan. The scanner satisfies it through an adapter
// in the app package.
type Backfiller interface {
	Backfill(ctx context.Context, req BackfillRequest) (enqueued int, err error)
}

// Spawner starts a named background task.
type Spawner func(name string, fn func(ctx context.Context))

// Snapshot is an immutable view of the controller state.
type Snapshot struct {
	Running        bool
	Settings       Settings
	Roster         []match.Client
	Selection      []string
	EmptySelection EmptySelection

	selected map[string]struct{}
}

// Selected reports whether the router may act on conversationID.
func (s Snapshot) Selected(conversationID string) bool {
	if len(s.Selection) == 0 {
		return s.EmptySelection == EmptySelectionAll
	}
	_, ok := s.selected[conversationID]
	return ok
}

// Normalizer returns the normalizer matching the active settings.
func (s Snapshot) Normalizer() match.Normalizer {
	return match.NewNormalizer(s.Settings.NormalizeArabic)
}

// State is the persisted part of the controller.
type State struct {
	Running   bool           `json:"running"`
	Settings  Settings       `json:"settings"`
	Roster    []match.Client `json:"clients"`
	Selection []string       `json:"selectedGroupIds"`
}

type Options struct {
	Defaults         Settings
	EmptySelection   EmptySelection
	StopOnDisconnect bool
}

type Controller struct {
	mu        sync.RWMutex
	running   bool
	settings  Settings
	roster    []match.Client
	selection []string
	selected  map[string]struct{}
	emptySel  EmptySelection
	stopOnDis bool

	lim      *ratelimit.Limiter
	act      *activity.Log
	bus      eventbus.Bus
	log      logx.Logger
	backfill Backfiller
	spawn    Spawner
}

func New(opts Options, lim *ratelimit.Limiter, act *activity.Log, bus eventbus.Bus, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.EmptySelection == "" {
		opts.EmptySelection = EmptySelectionNone
	}
	if opts.Defaults.Mode == "" {
		opts.Defaults = DefaultSettings()
	}
	c := &Controller{
		settings:  opts.Defaults.clone(),
		selected:  map[string]struct{}{},
		emptySel:  opts.EmptySelection,
		stopOnDis: opts.StopOnDisconnect,
		lim:       lim,
		act:       act,
		bus:       bus,
		log:       log,
		spawn: func(name string, fn func(ctx context.Context)) {
			go fn(context.Background())
		},
	}
	if lim != nil {
		lim.Configure(c.settings.RateLimit, c.settings.Cooldown)
	}
	return c
}

// SetBackfiller installs the scanner used by backfill-on-start. spawn runs
// the scan in the background; nil keeps a plain goroutine.
func (c *Controller) SetBackfiller(b Backfiller, spawn Spawner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backfill = b
	if spawn != nil {
		c.spawn = spawn
	}
}

func (c *Controller) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	// roster, selection and selected are replaced wholesale, never mutated,
	// so sharing them is safe.
	return Snapshot{
		Running:        c.running,
		Settings:       c.settings.clone(),
		Roster:         c.roster,
		Selection:      c.selection,
		EmptySelection: c.emptySel,
		selected:       c.selected,
	}
}

// StartRequest is the body of a start command.
type StartRequest struct {
	Clients  []match.Client `json:"clients"`
	Settings SettingsPatch  `json:"settings"`
}

// Start merges the request over the current settings, replaces the roster and
// switches to running. An invalid request changes nothing.
func (c *Controller) Start(req StartRequest) (Snapshot, error) {
	c.mu.Lock()
	merged, err := Merge(c.settings, req.Settings)
	if err != nil {
		c.mu.Unlock()
		return Snapshot{}, err
	}
	roster := match.CleanRoster(match.NewNormalizer(merged.NormalizeArabic), req.Clients)

	c.settings = merged
	c.roster = roster
	c.running = true
	if c.lim != nil {
		c.lim.Configure(merged.RateLimit, merged.Cooldown)
	}
	snap := c.snapshotLocked()
	backfill := c.backfill
	spawn := c.spawn
	c.mu.Unlock()

	c.act.Add(activity.KindBotStarted,
		"clients", len(roster),
		"dropped_clients", len(req.Clients)-len(roster),
		"mode", string(merged.Mode),
		"threshold", merged.Threshold,
		"rateLimit", merged.RateLimit,
		"cooldown", merged.Cooldown.Seconds(),
		"dryRun", merged.DryRun,
		"archive", merged.Archive.Enabled,
	)
	c.log.Info("bot started", logx.Int("clients", len(roster)), logx.Float64("threshold", merged.Threshold), logx.Int("rate_limit", merged.RateLimit))
	c.publish()

	if merged.Archive.Enabled && merged.Archive.StartAt != nil && backfill != nil {
		bf := BackfillRequest{StartAt: *merged.Archive.StartAt, Limit: merged.Archive.Limit}
		spawn("backfill.on_start", func(ctx context.Context) {
			if _, err := backfill.Backfill(ctx, bf); err != nil {
				c.act.Add(activity.KindHistoryTrigger, "err", err)
				c.log.Warn("backfill on start failed", logx.Err(err))
			}
		})
	}
	return snap, nil
}

// Stop switches to idle. Queued items stay queued.
func (c *Controller) Stop(reason string) Snapshot {
	c.mu.Lock()
	was := c.running
	c.running = false
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if was {
		c.act.Add(activity.KindBotStopped, "reason", reason)
		c.log.Info("bot stopped", logx.String("reason", reason))
		c.publish()
	}
	return snap
}

// HandleDisconnect stops the bot when configured to.
func (c *Controller) HandleDisconnect(reason string) {
	c.mu.RLock()
	stop := c.stopOnDis
	c.mu.RUnlock()
	if stop {
		c.Stop("disconnected: " + reason)
	}
}

// SelectConversations replaces the selection. Blank and duplicate ids are
// dropped; order is kept.
func (c *Controller) SelectConversations(ids []string) []string {
	clean := make([]string, 0, len(ids))
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		clean = append(clean, id)
	}

	c.mu.Lock()
	c.selection = clean
	c.selected = set
	c.mu.Unlock()

	c.act.Add(activity.KindGroupsSelected, "idsCount", len(clean))
	c.publish()
	return clean
}

// ApplyOptions updates reloadable options. Settings defaults only replace the
// active settings while idle.
func (c *Controller) ApplyOptions(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.EmptySelection != "" {
		c.emptySel = opts.EmptySelection
	}
	c.stopOnDis = opts.StopOnDisconnect
	if opts.Defaults.Mode != "" {
		if !c.running {
			c.settings = opts.Defaults.clone()
			if c.lim != nil {
				c.lim.Configure(c.settings.RateLimit, c.settings.Cooldown)
			}
		}
	}
}

// Export returns the persisted state.
func (c *Controller) Export() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		Running:   c.running,
		Settings:  c.settings.clone(),
		Roster:    append([]match.Client(nil), c.roster...),
		Selection: append([]string(nil), c.selection...),
	}
}

var ErrAlreadyConfigured = errors.New("controller already configured")

// Restore installs a persisted state. It refuses once the bot was started
// in this process.
func (c *Controller) Restore(st State, resume bool) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConfigured
	}
	s := st.Settings
	s.Threshold = NormalizeThreshold(s.Threshold)
	s.RateLimit = max(1, s.RateLimit)
	s.Cooldown = max(0, s.Cooldown)
	s.Archive.Limit = ClampArchiveLimit(s.Archive.Limit)
	if s.Emoji == "" {
		s.Emoji = DefaultEmoji
	}
	if s.Mode == "" {
		s.Mode = ModeReact
	}
	c.settings = s
	c.roster = match.CleanRoster(match.NewNormalizer(s.NormalizeArabic), st.Roster)
	c.selection = nil
	c.selected = map[string]struct{}{}
	for _, id := range st.Selection {
		if _, dup := c.selected[id]; id == "" || dup {
			continue
		}
		c.selected[id] = struct{}{}
		c.selection = append(c.selection, id)
	}
	c.running = resume && st.Running
	if c.lim != nil {
		c.lim.Configure(s.RateLimit, s.Cooldown)
	}
	running := c.running
	c.mu.Unlock()

	c.act.Add(activity.KindStateRestored, "clients", len(st.Roster), "idsCount", len(st.Selection), "running", running)
	return nil
}

func (c *Controller) publish() {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeControlChanged, Data: c.Export()})
}
