package actionqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/eventbus"
	"github.com/loorksy/whatsapp-bot-backend/internal/ratelimit"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const DefaultInterval = 250 * time.Millisecond

var ErrNoMessageRef = errors.New("react needs a message reference")

// Outcome is the result of one drain tick.
type Outcome string

const (
	OutcomeEmpty      Outcome = "empty"
	OutcomeNotRunning Outcome = "not_running"
	OutcomeNotReady   Outcome = "not_ready"
	OutcomeRateLimit  Outcome = "rate_limited"
	OutcomeCooldown   Outcome = "cooldown"
	OutcomeSent       Outcome = "sent"
	OutcomeFailed     Outcome = "failed"
	OutcomeRaced      Outcome = "raced"
)

// Result is published on the bus after every executed item.
type Result struct {
	Item  Item      `json:"item"`
	At    time.Time `json:"at"`
	Took  int64     `json:"took_ms"`
	Error string    `json:"error,omitempty"`
}

type DrainerConfig struct {
	Interval time.Duration
	Running  func() bool
}

// Drainer is the single consumer of a Queue.
type Drainer struct {
	q       *Queue
	tr      transport.Transport
	lim     *ratelimit.Limiter
	running func() bool

	act *activity.Log
	bus eventbus.Bus
	log logx.Logger

	interval time.Duration
	busy     atomic.Bool
	now      func() time.Time
}

func NewDrainer(cfg DrainerConfig, q *Queue, tr transport.Transport, lim *ratelimit.Limiter, act *activity.Log, bus eventbus.Bus, log logx.Logger) *Drainer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Running == nil {
		cfg.Running = func() bool { return true }
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Drainer{
		q:        q,
		tr:       tr,
		lim:      lim,
		running:  cfg.Running,
		act:      act,
		bus:      bus,
		log:      log,
		interval: cfg.Interval,
		now:      time.Now,
	}
}

// Run ticks until ctx is done. A tick that finds a send still in flight is
// skipped, so a hung transport call never stacks sends or stalls the ticker.
func (d *Drainer) Run(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !d.busy.CompareAndSwap(false, true) {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer d.busy.Store(false)
				d.Tick(ctx)
			}()
		}
	}
}

// Tick performs at most one action. The head stays queued unless it was
// executed, successfully or not.
func (d *Drainer) Tick(ctx context.Context) Outcome {
	if !d.running() {
		return OutcomeNotRunning
	}
	if !d.tr.IsReady() {
		return OutcomeNotReady
	}
	it, ok := d.q.Peek()
	if !ok {
		return OutcomeEmpty
	}
	if ok, reason := d.lim.Check(it.ConversationID); !ok {
		if reason == ratelimit.ReasonCooldown {
			return OutcomeCooldown
		}
		return OutcomeRateLimit
	}
	if !d.q.PopIf(it.ID) {
		return OutcomeRaced
	}

	start := d.now()
	err := d.execute(ctx, it)
	res := Result{Item: it, At: d.now(), Took: d.now().Sub(start).Milliseconds()}

	if err != nil {
		res.Error = err.Error()
		d.act.Add(activity.KindSendError,
			"conversation", it.ConversationID,
			"action", string(it.Action.Kind),
			"client", it.Client,
			"source", string(it.Source),
			"err", err,
		)
		d.log.Warn("action failed", logx.String("conversation", it.ConversationID), logx.String("action", string(it.Action.Kind)), logx.Err(err))
		d.publish(eventbus.TypeActionFailed, res)
		return OutcomeFailed
	}

	d.lim.Mark(it.ConversationID)
	kind := activity.KindReact
	if it.Action.Kind == KindReply {
		kind = activity.KindReply
	}
	d.act.Add(kind,
		"conversation", it.ConversationID,
		"client", it.Client,
		"source", string(it.Source),
		"preview", activity.Preview(it.Text),
	)
	d.publish(eventbus.TypeActionSent, res)
	return OutcomeSent
}

func (d *Drainer) execute(ctx context.Context, it Item) error {
	switch it.Action.Kind {
	case KindReply:
		if it.Ref == nil {
			return d.tr.SendMessage(ctx, it.ConversationID, it.Action.Text)
		}
		return d.tr.Reply(ctx, *it.Ref, it.Action.Text)
	default:
		if it.Ref == nil {
			return ErrNoMessageRef
		}
		return d.tr.React(ctx, *it.Ref, it.Action.Symbol)
	}
}

func (d *Drainer) publish(typ string, res Result) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: res.At, Data: res})
}
