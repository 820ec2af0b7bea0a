// Package schedule runs named periodic jobs on robfig/cron.
package schedule

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

type Job func(ctx context.Context)

type EntryInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
	Runs     uint64    `json:"runs"`
}

type entry struct {
	id   cron.EntryID
	spec Spec
	runs uint64
}

// Scheduler owns one cron instance. Runs of the same job never overlap.
type Scheduler struct {
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
}

func New(loc *time.Location, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	log = log.With(logx.String("comp", "schedule"))
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{log: log}
	return &Scheduler{
		log:    log,
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:     context.Background(),
		entries: map[string]*entry{},
	}
}

// Set installs or replaces the job called name.
func (s *Scheduler) Set(name string, spec Spec, job Job) error {
	sched, err := s.schedule(name, spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old.id)
	}
	e := &entry{spec: spec}
	e.id = s.c.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		e.runs++
		s.mu.Unlock()

		started := time.Now()
		job(ctx)
		s.log.Debug("scheduled job finished", logx.String("job", name), logx.Duration("took", time.Since(started)))
	}))
	s.entries[name] = e
	s.log.Info("job scheduled", logx.String("job", name), logx.String("schedule", spec.String()))
	return nil
}

func (s *Scheduler) schedule(name string, spec Spec) (cron.Schedule, error) {
	switch spec.Kind {
	case KindInterval:
		if spec.Every <= 0 {
			return nil, fmt.Errorf("job %s: interval must be > 0", name)
		}
		return spreadInterval(spec.Every, time.Now(), name), nil
	default:
		sched, err := s.parser.Parse(spec.Cron)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
		return sched, nil
	}
}

// Remove drops a job; unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		s.c.Remove(e.id)
		delete(s.entries, name)
		s.log.Info("job removed", logx.String("job", name))
	}
}

// Start runs the cron loop; jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.c.Start()
}

// Stop halts scheduling and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.c.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.c.Entry(e.id)
		out = append(out, EntryInfo{
			Name:     name,
			Schedule: e.spec.String(),
			Next:     ce.Next,
			Prev:     ce.Prev,
			Runs:     e.runs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// spreadSchedule delays the first interval run by a random jitter so jobs
// configured together do not fire together.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func spreadInterval(every time.Duration, now time.Time, name string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	return &spreadSchedule{base: base, first: now.Add(every + time.Duration(rng.Int63n(int64(spread))))}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
