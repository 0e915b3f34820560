// Package poll runs the polling cycle: fetch each target's latest post,
// decide whether it is new, notify, and persist the state.
package poll

import (
	"context"
	"fmt"
	"insta-notifier/credentials"
	"insta-notifier/metrics"
	"insta-notifier/pkg/notifier"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Fetcher retrieves the latest post of a target. A nil post with a nil
// error means the target has no posts.
type Fetcher interface {
	FetchLatest(ctx context.Context, target notifier.Target, creds *credentials.Bundle) (*notifier.Post, error)
}

// Store persists the full state mapping.
type Store interface {
	Load(ctx context.Context) (notifier.State, error)
	Save(ctx context.Context, state notifier.State) error
}

// Sender delivers a notification for one post.
type Sender interface {
	SendNotification(ctx context.Context, target notifier.Target, post *notifier.Post) error
}

// Options configures the monitor.
type Options struct {
	Schedule         cron.Schedule // Cycle start times; defaults to every Interval
	Targets          []notifier.Target
	Interval         time.Duration // Time between cycle starts when Schedule is nil
	TargetDelay      time.Duration // Pause between consecutive targets
	MaxBackoff       time.Duration // Upper bound on time a failing target sits out
	NotifyOnFirstRun bool
}

// Summary counts per-target outcomes of one cycle.
type Summary struct {
	Checked   int
	Notified  int
	Baselined int
	Empty     int
	Failed    int
	BackedOff int
}

// Monitor owns the run loop. Cycles never overlap.
type Monitor struct {
	fetcher  Fetcher
	store    Store
	sender   Sender
	creds    *credentials.Bundle
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	backoff  map[string]*backoff
	trigger  chan struct{}
	schedule cron.Schedule
	opts     Options
	dirty    bool // In-memory state has changes the store has not accepted
}

// New creates a monitor.
func New(fetcher Fetcher, store Store, sender Sender, creds *credentials.Bundle, opts Options, rec metrics.Recorder, logger *slog.Logger) *Monitor {
	if rec == nil {
		rec = metrics.Nop{}
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = cron.Every(opts.Interval)
	}
	return &Monitor{
		fetcher:  fetcher,
		store:    store,
		sender:   sender,
		creds:    creds,
		metrics:  rec,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
		backoff:  make(map[string]*backoff),
		trigger:  make(chan struct{}, 1),
		schedule: schedule,
		opts:     opts,
	}
}

// ParseSchedule parses a standard cron expression with optional seconds
// field or a descriptor such as "@every 5m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return s, nil
}

// Trigger requests an immediate cycle. It returns false if one is already queued.
func (m *Monitor) Trigger() bool {
	select {
	case m.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run loads the state and runs cycles until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	state := m.load(ctx)

	m.logger.Info("Monitor started",
		"targets", len(m.opts.Targets),
		"interval", m.opts.Interval.String(),
		"target_delay", m.opts.TargetDelay.String(),
		"notify_on_first_run", m.opts.NotifyOnFirstRun)

	for {
		start := m.now()
		state, _ = m.RunCycle(ctx, state)
		if ctx.Err() != nil {
			m.logger.Info("Monitor stopping", "reason", ctx.Err())
			return nil
		}

		next := m.schedule.Next(start)
		wait := max(next.Sub(m.now()), 0)
		m.logger.Info("Next cycle scheduled",
			"next_cycle", next.Format(time.RFC3339),
			"wait_ms", wait.Milliseconds())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("Monitor stopping", "reason", ctx.Err())
			return nil
		case <-m.trigger:
			timer.Stop()
			m.logger.Info("Manual poll triggered")
		case <-timer.C:
		}
	}
}

// RunOnce loads the state, runs a single cycle and reports whether any
// target failed.
func (m *Monitor) RunOnce(ctx context.Context) (Summary, error) {
	state := m.load(ctx)
	_, sum := m.RunCycle(ctx, state)
	if m.dirty {
		return sum, fmt.Errorf("state changes were not persisted")
	}
	if sum.Failed > 0 {
		return sum, fmt.Errorf("%d of %d targets failed", sum.Failed, len(m.opts.Targets))
	}
	return sum, nil
}

func (m *Monitor) load(ctx context.Context) notifier.State {
	state, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("Failed to load state, starting with empty state", "error", err)
	}
	if state == nil {
		state = notifier.State{}
	}
	return state
}

// RunCycle visits every target once, in order, and returns the new state.
// A target's failure is logged and never stops the cycle.
func (m *Monitor) RunCycle(ctx context.Context, state notifier.State) (notifier.State, Summary) {
	cycleID := uuid.New().String()
	logger := m.logger.With("cycle_id", cycleID)
	start := m.now()
	var sum Summary

	logger.Info("Cycle starting", "targets", len(m.opts.Targets))

	if m.dirty {
		logger.Info("Retrying deferred state write")
		m.persist(ctx, logger, state)
	}

	for i, target := range m.opts.Targets {
		if ctx.Err() != nil {
			logger.Info("Context cancelled, stopping cycle", "error", ctx.Err())
			break
		}
		if i > 0 && m.opts.TargetDelay > 0 {
			if err := m.sleep(ctx, m.opts.TargetDelay); err != nil {
				logger.Info("Context cancelled, stopping cycle", "error", err)
				break
			}
		}

		if b := m.backoff[target.Username]; b != nil && b.skip > 0 {
			b.skip--
			sum.BackedOff++
			m.metrics.RecordFetch("backoff")
			logger.Info("Skipping target in backoff",
				"target", target.Username,
				"consecutive_failures", b.failures,
				"cycles_remaining", b.skip)
			continue
		}

		sum.Checked++
		state = m.checkTarget(ctx, logger, state, target, &sum)
	}

	duration := m.now().Sub(start)
	m.metrics.RecordCycle(duration)
	logger.Info("Cycle completed",
		"checked", sum.Checked,
		"notified", sum.Notified,
		"baselined", sum.Baselined,
		"empty", sum.Empty,
		"failed", sum.Failed,
		"backed_off", sum.BackedOff,
		"duration_ms", duration.Milliseconds())

	return state, sum
}

func (m *Monitor) checkTarget(ctx context.Context, logger *slog.Logger, state notifier.State, target notifier.Target, sum *Summary) notifier.State {
	logger = logger.With("target", target.Username)

	post, err := m.fetcher.FetchLatest(ctx, target, m.creds)
	if err != nil {
		sum.Failed++
		m.metrics.RecordFetch("error")
		m.recordFailure(logger, target.Username)
		logger.Warn("Fetch failed", "error", err)
		return state
	}
	delete(m.backoff, target.Username)

	if post == nil {
		sum.Empty++
		m.metrics.RecordFetch("empty")
		logger.Info("Target has no posts yet")
		return state
	}
	m.metrics.RecordFetch("post")
	if post.Target == "" {
		post.Target = target.Username
	}

	d := Decide(state, post, m.opts.NotifyOnFirstRun)
	logger.Info("Post compared",
		"post_id", post.ID,
		"last_seen_post_id", d.PrevID,
		"decision", d.Reason)

	if !d.Advance {
		return state
	}

	if d.Notify {
		if err := m.sender.SendNotification(ctx, target, post); err != nil {
			sum.Failed++
			m.metrics.RecordNotification(false)
			logger.Warn("Notification failed, state not advanced", "post_id", post.ID, "error", err)
			return state
		}
		sum.Notified++
		m.metrics.RecordNotification(true)
		logger.Info("Notification sent", "post_id", post.ID, "url", post.URL)
	} else {
		sum.Baselined++
		logger.Info("Baseline recorded", "post_id", post.ID)
	}

	next := state.With(target.Username, post.ID, m.now().UTC())
	m.persist(ctx, logger, next)
	return next
}

// persist writes the full state. On failure the state stays marked dirty
// and the write is retried on the next cycle.
func (m *Monitor) persist(ctx context.Context, logger *slog.Logger, state notifier.State) {
	if err := m.store.Save(ctx, state); err != nil {
		m.dirty = true
		m.metrics.RecordStateSave(false)
		logger.Error("Failed to save state, will retry next cycle", "error", err)
		return
	}
	m.dirty = false
	m.metrics.RecordStateSave(true)
}

func (m *Monitor) recordFailure(logger *slog.Logger, username string) {
	b := m.backoff[username]
	if b == nil {
		b = &backoff{}
		m.backoff[username] = b
	}
	b.failures++
	b.skip = skipCycles(b.failures, cycleGap(m.schedule, m.now(), m.opts.Interval), m.opts.MaxBackoff)
	if b.skip > 0 {
		logger.Info("Target backing off",
			"consecutive_failures", b.failures,
			"cycles_to_skip", b.skip)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
