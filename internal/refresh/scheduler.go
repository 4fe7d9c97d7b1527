// Package refresh drives refresh cycles: fetching every source, normalizing,
// validating, persisting and swapping the cache. A single Scheduler owns the
// cycle state machine and is the only writer of the cache.
package refresh

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/jdholdren/lotwatch/internal/cache"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// Trigger is what caused a cycle to start.
type Trigger string

const (
	TriggerSchedule     Trigger = "schedule"
	TriggerManual       Trigger = "manual"
	TriggerCacheExpired Trigger = "cache_expired"
	TriggerStartup      Trigger = "startup"
)

type (
	Config struct {
		// Hour of the day (UTC) the daily cycle is anchored to.
		Hour          int
		Interval      time.Duration
		RetryInterval time.Duration

		SourceTimeout time.Duration
		// Minimum spacing between two source fetches.
		SourceDelay   time.Duration
		SourceRetries int
		RetryBackoff  time.Duration
		Concurrency   int

		// Consecutive failures before the scheduler alerts.
		AlertAfter int
		RunOnStart bool
	}

	Status struct {
		State               State      `json:"state"`
		LastOutcome         State      `json:"last_outcome,omitempty"`
		LastRunAt           *time.Time `json:"last_run_at"`
		NextRunAt           *time.Time `json:"next_run_at"`
		ConsecutiveFailures int        `json:"consecutive_failures"`
		SkippedCycles       int        `json:"skipped_cycles"`
	}

	Scheduler struct {
		cfg     Config
		clock   clock.Clock
		repo    lotwatch.Repository
		cache   *cache.Cache
		sources []lotwatch.Source

		trigger chan Trigger
		wake    chan struct{}

		mu                  sync.Mutex
		state               State
		lastOutcome         State
		lastRun             time.Time
		nextRun             time.Time
		consecutiveFailures int
		skipped             int
		lastResult          *Result
	}
)

const (
	maxConcurrency = 3
	defaultAlert   = 3
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Hour
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.SourceRetries < 0 {
		c.SourceRetries = 0
	}
	c.Concurrency = min(max(c.Concurrency, 1), maxConcurrency)
	if c.AlertAfter <= 0 {
		c.AlertAfter = defaultAlert
	}
	if c.Hour < 0 || c.Hour > 23 {
		c.Hour = 3
	}

	return c
}

// New creates the scheduler and hooks it up to the cache's expiry signal.
func New(cfg Config, clk clock.Clock, repo lotwatch.Repository, c *cache.Cache, sources []lotwatch.Source) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		repo:    repo,
		cache:   c,
		sources: sources,
		trigger: make(chan Trigger, 1),
		wake:    make(chan struct{}, 1),
		state:   StateIdle,
	}
	s.nextRun = nextAnchor(clk.Now(), s.cfg.Hour)
	c.NotifyOnExpiry(func() { s.Trigger(TriggerCacheExpired) })

	return s
}

// Warm loads the active listings from storage into the cache so a restart
// doesn't serve an empty view. Freshness follows the last successful cycle.
func (s *Scheduler) Warm(ctx context.Context) error {
	last, err := s.repo.LastSuccessfulIngestion(ctx)
	if err != nil {
		return err
	}
	if last == nil {
		slog.InfoContext(ctx, "no successful cycle yet, starting with an empty cache")
		return nil
	}

	listings, err := s.repo.ActiveListings(ctx)
	if err != nil {
		return err
	}

	lastUpdated := last.CreatedAt
	if last.FinishedAt != nil {
		lastUpdated = *last.FinishedAt
	}
	s.cache.Swap(listings, lastUpdated)

	s.mu.Lock()
	s.lastRun = lastUpdated
	s.mu.Unlock()

	slog.InfoContext(ctx, "warmed cache from storage", "listings", len(listings), "last_updated", lastUpdated)

	return nil
}

// Run drives scheduled cycles until the context is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.RunOnStart && !s.cache.Peek().Fresh(s.clock.Now()) {
		s.Trigger(TriggerStartup)
	}
	slog.InfoContext(ctx, "refresh scheduler started", "next_run_at", s.Status().NextRunAt, "sources", len(s.sources))

	for {
		timer := s.clock.Timer(max(0, s.untilNext()))

		var ran bool
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.InfoContext(ctx, "refresh scheduler stopped")
			return nil
		case <-timer.C:
			ran = s.runLogged(ctx, TriggerSchedule)
		case t := <-s.trigger:
			timer.Stop()
			ran = s.runLogged(ctx, t)
		case <-s.wake:
			// A cycle ran outside the loop and moved the next run
			timer.Stop()
			continue
		}
		if ran {
			continue
		}

		// A manual cycle holds the slot and the due time hasn't moved yet
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "refresh scheduler stopped")
			return nil
		case <-s.wake:
		}
	}
}

// Reports whether a cycle actually ran.
func (s *Scheduler) runLogged(ctx context.Context, t Trigger) bool {
	if _, err := s.RunCycle(ctx, t); err != nil {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		slog.DebugContext(ctx, "skipped cycle", "trigger", t, "error", err)

		return false
	}

	return true
}

// Trigger asks the loop to start a cycle as soon as possible. It never blocks
// and is a no-op while a cycle is running. Expiry triggers are also ignored
// while a retry after a failure is pending.
func (s *Scheduler) Trigger(t Trigger) {
	s.mu.Lock()
	running := s.state == StateRunning
	backingOff := s.lastOutcome == StateFailed && s.clock.Now().Before(s.nextRun)
	s.mu.Unlock()

	if running || (t == TriggerCacheExpired && backingOff) {
		return
	}

	select {
	case s.trigger <- t:
	default:
	}
}

// RunCycle runs one cycle synchronously, returning ErrCycleRunning when one
// is already in progress.
func (s *Scheduler) RunCycle(ctx context.Context, t Trigger) (Result, error) {
	if !s.begin() {
		return Result{}, lotwatch.ErrCycleRunning
	}

	res := s.cycle(ctx, t)
	s.end(ctx, &res)

	return res, nil
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return false
	}
	s.state = StateRunning

	return true
}

// Applies the outcome of a cycle to the state machine and picks the next run.
func (s *Scheduler) end(ctx context.Context, res *Result) {
	s.mu.Lock()
	now := s.clock.Now()
	s.lastRun = now
	if res.Success {
		s.state = StateSuccess
		s.consecutiveFailures = 0
		s.nextRun = now.Add(s.cfg.Interval)
	} else {
		s.state = StateFailed
		s.consecutiveFailures++
		s.nextRun = now.Add(s.cfg.RetryInterval)
	}
	s.lastOutcome = s.state
	failures := s.consecutiveFailures
	res.NextScheduledAt = s.nextRun
	last := *res
	s.lastResult = &last
	s.state = StateIdle
	s.mu.Unlock()

	if !res.Success && failures >= s.cfg.AlertAfter {
		slog.ErrorContext(ctx, "refresh keeps failing",
			"consecutive_failures", failures,
			"errors", strings.Join(res.Errors, "; "),
		)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextRun.Sub(s.clock.Now())
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == StateRunning
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:               s.state,
		LastOutcome:         s.lastOutcome,
		ConsecutiveFailures: s.consecutiveFailures,
		SkippedCycles:       s.skipped,
	}
	if !s.lastRun.IsZero() {
		lastRun := s.lastRun
		st.LastRunAt = &lastRun
	}
	if !s.nextRun.IsZero() {
		nextRun := s.nextRun
		st.NextRunAt = &nextRun
	}

	return st
}

// LastResult is the outcome of the most recent finished cycle, if any.
func (s *Scheduler) LastResult() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastResult
}

// The next occurrence of the hour (UTC) strictly after now.
func nextAnchor(now time.Time, hour int) time.Time {
	now = now.UTC()
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}

	return t
}
