// Package scheduler runs named periodic jobs across the node lifecycle.
//
// Each job declares one interval per lifecycle state; transitions between
// states recompute every job's next-due time immediately. Jobs sharing a
// mutual-exclusion group are serialized: a due job whose group is busy stays
// due and is retried on the next step instead of being skipped.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gabapcia/lnwatch/internal/pkg/logger"
	"github.com/gabapcia/lnwatch/internal/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var (
	// ErrInvalidJob is returned when a job is registered without a name or
	// run function.
	ErrInvalidJob = errors.New("job requires a name and a run function")

	// ErrJobAlreadyRegistered is returned when a job name is registered twice.
	ErrJobAlreadyRegistered = errors.New("job already registered")
)

// defaultTickInterval is how often Run evaluates due jobs. Job intervals are
// minutes, so a one second step is well below scheduling granularity.
const defaultTickInterval = time.Second

type jobEntry struct {
	job Job

	lastRun time.Time
	hasRun  bool
	running bool

	// next is the due time in the current state; meaningless while disabled.
	next     time.Time
	disabled bool
}

// Scheduler owns the lifecycle state and drives registered jobs.
type Scheduler struct {
	clk          clock.Clock
	tickInterval time.Duration

	mu        sync.Mutex
	state     State
	requested State
	jobs      []*jobEntry
	groupBusy types.Set[string]
	closed    bool
	done      chan struct{}
}

type config struct {
	clk          clock.Clock
	tickInterval time.Duration
}

// Option configures a Scheduler.
type Option func(*config)

// WithClock substitutes the wall clock, letting tests drive time.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clk = clk
	}
}

// WithTickInterval sets how often Run evaluates due jobs. Default: 1s.
func WithTickInterval(d time.Duration) Option {
	return func(c *config) {
		c.tickInterval = d
	}
}

// New creates a Scheduler in StateStartup with StateForeground as the state
// to advance to after the first successful sync.
func New(opts ...Option) *Scheduler {
	cfg := config{
		clk:          clock.New(),
		tickInterval: defaultTickInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Scheduler{
		clk:          cfg.clk,
		tickInterval: cfg.tickInterval,
		state:        StateStartup,
		requested:    StateForeground,
		groupBusy:    types.NewSet[string](),
		done:         make(chan struct{}),
	}
}

// RegisterJob adds a job to the schedule. A job enabled in the current state
// first fires one interval from now; a job disabled in the current state
// becomes due immediately once a transition enables it.
func (s *Scheduler) RegisterJob(job Job) error {
	if job.Name == "" || job.Run == nil {
		return ErrInvalidJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.jobs {
		if entry.job.Name == job.Name {
			return ErrJobAlreadyRegistered
		}
	}

	entry := &jobEntry{job: job}
	if interval, enabled := job.interval(s.state); enabled {
		entry.next = s.clk.Now().Add(interval)
	} else {
		entry.disabled = true
	}

	s.jobs = append(s.jobs, entry)
	return nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Foreground requests the foreground interval table. During Startup the
// request is only recorded; it takes effect when Startup is left.
func (s *Scheduler) Foreground() {
	s.requestState(StateForeground)
}

// Background requests the background interval table.
func (s *Scheduler) Background() {
	s.requestState(StateBackground)
}

func (s *Scheduler) requestState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requested = state
	if s.state != StateStartup && s.state != state {
		s.transitionLocked(state)
	}
}

// transitionLocked moves to the given state and recomputes every job's
// next-due time against the new interval table. Callers hold s.mu.
func (s *Scheduler) transitionLocked(state State) {
	now := s.clk.Now()
	previous := s.state
	s.state = state

	for _, entry := range s.jobs {
		interval, enabled := entry.job.interval(state)
		if !enabled {
			entry.disabled = true
			continue
		}

		wasDisabled := entry.disabled
		entry.disabled = false

		switch {
		case wasDisabled:
			// Disabled in the old state, enabled in the new one: due now.
			entry.next = now
		case entry.hasRun:
			// May land in the past, which means immediately due.
			entry.next = entry.lastRun.Add(interval)
		default:
			entry.next = now.Add(interval)
		}
	}

	logger.Info(context.Background(), "scheduler state changed",
		"scheduler.state.from", previous.String(),
		"scheduler.state.to", state.String(),
	)
}

// Tick evaluates due jobs once and starts each on its own worker goroutine.
// It never blocks on job execution. Due jobs whose group is busy are left
// due for the next step.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	now := s.clk.Now()
	for _, entry := range s.jobs {
		if entry.disabled || entry.running || now.Before(entry.next) {
			continue
		}

		if _, busy := s.groupBusy[entry.job.Group]; busy {
			// Deferred, not skipped: next stays in the past, so the job is
			// picked up again as soon as the group frees up.
			continue
		}

		entry.running = true
		entry.lastRun = now
		entry.hasRun = true
		if entry.job.Group != "" {
			s.groupBusy.Add(entry.job.Group)
		}

		go s.runJob(ctx, entry)
	}
}

// runJob executes one job invocation and reschedules it on completion.
func (s *Scheduler) runJob(ctx context.Context, entry *jobEntry) {
	runID := uuid.NewString()
	logger.Debug(ctx, "job started", "job.name", entry.job.Name, "job.run_id", runID)

	err := entry.job.Run(ctx)
	if err != nil {
		// Failures are not retried eagerly: the job fires again on its
		// normal cadence, and other jobs are unaffected.
		logger.Error(ctx, "job failed",
			"job.name", entry.job.Name,
			"job.run_id", runID,
			"error", err,
		)
	} else {
		logger.Debug(ctx, "job finished", "job.name", entry.job.Name, "job.run_id", runID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.running = false
	if entry.job.Group != "" {
		s.groupBusy.Delete(entry.job.Group)
	}

	if err == nil && s.state == StateStartup && entry.job.Group == GroupChainSync {
		// First successful sync: leave Startup for the last requested state.
		s.transitionLocked(s.requested)
		return
	}

	if interval, enabled := entry.job.interval(s.state); enabled {
		entry.next = entry.lastRun.Add(interval)
	} else {
		entry.disabled = true
	}
}

// Run drives Tick until ctx is canceled or Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clk.Ticker(s.tickInterval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown stops the scheduler from starting any further job invocations.
// It does not wait for in-flight jobs and is safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
