// Package scheduling runs the periodic memory maintenance jobs.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names registered by the daemon.
const (
	JobConsolidate = "memory_consolidate"
	JobEvict       = "memory_evict"
)

const defaultJobTimeout = 5 * time.Minute

// Scheduler runs named jobs on cron expressions or fixed intervals.
// A job never overlaps with its own previous run.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running map[string]bool
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. Each job run is bounded by timeout;
// zero selects five minutes.
func NewScheduler(logger *slog.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		timeout: timeout,
		entries: make(map[string]cron.EntryID),
		running: make(map[string]bool),
	}
}

// AddJob registers fn under name. The schedule is a cron expression,
// a descriptor such as "@hourly" or "@every 1h", or a Go duration.
func (s *Scheduler) AddJob(name, schedule string, fn func(ctx context.Context) error) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %q: %w", schedule, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("scheduler: job %q already exists", name)
	}
	s.entries[name] = s.cron.Schedule(sched, cron.FuncJob(func() { s.runJob(name, fn) }))
	s.logger.Info("job scheduled", "job", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) runJob(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil || s.running[name] {
		s.mu.Unlock()
		s.logger.Debug("skipping job run", "job", name)
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	jobCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := fn(jobCtx); err != nil {
		s.logger.Warn("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job completed", "job", name, "duration", time.Since(start))
}

// NextRun returns the next run time of a job, or nil if unknown.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	entry := s.cron.Entry(id)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	next := entry.Next
	return &next
}

// Start begins running jobs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()
}

// ParseSchedule parses a cron expression or descriptor first and falls
// back to a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
