package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/metrics"
)

// TaskFunc is one iteration-or-lifetime body of a supervised task. It
// should run until ctx is cancelled and then return nil; any other
// return (including a panic, recovered by Supervisor.Run) is treated as a
// failure and triggers a restart on backoff.
type TaskFunc func(ctx context.Context) error

// Supervisor runs a fixed set of named tasks, restarting each on panic or
// error with exponential-capped backoff, and escalates to a global
// shutdown if any task keeps failing past its retry budget. This is the
// "each numbered task is an independent long-running task... restarted
// with exponential-capped backoff" runtime described for the pipeline;
// the teacher's goroutines recover panics locally (see
// SubtreeProcessor.moveDownBlock in the retrieval pack) but do not
// restart themselves, so the backoff loop and death escalation here are
// new, grounded directly in the spec's concurrency model instead of a
// teacher file.
type Supervisor struct {
	logger  *log.Logger
	metrics *metrics.SequencerMetrics

	mu      sync.Mutex
	dead    chan struct{}
	deadErr error
	once    sync.Once

	maxRestarts int
}

// NewSupervisor returns a Supervisor that gives up on a task (and fires
// Dead) when it fails again after maxRestarts consecutive restarts, that
// is on failure maxRestarts+1 with no intervening success. maxRestarts
// <= 0 means unlimited. m may be nil, in which case
// restarts are not counted.
func NewSupervisor(logger *log.Logger, m *metrics.SequencerMetrics, maxRestarts int) *Supervisor {
	return &Supervisor{
		logger:      logger,
		metrics:     m,
		dead:        make(chan struct{}),
		maxRestarts: maxRestarts,
	}
}

// Dead is closed the first time a supervised task exhausts its restart
// budget; callers select on it alongside the shutdown signal to trigger
// a global shutdown.
func (s *Supervisor) Dead() <-chan struct{} { return s.dead }

// DeadErr returns the error that killed the pipeline, if any.
func (s *Supervisor) DeadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadErr
}

func (s *Supervisor) markDead(name string, err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.deadErr = fmt.Errorf("task %s exhausted its restart budget: %w", name, err)
		s.mu.Unlock()
		close(s.dead)
	})
}

// Run starts fn under the name, in the current goroutine's caller's
// place: callers invoke Run in its own goroutine per task. initialBackoff
// is the base backoff (the spec's per-task default, e.g. 5s); it is
// doubled on each consecutive failure up to a 2-minute cap and reset to
// initialBackoff on any run that returns cleanly (ctx cancelled) or runs
// longer than the cap without failing.
func (s *Supervisor) Run(ctx context.Context, name string, initialBackoff time.Duration, fn TaskFunc) {
	const maxBackoff = 2 * time.Minute
	backoff := initialBackoff
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		startedAt := time.Now()
		err := s.runOnce(ctx, name, fn)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			backoff = initialBackoff
			continue
		}
		if time.Since(startedAt) > maxBackoff {
			backoff = initialBackoff
		}

		failures++
		s.logger.Error("supervised task failed, restarting on backoff",
			"task", name, "error", err, "ran_for", time.Since(startedAt), "backoff", backoff, "failures", failures)
		if s.metrics != nil {
			s.metrics.TaskRestarts.WithLabelValues(name).Inc()
		}

		if s.maxRestarts > 0 && failures > s.maxRestarts {
			s.markDead(name, err)
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// runOnce invokes fn once, converting a panic into an error so Run's
// backoff loop sees it the same way as a returned error.
func (s *Supervisor) runOnce(ctx context.Context, name string, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", name, r)
		}
	}()
	return fn(ctx)
}
