package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rahul/retailpipe/internal/observability"
)

// Cycler is what the scheduler drives.
type Cycler interface {
	RunCycle(ctx context.Context) error
	Running() bool
}

// Scheduler fires a cycle at start (optionally) and then every interval.
// Cycles run off the timer goroutine so a tick that lands during a long run
// is suppressed by the orchestrator instead of piling up behind it.
type Scheduler struct {
	cycler     Cycler
	interval   time.Duration
	runOnStart bool
	logger     *slog.Logger

	// OnCycleError, if set, receives every failed cycle's error.
	OnCycleError func(error)

	trigger chan struct{}
	wg      sync.WaitGroup

	mu   sync.RWMutex
	next time.Time
}

func NewScheduler(cycler Cycler, interval time.Duration, runOnStart bool, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cycler:     cycler,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
	}
}

// Start blocks until ctx is done, then waits for an in-flight cycle, which
// is not cancelled by ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.setNext(time.Now().Add(s.interval))
	s.logger.Info("scheduler started",
		"event", observability.EventCycle,
		"interval", s.interval.String(),
		"run_on_start", s.runOnStart,
	)

	if s.runOnStart {
		s.fire(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			if s.cycler.Running() {
				s.logger.Info("scheduler stopping; waiting for the running cycle to finish", "event", observability.EventCycle)
			} else {
				s.logger.Info("scheduler stopping", "event", observability.EventCycle)
			}
			return nil
		case t := <-ticker.C:
			s.setNext(t.Add(s.interval))
			s.fire(ctx)
		case <-s.trigger:
			s.fire(ctx)
		}
	}
}

// Trigger requests an immediate cycle. It returns ErrCycleInProgress when a
// cycle is already running; the request is then dropped, not queued.
func (s *Scheduler) Trigger() error {
	if s.cycler.Running() {
		observability.CycleSuppressed()
		return ErrCycleInProgress
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

func (s *Scheduler) fire(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.cycler.RunCycle(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrCycleInProgress):
			s.logger.Info("scheduled trigger skipped; cycle still running", "event", observability.EventCycle)
		default:
			s.logger.Error("pipeline cycle ended with error", "event", observability.EventCycle, "error", err)
			if s.OnCycleError != nil {
				s.OnCycleError(err)
			}
		}
	}()
}
