// Package scheduler owns the periodic cadence of the arena core. It wraps
// gocron so the rest of the code only deals with named tasks and intervals.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/frankieli/carrom_arena/pkg/logger"
)

// Task is one periodic unit of work. The context is cancelled when the
// scheduler stops; tasks must not mutate state after that.
type Task func(ctx context.Context)

type taskDef struct {
	name     string
	interval time.Duration
	task     Task
}

// Scheduler runs a fixed set of named periodic tasks. Start/Stop/Restart are
// safe to call from any goroutine.
type Scheduler struct {
	mu      sync.Mutex
	defs    []taskDef
	sched   gocron.Scheduler
	cancel  context.CancelFunc
	running bool

	restartDelay time.Duration
}

// New creates an empty scheduler. Register tasks before calling Start.
func New() *Scheduler {
	return &Scheduler{
		restartDelay: 100 * time.Millisecond,
	}
}

// Register adds a named periodic task. Registering while running is a
// programming error and is ignored with a warning.
func (s *Scheduler) Register(name string, interval time.Duration, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		logger.WarnGlobal().Str("task", name).Msg("Register called on a running scheduler, ignored")
		return
	}
	s.defs = append(s.defs, taskDef{name: name, interval: interval, task: task})
}

// Start builds the gocron jobs from the registered definitions and starts
// ticking. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	if s.running {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	for _, def := range s.defs {
		def := def
		_, err := sched.NewJob(
			gocron.DurationJob(def.interval),
			gocron.NewTask(func() {
				// Guard against a tick that raced with Stop.
				if ctx.Err() != nil {
					return
				}
				def.task(ctx)
			}),
			gocron.WithName(def.name),
		)
		if err != nil {
			cancel()
			_ = sched.Shutdown()
			return err
		}
		logger.DebugGlobal().
			Str("task", def.name).
			Dur("interval", def.interval).
			Msg("Scheduler task registered")
	}

	sched.Start()

	s.sched = sched
	s.cancel = cancel
	s.running = true

	logger.InfoGlobal().Int("tasks", len(s.defs)).Msg("Scheduler started")
	return nil
}

// Stop cancels the task context and shuts the ticker down. After Stop returns
// no task is able to mutate state: gocron.Shutdown waits for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Scheduler) stopLocked() error {
	if !s.running {
		return nil
	}

	s.cancel()
	err := s.sched.Shutdown()

	s.sched = nil
	s.cancel = nil
	s.running = false

	logger.InfoGlobal().Msg("Scheduler stopped")
	return err
}

// Restart stops the scheduler, waits a short deterministic delay and starts it
// again from the same task definitions. Jobs are rebuilt, never re-appended,
// so a restart cannot double-register tasks.
func (s *Scheduler) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(); err != nil {
		return err
	}
	time.Sleep(s.restartDelay)
	return s.startLocked()
}

// Running reports whether the scheduler is currently ticking.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
