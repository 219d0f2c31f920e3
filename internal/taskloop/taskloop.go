// Package taskloop runs ticker-driven background tasks (reservation
// cleanup, heartbeat cleanup, event retention, rate-limiter GC) with
// single-flight execution and a clean final pass on shutdown.
package taskloop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one named, ticker-driven unit of background work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Loop runs a set of Tasks, each on its own ticker, guaranteeing that no
// task's Run overlaps with its own previous invocation (skip-if-running).
type Loop struct {
	tasks  []Task
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New constructs a Loop for the given tasks.
func New(logger *slog.Logger, tasks ...Task) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{tasks: tasks, logger: logger.With("component", "taskloop")}
}

// Start launches one goroutine per task. It returns immediately; call
// Wait (after cancelling ctx) to block until every task has stopped.
func (l *Loop) Start(ctx context.Context) {
	for _, t := range l.tasks {
		l.wg.Add(1)
		go l.run(ctx, t)
	}
}

// Wait blocks until every task goroutine has exited.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context, t Task) {
	defer l.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	var running sync.Mutex

	execute := func() {
		if !running.TryLock() {
			l.logger.Debug("skipping tick, previous run still in flight", "task", t.Name)
			return
		}
		defer running.Unlock()

		if err := t.Run(ctx); err != nil {
			l.logger.Error("task run failed", "task", t.Name, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Final pass on shutdown, synchronous, best-effort.
			execute()
			return
		case <-ticker.C:
			execute()
		}
	}
}
