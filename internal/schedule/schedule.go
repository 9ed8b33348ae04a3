// Package schedule runs background maintenance on cron expressions:
// the retention sweep and the stale-lock sweep.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Task is one named cron entry.
type Task struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Runner ticks once a minute and fires every task whose expression is
// due. Tasks run sequentially; a slow task delays the others rather
// than overlapping with its own next firing.
type Runner struct {
	logger *slog.Logger
	gron   *gronx.Gronx

	mu    sync.Mutex
	tasks []Task

	// tick is overridable in tests.
	tick time.Duration
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger,
		gron:   gronx.New(),
		tick:   time.Minute,
	}
}

// Add registers a task. Invalid cron expressions are rejected here so
// a bad config fails at startup, not at 4am.
func (r *Runner) Add(t Task) error {
	if !r.gron.IsValid(t.Expr) {
		return fmt.Errorf("task %s: invalid cron expression %q", t.Name, t.Expr)
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return nil
}

// Start blocks until ctx is cancelled, firing due tasks each minute.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("scheduler started", "tasks", len(r.snapshot()))
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			r.runDue(ctx, now)
		}
	}
}

func (r *Runner) snapshot() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks...)
}

func (r *Runner) runDue(ctx context.Context, now time.Time) {
	for _, t := range r.snapshot() {
		due, err := r.gron.IsDue(t.Expr, now)
		if err != nil {
			r.logger.Error("cron evaluation failed", "task", t.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		start := time.Now()
		if err := t.Run(ctx); err != nil {
			r.logger.Error("scheduled task failed", "task", t.Name, "error", err)
			continue
		}
		r.logger.Info("scheduled task finished", "task", t.Name, "duration", time.Since(start).Round(time.Millisecond))
	}
}
