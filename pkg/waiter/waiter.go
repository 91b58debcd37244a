// Package waiter bridges an asynchronous task back into a synchronous
// caller by polling its status.
package waiter

import (
	"context"
	"log/slog"
	"time"

	"proxy-rental/pkg/models"
)

// StatusGetter reads the current status of a task.
type StatusGetter interface {
	GetStatus(ctx context.Context, id int64) (models.TaskStatus, error)
}

// Attempts is the number of polls WaitForCompletion makes: timeout/interval
// rounded up, and at least one.
func Attempts(timeout, interval time.Duration) int {
	if interval <= 0 || timeout <= 0 {
		return 1
	}
	n := int((timeout + interval - 1) / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// Waiter polls tasks until they finish.
type Waiter struct {
	getter StatusGetter
	logger *slog.Logger
}

// New returns a waiter that logs to logger, usually the caller's component
// logger.
func New(getter StatusGetter, logger *slog.Logger) *Waiter {
	return &Waiter{getter: getter, logger: logger}
}

// WaitForCompletion polls the task until it is done (true), failed (false)
// or the attempts run out (false). The first poll is immediate. A false
// result after a timeout is ambiguous: the worker may still finish the task.
// Lookup errors count as not finished yet. The task itself is never touched.
func (w *Waiter) WaitForCompletion(ctx context.Context, id int64, timeout, interval time.Duration) bool {
	logger := w.logger.With("task_id", id)
	attempts := Attempts(timeout, interval)

	for i := 1; i <= attempts; i++ {
		status, err := w.getter.GetStatus(ctx, id)
		switch {
		case err != nil:
			logger.Debug("Status lookup failed", "attempt", i, "error", err)
		case status == models.TaskDone:
			logger.Debug("Task done", "attempt", i)
			return true
		case status == models.TaskError:
			logger.Debug("Task failed", "attempt", i)
			return false
		default:
			logger.Debug("Task not finished", "attempt", i, "status", status)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}

	logger.Info("Gave up waiting for task", "timeout", timeout, "attempts", attempts)
	return false
}
