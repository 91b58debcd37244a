// Package reclaim expires rentals and returns their proxies and ports to
// the available pool.
//
// Every cycle snapshots the expired rentals and handles each one on its own:
// it asks the worker to remove the proxy configuration, waits briefly for
// the outcome, and then releases the rental whatever that outcome was. A
// server that never answers cannot keep a resource rented.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"proxy-rental/pkg/models"
	"proxy-rental/pkg/waiter"

	"github.com/google/uuid"
)

// Store is the rental persistence reclamation needs.
type Store interface {
	ListExpiredRentals(ctx context.Context, now time.Time) ([]models.Rental, error)
	ResolveTaskTarget(ctx context.Context, proxyID, portID int64) (*models.TaskTarget, error)
	// ReleaseRental reports false when the rental was already gone and
	// nothing was freed.
	ReleaseRental(ctx context.Context, rental *models.Rental) (bool, error)
}

// Queue enqueues deprovisioning tasks and reports their status.
type Queue interface {
	EnqueueResolved(ctx context.Context, kind models.TaskKind, serverIP string, payload models.TaskPayload) (int64, error)
	waiter.StatusGetter
}

type Options struct {
	// Interval is the pause between two cycles.
	Interval time.Duration
	// WaitTimeout bounds the wait for one remove_proxy task.
	WaitTimeout time.Duration
	WaitPoll    time.Duration
	// ReleaseTimeout bounds the release transaction, which runs even after
	// the cycle context is canceled.
	ReleaseTimeout time.Duration
	// Locker, when set, makes replicas take turns running cycles.
	Locker  Locker
	LockKey string
	LockTTL time.Duration
	Now     func() time.Time
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	if o.WaitPoll <= 0 {
		o.WaitPoll = time.Second
	}
	if o.ReleaseTimeout <= 0 {
		o.ReleaseTimeout = 10 * time.Second
	}
	if o.LockKey == "" {
		o.LockKey = "proxy-rental:reclaim"
	}
	if o.LockTTL <= 0 {
		o.LockTTL = o.Interval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID string
	// LockHeld is set when another replica ran the cycle instead.
	LockHeld bool
	Expired  int
	// Released counts rentals deleted after a normal deprovisioning attempt,
	// Forced those deleted by the compensating cleanup after a failure.
	Released int
	Forced   int
	// AlreadyReleased counts rentals another reclaimer freed first.
	AlreadyReleased int
	Skipped         int
	CleanupFailed   int
	Confirmed       int
	Unconfirmed     int
	Err             error
}

type Reclaimer struct {
	store  Store
	queue  Queue
	waiter *waiter.Waiter
	opts   Options
	logger *slog.Logger
}

func New(store Store, queue Queue, opts Options, logger *slog.Logger) *Reclaimer {
	opts.setDefaults()
	logger = logger.With("component", "reclaim")
	return &Reclaimer{
		store:  store,
		queue:  queue,
		waiter: waiter.New(queue, logger),
		opts:   opts,
		logger: logger,
	}
}

// Run executes cycles until ctx is canceled, sleeping Interval after each.
func (r *Reclaimer) Run(ctx context.Context) error {
	r.logger.Info("Reclamation loop started", "interval", r.opts.Interval, "wait_timeout", r.opts.WaitTimeout)

	for {
		r.RunCycle(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("Reclamation loop stopped")
			return ctx.Err()
		case <-time.After(r.opts.Interval):
		}
	}
}

// RunCycle reclaims every rental that is expired now. It never panics and
// never stops at a failing rental.
func (r *Reclaimer) RunCycle(ctx context.Context) (report CycleReport) {
	report.CycleID = uuid.NewString()
	logger := r.logger.With("cycle_id", report.CycleID)

	defer func() {
		if p := recover(); p != nil {
			report.Err = fmt.Errorf("panic: %v", p)
			logger.Error("Reclamation cycle panicked", "panic", p)
		}
	}()

	if r.opts.Locker != nil {
		unlock, err := r.opts.Locker.Obtain(ctx, r.opts.LockKey, r.opts.LockTTL)
		switch {
		case errors.Is(err, ErrLockHeld):
			report.LockHeld = true
			logger.Debug("Cycle lock held by another replica")
			return report
		case err != nil:
			logger.Warn("Cycle lock unavailable, running unlocked", "error", err)
		default:
			defer func() {
				if err := unlock(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("Failed to release cycle lock", "error", err)
				}
			}()
		}
	}

	rentals, err := r.store.ListExpiredRentals(ctx, r.opts.Now())
	if err != nil {
		report.Err = err
		logger.Error("Failed to list expired rentals", "error", err)
		return report
	}
	report.Expired = len(rentals)
	if len(rentals) == 0 {
		logger.Debug("No expired rentals")
		return report
	}
	logger.Info("Reclaiming expired rentals", "count", len(rentals))

	for i := range rentals {
		if ctx.Err() != nil {
			logger.Info("Cycle interrupted", "remaining", len(rentals)-i)
			break
		}
		r.reclaimRental(ctx, logger, &rentals[i], &report)
	}

	logger.Info("Reclamation cycle finished",
		"expired", report.Expired,
		"released", report.Released,
		"forced", report.Forced,
		"already_released", report.AlreadyReleased,
		"skipped", report.Skipped,
		"cleanup_failed", report.CleanupFailed,
		"confirmed", report.Confirmed,
		"unconfirmed", report.Unconfirmed)
	return report
}

// reclaimRental is a two phase step: deprovision, then release. The release
// runs whatever happened in the first phase, except when the rental could
// not be resolved at all; it stays expired and is retried next cycle.
func (r *Reclaimer) reclaimRental(ctx context.Context, logger *slog.Logger, rental *models.Rental, report *CycleReport) {
	logger = logger.With("rental_id", rental.ID, "proxy_id", rental.ProxyID, "port_id", rental.PortID)

	skip, err := r.deprovision(ctx, logger, rental, report)
	if skip {
		report.Skipped++
		return
	}
	if err != nil {
		logger.Error("Deprovisioning failed, forcing cleanup", "error", err)
	}

	released, cerr := r.release(ctx, rental)
	if cerr != nil {
		report.CleanupFailed++
		logger.Error("Failed to release rental", "error", cerr)
		return
	}
	if !released {
		report.AlreadyReleased++
		logger.Info("Rental already released elsewhere")
		return
	}

	if err != nil {
		report.Forced++
		logger.Info("Rental force released")
		return
	}
	report.Released++
	logger.Info("Rental released")
}

func (r *Reclaimer) deprovision(ctx context.Context, logger *slog.Logger, rental *models.Rental, report *CycleReport) (skip bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	target, lookupErr := r.store.ResolveTaskTarget(ctx, rental.ProxyID, rental.PortID)
	if lookupErr != nil {
		logger.Warn("Could not resolve rental resources, retrying next cycle", "error", lookupErr)
		return true, nil
	}

	payload := target.Payload(rental.Login, rental.Password)
	taskID, err := r.queue.EnqueueResolved(ctx, models.TaskRemoveProxy, target.ServerIP, payload)
	if err != nil {
		return false, fmt.Errorf("enqueue remove_proxy: %w", err)
	}

	logger = logger.With("task_id", taskID)
	if r.waiter.WaitForCompletion(ctx, taskID, r.opts.WaitTimeout, r.opts.WaitPoll) {
		report.Confirmed++
		logger.Debug("Proxy removed")
	} else {
		report.Unconfirmed++
		logger.Warn("Proxy removal not confirmed, releasing anyway")
	}
	return false, nil
}

// release runs the compensating transaction. It outlives ctx cancellation
// so that shutdown does not leave a rental half reclaimed.
func (r *Reclaimer) release(ctx context.Context, rental *models.Rental) (released bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ReleaseTimeout)
	defer cancel()
	return r.store.ReleaseRental(ctx, rental)
}
