// Package queue is the durable task queue shared with the provisioning
// worker. The queue only ever creates tasks in pending status and reads
// them back; all later transitions belong to the worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"proxy-rental/pkg/database"
	"proxy-rental/pkg/models"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrResourceLookup means the proxy, port or server a task refers to
	// could not be resolved into a complete payload. No task was created.
	ErrResourceLookup = errors.New("resource lookup failed")
	ErrTaskNotFound   = errors.New("task not found")
	ErrInvalidStatus  = errors.New("invalid task status")
)

// Store is the persistence the queue runs on. *database.Store implements it.
type Store interface {
	ResolveTaskTarget(ctx context.Context, proxyID, portID int64) (*models.TaskTarget, error)
	InsertTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	DeleteTasksByStatus(ctx context.Context, status models.TaskStatus) (matched, deleted int, err error)
}

// Target names the rented resources a task acts on, plus the credentials
// the worker configures on them.
type Target struct {
	ProxyID  int64
	PortID   int64
	Login    string
	Password string
}

type Queue struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
}

func New(store Store, logger *slog.Logger) *Queue {
	return &Queue{
		store:    store,
		validate: validator.New(),
		logger:   logger.With("component", "queue"),
	}
}

// WithTx returns a queue that writes through tx, typically a
// transaction-bound store. The task becomes visible when tx commits.
func (q *Queue) WithTx(tx Store) *Queue {
	return &Queue{store: tx, validate: q.validate, logger: q.logger}
}

// Enqueue resolves target into a payload and inserts a pending task.
func (q *Queue) Enqueue(ctx context.Context, kind models.TaskKind, target Target) (int64, error) {
	resolved, err := q.store.ResolveTaskTarget(ctx, target.ProxyID, target.PortID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, fmt.Errorf("%w: proxy %d port %d", ErrResourceLookup, target.ProxyID, target.PortID)
		}
		return 0, err
	}

	return q.EnqueueResolved(ctx, kind, resolved.ServerIP, resolved.Payload(target.Login, target.Password))
}

// EnqueueResolved inserts a pending task for an already built payload.
func (q *Queue) EnqueueResolved(ctx context.Context, kind models.TaskKind, serverIP string, payload models.TaskPayload) (int64, error) {
	if kind == "" || serverIP == "" {
		return 0, fmt.Errorf("%w: task kind and server ip are required", ErrResourceLookup)
	}
	if err := q.validate.Struct(payload); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrResourceLookup, err)
	}

	task := &models.Task{
		TaskType: kind,
		ServerIP: serverIP,
		Payload:  payload,
	}
	if err := q.store.InsertTask(ctx, task); err != nil {
		return 0, fmt.Errorf("failed to enqueue %s task: %w", kind, err)
	}

	q.logger.Info("Task enqueued", "task_id", task.ID, "task_type", kind, "server_ip", serverIP)
	return task.ID, nil
}

// GetStatus returns the current status of the task.
func (q *Queue) GetStatus(ctx context.Context, id int64) (models.TaskStatus, error) {
	task, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*models.Task, error) {
	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return task, nil
}

// ListByStatus returns the tasks in status in creation order.
func (q *Queue) ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return q.store.ListTasksByStatus(ctx, status)
}

// DeleteByStatus removes every task in status. matched and deleted may
// differ when the worker changes statuses concurrently; that is not an error.
func (q *Queue) DeleteByStatus(ctx context.Context, status models.TaskStatus) (matched, deleted int, err error) {
	if !status.Valid() {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	matched, deleted, err = q.store.DeleteTasksByStatus(ctx, status)
	if err != nil {
		return 0, 0, err
	}

	if matched != deleted {
		q.logger.Warn("Task status changed during clear", "status", status, "matched", matched, "deleted", deleted)
	} else {
		q.logger.Info("Tasks cleared", "status", status, "deleted", deleted)
	}
	return matched, deleted, nil
}
