package database

import (
	"context"
	"fmt"

	"proxy-rental/pkg/models"
)

// InsertTask inserts a pending task and fills in its id and timestamps.
func (s *Store) InsertTask(ctx context.Context, task *models.Task) error {
	task.Status = models.TaskPending
	err := s.db.NewInsert().
		Model(task).
		ExcludeColumn("updated_at", "error_message").
		Returning("*").
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("error inserting task: %w", translate(err))
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	err := s.db.NewSelect().
		Model(&task).
		Where("t.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting task %d: %w", id, translate(err))
	}
	return &task, nil
}

// ListTasksByStatus returns tasks in status, first created first.
func (s *Store) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.NewSelect().
		Model(&tasks).
		Where("t.status = ?", status).
		Order("t.created_at", "t.id").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing %s tasks: %w", status, err)
	}
	return tasks, nil
}

// DeleteTasksByStatus counts and then deletes the tasks in status. The worker
// may move tasks in or out of status between the two statements, so matched
// and deleted can differ.
func (s *Store) DeleteTasksByStatus(ctx context.Context, status models.TaskStatus) (matched, deleted int, err error) {
	err = s.InTx(ctx, func(ctx context.Context, tx *Store) error {
		count, err := tx.db.NewSelect().
			Model((*models.Task)(nil)).
			Where("status = ?", status).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("error counting %s tasks: %w", status, err)
		}

		matched = count

		res, err := tx.db.NewDelete().
			Model((*models.Task)(nil)).
			Where("status = ?", status).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error deleting %s tasks: %w", status, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return matched, deleted, nil
}
