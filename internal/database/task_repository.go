package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailroom/dispatcher/internal/domain"
)

// taskSelectList is the column list for SELECT on tasks
const taskSelectList = `id, user_id, name, status, total_subtasks,
			pending_subtasks, allocated_subtasks, summary_stats,
			created_at, updated_at`

// TaskRepository manages campaign tasks in PostgreSQL.
type TaskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository creates a new repository
func NewTaskRepository(db *sqlx.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// GetByID retrieves a single task by ID
func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskSelectList + ` FROM tasks WHERE id = $1`

	var task domain.Task
	err := r.db.GetContext(ctx, &task, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ActiveTasksForUser returns the user's tasks still holding due pending jobs,
// earliest-created first so queue filling stays deterministic.
func (r *TaskRepository) ActiveTasksForUser(ctx context.Context, userID uuid.UUID) ([]domain.Task, error) {
	query := `
		SELECT ` + taskSelectList + `
		FROM tasks t
		WHERE t.user_id = $1
		  AND t.status IN ('scheduled', 'queued', 'sending')
		  AND EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.task_id = t.id
			  AND j.status = 'pending'
			  AND (j.scheduled_at IS NULL OR j.scheduled_at <= NOW())
		  )
		ORDER BY t.created_at ASC, t.id ASC`

	tasks := []domain.Task{}
	if err := r.db.SelectContext(ctx, &tasks, query, userID); err != nil {
		return nil, fmt.Errorf("active tasks for user: %w", err)
	}
	return tasks, nil
}

// ActiveTaskIDs returns every task still in scheduler scope: active status
// with due pending jobs remaining. Feeds the wait-time sweep, which has to
// see tasks even when no service can currently take their jobs.
func (r *TaskRepository) ActiveTaskIDs(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT t.id
		FROM tasks t
		WHERE t.status IN ('scheduled', 'queued', 'sending')
		  AND EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.task_id = t.id
			  AND j.status = 'pending'
			  AND (j.scheduled_at IS NULL OR j.scheduled_at <= NOW())
		  )
		ORDER BY t.created_at ASC, t.id ASC`

	ids := []uuid.UUID{}
	if err := r.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("active task ids: %w", err)
	}
	return ids, nil
}

// MarkSending flips a task scheduled/queued→sending when its first job enters
// a service queue. Zero affected rows means the task was already sending (or
// left scheduler scope) and is not an error.
func (r *TaskRepository) MarkSending(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET status = 'sending', updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'queued')`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark task sending: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark task sending affected rows: %w", err)
	}
	return rows > 0, nil
}

// MarkPaused takes a task out of scheduler rotation, recording why. Used when
// the owner's quota cannot cover the task; the condition is surfaced to the
// owner rather than retried.
func (r *TaskRepository) MarkPaused(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE tasks
		SET status = 'paused', updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'queued', 'sending')`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("mark task paused: %w", err)
	}
	return nil
}

// RefreshCounters reconciles the task's aggregate counters and summary_stats
// with a fresh group-by-status count of its jobs. Called after every batch of
// job status updates so the counters stay eventually consistent.
func (r *TaskRepository) RefreshCounters(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE tasks t
		SET total_subtasks = s.total,
		    pending_subtasks = s.pending,
		    allocated_subtasks = s.allocated,
		    summary_stats = (
			SELECT COALESCE(jsonb_object_agg(g.status, g.n), '{}'::jsonb)
			FROM (SELECT status, COUNT(*) AS n FROM jobs WHERE task_id = $1 GROUP BY status) g
		    ),
		    updated_at = NOW()
		FROM (
			SELECT COUNT(*) AS total,
			       COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			       COUNT(*) FILTER (WHERE status IN ('allocated', 'sending')) AS allocated
			FROM jobs WHERE task_id = $1
		) s
		WHERE t.id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("refresh task counters: %w", err)
	}
	return nil
}

// CompleteIfDone transitions a sending task to completed (any job succeeded)
// or failed (none did) once no non-terminal jobs remain. Returns the final
// status and true when the transition happened this call.
func (r *TaskRepository) CompleteIfDone(ctx context.Context, id uuid.UUID) (domain.TaskStatus, bool, error) {
	query := `
		UPDATE tasks t
		SET status = CASE WHEN EXISTS (
			SELECT 1 FROM jobs WHERE task_id = $1 AND status IN ('sent', 'delivered')
		    ) THEN 'completed' ELSE 'failed' END,
		    updated_at = NOW()
		WHERE t.id = $1
		  AND t.status = 'sending'
		  AND NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE task_id = $1 AND status IN ('pending', 'allocated', 'sending')
		  )
		RETURNING status`

	var status domain.TaskStatus
	err := r.db.GetContext(ctx, &status, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("complete task: %w", err)
	}
	return status, true, nil
}

// ResetStuckSending resets tasks stuck in sending past the stuck threshold
// back to queued so they re-enter the supplement scan.
func (r *TaskRepository) ResetStuckSending(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE tasks
		SET status = 'queued', updated_at = NOW()
		WHERE status = 'sending'
		  AND updated_at < NOW() - make_interval(secs => $1)`

	result, err := r.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	return result.RowsAffected()
}
