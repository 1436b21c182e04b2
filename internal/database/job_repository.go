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

// jobSelectList is the column list for SELECT on jobs (single source for schema changes)
const jobSelectList = `id, task_id, user_id, recipient, subject, body,
			service_id, sender_address, status, provider_message_id,
			retry_count, max_retries, error_message,
			scheduled_at, sent_at, created_at, updated_at`

// JobRepository manages send jobs in PostgreSQL.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new repository
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// GetByID retrieves a single job by ID
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobSelectList + ` FROM jobs WHERE id = $1`

	var job domain.Job
	err := r.db.GetContext(ctx, &job, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// FetchPendingForTask returns pending jobs for a task that are due for
// dispatch, in deterministic creation order.
func (r *JobRepository) FetchPendingForTask(ctx context.Context, taskID uuid.UUID, limit int) ([]domain.Job, error) {
	query := `
		SELECT ` + jobSelectList + `
		FROM jobs
		WHERE task_id = $1
		  AND status = 'pending'
		  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
		ORDER BY created_at ASC, id ASC
		LIMIT $2`

	jobs := []domain.Job{}
	if err := r.db.SelectContext(ctx, &jobs, query, taskID, limit); err != nil {
		return nil, fmt.Errorf("fetch pending jobs: %w", err)
	}
	return jobs, nil
}

// Claim atomically transitions a job pending→allocated for one service and
// debits one unit of the service's daily quota in the same transaction.
// This conditional update is the sole mechanism preventing double dispatch:
// if another processor already claimed the job, zero rows are affected and
// domain.ErrClaimLost is returned. If the service has no spare quota the
// transaction is rolled back and domain.ErrQuotaExhausted is returned, leaving
// the job pending.
func (r *JobRepository) Claim(ctx context.Context, jobID, serviceID uuid.UUID, senderAddress string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	claimQuery := `
		UPDATE jobs
		SET status = 'allocated',
		    service_id = $2,
		    sender_address = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	result, err := tx.ExecContext(ctx, claimQuery, jobID, serviceID, senderAddress)
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrClaimLost
	}

	debitQuery := `
		UPDATE services
		SET used_quota = used_quota + 1,
		    updated_at = NOW()
		WHERE id = $1 AND used_quota < daily_quota`

	result, err = tx.ExecContext(ctx, debitQuery, serviceID)
	if err != nil {
		return fmt.Errorf("debit service quota: %w", err)
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrQuotaExhausted
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claim tx: %w", err)
	}
	return nil
}

// execExpectOneRow runs an exec and returns domain.ErrNotFound when no row was affected
func (r *JobRepository) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkSending transitions a claimed job allocated→sending just before the
// provider call.
func (r *JobRepository) MarkSending(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = 'sending', updated_at = NOW()
		WHERE id = $1 AND status = 'allocated'`
	if err := r.execExpectOneRow(ctx, query, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark sending: %w", err)
	}
	return nil
}

// MarkSent marks a job as successfully dispatched and records the provider
// message id.
func (r *JobRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	query := `
		UPDATE jobs
		SET status = 'sent',
		    provider_message_id = $2,
		    sent_at = NOW(),
		    error_message = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('allocated', 'sending')`
	if err := r.execExpectOneRow(ctx, query, id, providerMessageID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed applies the retry policy after a failed dispatch attempt. The
// effective ceiling is the lower of the job's own max_retries and the
// scheduler-wide cap. Below it the job returns to the pending backlog with
// its service assignment cleared and an exponential backoff on scheduled_at
// (1min, 2min, 4min, ...); at the ceiling it becomes terminally failed.
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string, maxRetries int) error {
	query := `
		UPDATE jobs
		SET status = CASE WHEN retry_count + 1 >= LEAST(max_retries, $3) THEN 'failed' ELSE 'pending' END,
		    service_id = CASE WHEN retry_count + 1 >= LEAST(max_retries, $3) THEN service_id ELSE NULL END,
		    retry_count = retry_count + 1,
		    error_message = $2,
		    scheduled_at = NOW() + (INTERVAL '1 minute' * POWER(2, retry_count)),
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('allocated', 'sending')`
	if err := r.execExpectOneRow(ctx, query, id, errorMsg, maxRetries); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetTimedOut resets jobs stuck in allocated/sending past the timeout back
// to pending with the service assignment cleared, so they re-enter the
// supplement scan. The status condition keeps this safe to run concurrently
// with the processors: a job mid-claim has a fresh updated_at and is skipped.
func (r *JobRepository) ResetTimedOut(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'pending',
		    service_id = NULL,
		    updated_at = NOW()
		WHERE status IN ('allocated', 'sending')
		  AND updated_at < NOW() - make_interval(secs => $1)`

	result, err := r.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reset timed out jobs: %w", err)
	}
	return result.RowsAffected()
}

// UsersWithPendingJobs returns, in deterministic order, the users authorized
// for the given service who currently have due pending jobs.
func (r *JobRepository) UsersWithPendingJobs(ctx context.Context, serviceID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT j.user_id
		FROM jobs j
		JOIN user_services us ON us.user_id = j.user_id AND us.service_id = $1
		WHERE j.status = 'pending'
		  AND (j.scheduled_at IS NULL OR j.scheduled_at <= NOW())
		ORDER BY j.user_id ASC`

	users := []uuid.UUID{}
	if err := r.db.SelectContext(ctx, &users, query, serviceID); err != nil {
		return nil, fmt.Errorf("users with pending jobs: %w", err)
	}
	return users, nil
}

// UsersWithoutCapacity returns users who have due pending jobs but no
// authorized service left with spare quota. These are the emergency fallback
// candidates.
func (r *JobRepository) UsersWithoutCapacity(ctx context.Context) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT j.user_id
		FROM jobs j
		WHERE j.status = 'pending'
		  AND (j.scheduled_at IS NULL OR j.scheduled_at <= NOW())
		  AND NOT EXISTS (
			SELECT 1
			FROM user_services us
			JOIN services s ON s.id = us.service_id
			WHERE us.user_id = j.user_id
			  AND s.enabled = true
			  AND s.is_blocked = false
			  AND s.used_quota < s.daily_quota
		  )
		ORDER BY j.user_id ASC`

	users := []uuid.UUID{}
	if err := r.db.SelectContext(ctx, &users, query); err != nil {
		return nil, fmt.Errorf("users without capacity: %w", err)
	}
	return users, nil
}

// CountPending returns the number of due pending jobs across all tasks. Jobs
// backing off between retries are excluded, matching what the supplement scan
// would actually pick up.
func (r *JobRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM jobs
		 WHERE status = 'pending'
		   AND (scheduled_at IS NULL OR scheduled_at <= NOW())`)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}
