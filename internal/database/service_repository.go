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

// Rolling statistics use an exponentially weighted moving average kept in SQL
// so concurrent processors never race on read-modify-write in Go.
const (
	ewmaKeep   = 0.8
	ewmaWeight = 0.2
)

// serviceSelectList is the column list for SELECT on services
const serviceSelectList = `id, name, sender_address, enabled, daily_quota, used_quota,
			sending_rate_seconds, is_frozen, frozen_until, next_available_at,
			is_blocked, consecutive_failures, success_rate, avg_response_ms,
			created_at, updated_at`

// rankingOrder implements the routing preference: fewest recent failures
// first, then least-utilized quota, then highest throughput (smallest
// inter-send interval).
const rankingOrder = `
		ORDER BY consecutive_failures ASC,
			 used_quota::float / GREATEST(daily_quota, 1) ASC,
			 sending_rate_seconds ASC`

// ServiceRepository manages sending services in PostgreSQL.
type ServiceRepository struct {
	db *sqlx.DB
}

// NewServiceRepository creates a new repository
func NewServiceRepository(db *sqlx.DB) *ServiceRepository {
	return &ServiceRepository{db: db}
}

// GetByID retrieves a single service by ID
func (r *ServiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.SendingService, error) {
	query := `SELECT ` + serviceSelectList + ` FROM services WHERE id = $1`

	var svc domain.SendingService
	err := r.db.GetContext(ctx, &svc, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return &svc, nil
}

// EligibleForSupplement returns services whose queues may be topped up:
// enabled, not blocked, spare daily quota. Freeze state is ignored here; a
// frozen service may still accumulate queue entries for when it thaws.
func (r *ServiceRepository) EligibleForSupplement(ctx context.Context) ([]domain.SendingService, error) {
	query := `
		SELECT ` + serviceSelectList + `
		FROM services
		WHERE enabled = true
		  AND is_blocked = false
		  AND used_quota < daily_quota` + rankingOrder

	services := []domain.SendingService{}
	if err := r.db.SelectContext(ctx, &services, query); err != nil {
		return nil, fmt.Errorf("eligible for supplement: %w", err)
	}
	return services, nil
}

// EligibleForDispatch returns services that may dispatch right now: enabled,
// not blocked, spare quota, and no active freeze window.
func (r *ServiceRepository) EligibleForDispatch(ctx context.Context) ([]domain.SendingService, error) {
	query := `
		SELECT ` + serviceSelectList + `
		FROM services
		WHERE enabled = true
		  AND is_blocked = false
		  AND used_quota < daily_quota
		  AND (is_frozen = false OR frozen_until <= NOW())` + rankingOrder

	services := []domain.SendingService{}
	if err := r.db.SelectContext(ctx, &services, query); err != nil {
		return nil, fmt.Errorf("eligible for dispatch: %w", err)
	}
	return services, nil
}

// AuthorizedForUser returns the user's authorized services that are currently
// usable, ranked by routing preference.
func (r *ServiceRepository) AuthorizedForUser(ctx context.Context, userID uuid.UUID) ([]domain.SendingService, error) {
	query := `
		SELECT ` + serviceSelectList + `
		FROM services
		WHERE enabled = true
		  AND is_blocked = false
		  AND used_quota < daily_quota
		  AND (is_frozen = false OR frozen_until <= NOW())
		  AND id IN (SELECT service_id FROM user_services WHERE user_id = $1)` + rankingOrder

	services := []domain.SendingService{}
	if err := r.db.SelectContext(ctx, &services, query, userID); err != nil {
		return nil, fmt.Errorf("authorized services: %w", err)
	}
	return services, nil
}

// FallbackCandidates returns usable services the user is NOT authorized for.
// Only the router may call this, and only after establishing that the user's
// own services are exhausted.
func (r *ServiceRepository) FallbackCandidates(ctx context.Context, userID uuid.UUID) ([]domain.SendingService, error) {
	query := `
		SELECT ` + serviceSelectList + `
		FROM services
		WHERE enabled = true
		  AND is_blocked = false
		  AND used_quota < daily_quota
		  AND (is_frozen = false OR frozen_until <= NOW())
		  AND id NOT IN (SELECT service_id FROM user_services WHERE user_id = $1)` + rankingOrder

	services := []domain.SendingService{}
	if err := r.db.SelectContext(ctx, &services, query, userID); err != nil {
		return nil, fmt.Errorf("fallback candidates: %w", err)
	}
	return services, nil
}

// IsAuthorized reports whether the user is mapped to the service.
func (r *ServiceRepository) IsAuthorized(ctx context.Context, userID, serviceID uuid.UUID) (bool, error) {
	var authorized bool
	err := r.db.GetContext(ctx, &authorized,
		`SELECT EXISTS (SELECT 1 FROM user_services WHERE user_id = $1 AND service_id = $2)`,
		userID, serviceID)
	if err != nil {
		return false, fmt.Errorf("check authorization: %w", err)
	}
	return authorized, nil
}

// Freeze marks a service unavailable until the given instant, enforcing its
// minimum inter-send interval after a successful dispatch.
func (r *ServiceRepository) Freeze(ctx context.Context, id uuid.UUID, until time.Time) error {
	query := `
		UPDATE services
		SET is_frozen = true,
		    frozen_until = $2,
		    next_available_at = $2,
		    updated_at = NOW()
		WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, until); err != nil {
		return fmt.Errorf("freeze service: %w", err)
	}
	return nil
}

// ThawExpired clears freeze flags whose window has passed and returns how
// many services became available again.
func (r *ServiceRepository) ThawExpired(ctx context.Context) (int64, error) {
	query := `
		UPDATE services
		SET is_frozen = false,
		    frozen_until = NULL,
		    updated_at = NOW()
		WHERE is_frozen = true AND frozen_until <= NOW()`

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("thaw services: %w", err)
	}
	return result.RowsAffected()
}

// RecordSuccess resets the consecutive failure counter and folds the dispatch
// latency into the service's rolling statistics.
func (r *ServiceRepository) RecordSuccess(ctx context.Context, id uuid.UUID, elapsed time.Duration) error {
	query := `
		UPDATE services
		SET consecutive_failures = 0,
		    success_rate = success_rate * $2 + 100 * $3,
		    avg_response_ms = avg_response_ms * $2 + $4 * $3,
		    updated_at = NOW()
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id, ewmaKeep, ewmaWeight,
		float64(elapsed.Milliseconds()))
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure increments the consecutive failure counter and blocks the
// service once the threshold is reached. Returns whether the service is now
// blocked.
func (r *ServiceRepository) RecordFailure(ctx context.Context, id uuid.UUID, blockThreshold int) (bool, error) {
	query := `
		UPDATE services
		SET consecutive_failures = consecutive_failures + 1,
		    success_rate = success_rate * $2,
		    is_blocked = (consecutive_failures + 1 >= $3),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING is_blocked`

	var blocked bool
	err := r.db.GetContext(ctx, &blocked, query, id, ewmaKeep, blockThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	return blocked, nil
}

// Unblock clears a blocked service and its failure counter. Administrative
// action, exposed through the control surface.
func (r *ServiceRepository) Unblock(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE services
		SET is_blocked = false,
		    consecutive_failures = 0,
		    updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("unblock service: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unblock affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListAll returns every service for the control surface.
func (r *ServiceRepository) ListAll(ctx context.Context) ([]domain.SendingService, error) {
	query := `SELECT ` + serviceSelectList + ` FROM services ORDER BY name ASC`

	services := []domain.SendingService{}
	if err := r.db.SelectContext(ctx, &services, query); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return services, nil
}

// CountBlocked returns the number of currently blocked services.
func (r *ServiceRepository) CountBlocked(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM services WHERE is_blocked = true`)
	if err != nil {
		return 0, fmt.Errorf("count blocked: %w", err)
	}
	return count, nil
}
