// Package routing decides which sending services a user's jobs may flow
// through. Pure read + ranking over current state; the only side effects are
// the log line and counter emitted when the emergency fallback fires.
package routing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailroom/dispatcher/internal/database"
	"github.com/mailroom/dispatcher/internal/domain"
	"github.com/mailroom/dispatcher/internal/logger"
	"github.com/mailroom/dispatcher/internal/metrics"
)

// Router resolves a user's usable services in routing-preference order.
type Router struct {
	services *database.ServiceRepository
	recorder metrics.Recorder
	logger   logger.Logger
}

// NewRouter creates a router.
func NewRouter(services *database.ServiceRepository, recorder metrics.Recorder, log logger.Logger) *Router {
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Router{
		services: services,
		recorder: recorder,
		logger:   log,
	}
}

// AuthorizedServices returns the services this user may dispatch through,
// ranked by preference. When every authorized service is exhausted but other
// services have spare capacity, it falls back to those as an emergency
// measure; fallback is an explicit, audited exception to tenant isolation and
// is always logged and counted, never silent. The second return value reports
// whether fallback was used.
func (r *Router) AuthorizedServices(ctx context.Context, userID uuid.UUID) ([]domain.SendingService, bool, error) {
	authorized, err := r.services.AuthorizedForUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("authorized services: %w", err)
	}
	if len(authorized) > 0 {
		return authorized, false, nil
	}

	fallback, err := r.services.FallbackCandidates(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("fallback candidates: %w", err)
	}
	if len(fallback) == 0 {
		return nil, false, nil
	}

	r.recorder.FallbackRoute()
	r.logger.Warn("user routed through unauthorized fallback services",
		logger.String("user_id", userID.String()),
		logger.Int("fallback_services", len(fallback)))

	return fallback, true, nil
}
