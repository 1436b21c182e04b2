package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultSendingRate is the minimum inter-send interval applied when a
// service has no sending_rate configured. Zero or unset rates must never
// allow unlimited-rate bursts.
const DefaultSendingRate = 60 * time.Second

// SendingService is an outbound channel with its own daily quota and minimum
// send interval. The scheduler only mutates quota counters, frozen state and
// failure statistics; provisioning is administered externally.
type SendingService struct {
	ID                  uuid.UUID  `db:"id"                   json:"id"`
	Name                string     `db:"name"                 json:"name"`
	SenderAddress       string     `db:"sender_address"       json:"sender_address"`
	Enabled             bool       `db:"enabled"              json:"enabled"`
	DailyQuota          int        `db:"daily_quota"          json:"daily_quota"`
	UsedQuota           int        `db:"used_quota"           json:"used_quota"`
	SendingRateSeconds  int        `db:"sending_rate_seconds" json:"sending_rate_seconds"`
	IsFrozen            bool       `db:"is_frozen"            json:"is_frozen"`
	FrozenUntil         *time.Time `db:"frozen_until"         json:"frozen_until,omitempty"`
	NextAvailableAt     *time.Time `db:"next_available_at"    json:"next_available_at,omitempty"`
	IsBlocked           bool       `db:"is_blocked"           json:"is_blocked"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
	SuccessRate         float64    `db:"success_rate"         json:"success_rate"` // EWMA percentage, 0-100
	AvgResponseMs       float64    `db:"avg_response_ms"      json:"avg_response_ms"`
	CreatedAt           time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"           json:"updated_at"`
}

// SendingRate returns the minimum interval between two sends, falling back to
// DefaultSendingRate when none is configured.
func (s *SendingService) SendingRate() time.Duration {
	if s.SendingRateSeconds <= 0 {
		return DefaultSendingRate
	}
	return time.Duration(s.SendingRateSeconds) * time.Second
}

// RemainingQuota returns the spare daily quota.
func (s *SendingService) RemainingQuota() int {
	remaining := s.DailyQuota - s.UsedQuota
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Utilization returns used quota as a fraction of the daily quota.
func (s *SendingService) Utilization() float64 {
	if s.DailyQuota <= 0 {
		return 1
	}
	return float64(s.UsedQuota) / float64(s.DailyQuota)
}

// AvailableAt reports whether the service may dispatch at the given instant:
// enabled, not blocked, spare quota, and any freeze window already expired.
func (s *SendingService) AvailableAt(now time.Time) bool {
	if !s.Enabled || s.IsBlocked {
		return false
	}
	if s.UsedQuota >= s.DailyQuota {
		return false
	}
	if s.IsFrozen && s.FrozenUntil != nil && now.Before(*s.FrozenUntil) {
		return false
	}
	return true
}
