package domain_test

import (
	"testing"
	"time"

	"github.com/mailroom/dispatcher/internal/domain"
)

func TestSendingService_SendingRate(t *testing.T) {
	testCases := []struct {
		name    string
		seconds int
		want    time.Duration
	}{
		{name: "configured rate", seconds: 30, want: 30 * time.Second},
		{name: "zero rate falls back to safety interval", seconds: 0, want: domain.DefaultSendingRate},
		{name: "negative rate falls back to safety interval", seconds: -5, want: domain.DefaultSendingRate},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := domain.SendingService{SendingRateSeconds: tc.seconds}
			if got := svc.SendingRate(); got != tc.want {
				t.Errorf("SendingRate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSendingService_AvailableAt(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	testCases := []struct {
		name string
		svc  domain.SendingService
		want bool
	}{
		{
			name: "enabled with quota",
			svc:  domain.SendingService{Enabled: true, DailyQuota: 10, UsedQuota: 3},
			want: true,
		},
		{
			name: "disabled",
			svc:  domain.SendingService{Enabled: false, DailyQuota: 10},
			want: false,
		},
		{
			name: "blocked",
			svc:  domain.SendingService{Enabled: true, IsBlocked: true, DailyQuota: 10},
			want: false,
		},
		{
			name: "quota exhausted",
			svc:  domain.SendingService{Enabled: true, DailyQuota: 10, UsedQuota: 10},
			want: false,
		},
		{
			name: "frozen until the future",
			svc:  domain.SendingService{Enabled: true, DailyQuota: 10, IsFrozen: true, FrozenUntil: &future},
			want: false,
		},
		{
			name: "freeze already expired",
			svc:  domain.SendingService{Enabled: true, DailyQuota: 10, IsFrozen: true, FrozenUntil: &past},
			want: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.svc.AvailableAt(now); got != tc.want {
				t.Errorf("AvailableAt() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSendingService_Utilization(t *testing.T) {
	svc := domain.SendingService{DailyQuota: 200, UsedQuota: 50}
	if got := svc.Utilization(); got != 0.25 {
		t.Errorf("Utilization() = %v, want 0.25", got)
	}

	zero := domain.SendingService{DailyQuota: 0, UsedQuota: 0}
	if got := zero.Utilization(); got != 1 {
		t.Errorf("Utilization() with zero quota = %v, want 1", got)
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	terminal := []domain.JobStatus{domain.JobStatusSent, domain.JobStatusDelivered, domain.JobStatusFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}

	open := []domain.JobStatus{domain.JobStatusPending, domain.JobStatusAllocated, domain.JobStatusSending}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}

func TestJob_ShouldRetry(t *testing.T) {
	job := domain.Job{RetryCount: 2, MaxRetries: 3}
	if !job.ShouldRetry() {
		t.Error("ShouldRetry() = false with attempts left, want true")
	}

	job.RetryCount = 3
	if job.ShouldRetry() {
		t.Error("ShouldRetry() = true at retry ceiling, want false")
	}
}

func TestTaskStatus_IsActive(t *testing.T) {
	active := []domain.TaskStatus{domain.TaskStatusScheduled, domain.TaskStatusQueued, domain.TaskStatusSending}
	for _, s := range active {
		if !s.IsActive() {
			t.Errorf("IsActive(%s) = false, want true", s)
		}
	}

	inactive := []domain.TaskStatus{domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusPaused}
	for _, s := range inactive {
		if s.IsActive() {
			t.Errorf("IsActive(%s) = true, want false", s)
		}
	}
}
