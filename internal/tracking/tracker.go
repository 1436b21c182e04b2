// Package tracking records per-task queue-entry, first-dispatch and
// completion timestamps for SLA observability. Purely observational: it never
// influences scheduling decisions, only reports on them.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailroom/dispatcher/internal/alert"
	"github.com/mailroom/dispatcher/internal/logger"
	"github.com/mailroom/dispatcher/internal/metrics"
)

const (
	fieldQueuedAt        = "queued_at"
	fieldFirstDispatchAt = "first_dispatch_at"
	fieldCompletedAt     = "completed_at"
	fieldAlertLevel      = "alert_level"

	// keyTTL keeps wait records around long enough for dashboards without
	// growing the keyspace unboundedly.
	keyTTL = 7 * 24 * time.Hour
)

// Thresholds grade a task's wait time (queue entry until first successful
// dispatch).
type Thresholds struct {
	Warning   time.Duration
	Critical  time.Duration
	Emergency time.Duration
}

// DefaultThresholds returns the standard wait-time grading.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:   5 * time.Minute,
		Critical:  15 * time.Minute,
		Emergency: 30 * time.Minute,
	}
}

// Classify returns the severity for a wait duration, or ok=false below the
// warning threshold.
func (t Thresholds) Classify(wait time.Duration) (alert.Severity, bool) {
	switch {
	case wait >= t.Emergency:
		return alert.SeverityEmergency, true
	case wait >= t.Critical:
		return alert.SeverityCritical, true
	case wait >= t.Warning:
		return alert.SeverityWarning, true
	default:
		return "", false
	}
}

// severityRank orders severities so repeated checks only alert on escalation.
func severityRank(s alert.Severity) int {
	switch s {
	case alert.SeverityWarning:
		return 1
	case alert.SeverityCritical:
		return 2
	case alert.SeverityEmergency:
		return 3
	default:
		return 0
	}
}

// Tracker stores wait timestamps in one Redis hash per task.
type Tracker struct {
	client     redis.UniversalClient
	thresholds Thresholds
	sink       alert.Sink
	recorder   metrics.Recorder
	logger     logger.Logger
	now        func() time.Time
}

// NewTracker creates a tracker. A nil sink or recorder falls back to the
// no-op implementation.
func NewTracker(client redis.UniversalClient, thresholds Thresholds, sink alert.Sink,
	recorder metrics.Recorder, log logger.Logger,
) *Tracker {
	if sink == nil {
		sink = alert.NopSink{}
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Tracker{
		client:     client,
		thresholds: thresholds,
		sink:       sink,
		recorder:   recorder,
		logger:     log,
		now:        time.Now,
	}
}

func (t *Tracker) key(taskID uuid.UUID) string {
	return fmt.Sprintf("dispatcher:task:wait:%s", taskID)
}

// RecordQueued stores the instant a task first came into scheduler scope
// with dispatchable jobs. Idempotent: only the first call per task sets the
// field.
func (t *Tracker) RecordQueued(ctx context.Context, taskID uuid.UUID) error {
	key := t.key(taskID)

	pipe := t.client.Pipeline()
	pipe.HSetNX(ctx, key, fieldQueuedAt, t.now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record queued: %w", err)
	}
	return nil
}

// RecordFirstDispatch stores the instant of the task's first successful
// dispatch. Idempotent.
func (t *Tracker) RecordFirstDispatch(ctx context.Context, taskID uuid.UUID) error {
	key := t.key(taskID)

	pipe := t.client.Pipeline()
	pipe.HSetNX(ctx, key, fieldFirstDispatchAt, t.now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record first dispatch: %w", err)
	}
	return nil
}

// RecordCompleted stores the task's completion instant.
func (t *Tracker) RecordCompleted(ctx context.Context, taskID uuid.UUID) error {
	key := t.key(taskID)

	pipe := t.client.Pipeline()
	pipe.HSetNX(ctx, key, fieldCompletedAt, t.now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record completed: %w", err)
	}
	return nil
}

// WaitTime returns how long the task has waited (or waited, once dispatched)
// between queue entry and first dispatch. ok=false when the task was never
// queued.
func (t *Tracker) WaitTime(ctx context.Context, taskID uuid.UUID) (time.Duration, bool, error) {
	fields, err := t.client.HGetAll(ctx, t.key(taskID)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("read wait record: %w", err)
	}

	queuedRaw, ok := fields[fieldQueuedAt]
	if !ok {
		return 0, false, nil
	}
	queuedAt, err := time.Parse(time.RFC3339Nano, queuedRaw)
	if err != nil {
		return 0, false, fmt.Errorf("parse queued_at: %w", err)
	}

	end := t.now()
	if dispatchedRaw, dispatched := fields[fieldFirstDispatchAt]; dispatched {
		if dispatchedAt, parseErr := time.Parse(time.RFC3339Nano, dispatchedRaw); parseErr == nil {
			end = dispatchedAt
		}
	}

	return end.Sub(queuedAt), true, nil
}

// CheckWait classifies the task's current wait time and emits a threshold
// alert on escalation. A stored alert level prevents re-alerting at the same
// severity.
func (t *Tracker) CheckWait(ctx context.Context, taskID uuid.UUID) error {
	wait, ok, err := t.WaitTime(ctx, taskID)
	if err != nil || !ok {
		return err
	}

	severity, crossed := t.thresholds.Classify(wait)
	if !crossed {
		return nil
	}

	key := t.key(taskID)
	previous, err := t.client.HGet(ctx, key, fieldAlertLevel).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read alert level: %w", err)
	}
	if severityRank(alert.Severity(previous)) >= severityRank(severity) {
		return nil
	}

	if err := t.client.HSet(ctx, key, fieldAlertLevel, string(severity)).Err(); err != nil {
		return fmt.Errorf("store alert level: %w", err)
	}

	t.recorder.WaitAlert(string(severity))
	event := alert.Event{
		Type:     alert.TypeTaskWait,
		Severity: severity,
		TaskID:   taskID.String(),
		Message:  fmt.Sprintf("task waited %s for first dispatch", wait.Round(time.Second)),
		At:       t.now().UTC().Format(time.RFC3339),
	}
	if err := t.sink.Emit(ctx, event); err != nil {
		t.logger.Warn("failed to emit wait alert",
			logger.String("task_id", taskID.String()),
			logger.Error(err))
	}
	return nil
}
