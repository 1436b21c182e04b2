package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailroom/dispatcher/internal/alert"
	"github.com/mailroom/dispatcher/internal/logger"
)

type captureSink struct {
	mu     sync.Mutex
	events []alert.Event
}

func (c *captureSink) Emit(_ context.Context, event alert.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSink) all() []alert.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alert.Event(nil), c.events...)
}

func newTestTracker(t *testing.T, sink alert.Sink) (*Tracker, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewTracker(client, DefaultThresholds(), sink, nil, logger.NewNopLogger()), srv
}

func TestThresholds_Classify(t *testing.T) {
	thresholds := DefaultThresholds()

	testCases := []struct {
		name    string
		wait    time.Duration
		want    alert.Severity
		crossed bool
	}{
		{name: "below warning", wait: time.Minute, crossed: false},
		{name: "warning", wait: 6 * time.Minute, want: alert.SeverityWarning, crossed: true},
		{name: "critical", wait: 20 * time.Minute, want: alert.SeverityCritical, crossed: true},
		{name: "emergency", wait: time.Hour, want: alert.SeverityEmergency, crossed: true},
		{name: "exactly warning", wait: 5 * time.Minute, want: alert.SeverityWarning, crossed: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, crossed := thresholds.Classify(tc.wait)
			if crossed != tc.crossed || got != tc.want {
				t.Errorf("Classify(%v) = (%q, %v), want (%q, %v)", tc.wait, got, crossed, tc.want, tc.crossed)
			}
		})
	}
}

func TestTracker_RecordQueuedIsIdempotent(t *testing.T) {
	tracker, _ := newTestTracker(t, nil)
	ctx := context.Background()
	taskID := uuid.New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return base }

	if err := tracker.RecordQueued(ctx, taskID); err != nil {
		t.Fatalf("RecordQueued() error = %v", err)
	}

	// A later call must not move the original timestamp.
	tracker.now = func() time.Time { return base.Add(time.Hour) }
	if err := tracker.RecordQueued(ctx, taskID); err != nil {
		t.Fatalf("RecordQueued() second call error = %v", err)
	}

	wait, ok, err := tracker.WaitTime(ctx, taskID)
	if err != nil {
		t.Fatalf("WaitTime() error = %v", err)
	}
	if !ok {
		t.Fatal("WaitTime() ok = false, want true")
	}
	if wait != time.Hour {
		t.Errorf("WaitTime() = %v, want %v", wait, time.Hour)
	}
}

func TestTracker_WaitTimeEndsAtFirstDispatch(t *testing.T) {
	tracker, _ := newTestTracker(t, nil)
	ctx := context.Background()
	taskID := uuid.New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return base }
	if err := tracker.RecordQueued(ctx, taskID); err != nil {
		t.Fatalf("RecordQueued() error = %v", err)
	}

	tracker.now = func() time.Time { return base.Add(3 * time.Minute) }
	if err := tracker.RecordFirstDispatch(ctx, taskID); err != nil {
		t.Fatalf("RecordFirstDispatch() error = %v", err)
	}

	// The wait is fixed once dispatched, regardless of when it is read.
	tracker.now = func() time.Time { return base.Add(2 * time.Hour) }
	wait, ok, err := tracker.WaitTime(ctx, taskID)
	if err != nil || !ok {
		t.Fatalf("WaitTime() = (%v, %v, %v)", wait, ok, err)
	}
	if wait != 3*time.Minute {
		t.Errorf("WaitTime() = %v, want %v", wait, 3*time.Minute)
	}
}

func TestTracker_WaitTimeUnknownTask(t *testing.T) {
	tracker, _ := newTestTracker(t, nil)

	_, ok, err := tracker.WaitTime(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("WaitTime() error = %v", err)
	}
	if ok {
		t.Error("WaitTime() ok = true for unknown task, want false")
	}
}

func TestTracker_CheckWaitAlertsOnEscalationOnly(t *testing.T) {
	sink := &captureSink{}
	tracker, _ := newTestTracker(t, sink)
	ctx := context.Background()
	taskID := uuid.New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return base }
	if err := tracker.RecordQueued(ctx, taskID); err != nil {
		t.Fatalf("RecordQueued() error = %v", err)
	}

	// Warning threshold crossed: one alert.
	tracker.now = func() time.Time { return base.Add(6 * time.Minute) }
	if err := tracker.CheckWait(ctx, taskID); err != nil {
		t.Fatalf("CheckWait() error = %v", err)
	}
	// Same severity again: no new alert.
	tracker.now = func() time.Time { return base.Add(8 * time.Minute) }
	if err := tracker.CheckWait(ctx, taskID); err != nil {
		t.Fatalf("CheckWait() error = %v", err)
	}
	// Escalation to critical: second alert.
	tracker.now = func() time.Time { return base.Add(20 * time.Minute) }
	if err := tracker.CheckWait(ctx, taskID); err != nil {
		t.Fatalf("CheckWait() error = %v", err)
	}

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("sink received %d events, want 2", len(events))
	}
	if events[0].Severity != alert.SeverityWarning {
		t.Errorf("first event severity = %q, want %q", events[0].Severity, alert.SeverityWarning)
	}
	if events[1].Severity != alert.SeverityCritical {
		t.Errorf("second event severity = %q, want %q", events[1].Severity, alert.SeverityCritical)
	}
	if events[1].TaskID != taskID.String() {
		t.Errorf("event task id = %q, want %q", events[1].TaskID, taskID)
	}
}

func TestTracker_CheckWaitBelowThresholdIsSilent(t *testing.T) {
	sink := &captureSink{}
	tracker, _ := newTestTracker(t, sink)
	ctx := context.Background()
	taskID := uuid.New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return base }
	if err := tracker.RecordQueued(ctx, taskID); err != nil {
		t.Fatalf("RecordQueued() error = %v", err)
	}

	tracker.now = func() time.Time { return base.Add(time.Minute) }
	if err := tracker.CheckWait(ctx, taskID); err != nil {
		t.Fatalf("CheckWait() error = %v", err)
	}

	if events := sink.all(); len(events) != 0 {
		t.Errorf("sink received %d events, want 0", len(events))
	}
}
