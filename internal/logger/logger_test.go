package logger

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observed returns a Logger writing into an in-memory core for assertions.
func observed(level zapcore.LevelEnabler) (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &zapLogger{logger: zap.New(core)}, logs
}

func TestLevelsReachTheCore(t *testing.T) {
	log, logs := observed(zapcore.DebugLevel)

	log.Debug("queue filled")
	log.Info("job dispatched")
	log.Warn("service frozen")
	log.Error("claim failed")

	if got := logs.Len(); got != 4 {
		t.Fatalf("observed %d entries, want 4", got)
	}

	wantLevels := []zapcore.Level{
		zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel,
	}
	for i, entry := range logs.All() {
		if entry.Level != wantLevels[i] {
			t.Errorf("entry %d level = %v, want %v", i, entry.Level, wantLevels[i])
		}
	}
}

func TestWithAttachesFieldsToEveryEntry(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)

	svcLog := log.With(String("service", "primary"))
	svcLog.Info("job dispatched", String("job_id", "j-1"))
	svcLog.Warn("service frozen")

	for i, entry := range logs.All() {
		ctx := entry.ContextMap()
		if ctx["service"] != "primary" {
			t.Errorf("entry %d missing attached service field: %v", i, ctx)
		}
	}
	if got := logs.All()[0].ContextMap()["job_id"]; got != "j-1" {
		t.Errorf("job_id = %v, want j-1", got)
	}
}

func TestFieldConstructors(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)

	sendErr := errors.New("provider timeout")
	log.Info("dispatch finished",
		String("service", "primary"),
		Int("batch", 3),
		Int64("pending", 42),
		Duration("elapsed", 1500*time.Millisecond),
		Error(sendErr),
	)

	ctx := logs.All()[0].ContextMap()
	if ctx["service"] != "primary" {
		t.Errorf("service = %v, want primary", ctx["service"])
	}
	if ctx["batch"] != int64(3) {
		t.Errorf("batch = %v, want 3", ctx["batch"])
	}
	if ctx["pending"] != int64(42) {
		t.Errorf("pending = %v, want 42", ctx["pending"])
	}
	if ctx["elapsed"] != 1500*time.Millisecond {
		t.Errorf("elapsed = %v, want 1.5s", ctx["elapsed"])
	}
	if ctx["error"] != "provider timeout" {
		t.Errorf("error = %v, want provider timeout", ctx["error"])
	}
}

func TestNewLogger(t *testing.T) {
	for _, debug := range []bool{true, false} {
		log, err := NewLogger(debug)
		if err != nil {
			t.Fatalf("NewLogger(%v) error = %v", debug, err)
		}
		if log == nil {
			t.Fatalf("NewLogger(%v) = nil", debug)
		}
		// Sync against stderr may fail in test environments; only the
		// call itself must be safe.
		_ = log.Sync()
	}
}

func TestNewNopLoggerDiscards(t *testing.T) {
	log := NewNopLogger()

	log.Debug("dropped")
	log.Info("dropped")
	log.Warn("dropped")
	log.Error("dropped", Error(errors.New("ignored")))

	if err := log.Sync(); err != nil {
		t.Errorf("Sync() error = %v, want nil", err)
	}
	if with := log.With(String("k", "v")); with == nil {
		t.Error("With() = nil")
	}
}
