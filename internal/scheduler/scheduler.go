// Package scheduler implements the send-queue scheduling core: the
// low-frequency supplement loop filling bounded per-service queues from the
// pending backlog, the high-frequency process loop claiming and dispatching
// queued jobs, and the independent failure-recovery sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mailroom/dispatcher/internal/alert"
	"github.com/mailroom/dispatcher/internal/database"
	"github.com/mailroom/dispatcher/internal/domain"
	"github.com/mailroom/dispatcher/internal/logger"
	"github.com/mailroom/dispatcher/internal/metrics"
	"github.com/mailroom/dispatcher/internal/queue"
	"github.com/mailroom/dispatcher/internal/routing"
)

const (
	defaultSupplementInterval = 30 * time.Second
	defaultProcessInterval    = 5 * time.Second
	defaultRecoveryInterval   = time.Minute
	defaultCycleTimeout       = 10 * time.Second
	defaultSendTimeout        = 30 * time.Second
	defaultBlockThreshold     = 5
	defaultStuckTaskThreshold = 30 * time.Minute
	defaultJobTimeout         = 10 * time.Minute
	defaultMaxRetries         = 3
)

// Config holds scheduler loop settings and thresholds.
type Config struct {
	SupplementInterval time.Duration
	ProcessInterval    time.Duration
	RecoveryInterval   time.Duration
	CycleTimeout       time.Duration
	SendTimeout        time.Duration
	BlockThreshold     int
	StuckTaskThreshold time.Duration
	JobTimeout         time.Duration
	// MaxRetries caps job retries scheduler-wide; a job whose own ceiling
	// is lower keeps it.
	MaxRetries int
	// DefaultSendingRate is the freeze interval for services with no rate
	// of their own.
	DefaultSendingRate time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SupplementInterval: defaultSupplementInterval,
		ProcessInterval:    defaultProcessInterval,
		RecoveryInterval:   defaultRecoveryInterval,
		CycleTimeout:       defaultCycleTimeout,
		SendTimeout:        defaultSendTimeout,
		BlockThreshold:     defaultBlockThreshold,
		StuckTaskThreshold: defaultStuckTaskThreshold,
		JobTimeout:         defaultJobTimeout,
		MaxRetries:         defaultMaxRetries,
		DefaultSendingRate: domain.DefaultSendingRate,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SupplementInterval <= 0 {
		c.SupplementInterval = d.SupplementInterval
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = d.ProcessInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = d.CycleTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = d.BlockThreshold
	}
	if c.StuckTaskThreshold <= 0 {
		c.StuckTaskThreshold = d.StuckTaskThreshold
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.DefaultSendingRate <= 0 {
		c.DefaultSendingRate = d.DefaultSendingRate
	}
}

// Sender dispatches one job through the external provider and returns the
// provider message id.
type Sender interface {
	Send(ctx context.Context, job *domain.Job) (string, error)
}

// WaitTracker records task SLA timestamps. Observational only; tracker
// failures never abort a cycle.
type WaitTracker interface {
	RecordQueued(ctx context.Context, taskID uuid.UUID) error
	RecordFirstDispatch(ctx context.Context, taskID uuid.UUID) error
	RecordCompleted(ctx context.Context, taskID uuid.UUID) error
	CheckWait(ctx context.Context, taskID uuid.UUID) error
}

type nopWaitTracker struct{}

func (nopWaitTracker) RecordQueued(context.Context, uuid.UUID) error        { return nil }
func (nopWaitTracker) RecordFirstDispatch(context.Context, uuid.UUID) error { return nil }
func (nopWaitTracker) RecordCompleted(context.Context, uuid.UUID) error     { return nil }
func (nopWaitTracker) CheckWait(context.Context, uuid.UUID) error           { return nil }

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Jobs     *database.JobRepository
	Tasks    *database.TaskRepository
	Services *database.ServiceRepository
	Quotas   *database.QuotaRepository
	Router   *routing.Router
	Queues   *queue.Store
	Sender   Sender
	Tracker  WaitTracker
	Sink     alert.Sink
	Recorder metrics.Recorder
	Logger   logger.Logger
}

// Scheduler owns the per-service queues and the three periodic loops. All
// cross-instance correctness rests on the conditional-update claim in the job
// repository; everything held here in memory is rebuildable from pending job
// rows.
type Scheduler struct {
	cfg Config

	jobs     *database.JobRepository
	tasks    *database.TaskRepository
	services *database.ServiceRepository
	quotas   *database.QuotaRepository
	router   *routing.Router
	queues   *queue.Store
	sender   Sender
	tracker  WaitTracker
	sink     alert.Sink
	recorder metrics.Recorder
	logger   logger.Logger
	tracer   trace.Tracer

	rotation *rotation

	mu       sync.Mutex
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler. Nil optional collaborators (Tracker, Sink,
// Recorder) fall back to no-op implementations.
func New(cfg Config, deps Deps) *Scheduler {
	cfg.applyDefaults()

	if deps.Tracker == nil {
		deps.Tracker = nopWaitTracker{}
	}
	if deps.Sink == nil {
		deps.Sink = alert.NopSink{}
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NopRecorder{}
	}

	return &Scheduler{
		cfg:      cfg,
		jobs:     deps.Jobs,
		tasks:    deps.Tasks,
		services: deps.Services,
		quotas:   deps.Quotas,
		router:   deps.Router,
		queues:   deps.Queues,
		sender:   deps.Sender,
		tracker:  deps.Tracker,
		sink:     deps.Sink,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		tracer:   otel.Tracer("send-scheduler"),
		rotation: newRotation(),
	}
}

// Start launches the supplement, process and recovery loops. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSupplement(ctx)

	s.wg.Add(1)
	go s.runProcess(ctx)

	s.wg.Add(1)
	go s.runRecovery(ctx)

	s.logger.Info("scheduler started",
		logger.Duration("supplement_interval", s.cfg.SupplementInterval),
		logger.Duration("process_interval", s.cfg.ProcessInterval),
		logger.Int("max_queue_size", s.queues.MaxSize()))
}

// Stop gracefully stops the loops and drops the in-memory queues; the pending
// backlog in the database re-fills them on the next start. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopChan := s.stopChan
	s.mu.Unlock()

	close(stopChan)
	s.wg.Wait()
	s.queues.Reset()
	s.logger.Info("scheduler stopped")
}

// IsRunning returns whether the loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// TriggerCycle forces one out-of-cycle supplement+process pass, for
// operational debugging.
func (s *Scheduler) TriggerCycle(ctx context.Context) {
	s.supplementOnce(ctx)
	s.processOnce(ctx)
}

func (s *Scheduler) runSupplement(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SupplementInterval)
	defer ticker.Stop()

	// Fill queues immediately on start
	s.supplementOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.supplementOnce(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runProcess(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processOnce(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runRecovery(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunRecovery(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Status is a snapshot of scheduler state for the control surface.
type Status struct {
	Running         bool           `json:"running"`
	QueueLengths    map[string]int `json:"queue_lengths"`
	TotalQueued     int            `json:"total_queued"`
	PendingJobs     int64          `json:"pending_jobs"`
	BlockedServices int64          `json:"blocked_services"`
}

// Status reports running state, per-service queue depths and aggregate
// backlog counts.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	status := Status{
		Running:      s.IsRunning(),
		QueueLengths: make(map[string]int),
		TotalQueued:  s.queues.TotalQueued(),
	}
	for id, length := range s.queues.Lengths() {
		status.QueueLengths[id.String()] = length
	}

	pending, err := s.jobs.CountPending(ctx)
	if err != nil {
		return status, err
	}
	status.PendingJobs = pending

	blocked, err := s.services.CountBlocked(ctx)
	if err != nil {
		return status, err
	}
	status.BlockedServices = blocked

	return status, nil
}
