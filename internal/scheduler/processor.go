package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mailroom/dispatcher/internal/alert"
	"github.com/mailroom/dispatcher/internal/domain"
	"github.com/mailroom/dispatcher/internal/logger"
)

const (
	minBatchSize = 1
	maxBatchSize = 5
)

// processOnce is one pass of the high-frequency loop: thaw expired freezes,
// then run every dispatchable service concurrently. Each service works its
// own queue, so goroutines never contend on anything but the claim itself.
func (s *Scheduler) processOnce(ctx context.Context) {
	if thawed, err := s.services.ThawExpired(ctx); err != nil {
		s.logger.Error("failed to thaw expired freezes", logger.Error(err))
	} else if thawed > 0 {
		s.logger.Debug("services thawed", logger.Int64("count", thawed))
	}

	services, err := s.services.EligibleForDispatch(ctx)
	if err != nil {
		s.logger.Error("failed to list services for dispatch", logger.Error(err))
		return
	}
	if len(services) == 0 {
		return
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)

	var wg sync.WaitGroup
	for i := range services {
		if s.queues.Len(services[i].ID) == 0 {
			continue
		}
		wg.Add(1)
		s.wg.Add(1)
		go func(svc domain.SendingService) {
			defer s.wg.Done()
			defer wg.Done()
			s.processService(cycleCtx, ctx, &svc)
		}(services[i])
	}

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wg.Wait()
		cancel()
		close(done)
	}()

	// On timeout the cycle is abandoned, not waited on: a send hanging
	// against one service must not delay the next cycle for the others.
	// The outstanding goroutines are tracked in s.wg and drained at Stop.
	select {
	case <-done:
	case <-cycleCtx.Done():
		s.logger.Warn("process cycle exceeded its time limit",
			logger.Duration("limit", s.cfg.CycleTimeout))
	}
}

// processService drains up to one batch from the service's queue. A
// successful send freezes the service, which ends its batch; failures do not
// freeze, so the batch may try further jobs through the same service.
func (s *Scheduler) processService(cycleCtx, parentCtx context.Context, svc *domain.SendingService) {
	batch := batchSize(svc)

	for sent := 0; sent < batch; {
		select {
		case <-cycleCtx.Done():
			return
		default:
		}

		entry, ok := s.queues.Pop(svc.ID)
		if !ok {
			return
		}

		frozen, err := s.dispatchEntry(parentCtx, svc, entry)
		if err != nil {
			if errors.Is(err, domain.ErrClaimLost) {
				// Another instance got there first; nothing about this
				// service changed, try the next entry.
				s.recorder.AllocationRace()
				s.logger.Debug("claim lost to concurrent processor",
					logger.String("job_id", entry.JobID.String()))
				continue
			}
			if errors.Is(err, domain.ErrQuotaExhausted) {
				// The service has no quota left for this cycle.
				return
			}
			sent++
			continue
		}
		sent++
		if frozen {
			return
		}
	}
}

// dispatchEntry claims, sends and records one job. The returned bool reports
// whether the send froze the service. Send uses the parent context so a
// dispatch already in flight is not cancelled by the cycle deadline.
func (s *Scheduler) dispatchEntry(ctx context.Context, svc *domain.SendingService, entry domain.QueueEntry) (bool, error) {
	if err := s.jobs.Claim(ctx, entry.JobID, svc.ID, svc.SenderAddress); err != nil {
		return false, err
	}

	// Storage errors past this point are not provider failures: the claimed
	// job is left for the recovery sweep and the service's health counters
	// stay untouched.
	if err := s.jobs.MarkSending(ctx, entry.JobID); err != nil {
		s.logger.Error("failed to mark job sending",
			logger.String("job_id", entry.JobID.String()),
			logger.Error(err))
		return false, err
	}

	job, err := s.jobs.GetByID(ctx, entry.JobID)
	if err != nil {
		s.logger.Error("failed to load claimed job",
			logger.String("job_id", entry.JobID.String()),
			logger.Error(err))
		return false, err
	}

	sendCtx, span := s.tracer.Start(ctx, "dispatch.send")
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("service.name", svc.Name),
	)
	sendCtx, cancel := context.WithTimeout(sendCtx, s.cfg.SendTimeout)
	defer cancel()

	startedAt := time.Now()
	messageID, sendErr := s.sender.Send(sendCtx, job)
	elapsed := time.Since(startedAt)

	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "send failed")
		span.End()
		s.handleSendFailure(ctx, svc, entry, sendErr)
		return false, sendErr
	}
	span.End()

	s.handleSendSuccess(ctx, svc, entry, messageID, elapsed)
	return true, nil
}

func (s *Scheduler) handleSendSuccess(ctx context.Context, svc *domain.SendingService, entry domain.QueueEntry, messageID string, elapsed time.Duration) {
	if err := s.jobs.MarkSent(ctx, entry.JobID, messageID); err != nil {
		s.logger.Error("failed to mark job sent",
			logger.String("job_id", entry.JobID.String()),
			logger.Error(err))
	}

	if err := s.services.RecordSuccess(ctx, svc.ID, elapsed); err != nil {
		s.logger.Error("failed to record service success",
			logger.String("service", svc.Name),
			logger.Error(err))
	}

	until := time.Now().Add(s.sendingRate(svc))
	if err := s.services.Freeze(ctx, svc.ID, until); err != nil {
		s.logger.Error("failed to freeze service",
			logger.String("service", svc.Name),
			logger.Error(err))
	} else {
		s.recorder.ServiceFrozen(svc.Name)
	}

	s.recorder.JobDispatched(svc.Name, true)
	s.logger.Info("job dispatched",
		logger.String("job_id", entry.JobID.String()),
		logger.String("service", svc.Name),
		logger.String("provider_message_id", messageID),
		logger.Duration("elapsed", elapsed))

	if err := s.tracker.RecordFirstDispatch(ctx, entry.TaskID); err != nil {
		s.logger.Warn("failed to record first dispatch",
			logger.String("task_id", entry.TaskID.String()),
			logger.Error(err))
	}

	s.finalizeTask(ctx, entry)
}

// sendingRate resolves the freeze interval after a successful dispatch,
// preferring the service's own configured rate over the scheduler-wide
// fallback.
func (s *Scheduler) sendingRate(svc *domain.SendingService) time.Duration {
	if svc.SendingRateSeconds > 0 {
		return time.Duration(svc.SendingRateSeconds) * time.Second
	}
	return s.cfg.DefaultSendingRate
}

func (s *Scheduler) handleSendFailure(ctx context.Context, svc *domain.SendingService, entry domain.QueueEntry, sendErr error) {
	if err := s.jobs.MarkFailed(ctx, entry.JobID, sendErr.Error(), s.cfg.MaxRetries); err != nil {
		s.logger.Error("failed to record job failure",
			logger.String("job_id", entry.JobID.String()),
			logger.Error(err))
	}

	blocked, err := s.services.RecordFailure(ctx, svc.ID, s.cfg.BlockThreshold)
	if err != nil {
		s.logger.Error("failed to record service failure",
			logger.String("service", svc.Name),
			logger.Error(err))
	} else if blocked {
		s.recorder.ServiceBlocked(svc.Name)
		dropped := s.queues.Drop(svc.ID)
		s.logger.Warn("service blocked after consecutive failures",
			logger.String("service", svc.Name),
			logger.Int("threshold", s.cfg.BlockThreshold),
			logger.Int("requeued", dropped))

		event := alert.Event{
			Type:      alert.TypeServiceBlocked,
			Severity:  alert.SeverityCritical,
			ServiceID: svc.ID.String(),
			Message:   "service blocked after consecutive send failures",
			At:        time.Now().UTC().Format(time.RFC3339),
		}
		if emitErr := s.sink.Emit(ctx, event); emitErr != nil {
			s.logger.Warn("failed to emit block alert", logger.Error(emitErr))
		}
	}

	s.recorder.JobDispatched(svc.Name, false)
	s.logger.Warn("job dispatch failed",
		logger.String("job_id", entry.JobID.String()),
		logger.String("service", svc.Name),
		logger.Error(sendErr))

	s.finalizeTask(ctx, entry)
}

// finalizeTask refreshes the task's counters and closes it out if every job
// reached a terminal state.
func (s *Scheduler) finalizeTask(ctx context.Context, entry domain.QueueEntry) {
	if err := s.tasks.RefreshCounters(ctx, entry.TaskID); err != nil {
		s.logger.Error("failed to refresh task counters",
			logger.String("task_id", entry.TaskID.String()),
			logger.Error(err))
		return
	}

	status, done, err := s.tasks.CompleteIfDone(ctx, entry.TaskID)
	if err != nil {
		s.logger.Error("failed to finalize task",
			logger.String("task_id", entry.TaskID.String()),
			logger.Error(err))
		return
	}
	if !done {
		return
	}

	s.logger.Info("task finished",
		logger.String("task_id", entry.TaskID.String()),
		logger.String("status", string(status)))

	if trackErr := s.tracker.RecordCompleted(ctx, entry.TaskID); trackErr != nil {
		s.logger.Warn("failed to record task completion",
			logger.String("task_id", entry.TaskID.String()),
			logger.Error(trackErr))
	}
}

// batchSize scales per-cycle attempts by observed service health: a healthy,
// fast service gets a bigger slice of each cycle than a flaky or slow one.
// SuccessRate is the 0-100 percentage kept by ServiceRepository.RecordSuccess.
func batchSize(svc *domain.SendingService) int {
	size := maxBatchSize

	if svc.SuccessRate < 50 {
		size = minBatchSize
	} else if svc.SuccessRate < 90 {
		size = maxBatchSize / 2
	}

	if svc.AvgResponseMs > 2000 && size > minBatchSize {
		size--
	}

	if size < minBatchSize {
		size = minBatchSize
	}
	return size
}
