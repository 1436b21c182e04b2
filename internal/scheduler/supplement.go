package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailroom/dispatcher/internal/alert"
	"github.com/mailroom/dispatcher/internal/domain"
	"github.com/mailroom/dispatcher/internal/logger"
)

// supplementOnce is one pass of the low-frequency loop: top up each eligible
// service's bounded queue from the pending backlog, round-robin across
// authorized users and their tasks. Queue entries reference jobs that remain
// `pending` in the database until a processor claims them, so there is never
// a window where a job is owned in two places.
func (s *Scheduler) supplementOnce(ctx context.Context) {
	services, err := s.services.EligibleForSupplement(ctx)
	if err != nil {
		s.logger.Error("failed to list services for supplement", logger.Error(err))
		return
	}
	if len(services) == 0 {
		// Nothing to fill, but the wait sweep below must still run: a
		// backlog with nowhere to go is what the wait alerts exist for.
		s.logger.Debug("no services eligible for supplement")
	}

	feeds := make(map[uuid.UUID]*userFeed)
	totalAdded := 0

	for i := range services {
		svc := &services[i]
		added, fillErr := s.fillService(ctx, svc, feeds)
		if fillErr != nil {
			// One service's failure must not abort the cycle for the rest.
			s.logger.Error("failed to fill service queue",
				logger.String("service", svc.Name),
				logger.Error(fillErr))
			continue
		}
		totalAdded += added
	}

	totalAdded += s.fillFallback(ctx, feeds)

	if totalAdded > 0 {
		s.recorder.JobsQueued(totalAdded)
		s.logger.Debug("supplement cycle finished",
			logger.Int("services", len(services)),
			logger.Int("entries_added", totalAdded))
	}

	s.checkWaitTimes(ctx)
}

// checkWaitTimes stamps every task currently in scheduler scope and
// re-evaluates how long it has been waiting. The sweep covers tasks whose
// jobs found no queue slot this pass; those are the ones most likely to be
// sitting past a threshold.
func (s *Scheduler) checkWaitTimes(ctx context.Context) {
	taskIDs, err := s.tasks.ActiveTaskIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list tasks for wait check", logger.Error(err))
		return
	}

	for _, taskID := range taskIDs {
		if recordErr := s.tracker.RecordQueued(ctx, taskID); recordErr != nil {
			s.logger.Warn("failed to record queue entry time",
				logger.String("task_id", taskID.String()),
				logger.Error(recordErr))
			continue
		}
		if checkErr := s.tracker.CheckWait(ctx, taskID); checkErr != nil {
			s.logger.Warn("wait check failed",
				logger.String("task_id", taskID.String()),
				logger.Error(checkErr))
		}
	}
}

// fillService tops up one service's queue from its authorized users.
func (s *Scheduler) fillService(ctx context.Context, svc *domain.SendingService, feeds map[uuid.UUID]*userFeed) (int, error) {
	need := s.queues.Need(svc.ID)
	if need <= 0 {
		return 0, nil
	}

	users, err := s.jobs.UsersWithPendingJobs(ctx, svc.ID)
	if err != nil {
		return 0, fmt.Errorf("users with pending jobs: %w", err)
	}
	if len(users) == 0 {
		// A service with no authorized users is never silently assigned
		// jobs from unauthorized ones; fallback is a separate, audited path.
		return 0, nil
	}

	start := s.rotation.nextUserOffset(svc.ID, len(users))
	added := interleave(users, start, need, func(userID uuid.UUID) (domain.QueueEntry, bool) {
		return s.nextEntryForUser(ctx, userID, feeds)
	}, func(entry domain.QueueEntry) bool {
		return s.queues.Push(svc.ID, entry)
	})

	s.recorder.QueueDepth(svc.Name, s.queues.Len(svc.ID))
	return added, nil
}

// fillFallback routes jobs of users whose own services are all exhausted
// through any service with spare room. An explicit, audited exception to
// tenant isolation.
func (s *Scheduler) fillFallback(ctx context.Context, feeds map[uuid.UUID]*userFeed) int {
	users, err := s.jobs.UsersWithoutCapacity(ctx)
	if err != nil {
		s.logger.Error("failed to list fallback users", logger.Error(err))
		return 0
	}
	if len(users) == 0 {
		return 0
	}

	added := 0
	for _, userID := range users {
		fallback, usedFallback, routeErr := s.router.AuthorizedServices(ctx, userID)
		if routeErr != nil {
			s.logger.Error("fallback routing failed",
				logger.String("user_id", userID.String()),
				logger.Error(routeErr))
			continue
		}
		if !usedFallback || len(fallback) == 0 {
			continue
		}

		for i := range fallback {
			svc := &fallback[i]
			for s.queues.Need(svc.ID) > 0 {
				entry, ok := s.nextEntryForUser(ctx, userID, feeds)
				if !ok {
					break
				}
				if !s.queues.Push(svc.ID, entry) {
					break
				}
				added++
			}
		}
	}
	return added
}

// userFeed iterates one user's admitted tasks round-robin, buffering each
// task's due pending jobs once per cycle.
type userFeed struct {
	tasks     []domain.Task
	buffers   map[uuid.UUID][]domain.Job
	taskIdx   int
	exhausted bool
}

// nextEntryForUser returns the user's next queueable job reference, pulling
// one job at a time alternating across the user's active tasks.
func (s *Scheduler) nextEntryForUser(ctx context.Context, userID uuid.UUID, feeds map[uuid.UUID]*userFeed) (domain.QueueEntry, bool) {
	feed, ok := feeds[userID]
	if !ok {
		feed = s.buildFeed(ctx, userID)
		feeds[userID] = feed
	}
	if feed.exhausted {
		return domain.QueueEntry{}, false
	}

	for attempts := 0; attempts < len(feed.tasks); attempts++ {
		task := &feed.tasks[feed.taskIdx]
		feed.taskIdx = (feed.taskIdx + 1) % len(feed.tasks)

		buffer := feed.buffers[task.ID]
		for len(buffer) > 0 {
			job := buffer[0]
			buffer = buffer[1:]
			feed.buffers[task.ID] = buffer

			if s.queues.Contains(job.ID) {
				continue
			}
			return domain.QueueEntry{
				JobID:    job.ID,
				TaskID:   task.ID,
				UserID:   userID,
				QueuedAt: time.Now(),
			}, true
		}
	}

	feed.exhausted = true
	return domain.QueueEntry{}, false
}

// buildFeed admits the user's active tasks and buffers their due pending
// jobs in deterministic order.
func (s *Scheduler) buildFeed(ctx context.Context, userID uuid.UUID) *userFeed {
	feed := &userFeed{buffers: make(map[uuid.UUID][]domain.Job)}

	tasks, err := s.tasks.ActiveTasksForUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to list active tasks",
			logger.String("user_id", userID.String()),
			logger.Error(err))
		feed.exhausted = true
		return feed
	}

	for i := range tasks {
		task := &tasks[i]
		if !s.admitTask(ctx, task) {
			continue
		}

		jobs, fetchErr := s.jobs.FetchPendingForTask(ctx, task.ID, s.queues.MaxSize())
		if fetchErr != nil {
			s.logger.Error("failed to fetch pending jobs",
				logger.String("task_id", task.ID.String()),
				logger.Error(fetchErr))
			continue
		}
		if len(jobs) == 0 {
			continue
		}

		feed.tasks = append(feed.tasks, *task)
		feed.buffers[task.ID] = jobs
	}

	if len(feed.tasks) == 0 {
		feed.exhausted = true
		return feed
	}

	feed.taskIdx = s.rotation.nextTaskOffset(userID, len(feed.tasks))
	return feed
}

// admitTask charges the owner's quota once per task (the ledger is the
// idempotency record) and moves the task into sending. A task whose owner
// cannot cover it is paused and surfaced, never retried automatically.
func (s *Scheduler) admitTask(ctx context.Context, task *domain.Task) bool {
	if task.Status == domain.TaskStatusSending {
		return true
	}

	charged, err := s.quotas.HasDeductionForTask(ctx, task.ID)
	if err != nil {
		s.logger.Error("failed to check task admission",
			logger.String("task_id", task.ID.String()),
			logger.Error(err))
		return false
	}

	if !charged {
		// Read-only check first; skips the row lock when the balance
		// obviously cannot cover the task. Deduct still re-checks under
		// the lock, so a stale read here only costs one extra round trip.
		check, checkErr := s.quotas.CheckQuota(ctx, task.UserID, task.TotalSubtasks)
		if checkErr != nil {
			s.logger.Error("failed to check quota",
				logger.String("task_id", task.ID.String()),
				logger.Error(checkErr))
			return false
		}
		if !check.Sufficient {
			s.pauseTask(ctx, task)
			return false
		}

		err = s.quotas.Deduct(ctx, task.UserID, task.TotalSubtasks, &task.ID, "task admission")
		if errors.Is(err, domain.ErrInsufficientQuota) {
			s.pauseTask(ctx, task)
			return false
		}
		if err != nil {
			s.logger.Error("quota deduction failed",
				logger.String("task_id", task.ID.String()),
				logger.Error(err))
			return false
		}
	}

	if _, err = s.tasks.MarkSending(ctx, task.ID); err != nil {
		s.logger.Error("failed to mark task sending",
			logger.String("task_id", task.ID.String()),
			logger.Error(err))
		return false
	}
	task.Status = domain.TaskStatusSending
	return true
}

func (s *Scheduler) pauseTask(ctx context.Context, task *domain.Task) {
	s.logger.Warn("task paused: owner quota cannot cover it",
		logger.String("task_id", task.ID.String()),
		logger.String("user_id", task.UserID.String()),
		logger.Int("required", task.TotalSubtasks))

	if err := s.tasks.MarkPaused(ctx, task.ID); err != nil {
		s.logger.Error("failed to pause task",
			logger.String("task_id", task.ID.String()),
			logger.Error(err))
	}

	event := alert.Event{
		Type:     alert.TypeTaskWait,
		Severity: alert.SeverityWarning,
		TaskID:   task.ID.String(),
		Message:  "task paused: insufficient user quota",
		At:       time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.sink.Emit(ctx, event); err != nil {
		s.logger.Warn("failed to emit quota alert", logger.Error(err))
	}
}

// interleave round-robins across users starting at the given offset, pulling
// one entry per user per pass until need entries were pushed or every user is
// exhausted. Deterministic given its inputs, which keeps queue filling
// replayable in tests.
func interleave(users []uuid.UUID, start, need int,
	next func(uuid.UUID) (domain.QueueEntry, bool),
	push func(domain.QueueEntry) bool,
) int {
	if need <= 0 || len(users) == 0 {
		return 0
	}

	exhausted := make(map[uuid.UUID]bool, len(users))
	added := 0

	for added < need {
		progressed := false
		for i := 0; i < len(users) && added < need; i++ {
			userID := users[(start+i)%len(users)]
			if exhausted[userID] {
				continue
			}

			entry, ok := next(userID)
			if !ok {
				exhausted[userID] = true
				continue
			}
			if !push(entry) {
				// Queue refused the entry (full or duplicate); stop filling.
				return added
			}
			added++
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return added
}
