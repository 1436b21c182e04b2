package scheduler

import (
	"context"

	"github.com/mailroom/dispatcher/internal/logger"
)

// RecoveryStats reports what one recovery sweep repaired.
type RecoveryStats struct {
	StuckTasks   int64 `json:"stuck_tasks"`
	TimedOutJobs int64 `json:"timed_out_jobs"`
}

// RunRecovery sweeps for work orphaned by crashed or partitioned instances:
// tasks stuck in sending with no progress go back to queued, and jobs stuck
// in allocated or sending go back to pending with their service assignment
// cleared so the next claim can route them fresh. Idempotent; safe to run on
// every instance concurrently.
func (s *Scheduler) RunRecovery(ctx context.Context) RecoveryStats {
	var stats RecoveryStats

	tasks, err := s.tasks.ResetStuckSending(ctx, s.cfg.StuckTaskThreshold)
	if err != nil {
		s.logger.Error("failed to reset stuck tasks", logger.Error(err))
	} else if tasks > 0 {
		stats.StuckTasks = tasks
		s.recorder.TasksRecovered(int(tasks))
		s.logger.Warn("stuck tasks requeued",
			logger.Int64("count", tasks),
			logger.Duration("threshold", s.cfg.StuckTaskThreshold))
	}

	jobs, err := s.jobs.ResetTimedOut(ctx, s.cfg.JobTimeout)
	if err != nil {
		s.logger.Error("failed to reset timed-out jobs", logger.Error(err))
	} else if jobs > 0 {
		stats.TimedOutJobs = jobs
		s.recorder.JobsRecovered(int(jobs))
		s.logger.Warn("timed-out jobs returned to pending",
			logger.Int64("count", jobs),
			logger.Duration("threshold", s.cfg.JobTimeout))
	}

	return stats
}
