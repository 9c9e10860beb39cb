package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/observability"
	"github.com/noah-isme/judgedispatch/internal/repository"
)

// queueLookahead bounds how many waiting jobs are inspected per claim.
const queueLookahead = 20

// ClaimOptions tunes one claim request of a judgehost.
type ClaimOptions struct {
	MaxBatch int
	JobHint  *uint
}

// SchedulerConfig holds the dispatch settings of the scheduler.
type SchedulerConfig struct {
	ParallelJudging bool
	ClaimAttempts   int
}

// Scheduler picks the next judge tasks for a judgehost and claims them atomically.
type Scheduler interface {
	Claim(ctx context.Context, host models.Judgehost, opts ClaimOptions) ([]models.JudgeTask, error)
}

type scheduler struct {
	store  repository.Store
	cfg    SchedulerConfig
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewScheduler constructs the scheduler.
func NewScheduler(store repository.Store, cfg SchedulerConfig, logger zerolog.Logger) Scheduler {
	if cfg.ClaimAttempts <= 0 {
		cfg.ClaimAttempts = 5
	}
	return &scheduler{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/judgedispatch/internal/service/scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Claim hands out at most opts.MaxBatch tasks of a single job. Lost races are retried with
// backoff. An empty result means there is no work for this judgehost right now.
func (s *scheduler) Claim(ctx context.Context, host models.Judgehost, opts ClaimOptions) ([]models.JudgeTask, error) {
	if !host.Enabled {
		return nil, ErrJudgehostDisabled
	}

	batch := opts.MaxBatch
	if batch <= 0 {
		batch = 1
	}

	spanCtx, span := s.tracer.Start(ctx, "scheduler.claim", trace.WithAttributes(
		attribute.String("judgehost.hostname", host.Hostname),
		attribute.Int("claim.max_batch", batch),
	))
	defer span.End()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = 100 * time.Millisecond

	tasks, err := backoff.Retry(spanCtx, func() ([]models.JudgeTask, error) {
		tasks, err := s.claimOnce(spanCtx, host, batch, opts.JobHint)
		if errors.Is(err, ErrClaimConflict) {
			observability.ClaimConflicts().Inc()
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return tasks, nil
	}, backoff.WithBackOff(retry), backoff.WithMaxTries(uint(s.cfg.ClaimAttempts)))
	if errors.Is(err, ErrClaimConflict) {
		s.logger.Debug().Str("judgehost", host.Hostname).Msg("claim attempts exhausted by concurrent judgehosts")
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, task := range tasks {
		observability.TasksClaimed().WithLabelValues(string(task.Type)).Inc()
	}
	span.SetAttributes(attribute.Int("claim.tasks", len(tasks)))
	return tasks, nil
}

func (s *scheduler) claimOnce(ctx context.Context, host models.Judgehost, batch int, hint *uint) ([]models.JudgeTask, error) {
	var claimed []models.JudgeTask
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		now := s.now()
		hostID := host.ID

		debug, err := tx.JudgeTasks().Claimable(ctx, repository.TaskQuery{
			Types:             []models.JudgeTaskType{models.JudgeTaskTypeDebugInfo},
			TargetJudgehostID: &hostID,
			Limit:             batch,
		})
		if err != nil {
			return err
		}
		if len(debug) > 0 {
			claimed, err = s.take(ctx, tx, host, debug, now)
			return err
		}

		eligibility, err := s.eligibility(ctx, tx, host, now)
		if err != nil {
			return err
		}

		jobID, err := s.continuedJob(ctx, tx, host.ID, hint)
		if err != nil {
			return err
		}
		if jobID != nil {
			queued, err := tx.QueueTasks().FindEligible(ctx, eligibility, *jobID)
			if err != nil {
				return err
			}
			if queued != nil {
				if claimed, err = s.takeFromQueue(ctx, tx, host, *queued, batch, now); err != nil || len(claimed) > 0 {
					return err
				}
			}
		}

		candidates, err := tx.QueueTasks().NextUnstarted(ctx, eligibility, queueLookahead)
		if err != nil {
			return err
		}
		if s.cfg.ParallelJudging {
			started, err := tx.QueueTasks().Started(ctx, eligibility)
			if err != nil {
				return err
			}
			candidates = append(candidates, started...)
		}
		for _, queued := range candidates {
			if claimed, err = s.takeFromQueue(ctx, tx, host, queued, batch, now); err != nil || len(claimed) > 0 {
				return err
			}
		}

		prefetch, err := tx.JudgeTasks().Claimable(ctx, repository.TaskQuery{
			Types:             []models.JudgeTaskType{models.JudgeTaskTypePrefetch},
			TargetJudgehostID: &hostID,
			Limit:             batch,
		})
		if err != nil || len(prefetch) == 0 {
			return err
		}
		claimed, err = s.take(ctx, tx, host, prefetch, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// continuedJob returns the job the judgehost keeps working on. A hinted job is only honoured
// when the judgehost already holds tasks of it.
func (s *scheduler) continuedJob(ctx context.Context, tx repository.Store, judgehostID uint, hint *uint) (*uint, error) {
	if hint != nil {
		holds, err := tx.JudgeTasks().HoldsJob(ctx, judgehostID, *hint)
		if err != nil {
			return nil, err
		}
		if holds {
			return hint, nil
		}
	}
	return tx.JudgeTasks().LastJobForJudgehost(ctx, judgehostID)
}

// takeFromQueue claims the next tasks of a queued job and charges its team on first start.
// A queue task without claimable work left is dropped.
func (s *scheduler) takeFromQueue(ctx context.Context, tx repository.Store, host models.Judgehost, queued models.QueueTask, batch int, now time.Time) ([]models.JudgeTask, error) {
	jobID := queued.JobID
	tasks, err := tx.JudgeTasks().Claimable(ctx, repository.TaskQuery{JobID: &jobID, Limit: batch})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, tx.QueueTasks().DeleteByJob(ctx, jobID)
	}

	claimed, err := s.take(ctx, tx, host, tasks, now)
	if err != nil {
		return nil, err
	}

	first, err := tx.QueueTasks().MarkStarted(ctx, queued.ID, now)
	if err != nil {
		return nil, err
	}
	if first == 1 && queued.TeamID != nil {
		credit, err := tx.QueueTasks().ConsumeTeamCredit(ctx, *queued.TeamID)
		if err != nil {
			return nil, err
		}
		if err := tx.QueueTasks().SetTeamPriority(ctx, *queued.TeamID, credit); err != nil {
			return nil, err
		}
	}
	if err := tx.Judgings().MarkStarted(ctx, jobID, now); err != nil {
		return nil, err
	}

	remaining, err := tx.JudgeTasks().CountClaimable(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if remaining == 0 {
		if err := tx.QueueTasks().DeleteByJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

// take assigns the tasks to the judgehost. Winning none of them is a conflict.
func (s *scheduler) take(ctx context.Context, tx repository.Store, host models.Judgehost, tasks []models.JudgeTask, now time.Time) ([]models.JudgeTask, error) {
	ids := make([]uint, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}

	won, err := tx.JudgeTasks().Claim(ctx, ids, host.ID, now)
	if err != nil {
		return nil, err
	}
	if won == 0 {
		return nil, ErrClaimConflict
	}

	rows, err := tx.JudgeTasks().ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	claimed := make([]models.JudgeTask, 0, len(rows))
	for _, task := range rows {
		if task.JudgehostID != nil && *task.JudgehostID == host.ID {
			claimed = append(claimed, task)
		}
	}
	return claimed, nil
}

func (s *scheduler) eligibility(ctx context.Context, tx repository.Store, host models.Judgehost, now time.Time) (repository.Eligibility, error) {
	active, err := tx.Catalog().ActiveContestIDs(ctx, now)
	if err != nil {
		return repository.Eligibility{}, err
	}

	eligibility := repository.Eligibility{ContestIDs: active}
	restriction := host.Restriction
	if restriction == nil {
		return eligibility, nil
	}

	if len(restriction.Contests) > 0 {
		allowed := make([]uint, 0, len(active))
		for _, id := range active {
			if slices.Contains(restriction.Contests, id) {
				allowed = append(allowed, id)
			}
		}
		eligibility.ContestIDs = allowed
	}
	eligibility.ProblemIDs = restriction.Problems
	eligibility.LanguageIDs = restriction.Languages
	return eligibility, nil
}
