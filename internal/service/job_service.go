package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/judgedispatch/internal/dto"
	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/repository"
	"github.com/noah-isme/judgedispatch/internal/verdict"
)

// EnqueueRequest describes a judging to create for a submission.
type EnqueueRequest struct {
	SubmissionID      uint
	Priority          int
	JudgeCompletely   bool
	RejudgingID       *uint
	PreviousJudgingID *uint
}

// JobService creates and retires judging jobs in the work item store.
type JobService interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (models.Judging, error)
	EnqueueIn(ctx context.Context, tx repository.Store, req EnqueueRequest) (models.Judging, error)
	Judge(ctx context.Context, submissionID uint, payload dto.JudgeSubmissionRequest) (dto.JudgingResponse, error)
	InvalidateJob(ctx context.Context, jobID uint) error
	JudgeRemaining(ctx context.Context, judgingID uint) (dto.JudgingResponse, error)
	Unblock(ctx context.Context, problemID, languageID *uint) (int, error)
	GetJudging(ctx context.Context, id uint) (dto.JudgingResponse, error)
	Queue(ctx context.Context, limit int) ([]dto.QueueTaskResponse, error)
}

type jobService struct {
	store    repository.Store
	lazyEval int
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewJobService constructs the job service. lazyEval is the global lazy evaluation mode.
func NewJobService(store repository.Store, lazyEval int, logger zerolog.Logger) JobService {
	if lazyEval == models.LazyEvalInherit {
		lazyEval = models.LazyEvalOn
	}
	return &jobService{
		store:    store,
		lazyEval: lazyEval,
		logger:   logger.With().Str("component", "job_service").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/judgedispatch/internal/service/jobs"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *jobService) Enqueue(ctx context.Context, req EnqueueRequest) (models.Judging, error) {
	spanCtx, span := s.tracer.Start(ctx, "jobs.enqueue", trace.WithAttributes(
		attribute.Int64("submission.id", int64(req.SubmissionID)),
	))
	defer span.End()

	var judging models.Judging
	err := s.store.Transaction(spanCtx, func(tx repository.Store) error {
		created, err := s.EnqueueIn(spanCtx, tx, req)
		if err != nil {
			return err
		}
		judging = created
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return models.Judging{}, err
	}

	s.logger.Info().
		Uint("submission_id", req.SubmissionID).
		Uint("judging_id", judging.ID).
		Bool("valid", judging.Valid).
		Msg("judging enqueued")

	return judging, nil
}

// EnqueueIn creates a judging with its task batch and queue task inside the caller's transaction.
// A fresh judging is valid only when nothing else currently counts for the submission.
func (s *jobService) EnqueueIn(ctx context.Context, tx repository.Store, req EnqueueRequest) (models.Judging, error) {
	submission, err := tx.Catalog().GetSubmission(ctx, req.SubmissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Judging{}, ErrSubmissionNotFound
		}
		return models.Judging{}, err
	}

	if req.RejudgingID == nil {
		if submission.RejudgingID != nil {
			return models.Judging{}, ErrInvalidSubmissionState
		}
		open, err := tx.Judgings().HasOpen(ctx, submission.ID)
		if err != nil {
			return models.Judging{}, err
		}
		if open {
			return models.Judging{}, ErrInvalidSubmissionState
		}
	}

	valid := false
	if req.RejudgingID == nil {
		current, err := tx.Judgings().ValidForSubmission(ctx, submission.ID)
		if err != nil {
			return models.Judging{}, err
		}
		valid = len(current) == 0
	}

	judging := models.Judging{
		SubmissionID:      submission.ID,
		ContestID:         submission.ContestID,
		Valid:             valid,
		RejudgingID:       req.RejudgingID,
		PreviousJudgingID: req.PreviousJudgingID,
		JudgeCompletely:   req.JudgeCompletely,
		UUID:              uuid.NewString(),
	}
	if err := tx.Judgings().Create(ctx, &judging); err != nil {
		return models.Judging{}, fmt.Errorf("create judging: %w", err)
	}

	created, err := s.createTasks(ctx, tx, judging, submission, req.Priority)
	if err != nil {
		return models.Judging{}, err
	}
	if created == 0 {
		s.logger.Info().Uint("judging_id", judging.ID).Msg("judging blocked until problem or language is enabled")
	}

	return judging, nil
}

// createTasks builds one judging run per testcase, its placeholder run row and the queue task.
// It returns zero when judging is currently not allowed for the problem or language.
func (s *jobService) createTasks(ctx context.Context, tx repository.Store, judging models.Judging, submission models.Submission, priority int) (int, error) {
	problem, err := tx.Catalog().GetProblem(ctx, submission.ProblemID)
	if err != nil {
		return 0, fmt.Errorf("load problem: %w", err)
	}
	language, err := tx.Catalog().GetLanguage(ctx, submission.LanguageID)
	if err != nil {
		return 0, fmt.Errorf("load language: %w", err)
	}
	if !problem.AllowJudge || !language.AllowJudge {
		return 0, nil
	}

	testcases, err := tx.Catalog().ListTestcases(ctx, problem.ID)
	if err != nil {
		return 0, err
	}
	if len(testcases) == 0 {
		return 0, nil
	}

	onDemand := lazyMode(problem, s.lazyEval) == models.LazyEvalOnDemand && !judging.JudgeCompletely
	scripts := models.Scripts{
		CompileScriptID: language.CompileScriptID,
		RunScriptID:     problem.RunScriptID,
		CompareScriptID: problem.CompareScriptID,
	}
	config := models.PhaseConfig{
		Compile: language.CompileConfig,
		Run:     problem.RunConfig,
		Compare: problem.CompareConfig,
	}

	tasks := make([]*models.JudgeTask, 0, len(testcases))
	for _, testcase := range testcases {
		task, err := models.NewJudgeTask(models.JudgingRunPayload{
			JudgingID:    judging.ID,
			SubmissionID: submission.ID,
			TestcaseID:   testcase.ID,
			TestcaseRank: testcase.Rank,
			Scripts:      scripts,
			Config:       config,
		}, priority)
		if err != nil {
			return 0, err
		}
		task.UUID = uuid.NewString()
		task.Valid = !onDemand
		tasks = append(tasks, &task)
	}
	if err := tx.JudgeTasks().CreateBatch(ctx, tasks); err != nil {
		return 0, fmt.Errorf("create judge tasks: %w", err)
	}

	runs := make([]*models.JudgingRun, 0, len(tasks))
	for i, task := range tasks {
		runs = append(runs, &models.JudgingRun{
			JudgingID:   judging.ID,
			TestcaseID:  testcases[i].ID,
			JudgeTaskID: task.ID,
		})
	}
	if err := tx.Judgings().CreateRuns(ctx, runs); err != nil {
		return 0, fmt.Errorf("create judging runs: %w", err)
	}

	if onDemand {
		return len(tasks), nil
	}
	return len(tasks), createQueueTask(ctx, tx, judging, submission, priority)
}

func (s *jobService) Judge(ctx context.Context, submissionID uint, payload dto.JudgeSubmissionRequest) (dto.JudgingResponse, error) {
	priority := models.PriorityDefault
	if payload.Priority != nil {
		priority = *payload.Priority
	}

	judging, err := s.Enqueue(ctx, EnqueueRequest{
		SubmissionID:    submissionID,
		Priority:        priority,
		JudgeCompletely: payload.JudgeCompletely,
	})
	if err != nil {
		return dto.JudgingResponse{}, err
	}
	return s.GetJudging(ctx, judging.ID)
}

// InvalidateJob retires the job's tasks. An unfinished judging is closed as aborted and stops
// counting, so the submission can be queued again.
func (s *jobService) InvalidateJob(ctx context.Context, jobID uint) error {
	return s.store.Transaction(ctx, func(tx repository.Store) error {
		judging, err := tx.Judgings().GetByID(ctx, jobID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJudgingNotFound
			}
			return err
		}
		if err := invalidateJob(ctx, tx, jobID); err != nil {
			return err
		}
		if judging.Finished() {
			return nil
		}
		_, err = tx.Judgings().FinishIfOpen(ctx, jobID, map[string]interface{}{
			"valid":    false,
			"result":   verdict.Aborted,
			"end_time": s.now(),
		})
		return err
	})
}

func (s *jobService) JudgeRemaining(ctx context.Context, judgingID uint) (dto.JudgingResponse, error) {
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		judging, err := tx.Judgings().GetByID(ctx, judgingID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJudgingNotFound
			}
			return err
		}
		if judging.InternalErrorID != nil || (judging.Result != nil && *judging.Result == verdict.Aborted) {
			return ErrInvalidSubmissionState
		}

		if err := tx.Judgings().Update(ctx, judging.ID, map[string]interface{}{"judge_completely": true}); err != nil {
			return err
		}
		revived, err := tx.JudgeTasks().RevalidateUnclaimed(ctx, judging.ID)
		if err != nil {
			return err
		}
		s.logger.Info().Uint("judging_id", judging.ID).Int64("tasks", revived).Msg("judging remaining testcases")
		return ensureQueueTask(ctx, tx, judging.ID)
	})
	if err != nil {
		return dto.JudgingResponse{}, err
	}
	return s.GetJudging(ctx, judgingID)
}

// Unblock creates the missing task batches of judgings that were queued while judging was
// disallowed. Nil filters match every blocked judging.
func (s *jobService) Unblock(ctx context.Context, problemID, languageID *uint) (int, error) {
	blocked, err := s.store.Judgings().ListBlocked(ctx, problemID, languageID)
	if err != nil {
		return 0, err
	}

	unblocked := 0
	for _, judging := range blocked {
		err := s.store.Transaction(ctx, func(tx repository.Store) error {
			submission, err := tx.Catalog().GetSubmission(ctx, judging.SubmissionID)
			if err != nil {
				return err
			}
			created, err := s.createTasks(ctx, tx, judging, submission, models.PriorityDefault)
			if err != nil {
				return err
			}
			if created > 0 {
				unblocked++
			}
			return nil
		})
		if err != nil {
			return unblocked, fmt.Errorf("unblock judging %d: %w", judging.ID, err)
		}
	}

	if unblocked > 0 {
		s.logger.Info().Int("judgings", unblocked).Msg("blocked judgings released")
	}
	return unblocked, nil
}

func (s *jobService) GetJudging(ctx context.Context, id uint) (dto.JudgingResponse, error) {
	judging, err := s.store.Judgings().GetWithRuns(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.JudgingResponse{}, ErrJudgingNotFound
		}
		return dto.JudgingResponse{}, err
	}
	return dto.NewJudgingResponse(judging), nil
}

func (s *jobService) Queue(ctx context.Context, limit int) ([]dto.QueueTaskResponse, error) {
	tasks, err := s.store.QueueTasks().List(ctx, limit)
	if err != nil {
		return nil, err
	}
	return dto.NewQueueTaskResponseSlice(tasks), nil
}

// invalidateJob retires every task of the job and drops its queue task. Repeated calls are no-ops.
func invalidateJob(ctx context.Context, tx repository.Store, jobID uint) error {
	if _, err := tx.JudgeTasks().InvalidateJob(ctx, jobID); err != nil {
		return err
	}
	return tx.QueueTasks().DeleteByJob(ctx, jobID)
}

// createQueueTask schedules the job behind the work its team already consumed.
func createQueueTask(ctx context.Context, tx repository.Store, judging models.Judging, submission models.Submission, priority int) error {
	teamPriority := 0
	if submission.TeamID != nil {
		credit, err := tx.QueueTasks().TeamCredit(ctx, *submission.TeamID)
		if err != nil {
			return err
		}
		teamPriority = credit
	}

	task := models.QueueTask{
		JobID:        judging.ID,
		JudgingID:    judging.ID,
		TeamID:       submission.TeamID,
		ContestID:    submission.ContestID,
		ProblemID:    submission.ProblemID,
		LanguageID:   submission.LanguageID,
		Priority:     priority,
		TeamPriority: teamPriority,
	}
	if err := tx.QueueTasks().Create(ctx, &task); err != nil {
		return fmt.Errorf("create queue task: %w", err)
	}
	return nil
}

// ensureQueueTask recreates the queue task of a job that got claimable work back.
func ensureQueueTask(ctx context.Context, tx repository.Store, jobID uint) error {
	if _, err := tx.QueueTasks().GetByJob(ctx, jobID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	pending, err := tx.JudgeTasks().Claimable(ctx, repository.TaskQuery{JobID: &jobID, Limit: 1})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	judging, err := tx.Judgings().GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	submission, err := tx.Catalog().GetSubmission(ctx, judging.SubmissionID)
	if err != nil {
		return err
	}
	return createQueueTask(ctx, tx, judging, submission, pending[0].Priority)
}

// reopenQueueTask queues a job whose claims were handed back, unstarted, so judgehosts
// other than the one that started it may continue it.
func reopenQueueTask(ctx context.Context, tx repository.Store, jobID uint) error {
	if err := ensureQueueTask(ctx, tx, jobID); err != nil {
		return err
	}
	return tx.QueueTasks().ResetStart(ctx, jobID)
}

func lazyMode(problem models.Problem, global int) int {
	if problem.LazyEvalResults != models.LazyEvalInherit {
		return problem.LazyEvalResults
	}
	return global
}
