package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/judgedispatch/internal/dto"
	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/observability"
	"github.com/noah-isme/judgedispatch/internal/repository"
	"github.com/noah-isme/judgedispatch/internal/verdict"
)

// OutputArchive stores run output outside the database and returns a reference to it.
type OutputArchive interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// CohortTracker is notified when a judging of a rejudging finished.
type CohortTracker interface {
	Advance(ctx context.Context, rejudgingID uint) error
}

// DispatchConfig holds the protocol settings of the dispatch service.
type DispatchConfig struct {
	MaxBatchSize int
	Remap        verdict.Remap
	Priorities   verdict.Priorities
}

// DispatchService implements the judgehost side of the protocol.
type DispatchService interface {
	Register(ctx context.Context, payload dto.RegisterJudgehostRequest) (dto.JudgehostResponse, error)
	Poll(ctx context.Context, judgehostID uint, payload dto.PollRequest) (dto.PollResponse, error)
	ReportRun(ctx context.Context, judgehostID uint, payload dto.RunReport) (dto.RunAck, error)
	ReportCompile(ctx context.Context, judgehostID uint, payload dto.CompileReport) error
	ReportInternalError(ctx context.Context, judgehostID uint, payload dto.InternalErrorReport) (dto.InternalErrorResponse, error)
	ListJudgehosts(ctx context.Context) ([]dto.JudgehostResponse, error)
	SetJudgehostEnabled(ctx context.Context, id uint, payload dto.UpdateJudgehostRequest) (dto.JudgehostResponse, error)
	TaskState(ctx context.Context, taskID uint) (models.TaskState, error)
}

type dispatchService struct {
	store          repository.Store
	scheduler      Scheduler
	lifecycle      *Lifecycle
	internalErrors InternalErrorService
	cohorts        CohortTracker
	events         EventPublisher
	archive        OutputArchive
	cfg            DispatchConfig
	validator      *validator.Validate
	logger         zerolog.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

// NewDispatchService constructs the dispatch service. cohorts and archive are optional.
func NewDispatchService(
	store repository.Store,
	scheduler Scheduler,
	lifecycle *Lifecycle,
	internalErrors InternalErrorService,
	cohorts CohortTracker,
	events EventPublisher,
	archive OutputArchive,
	cfg DispatchConfig,
	validate *validator.Validate,
	logger zerolog.Logger,
) DispatchService {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.Priorities == nil {
		cfg.Priorities = verdict.DefaultPriorities()
	}
	return &dispatchService{
		store:          store,
		scheduler:      scheduler,
		lifecycle:      lifecycle,
		internalErrors: internalErrors,
		cohorts:        cohorts,
		events:         events,
		archive:        archive,
		cfg:            cfg,
		validator:      validate,
		logger:         logger.With().Str("component", "dispatch_service").Logger(),
		tracer:         otel.Tracer("github.com/noah-isme/judgedispatch/internal/service/dispatch"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Register creates the judgehost on first contact. A judgehost that registers again lost
// its state, so its unreported claims are handed back to the queue.
func (s *dispatchService) Register(ctx context.Context, payload dto.RegisterJudgehostRequest) (dto.JudgehostResponse, error) {
	payload.Hostname = strings.TrimSpace(payload.Hostname)
	if err := s.validator.Struct(payload); err != nil {
		return dto.JudgehostResponse{}, err
	}

	var host models.Judgehost
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		now := s.now()
		existing, err := tx.Judgehosts().GetByHostname(ctx, payload.Hostname)
		if err != nil {
			return err
		}
		if existing == nil {
			host = models.Judgehost{Hostname: payload.Hostname, Enabled: true, PollTime: &now}
			return tx.Judgehosts().Create(ctx, &host)
		}

		host = *existing
		jobs, err := tx.JudgeTasks().ReleaseUnreported(ctx, host.ID, nil)
		if err != nil {
			return err
		}
		for _, jobID := range jobs {
			if err := reopenQueueTask(ctx, tx, jobID); err != nil {
				return err
			}
		}
		if len(jobs) > 0 {
			s.logger.Info().Str("judgehost", host.Hostname).Int("jobs", len(jobs)).Msg("released claims of re-registered judgehost")
		}
		host.PollTime = &now
		return tx.Judgehosts().Touch(ctx, host.ID, now)
	})
	if err != nil {
		return dto.JudgehostResponse{}, err
	}

	return dto.NewJudgehostResponse(host), nil
}

func (s *dispatchService) Poll(ctx context.Context, judgehostID uint, payload dto.PollRequest) (dto.PollResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.PollResponse{}, err
	}

	host, err := s.judgehost(ctx, judgehostID)
	if err != nil {
		return dto.PollResponse{}, err
	}
	if err := s.store.Judgehosts().Touch(ctx, host.ID, s.now()); err != nil {
		return dto.PollResponse{}, err
	}

	batch := payload.MaxBatchSize
	if batch <= 0 {
		batch = s.cfg.MaxBatchSize
	}

	tasks, err := s.scheduler.Claim(ctx, host, ClaimOptions{MaxBatch: batch, JobHint: payload.JobHint})
	if errors.Is(err, ErrJudgehostDisabled) {
		return dto.PollResponse{Tasks: []dto.TaskDescriptor{}, BackOff: true}, nil
	}
	if err != nil {
		return dto.PollResponse{}, err
	}

	descriptors := make([]dto.TaskDescriptor, 0, len(tasks))
	for _, task := range tasks {
		descriptors = append(descriptors, dto.NewTaskDescriptor(task))
	}
	return dto.PollResponse{Tasks: descriptors}, nil
}

// ReportRun stores a run result. Reports for runs that already have a result or for
// invalidated tasks are acknowledged without effect.
func (s *dispatchService) ReportRun(ctx context.Context, judgehostID uint, payload dto.RunReport) (dto.RunAck, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.RunAck{}, err
	}

	result := s.cfg.Remap.Apply(strings.TrimSpace(payload.Result))
	if !s.cfg.Priorities.Known(result) {
		return dto.RunAck{}, fmt.Errorf("%w: %q", ErrUnknownResult, result)
	}

	spanCtx, span := s.tracer.Start(ctx, "dispatch.report_run", trace.WithAttributes(
		attribute.Int64("judgetask.id", int64(payload.JudgeTaskID)),
		attribute.String("run.result", result),
	))
	defer span.End()

	task, err := s.ownedTask(spanCtx, s.store, judgehostID, payload.JudgeTaskID)
	if err != nil {
		return dto.RunAck{}, err
	}
	if task.Type != models.JudgeTaskTypeJudgingRun || task.JobID == nil {
		return dto.RunAck{}, nil
	}

	record := RunRecord{
		Result:      result,
		Runtime:     payload.Runtime,
		Score:       payload.Score,
		StartTime:   payload.StartTime,
		EndTime:     payload.EndTime,
		Pass:        payload.Pass,
		AnotherPass: payload.AnotherPass,
		OutputSize:  int64(len(payload.Output)),
	}
	if s.archive != nil && len(payload.Output) > 0 {
		ref, err := s.archive.Put(spanCtx, fmt.Sprintf("judgetasks/%d/output", task.ID), payload.Output)
		if err != nil {
			s.logger.Warn().Err(err).Uint("judgetask_id", task.ID).Msg("failed to archive run output")
		} else {
			record.OutputRef = ref
		}
	}

	var outcome RunOutcome
	discarded := false
	err = s.store.Transaction(spanCtx, func(tx repository.Store) error {
		task, err := s.ownedTask(spanCtx, tx, judgehostID, payload.JudgeTaskID)
		if err != nil {
			return err
		}
		run, err := tx.Judgings().GetRunByTask(spanCtx, task.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJudgeTaskNotFound
			}
			return err
		}
		if run.Reported() {
			outcome.Duplicate = true
			return nil
		}
		if !task.Valid {
			discarded = true
			return nil
		}

		judging, err := tx.Judgings().GetByID(spanCtx, *task.JobID)
		if err != nil {
			return err
		}
		outcome, err = s.lifecycle.ApplyRun(spanCtx, tx, judging, run, record)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return dto.RunAck{}, err
	}

	switch {
	case outcome.Duplicate:
		s.logger.Debug().Uint("judgetask_id", task.ID).Msg("duplicate run report acknowledged")
		return dto.RunAck{}, nil
	case discarded:
		s.logger.Debug().Uint("judgetask_id", task.ID).Msg("run report for invalidated task discarded")
		return dto.RunAck{}, nil
	}

	observability.RunsReported().WithLabelValues(result).Inc()
	s.afterCommit(ctx, outcome.Finalized, outcome.CohortID)
	return dto.RunAck{NeedsMoreWork: outcome.NeedsMoreWork}, nil
}

// ReportCompile stores the compile outcome of the task's judging. Judgehosts that disagree
// about the same judging raise an internal error against the reporting judgehost.
func (s *dispatchService) ReportCompile(ctx context.Context, judgehostID uint, payload dto.CompileReport) error {
	if err := s.validator.Struct(payload); err != nil {
		return err
	}

	task, err := s.ownedTask(ctx, s.store, judgehostID, payload.JudgeTaskID)
	if err != nil {
		return err
	}
	if task.JobID == nil {
		return ErrJudgeTaskNotFound
	}

	var outcome CompileOutcome
	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		judging, err := tx.Judgings().GetByID(ctx, *task.JobID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJudgingNotFound
			}
			return err
		}
		outcome, err = s.lifecycle.ApplyCompile(ctx, tx, judging, judgehostID, *payload.Success, payload.Output)
		return err
	})
	if err != nil {
		return err
	}

	if outcome.Conflict {
		taskID := task.ID
		_, err := s.internalErrors.Raise(ctx, judgehostID, dto.InternalErrorReport{
			JudgeTaskID: &taskID,
			Description: "compilation results differ between judgehosts",
			Disabled:    dto.DisabledTarget{Kind: models.DisabledKindJudgehost, ID: judgehostID},
		})
		return err
	}

	s.afterCommit(ctx, outcome.Finalized, outcome.CohortID)
	return nil
}

func (s *dispatchService) ReportInternalError(ctx context.Context, judgehostID uint, payload dto.InternalErrorReport) (dto.InternalErrorResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.InternalErrorResponse{}, err
	}
	if _, err := s.judgehost(ctx, judgehostID); err != nil {
		return dto.InternalErrorResponse{}, err
	}
	return s.internalErrors.Raise(ctx, judgehostID, payload)
}

func (s *dispatchService) ListJudgehosts(ctx context.Context) ([]dto.JudgehostResponse, error) {
	hosts, err := s.store.Judgehosts().List(ctx)
	if err != nil {
		return nil, err
	}
	return dto.NewJudgehostResponseSlice(hosts), nil
}

func (s *dispatchService) SetJudgehostEnabled(ctx context.Context, id uint, payload dto.UpdateJudgehostRequest) (dto.JudgehostResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.JudgehostResponse{}, err
	}

	if err := s.store.Judgehosts().SetEnabled(ctx, id, *payload.Enabled); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.JudgehostResponse{}, ErrJudgehostNotFound
		}
		return dto.JudgehostResponse{}, err
	}

	host, err := s.judgehost(ctx, id)
	if err != nil {
		return dto.JudgehostResponse{}, err
	}
	s.logger.Info().Str("judgehost", host.Hostname).Bool("enabled", host.Enabled).Msg("judgehost toggled")
	return dto.NewJudgehostResponse(host), nil
}

// TaskState derives the dispatch state of a judge task from its run and judging.
func (s *dispatchService) TaskState(ctx context.Context, taskID uint) (models.TaskState, error) {
	task, err := s.store.JudgeTasks().GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrJudgeTaskNotFound
		}
		return "", err
	}
	if task.Type != models.JudgeTaskTypeJudgingRun || task.JobID == nil {
		return models.StateOf(task, nil, nil), nil
	}

	run, err := s.store.Judgings().GetRunByTask(ctx, task.ID)
	if err != nil {
		return "", err
	}
	judging, err := s.store.Judgings().GetByID(ctx, *task.JobID)
	if err != nil {
		return "", err
	}
	return models.StateOf(task, &run, &judging), nil
}

func (s *dispatchService) judgehost(ctx context.Context, id uint) (models.Judgehost, error) {
	host, err := s.store.Judgehosts().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Judgehost{}, ErrJudgehostNotFound
		}
		return models.Judgehost{}, err
	}
	return host, nil
}

func (s *dispatchService) ownedTask(ctx context.Context, store repository.Store, judgehostID, taskID uint) (models.JudgeTask, error) {
	task, err := store.JudgeTasks().GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.JudgeTask{}, ErrJudgeTaskNotFound
		}
		return models.JudgeTask{}, err
	}
	if task.JudgehostID == nil || *task.JudgehostID != judgehostID {
		return models.JudgeTask{}, ErrTaskNotClaimed
	}
	return task, nil
}

// afterCommit fires downstream effects once the report transaction is durable.
func (s *dispatchService) afterCommit(ctx context.Context, finalized *JudgingFinalizedEvent, cohortID *uint) {
	if finalized == nil {
		return
	}
	if s.events != nil {
		s.events.JudgingFinalized(ctx, *finalized)
	}
	if cohortID != nil && s.cohorts != nil {
		if err := s.cohorts.Advance(ctx, *cohortID); err != nil {
			s.logger.Error().Err(err).Uint("rejudging_id", *cohortID).Msg("failed to advance rejudging")
		}
	}
}
