package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/judgedispatch/internal/dto"
	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/repository"
)

// InternalErrorService records tooling failures, disables what caused them and puts the
// affected judging back in line once the cause is fixed.
type InternalErrorService interface {
	Raise(ctx context.Context, judgehostID uint, report dto.InternalErrorReport) (dto.InternalErrorResponse, error)
	List(ctx context.Context, status string) ([]dto.InternalErrorResponse, error)
	Resolve(ctx context.Context, id uint, status string) (dto.InternalErrorResponse, error)
}

type internalErrorService struct {
	store     repository.Store
	jobs      JobService
	events    EventPublisher
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewInternalErrorService constructs the internal error service.
func NewInternalErrorService(store repository.Store, jobs JobService, events EventPublisher, validate *validator.Validate, logger zerolog.Logger) InternalErrorService {
	return &internalErrorService{
		store:     store,
		jobs:      jobs,
		events:    events,
		validator: validate,
		logger:    logger.With().Str("component", "internal_error_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/judgedispatch/internal/service/internal_errors"),
		sanitizer: bluemonday.StrictPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Raise stores the internal error unless an identical one is still open. The named target is
// disabled. A judgehost target hands back that host's unreported claims, any other target
// retires the reported judging and queues a fresh copy that waits until the target is fixed.
func (s *internalErrorService) Raise(ctx context.Context, judgehostID uint, report dto.InternalErrorReport) (dto.InternalErrorResponse, error) {
	description := strings.TrimSpace(s.sanitizer.Sanitize(report.Description))
	if description == "" {
		description = "internal error"
	}
	kind := report.Disabled.Kind
	disabledID := report.Disabled.ID
	if kind == models.DisabledKindJudgehost && disabledID == 0 {
		disabledID = judgehostID
	}

	spanCtx, span := s.tracer.Start(ctx, "internal_errors.raise", trace.WithAttributes(
		attribute.String("internal_error.kind", kind),
		attribute.Int64("internal_error.disabled_id", int64(disabledID)),
	))
	defer span.End()

	var record models.InternalError
	raised := false
	err := s.store.Transaction(spanCtx, func(tx repository.Store) error {
		existing, err := tx.InternalErrors().FindOpen(spanCtx, description, kind, disabledID)
		if err != nil {
			return err
		}
		if existing != nil {
			record = *existing
			return nil
		}

		var judging *models.Judging
		if report.JudgeTaskID != nil {
			task, err := tx.JudgeTasks().GetByID(spanCtx, *report.JudgeTaskID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrJudgeTaskNotFound
				}
				return err
			}
			if task.Type == models.JudgeTaskTypeJudgingRun && task.JobID != nil {
				found, err := tx.Judgings().GetByID(spanCtx, *task.JobID)
				if err != nil {
					return err
				}
				judging = &found
			}
		}

		reporter := judgehostID
		record = models.InternalError{
			JudgehostID:  &reporter,
			Description:  description,
			JudgehostLog: report.JudgehostLog,
			DisabledKind: kind,
			DisabledID:   disabledID,
			Status:       models.InternalErrorStatusOpen,
			Time:         s.now(),
		}
		if judging != nil {
			record.JudgingID = &judging.ID
			record.ContestID = &judging.ContestID
		}
		if err := tx.InternalErrors().Create(spanCtx, &record); err != nil {
			return err
		}

		if err := s.setTargetEnabled(spanCtx, tx, kind, disabledID, false); err != nil {
			return err
		}

		if kind == models.DisabledKindJudgehost {
			jobs, err := tx.JudgeTasks().ReleaseUnreported(spanCtx, disabledID, nil)
			if err != nil {
				return err
			}
			for _, jobID := range jobs {
				if err := reopenQueueTask(spanCtx, tx, jobID); err != nil {
					return err
				}
			}
		} else if judging != nil {
			if err := s.giveBack(spanCtx, tx, *judging, record.ID); err != nil {
				return err
			}
		}

		raised = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return dto.InternalErrorResponse{}, err
	}

	if raised {
		s.logger.Warn().
			Uint("internal_error_id", record.ID).
			Str("kind", kind).
			Uint("disabled_id", disabledID).
			Str("description", description).
			Msg("internal error raised")

		if s.events != nil {
			s.events.InternalErrorRaised(ctx, InternalErrorEvent{
				ID:           record.ID,
				JudgingID:    record.JudgingID,
				JudgehostID:  record.JudgehostID,
				Description:  record.Description,
				DisabledKind: record.DisabledKind,
				DisabledID:   record.DisabledID,
				RaisedAt:     record.Time,
			})
		}
	}

	return dto.NewInternalErrorResponse(record), nil
}

func (s *internalErrorService) List(ctx context.Context, status string) ([]dto.InternalErrorResponse, error) {
	if status != "" {
		if err := s.validator.Var(status, "oneof=open resolved ignored"); err != nil {
			return nil, err
		}
	}

	records, err := s.store.InternalErrors().List(ctx, status)
	if err != nil {
		return nil, err
	}
	return dto.NewInternalErrorResponseSlice(records), nil
}

// Resolve closes an open internal error. A resolved error re-enables its target and releases
// the judgings that waited for it. An ignored error leaves the target disabled.
func (s *internalErrorService) Resolve(ctx context.Context, id uint, status string) (dto.InternalErrorResponse, error) {
	if err := s.validator.Var(status, "oneof=resolved ignored"); err != nil {
		return dto.InternalErrorResponse{}, err
	}

	var record models.InternalError
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		found, err := tx.InternalErrors().GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInternalErrorNotFound
			}
			return err
		}
		if !found.Open() {
			return ErrInternalErrorClosed
		}

		now := s.now()
		if err := tx.InternalErrors().Update(ctx, found.ID, map[string]interface{}{
			"status":      status,
			"resolved_at": now,
		}); err != nil {
			return err
		}
		found.Status = status
		found.ResolvedAt = &now
		record = found

		if status != models.InternalErrorStatusResolved {
			return nil
		}
		return s.setTargetEnabled(ctx, tx, found.DisabledKind, found.DisabledID, true)
	})
	if err != nil {
		return dto.InternalErrorResponse{}, err
	}

	if status == models.InternalErrorStatusResolved {
		if err := s.unblock(ctx, record); err != nil {
			return dto.InternalErrorResponse{}, err
		}
	}

	s.logger.Info().Uint("internal_error_id", record.ID).Str("status", status).Msg("internal error closed")
	return dto.NewInternalErrorResponse(record), nil
}

func (s *internalErrorService) setTargetEnabled(ctx context.Context, tx repository.Store, kind string, id uint, enabled bool) error {
	switch kind {
	case models.DisabledKindCompileScript, models.DisabledKindRunScript, models.DisabledKindCompareScript:
		_, _, err := tx.Catalog().SetAllowJudgeByScript(ctx, kind, id, enabled)
		return err
	case models.DisabledKindProblem:
		return tx.Catalog().SetProblemAllowJudge(ctx, id, enabled)
	case models.DisabledKindLanguage:
		return tx.Catalog().SetLanguageAllowJudge(ctx, id, enabled)
	case models.DisabledKindTestcase:
		testcase, err := tx.Catalog().GetTestcase(ctx, id)
		if err != nil {
			return err
		}
		return tx.Catalog().SetProblemAllowJudge(ctx, testcase.ProblemID, enabled)
	case models.DisabledKindJudgehost:
		err := tx.Judgehosts().SetEnabled(ctx, id, enabled)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJudgehostNotFound
		}
		return err
	}
	return nil
}

// giveBack retires an unfinished judging and queues a copy without tasks. The copy inherits
// the validity and rejudging of the original and gets its tasks once judging is allowed again.
func (s *internalErrorService) giveBack(ctx context.Context, tx repository.Store, judging models.Judging, internalErrorID uint) error {
	if judging.Finished() {
		return nil
	}
	if err := invalidateJob(ctx, tx, judging.ID); err != nil {
		return err
	}

	err := tx.Judgings().Update(ctx, judging.ID, map[string]interface{}{
		"valid":             false,
		"end_time":          s.now(),
		"internal_error_id": internalErrorID,
	})
	if err != nil {
		return err
	}

	previous := judging.ID
	replacement := models.Judging{
		SubmissionID:      judging.SubmissionID,
		ContestID:         judging.ContestID,
		Valid:             judging.Valid,
		RejudgingID:       judging.RejudgingID,
		PreviousJudgingID: &previous,
		JudgeCompletely:   judging.JudgeCompletely,
		UUID:              uuid.NewString(),
	}
	return tx.Judgings().Create(ctx, &replacement)
}

func (s *internalErrorService) unblock(ctx context.Context, record models.InternalError) error {
	var problems, languages []uint
	switch record.DisabledKind {
	case models.DisabledKindProblem:
		problems = []uint{record.DisabledID}
	case models.DisabledKindLanguage:
		languages = []uint{record.DisabledID}
	case models.DisabledKindTestcase:
		testcase, err := s.store.Catalog().GetTestcase(ctx, record.DisabledID)
		if err != nil {
			return err
		}
		problems = []uint{testcase.ProblemID}
	case models.DisabledKindCompileScript, models.DisabledKindRunScript, models.DisabledKindCompareScript:
		var err error
		problems, languages, err = s.store.Catalog().SetAllowJudgeByScript(ctx, record.DisabledKind, record.DisabledID, true)
		if err != nil {
			return err
		}
	}

	for _, id := range problems {
		problemID := id
		if _, err := s.jobs.Unblock(ctx, &problemID, nil); err != nil {
			return err
		}
	}
	for _, id := range languages {
		languageID := id
		if _, err := s.jobs.Unblock(ctx, nil, &languageID); err != nil {
			return err
		}
	}
	return nil
}
