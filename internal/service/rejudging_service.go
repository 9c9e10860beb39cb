package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
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

// RejudgingService redoes selected judgings as a cohort that is applied or canceled as a unit.
type RejudgingService interface {
	Create(ctx context.Context, userID uint, payload dto.CreateRejudgingRequest) (dto.RejudgingResult, error)
	Get(ctx context.Context, id uint) (dto.RejudgingResponse, error)
	List(ctx context.Context, includeFinished bool) ([]dto.RejudgingResponse, error)
	Progress(ctx context.Context, id uint) (dto.RejudgingProgress, error)
	Apply(ctx context.Context, id, userID uint) (dto.RejudgingResponse, error)
	Cancel(ctx context.Context, id, userID uint, force bool) (dto.RejudgingResponse, error)
	Advance(ctx context.Context, id uint) error
}

type rejudgingService struct {
	store     repository.Store
	jobs      JobService
	events    EventPublisher
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewRejudgingService constructs the rejudging service.
func NewRejudgingService(store repository.Store, jobs JobService, events EventPublisher, validate *validator.Validate, logger zerolog.Logger) RejudgingService {
	return &rejudgingService{
		store:     store,
		jobs:      jobs,
		events:    events,
		validator: validate,
		logger:    logger.With().Str("component", "rejudging_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/judgedispatch/internal/service/rejudgings"),
		sanitizer: bluemonday.StrictPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create selects valid judgings and queues a fresh judging per submission. A full rejudging
// keeps the new judgings invalid until the cohort is applied. A quick rejudging invalidates
// the old judgings right away. Submissions already in a rejudging are skipped.
func (s *rejudgingService) Create(ctx context.Context, userID uint, payload dto.CreateRejudgingRequest) (dto.RejudgingResult, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.RejudgingResult{}, err
	}
	if payload.Repeat > 1 && payload.AutoApply {
		return dto.RejudgingResult{}, ErrRepeatWithAutoApply
	}

	reason := strings.TrimSpace(s.sanitizer.Sanitize(payload.Reason))
	if reason == "" {
		reason = "rejudging"
	}
	priority := models.PriorityDefault
	if payload.Priority != nil {
		priority = *payload.Priority
	}
	repeat := payload.Repeat
	if repeat <= 0 {
		repeat = 1
	}

	spanCtx, span := s.tracer.Start(ctx, "rejudgings.create", trace.WithAttributes(
		attribute.Bool("rejudging.full", payload.FullRejudge()),
		attribute.Int("rejudging.repeat", repeat),
	))
	defer span.End()

	filter := repository.JudgingFilter{
		ContestIDs:   payload.ContestIDs,
		ProblemIDs:   payload.ProblemIDs,
		LanguageIDs:  payload.LanguageIDs,
		TeamIDs:      payload.TeamIDs,
		JudgehostIDs: payload.JudgehostIDs,
		Results:      payload.Results,
		SubmissionID: payload.SubmissionID,
	}

	result := dto.RejudgingResult{JudgingIDs: []uint{}, Skipped: []uint{}}
	var rejudging *models.Rejudging
	err := s.store.Transaction(spanCtx, func(tx repository.Store) error {
		judgings, err := tx.Judgings().Select(spanCtx, filter)
		if err != nil {
			return err
		}
		if len(judgings) == 0 {
			return ErrNoMatchingJudgings
		}

		if payload.FullRejudge() {
			rejudging = &models.Rejudging{
				Reason:    reason,
				StartUser: userID,
				StartTime: s.now(),
				Valid:     true,
				AutoApply: payload.AutoApply,
				Priority:  priority,
				Repeat:    repeat,
			}
			if err := tx.Rejudgings().Create(spanCtx, rejudging); err != nil {
				return err
			}
			if repeat > 1 {
				rejudging.RepeatedRejudgingID = &rejudging.ID
				if err := tx.Rejudgings().Update(spanCtx, rejudging.ID, map[string]interface{}{"repeated_rejudging_id": rejudging.ID}); err != nil {
					return err
				}
			}
		}

		var rejudgingID *uint
		if rejudging != nil {
			rejudgingID = &rejudging.ID
		}
		created, skipped, err := s.requeue(spanCtx, tx, judgings, rejudgingID, priority)
		if err != nil {
			return err
		}
		if len(created) == 0 {
			return ErrAlreadyRejudging
		}
		result.JudgingIDs = created
		result.Skipped = skipped
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return dto.RejudgingResult{}, err
	}

	event := s.logger.Info().Int("judgings", len(result.JudgingIDs)).Int("skipped", len(result.Skipped))
	if rejudging != nil {
		response := dto.NewRejudgingResponse(*rejudging, dto.RejudgingProgress{Total: int64(len(result.JudgingIDs))})
		result.Rejudging = &response
		event = event.Uint("rejudging_id", rejudging.ID)
	}
	event.Msg("rejudging started")

	return result, nil
}

// requeue enqueues a new judging for every selected submission that is not already part of
// a rejudging. Without a rejudging id the old judging stops counting immediately.
func (s *rejudgingService) requeue(ctx context.Context, tx repository.Store, judgings []models.Judging, rejudgingID *uint, priority int) ([]uint, []uint, error) {
	created := make([]uint, 0, len(judgings))
	skipped := make([]uint, 0)
	seen := make(map[uint]struct{}, len(judgings))

	for _, judging := range judgings {
		if _, ok := seen[judging.SubmissionID]; ok {
			continue
		}
		seen[judging.SubmissionID] = struct{}{}

		submission, err := tx.Catalog().GetSubmission(ctx, judging.SubmissionID)
		if err != nil {
			return nil, nil, err
		}
		if submission.RejudgingID != nil {
			skipped = append(skipped, submission.ID)
			continue
		}

		if rejudgingID == nil {
			if err := s.retire(ctx, tx, judging); err != nil {
				return nil, nil, err
			}
		} else if err := tx.Catalog().SetSubmissionRejudging(ctx, []uint{submission.ID}, rejudgingID); err != nil {
			return nil, nil, err
		}

		previous := judging.ID
		fresh, err := s.jobs.EnqueueIn(ctx, tx, EnqueueRequest{
			SubmissionID:      submission.ID,
			Priority:          priority,
			RejudgingID:       rejudgingID,
			PreviousJudgingID: &previous,
		})
		if err != nil {
			return nil, nil, err
		}
		created = append(created, fresh.ID)
	}
	return created, skipped, nil
}

// retire stops a judging from counting. An unfinished one is aborted.
func (s *rejudgingService) retire(ctx context.Context, tx repository.Store, judging models.Judging) error {
	if err := invalidateJob(ctx, tx, judging.ID); err != nil {
		return err
	}
	updates := map[string]interface{}{"valid": false}
	if !judging.Finished() {
		updates["result"] = verdict.Aborted
		updates["end_time"] = s.now()
	}
	return tx.Judgings().Update(ctx, judging.ID, updates)
}

func (s *rejudgingService) Get(ctx context.Context, id uint) (dto.RejudgingResponse, error) {
	rejudging, err := s.rejudging(ctx, s.store, id)
	if err != nil {
		return dto.RejudgingResponse{}, err
	}
	progress, err := s.progress(ctx, s.store, id)
	if err != nil {
		return dto.RejudgingResponse{}, err
	}
	return dto.NewRejudgingResponse(rejudging, progress), nil
}

func (s *rejudgingService) List(ctx context.Context, includeFinished bool) ([]dto.RejudgingResponse, error) {
	rejudgings, err := s.store.Rejudgings().List(ctx, includeFinished)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.RejudgingResponse, 0, len(rejudgings))
	for _, rejudging := range rejudgings {
		progress, err := s.progress(ctx, s.store, rejudging.ID)
		if err != nil {
			return nil, err
		}
		responses = append(responses, dto.NewRejudgingResponse(rejudging, progress))
	}
	return responses, nil
}

func (s *rejudgingService) Progress(ctx context.Context, id uint) (dto.RejudgingProgress, error) {
	if _, err := s.rejudging(ctx, s.store, id); err != nil {
		return dto.RejudgingProgress{}, err
	}
	return s.progress(ctx, s.store, id)
}

// Apply makes every finished cohort judging the one that counts for its submission.
func (s *rejudgingService) Apply(ctx context.Context, id, userID uint) (dto.RejudgingResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "rejudgings.apply", trace.WithAttributes(
		attribute.Int64("rejudging.id", int64(id)),
	))
	defer span.End()

	var promoted []JudgingFinalizedEvent
	err := s.store.Transaction(spanCtx, func(tx repository.Store) error {
		rejudging, err := s.openCohort(spanCtx, tx, id)
		if err != nil {
			return err
		}
		progress, err := s.progress(spanCtx, tx, rejudging.ID)
		if err != nil {
			return err
		}
		if progress.Done < progress.Total {
			return ErrCohortNotComplete
		}

		if promoted, err = s.promote(spanCtx, tx, rejudging.ID); err != nil {
			return err
		}
		return s.finish(spanCtx, tx, rejudging.ID, &userID, true)
	})
	if err != nil {
		span.RecordError(err)
		return dto.RejudgingResponse{}, err
	}

	if s.events != nil {
		for _, event := range promoted {
			s.events.JudgingFinalized(ctx, event)
		}
	}
	observability.RejudgingsFinished().WithLabelValues("apply").Inc()
	s.logger.Info().Uint("rejudging_id", id).Int("judgings", len(promoted)).Msg("rejudging applied")

	return s.Get(ctx, id)
}

// Cancel drops the cohort. The original judgings keep counting. Unless forced, a cohort with
// outstanding work cannot be canceled.
func (s *rejudgingService) Cancel(ctx context.Context, id, userID uint, force bool) (dto.RejudgingResponse, error) {
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		rejudging, err := s.openCohort(ctx, tx, id)
		if err != nil {
			return err
		}
		progress, err := s.progress(ctx, tx, rejudging.ID)
		if err != nil {
			return err
		}
		if progress.Done < progress.Total && !force {
			return ErrCohortNotComplete
		}

		judgings, err := tx.Judgings().ListByRejudging(ctx, rejudging.ID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, judging := range judgings {
			if judging.Valid {
				continue
			}
			if err := invalidateJob(ctx, tx, judging.ID); err != nil {
				return err
			}
			if judging.Finished() {
				continue
			}
			err := tx.Judgings().Update(ctx, judging.ID, map[string]interface{}{
				"result":   verdict.Aborted,
				"end_time": now,
			})
			if err != nil {
				return err
			}
		}

		return s.finish(ctx, tx, rejudging.ID, &userID, false)
	})
	if err != nil {
		return dto.RejudgingResponse{}, err
	}

	observability.RejudgingsFinished().WithLabelValues("cancel").Inc()
	s.logger.Info().Uint("rejudging_id", id).Bool("force", force).Msg("rejudging canceled")

	return s.Get(ctx, id)
}

// Advance runs once a cohort judging finished. A complete auto-apply cohort is closed, a
// complete repeated cohort starts its next repetition over the same submissions.
func (s *rejudgingService) Advance(ctx context.Context, id uint) error {
	action := ""
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		rejudging, err := s.rejudging(ctx, tx, id)
		if err != nil || rejudging.Finished() {
			return err
		}
		progress, err := s.progress(ctx, tx, rejudging.ID)
		if err != nil || progress.Done < progress.Total {
			return err
		}

		if rejudging.AutoApply {
			action = "auto_apply"
			return s.finish(ctx, tx, rejudging.ID, nil, true)
		}
		if rejudging.Repeat <= 1 || rejudging.RepeatedRejudgingID == nil {
			return nil
		}

		root := *rejudging.RepeatedRejudgingID
		repetitions, err := tx.Rejudgings().CountRepetitions(ctx, root)
		if err != nil || repetitions >= int64(rejudging.Repeat) {
			return err
		}

		judgings, err := tx.Judgings().ListByRejudging(ctx, rejudging.ID)
		if err != nil {
			return err
		}
		if err := s.finish(ctx, tx, rejudging.ID, nil, false); err != nil {
			return err
		}

		next := models.Rejudging{
			Reason:              rejudging.Reason,
			StartUser:           rejudging.StartUser,
			StartTime:           s.now(),
			Valid:               true,
			Priority:            rejudging.Priority,
			Repeat:              rejudging.Repeat,
			RepeatedRejudgingID: &root,
		}
		if err := tx.Rejudgings().Create(ctx, &next); err != nil {
			return err
		}

		seen := make(map[uint]struct{}, len(judgings))
		for _, judging := range judgings {
			if !judging.HasResult() || judging.InternalErrorID != nil {
				continue
			}
			if _, ok := seen[judging.SubmissionID]; ok {
				continue
			}
			seen[judging.SubmissionID] = struct{}{}

			if err := tx.Catalog().SetSubmissionRejudging(ctx, []uint{judging.SubmissionID}, &next.ID); err != nil {
				return err
			}
			_, err := s.jobs.EnqueueIn(ctx, tx, EnqueueRequest{
				SubmissionID:      judging.SubmissionID,
				Priority:          rejudging.Priority,
				RejudgingID:       &next.ID,
				PreviousJudgingID: judging.PreviousJudgingID,
			})
			if err != nil {
				return err
			}
		}
		action = "repeat"
		return nil
	})
	if err != nil {
		return err
	}

	if action != "" {
		observability.RejudgingsFinished().WithLabelValues(action).Inc()
		s.logger.Info().Uint("rejudging_id", id).Str("action", action).Msg("rejudging advanced")
	}
	return nil
}

// promote flips validity to the finished cohort judgings and returns their events.
func (s *rejudgingService) promote(ctx context.Context, tx repository.Store, rejudgingID uint) ([]JudgingFinalizedEvent, error) {
	judgings, err := tx.Judgings().ListByRejudging(ctx, rejudgingID)
	if err != nil {
		return nil, err
	}

	events := make([]JudgingFinalizedEvent, 0, len(judgings))
	for _, judging := range judgings {
		if judging.Valid || !judging.Finished() || !judging.HasResult() || judging.InternalErrorID != nil {
			continue
		}
		if err := tx.Judgings().InvalidateOthers(ctx, judging.SubmissionID, judging.ID); err != nil {
			return nil, err
		}
		if err := tx.Judgings().Update(ctx, judging.ID, map[string]interface{}{"valid": true}); err != nil {
			return nil, err
		}

		submission, err := tx.Catalog().GetSubmission(ctx, judging.SubmissionID)
		if err != nil {
			return nil, err
		}
		events = append(events, JudgingFinalizedEvent{
			JudgingID:    judging.ID,
			SubmissionID: submission.ID,
			ContestID:    submission.ContestID,
			TeamID:       submission.TeamID,
			ProblemID:    submission.ProblemID,
			Result:       *judging.Result,
			Score:        judging.Score,
			Valid:        true,
			RejudgingID:  judging.RejudgingID,
			FinishedAt:   *judging.EndTime,
		})
	}
	return events, nil
}

// finish releases the cohort's submissions and closes the rejudging exactly once.
func (s *rejudgingService) finish(ctx context.Context, tx repository.Store, id uint, userID *uint, valid bool) error {
	if err := tx.Catalog().ClearRejudging(ctx, id); err != nil {
		return err
	}
	updates := map[string]interface{}{
		"end_time": s.now(),
		"valid":    valid,
	}
	if userID != nil {
		updates["finish_user"] = *userID
	}
	finished, err := tx.Rejudgings().Finish(ctx, id, updates)
	if err != nil {
		return err
	}
	if finished == 0 {
		return ErrRejudgingFinished
	}
	return nil
}

func (s *rejudgingService) openCohort(ctx context.Context, tx repository.Store, id uint) (models.Rejudging, error) {
	rejudging, err := s.rejudging(ctx, tx, id)
	if err != nil {
		return models.Rejudging{}, err
	}
	if rejudging.Finished() {
		return models.Rejudging{}, ErrRejudgingFinished
	}
	return rejudging, nil
}

func (s *rejudgingService) rejudging(ctx context.Context, store repository.Store, id uint) (models.Rejudging, error) {
	rejudging, err := store.Rejudgings().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Rejudging{}, ErrRejudgingNotFound
		}
		return models.Rejudging{}, err
	}
	return rejudging, nil
}

func (s *rejudgingService) progress(ctx context.Context, store repository.Store, id uint) (dto.RejudgingProgress, error) {
	done, total, err := store.Judgings().CountByRejudging(ctx, id)
	if err != nil {
		return dto.RejudgingProgress{}, err
	}
	return dto.RejudgingProgress{Done: done, Total: total}, nil
}
