package dto

import (
	"time"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// CreateRejudgingRequest selects valid judgings to redo. Empty filters match everything.
type CreateRejudgingRequest struct {
	Reason       string   `json:"reason" validate:"required,max=255"`
	ContestIDs   []uint   `json:"contest_ids" validate:"omitempty,dive,gt=0"`
	ProblemIDs   []uint   `json:"problem_ids" validate:"omitempty,dive,gt=0"`
	LanguageIDs  []uint   `json:"language_ids" validate:"omitempty,dive,gt=0"`
	TeamIDs      []uint   `json:"team_ids" validate:"omitempty,dive,gt=0"`
	JudgehostIDs []uint   `json:"judgehost_ids" validate:"omitempty,dive,gt=0"`
	Results      []string `json:"results" validate:"omitempty,dive,required,max=32"`
	SubmissionID *uint    `json:"submission_id" validate:"omitempty,gt=0"`
	Full         *bool    `json:"full"`
	Priority     *int     `json:"priority" validate:"omitempty,min=-10,max=10"`
	AutoApply    bool     `json:"auto_apply"`
	Repeat       int      `json:"repeat" validate:"omitempty,min=1,max=999"`
}

// FullRejudge reports whether the request creates a rejudging cohort. It defaults to true.
func (r CreateRejudgingRequest) FullRejudge() bool {
	return r.Full == nil || *r.Full
}

// RejudgingProgress counts finished cohort judgings.
type RejudgingProgress struct {
	Done  int64 `json:"done"`
	Total int64 `json:"total"`
}

// RejudgingResponse describes a rejudging cohort.
type RejudgingResponse struct {
	ID                  uint              `json:"id"`
	Reason              string            `json:"reason"`
	StartUser           uint              `json:"start_user"`
	FinishUser          *uint             `json:"finish_user"`
	StartTime           time.Time         `json:"start_time"`
	EndTime             *time.Time        `json:"end_time"`
	Valid               bool              `json:"valid"`
	AutoApply           bool              `json:"auto_apply"`
	Repeat              int               `json:"repeat"`
	RepeatedRejudgingID *uint             `json:"repeated_rejudging_id"`
	Progress            RejudgingProgress `json:"progress"`
}

// NewRejudgingResponse builds a response DTO from a model and its progress.
func NewRejudgingResponse(rejudging models.Rejudging, progress RejudgingProgress) RejudgingResponse {
	return RejudgingResponse{
		ID:                  rejudging.ID,
		Reason:              rejudging.Reason,
		StartUser:           rejudging.StartUser,
		FinishUser:          rejudging.FinishUser,
		StartTime:           rejudging.StartTime,
		EndTime:             rejudging.EndTime,
		Valid:               rejudging.Valid,
		AutoApply:           rejudging.AutoApply,
		Repeat:              rejudging.Repeat,
		RepeatedRejudgingID: rejudging.RepeatedRejudgingID,
		Progress:            progress,
	}
}

// RejudgingResult is returned when a rejudging is started. Rejudging is nil for a quick
// invalidate, which requeues the submissions without a cohort.
type RejudgingResult struct {
	Rejudging  *RejudgingResponse `json:"rejudging,omitempty"`
	JudgingIDs []uint             `json:"judging_ids"`
	Skipped    []uint             `json:"skipped_submission_ids"`
}
