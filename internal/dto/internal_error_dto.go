package dto

import (
	"time"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// InternalErrorResponse describes an internal error to operators.
type InternalErrorResponse struct {
	ID           uint           `json:"id"`
	JudgingID    *uint          `json:"judging_id"`
	ContestID    *uint          `json:"contest_id"`
	JudgehostID  *uint          `json:"judgehost_id"`
	Description  string         `json:"description"`
	JudgehostLog string         `json:"judgehost_log,omitempty"`
	Disabled     DisabledTarget `json:"disabled"`
	Status       string         `json:"status"`
	Time         time.Time      `json:"time"`
	ResolvedAt   *time.Time     `json:"resolved_at"`
}

// NewInternalErrorResponse builds a response DTO from a model.
func NewInternalErrorResponse(internalError models.InternalError) InternalErrorResponse {
	response := InternalErrorResponse{
		ID:           internalError.ID,
		JudgingID:    internalError.JudgingID,
		ContestID:    internalError.ContestID,
		JudgehostID:  internalError.JudgehostID,
		Description:  internalError.Description,
		JudgehostLog: internalError.JudgehostLog,
		Status:       internalError.Status,
		Time:         internalError.Time,
		ResolvedAt:   internalError.ResolvedAt,
		Disabled: DisabledTarget{
			Kind: internalError.DisabledKind,
			ID:   internalError.DisabledID,
		},
	}
	return response
}

// NewInternalErrorResponseSlice converts internal error models.
func NewInternalErrorResponseSlice(internalErrors []models.InternalError) []InternalErrorResponse {
	responses := make([]InternalErrorResponse, 0, len(internalErrors))
	for _, internalError := range internalErrors {
		responses = append(responses, NewInternalErrorResponse(internalError))
	}
	return responses
}
