package dto

import (
	"time"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// JudgeSubmissionRequest queues a submission for judging.
type JudgeSubmissionRequest struct {
	Priority        *int `json:"priority" validate:"omitempty,min=-10,max=10"`
	JudgeCompletely bool `json:"judge_completely"`
}

// JudgingRunResponse describes one testcase result.
type JudgingRunResponse struct {
	ID          uint       `json:"id"`
	TestcaseID  uint       `json:"testcase_id"`
	JudgeTaskID uint       `json:"judgetask_id"`
	Result      *string    `json:"result"`
	Runtime     *float64   `json:"runtime"`
	Score       *float64   `json:"score"`
	PassCount   int        `json:"pass_count"`
	EndTime     *time.Time `json:"end_time"`
	OutputRef   string     `json:"output_ref,omitempty"`
}

// JudgingResponse describes a judging and its runs.
type JudgingResponse struct {
	ID                uint                 `json:"id"`
	SubmissionID      uint                 `json:"submission_id"`
	ContestID         uint                 `json:"contest_id"`
	StartTime         *time.Time           `json:"start_time"`
	EndTime           *time.Time           `json:"end_time"`
	Result            *string              `json:"result"`
	Valid             bool                 `json:"valid"`
	Verified          bool                 `json:"verified"`
	RejudgingID       *uint                `json:"rejudging_id"`
	PreviousJudgingID *uint                `json:"previous_judging_id"`
	JudgeCompletely   bool                 `json:"judge_completely"`
	Score             *float64             `json:"score"`
	MaxRuntime        *float64             `json:"max_runtime"`
	CompileSuccess    *bool                `json:"compile_success"`
	InternalErrorID   *uint                `json:"internal_error_id"`
	Runs              []JudgingRunResponse `json:"runs"`
}

// NewJudgingResponse builds a response DTO from a model.
func NewJudgingResponse(judging models.Judging) JudgingResponse {
	runs := make([]JudgingRunResponse, 0, len(judging.Runs))
	for _, run := range judging.Runs {
		runs = append(runs, JudgingRunResponse{
			ID:          run.ID,
			TestcaseID:  run.TestcaseID,
			JudgeTaskID: run.JudgeTaskID,
			Result:      run.Result,
			Runtime:     run.Runtime,
			Score:       run.Score,
			PassCount:   run.PassCount,
			EndTime:     run.EndTime,
			OutputRef:   run.OutputRef,
		})
	}

	return JudgingResponse{
		ID:                judging.ID,
		SubmissionID:      judging.SubmissionID,
		ContestID:         judging.ContestID,
		StartTime:         judging.StartTime,
		EndTime:           judging.EndTime,
		Result:            judging.Result,
		Valid:             judging.Valid,
		Verified:          judging.Verified,
		RejudgingID:       judging.RejudgingID,
		PreviousJudgingID: judging.PreviousJudgingID,
		JudgeCompletely:   judging.JudgeCompletely,
		Score:             judging.Score,
		MaxRuntime:        judging.MaxRuntime,
		CompileSuccess:    judging.CompileSuccess,
		InternalErrorID:   judging.InternalErrorID,
		Runs:              runs,
	}
}

// QueueTaskResponse describes one waiting or running job in the judging queue.
type QueueTaskResponse struct {
	ID           uint       `json:"id"`
	JobID        uint       `json:"job_id"`
	TeamID       *uint      `json:"team_id"`
	ContestID    uint       `json:"contest_id"`
	ProblemID    uint       `json:"problem_id"`
	LanguageID   uint       `json:"language_id"`
	Priority     int        `json:"priority"`
	TeamPriority int        `json:"team_priority"`
	StartTime    *time.Time `json:"start_time"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewQueueTaskResponseSlice converts queue task models.
func NewQueueTaskResponseSlice(tasks []models.QueueTask) []QueueTaskResponse {
	responses := make([]QueueTaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, QueueTaskResponse{
			ID:           task.ID,
			JobID:        task.JobID,
			TeamID:       task.TeamID,
			ContestID:    task.ContestID,
			ProblemID:    task.ProblemID,
			LanguageID:   task.LanguageID,
			Priority:     task.Priority,
			TeamPriority: task.TeamPriority,
			StartTime:    task.StartTime,
			CreatedAt:    task.CreatedAt,
		})
	}
	return responses
}
