package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// RegisterJudgehostRequest announces a judgehost to the server.
type RegisterJudgehostRequest struct {
	Hostname string `json:"hostname" validate:"required,max=64,hostname_rfc1123"`
}

// UpdateJudgehostRequest toggles a judgehost from the jury interface.
type UpdateJudgehostRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// JudgehostResponse describes a judgehost to API consumers.
type JudgehostResponse struct {
	ID            uint       `json:"id"`
	Hostname      string     `json:"hostname"`
	Enabled       bool       `json:"enabled"`
	Hidden        bool       `json:"hidden"`
	PollTime      *time.Time `json:"poll_time"`
	RestrictionID *uint      `json:"restriction_id,omitempty"`
}

// NewJudgehostResponse builds a response DTO from a model.
func NewJudgehostResponse(judgehost models.Judgehost) JudgehostResponse {
	return JudgehostResponse{
		ID:            judgehost.ID,
		Hostname:      judgehost.Hostname,
		Enabled:       judgehost.Enabled,
		Hidden:        judgehost.Hidden,
		PollTime:      judgehost.PollTime,
		RestrictionID: judgehost.RestrictionID,
	}
}

// NewJudgehostResponseSlice converts judgehost models.
func NewJudgehostResponseSlice(judgehosts []models.Judgehost) []JudgehostResponse {
	responses := make([]JudgehostResponse, 0, len(judgehosts))
	for _, judgehost := range judgehosts {
		responses = append(responses, NewJudgehostResponse(judgehost))
	}
	return responses
}

// PollRequest asks the server for work. JobHint names a job the judgehost wants to continue.
type PollRequest struct {
	MaxBatchSize int   `json:"max_batchsize" validate:"omitempty,min=1,max=100"`
	JobHint      *uint `json:"job_hint" validate:"omitempty,gt=0"`
}

// TaskDescriptor carries everything a judgehost needs to execute one judge task.
type TaskDescriptor struct {
	JudgeTaskID              uint            `json:"judgetaskid"`
	Type                     string          `json:"type"`
	Priority                 int             `json:"priority"`
	JobID                    *uint           `json:"jobid"`
	SubmissionID             *uint           `json:"submitid"`
	TestcaseID               *uint           `json:"testcase_id"`
	TestcaseRank             int             `json:"testcase_rank"`
	CompileScriptID          *uint           `json:"compile_script_id"`
	RunScriptID              *uint           `json:"run_script_id"`
	CompareScriptID          *uint           `json:"compare_script_id"`
	OutputVisualizerScriptID *uint           `json:"output_visualizer_script_id,omitempty"`
	CompileConfig            json.RawMessage `json:"compile_config,omitempty"`
	RunConfig                json.RawMessage `json:"run_config,omitempty"`
	CompareConfig            json.RawMessage `json:"compare_config,omitempty"`
	UUID                     string          `json:"uuid,omitempty"`
}

// NewTaskDescriptor builds the wire form of a claimed judge task. Config blobs pass through untouched.
func NewTaskDescriptor(task models.JudgeTask) TaskDescriptor {
	return TaskDescriptor{
		JudgeTaskID:              task.ID,
		Type:                     string(task.Type),
		Priority:                 task.Priority,
		JobID:                    task.JobID,
		SubmissionID:             task.SubmissionID,
		TestcaseID:               task.TestcaseID,
		TestcaseRank:             task.TestcaseRank,
		CompileScriptID:          task.CompileScriptID,
		RunScriptID:              task.RunScriptID,
		CompareScriptID:          task.CompareScriptID,
		OutputVisualizerScriptID: task.OutputVisualizerScriptID,
		CompileConfig:            rawConfig(task.CompileConfig),
		RunConfig:                rawConfig(task.RunConfig),
		CompareConfig:            rawConfig(task.CompareConfig),
		UUID:                     task.UUID,
	}
}

func rawConfig(blob []byte) json.RawMessage {
	if len(blob) == 0 {
		return nil
	}
	return json.RawMessage(blob)
}

// PollResponse lists the tasks handed out. BackOff asks a disabled judgehost to slow down.
type PollResponse struct {
	Tasks   []TaskDescriptor `json:"tasks"`
	BackOff bool             `json:"back_off"`
}

// RunReport delivers the outcome of one judging run.
type RunReport struct {
	JudgeTaskID uint       `json:"judgetaskid" validate:"required,gt=0"`
	Result      string     `json:"runresult" validate:"required,max=32"`
	Runtime     *float64   `json:"runtime" validate:"omitempty,gte=0"`
	Score       *float64   `json:"score"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Pass        int        `json:"pass" validate:"omitempty,gte=1"`
	AnotherPass bool       `json:"another_pass"`
	Output      []byte     `json:"output_run,omitempty"`
}

// RunAck tells the judgehost whether the judging still wants more runs.
type RunAck struct {
	NeedsMoreWork bool `json:"needs_more_work"`
}

// CompileReport delivers the compilation outcome for a judging.
type CompileReport struct {
	JudgeTaskID uint   `json:"judgetaskid" validate:"required,gt=0"`
	Success     *bool  `json:"compile_success" validate:"required"`
	Output      string `json:"output_compile"`
}

// DisabledTarget names the entity an internal error disables.
type DisabledTarget struct {
	Kind string `json:"kind" validate:"required,oneof=compile_script run_script compare_script problem language judgehost testcase"`
	ID   uint   `json:"id"`
}

// InternalErrorReport is sent by a judgehost when its tooling fails.
type InternalErrorReport struct {
	JudgeTaskID  *uint          `json:"judgetaskid" validate:"omitempty,gt=0"`
	Description  string         `json:"description" validate:"required,max=1024"`
	JudgehostLog string         `json:"judgehostlog"`
	Disabled     DisabledTarget `json:"disabled"`
}
