package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// JudgeTaskType enumerates the kinds of work a judgehost can be handed.
type JudgeTaskType string

const (
	JudgeTaskTypeJudgingRun          JudgeTaskType = "judging_run"
	JudgeTaskTypeGenericTask         JudgeTaskType = "generic_task"
	JudgeTaskTypeConfigCheck         JudgeTaskType = "config_check"
	JudgeTaskTypeDebugInfo           JudgeTaskType = "debug_info"
	JudgeTaskTypePrefetch            JudgeTaskType = "prefetch"
	JudgeTaskTypeOutputVisualization JudgeTaskType = "output_visualization"
)

// Task priorities. Lower values are handed out first.
const (
	PriorityHigh    = -10
	PriorityDefault = 0
	PriorityLow     = 10
)

// ErrInvalidTaskPayload is returned when a payload misses the fields its task type requires.
var ErrInvalidTaskPayload = errors.New("invalid judge task payload")

// JudgeTask is one unit of dispatchable work. It is claimable iff Valid is set and JudgehostID is nil.
type JudgeTask struct {
	ID                       uint           `gorm:"primaryKey" json:"id"`
	Type                     JudgeTaskType  `gorm:"size:32;not null;index:idx_judge_task_host_type_start_job,priority:2" json:"type"`
	Priority                 int            `gorm:"not null;index" json:"priority"`
	JobID                    *uint          `gorm:"index:idx_judge_task_host_type_start_job,priority:4;index" json:"job_id"`
	SubmissionID             *uint          `gorm:"index" json:"submission_id"`
	CompileScriptID          *uint          `json:"compile_script_id"`
	RunScriptID              *uint          `json:"run_script_id"`
	CompareScriptID          *uint          `json:"compare_script_id"`
	OutputVisualizerScriptID *uint          `json:"output_visualizer_script_id"`
	TestcaseID               *uint          `json:"testcase_id"`
	TestcaseRank             int            `gorm:"not null;default:0" json:"testcase_rank"`
	CompileConfig            datatypes.JSON `json:"compile_config"`
	RunConfig                datatypes.JSON `json:"run_config"`
	CompareConfig            datatypes.JSON `json:"compare_config"`
	Valid                    bool           `gorm:"not null;index" json:"valid"`
	StartTime                *time.Time     `gorm:"index:idx_judge_task_host_type_start_job,priority:3" json:"start_time"`
	JudgehostID              *uint          `gorm:"index:idx_judge_task_host_type_start_job,priority:1" json:"judgehost_id"`
	TargetJudgehostID        *uint          `gorm:"index" json:"target_judgehost_id"`
	VersionID                *uint          `json:"version_id"`
	UUID                     string         `gorm:"size:36" json:"uuid"`
	CreatedAt                time.Time      `json:"created_at"`
}

// Claimable reports whether the task can still be handed to a judgehost.
func (t JudgeTask) Claimable() bool {
	return t.Valid && t.JudgehostID == nil
}

// TaskPayload is the typed content of a judge task. Each task type has exactly one variant.
type TaskPayload interface {
	TaskType() JudgeTaskType
	validate() error
}

// Scripts references the executables a judgehost needs for a run.
type Scripts struct {
	CompileScriptID uint `json:"compile_script_id"`
	RunScriptID     uint `json:"run_script_id"`
	CompareScriptID uint `json:"compare_script_id"`
}

// PhaseConfig holds the opaque per-phase configuration blobs handed through to the judgehost.
type PhaseConfig struct {
	Compile datatypes.JSON `json:"compile_config,omitempty"`
	Run     datatypes.JSON `json:"run_config,omitempty"`
	Compare datatypes.JSON `json:"compare_config,omitempty"`
}

// JudgingRunPayload runs one testcase of a submission.
type JudgingRunPayload struct {
	JudgingID    uint
	SubmissionID uint
	TestcaseID   uint
	TestcaseRank int
	Scripts      Scripts
	Config       PhaseConfig
}

// GenericPayload is a task without a testcase, such as a standalone compile.
type GenericPayload struct {
	JobID  *uint
	Config PhaseConfig
}

// ConfigCheckPayload asks a judgehost to verify its configuration before running a job.
type ConfigCheckPayload struct {
	JobID  *uint
	Config PhaseConfig
}

// DebugInfoPayload collects debug output on one specific judgehost.
type DebugInfoPayload struct {
	JudgehostID  uint
	JudgingID    *uint
	SubmissionID *uint
	RunScriptID  *uint
	Config       PhaseConfig
}

// PrefetchPayload warms a judgehost's cache with the executables of an upcoming job.
type PrefetchPayload struct {
	JudgehostID  uint
	SubmissionID *uint
	Scripts      Scripts
}

// OutputVisualizationPayload renders the team output of one run.
type OutputVisualizationPayload struct {
	JudgingID    uint
	SubmissionID uint
	TestcaseID   uint
	ScriptID     uint
	Config       PhaseConfig
}

func (JudgingRunPayload) TaskType() JudgeTaskType          { return JudgeTaskTypeJudgingRun }
func (GenericPayload) TaskType() JudgeTaskType             { return JudgeTaskTypeGenericTask }
func (ConfigCheckPayload) TaskType() JudgeTaskType         { return JudgeTaskTypeConfigCheck }
func (DebugInfoPayload) TaskType() JudgeTaskType           { return JudgeTaskTypeDebugInfo }
func (PrefetchPayload) TaskType() JudgeTaskType            { return JudgeTaskTypePrefetch }
func (OutputVisualizationPayload) TaskType() JudgeTaskType { return JudgeTaskTypeOutputVisualization }

func (p JudgingRunPayload) validate() error {
	switch {
	case p.JudgingID == 0:
		return fmt.Errorf("%w: judging run without judging", ErrInvalidTaskPayload)
	case p.SubmissionID == 0:
		return fmt.Errorf("%w: judging run without submission", ErrInvalidTaskPayload)
	case p.TestcaseID == 0:
		return fmt.Errorf("%w: judging run without testcase", ErrInvalidTaskPayload)
	}
	return nil
}

func (p GenericPayload) validate() error     { return nil }
func (p ConfigCheckPayload) validate() error { return nil }

func (p DebugInfoPayload) validate() error {
	if p.JudgehostID == 0 {
		return fmt.Errorf("%w: debug info must target a judgehost", ErrInvalidTaskPayload)
	}
	return nil
}

func (p PrefetchPayload) validate() error {
	if p.JudgehostID == 0 {
		return fmt.Errorf("%w: prefetch must target a judgehost", ErrInvalidTaskPayload)
	}
	return nil
}

func (p OutputVisualizationPayload) validate() error {
	if p.JudgingID == 0 || p.TestcaseID == 0 || p.ScriptID == 0 {
		return fmt.Errorf("%w: output visualization needs judging, testcase and script", ErrInvalidTaskPayload)
	}
	return nil
}

// NewJudgeTask builds a valid, unclaimed task from a typed payload.
func NewJudgeTask(payload TaskPayload, priority int) (JudgeTask, error) {
	if payload == nil {
		return JudgeTask{}, fmt.Errorf("%w: nil payload", ErrInvalidTaskPayload)
	}
	if err := payload.validate(); err != nil {
		return JudgeTask{}, err
	}

	task := JudgeTask{
		Type:     payload.TaskType(),
		Priority: priority,
		Valid:    true,
	}

	switch p := payload.(type) {
	case JudgingRunPayload:
		task.JobID = uintPtr(p.JudgingID)
		task.SubmissionID = uintPtr(p.SubmissionID)
		task.TestcaseID = uintPtr(p.TestcaseID)
		task.TestcaseRank = p.TestcaseRank
		task.setScripts(p.Scripts)
		task.setConfig(p.Config)
	case GenericPayload:
		task.JobID = p.JobID
		task.setConfig(p.Config)
	case ConfigCheckPayload:
		task.JobID = p.JobID
		task.setConfig(p.Config)
	case DebugInfoPayload:
		task.TargetJudgehostID = uintPtr(p.JudgehostID)
		task.JobID = p.JudgingID
		task.SubmissionID = p.SubmissionID
		task.RunScriptID = p.RunScriptID
		task.setConfig(p.Config)
	case PrefetchPayload:
		task.TargetJudgehostID = uintPtr(p.JudgehostID)
		task.SubmissionID = p.SubmissionID
		task.setScripts(p.Scripts)
	case OutputVisualizationPayload:
		task.JobID = uintPtr(p.JudgingID)
		task.SubmissionID = uintPtr(p.SubmissionID)
		task.TestcaseID = uintPtr(p.TestcaseID)
		task.OutputVisualizerScriptID = uintPtr(p.ScriptID)
		task.setConfig(p.Config)
	default:
		return JudgeTask{}, fmt.Errorf("%w: unknown payload %T", ErrInvalidTaskPayload, payload)
	}

	return task, nil
}

// Payload decodes the stored row into its typed variant.
func (t JudgeTask) Payload() (TaskPayload, error) {
	config := PhaseConfig{Compile: t.CompileConfig, Run: t.RunConfig, Compare: t.CompareConfig}

	var payload TaskPayload
	switch t.Type {
	case JudgeTaskTypeJudgingRun:
		payload = JudgingRunPayload{
			JudgingID:    derefUint(t.JobID),
			SubmissionID: derefUint(t.SubmissionID),
			TestcaseID:   derefUint(t.TestcaseID),
			TestcaseRank: t.TestcaseRank,
			Scripts:      t.scripts(),
			Config:       config,
		}
	case JudgeTaskTypeGenericTask:
		payload = GenericPayload{JobID: t.JobID, Config: config}
	case JudgeTaskTypeConfigCheck:
		payload = ConfigCheckPayload{JobID: t.JobID, Config: config}
	case JudgeTaskTypeDebugInfo:
		payload = DebugInfoPayload{
			JudgehostID:  derefUint(t.TargetJudgehostID),
			JudgingID:    t.JobID,
			SubmissionID: t.SubmissionID,
			RunScriptID:  t.RunScriptID,
			Config:       config,
		}
	case JudgeTaskTypePrefetch:
		payload = PrefetchPayload{
			JudgehostID:  derefUint(t.TargetJudgehostID),
			SubmissionID: t.SubmissionID,
			Scripts:      t.scripts(),
		}
	case JudgeTaskTypeOutputVisualization:
		payload = OutputVisualizationPayload{
			JudgingID:    derefUint(t.JobID),
			SubmissionID: derefUint(t.SubmissionID),
			TestcaseID:   derefUint(t.TestcaseID),
			ScriptID:     derefUint(t.OutputVisualizerScriptID),
			Config:       config,
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTaskPayload, t.Type)
	}

	if err := payload.validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// TypeOrder ranks task types inside one job: control tasks go before test runs.
func (t JudgeTaskType) TypeOrder() int {
	switch t {
	case JudgeTaskTypeConfigCheck:
		return 0
	case JudgeTaskTypeJudgingRun:
		return 2
	default:
		return 1
	}
}

func (t *JudgeTask) setScripts(s Scripts) {
	t.CompileScriptID = uintPtr(s.CompileScriptID)
	t.RunScriptID = uintPtr(s.RunScriptID)
	t.CompareScriptID = uintPtr(s.CompareScriptID)
}

func (t *JudgeTask) setConfig(c PhaseConfig) {
	t.CompileConfig = c.Compile
	t.RunConfig = c.Run
	t.CompareConfig = c.Compare
}

func (t JudgeTask) scripts() Scripts {
	return Scripts{
		CompileScriptID: derefUint(t.CompileScriptID),
		RunScriptID:     derefUint(t.RunScriptID),
		CompareScriptID: derefUint(t.CompareScriptID),
	}
}

func uintPtr(v uint) *uint {
	if v == 0 {
		return nil
	}
	return &v
}

func derefUint(v *uint) uint {
	if v == nil {
		return 0
	}
	return *v
}
