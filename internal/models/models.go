package models

// All lists every persisted model for migrations.
func All() []interface{} {
	return []interface{}{
		&Contest{},
		&Problem{},
		&Language{},
		&Testcase{},
		&TestcaseGroup{},
		&Submission{},
		&JudgehostRestriction{},
		&Judgehost{},
		&Judging{},
		&JudgingRun{},
		&JudgeTask{},
		&QueueTask{},
		&TeamCredit{},
		&Rejudging{},
		&InternalError{},
	}
}

// TaskState is the dispatch state of a judge task.
type TaskState string

const (
	TaskStatePending     TaskState = "pending"
	TaskStateClaimed     TaskState = "claimed"
	TaskStateReported    TaskState = "reported"
	TaskStateFinalized   TaskState = "finalized"
	TaskStateInvalidated TaskState = "invalidated"
)

// StateOf derives the dispatch state of a task from its row, its run and its judging.
// run and judging may be nil for tasks that are not judging runs.
func StateOf(task JudgeTask, run *JudgingRun, judging *Judging) TaskState {
	reported := run != nil && run.Reported()
	finalized := judging != nil && judging.Finished()

	switch {
	case reported && finalized:
		return TaskStateFinalized
	case reported:
		return TaskStateReported
	case !task.Valid:
		return TaskStateInvalidated
	case finalized:
		return TaskStateInvalidated
	case task.JudgehostID != nil:
		return TaskStateClaimed
	default:
		return TaskStatePending
	}
}
