package service

import "errors"

// ErrClaimConflict indicates a concurrent judgehost won the claim. It is retried by the scheduler.
var ErrClaimConflict = errors.New("judge task claimed concurrently")

// ErrInvalidSubmissionState indicates the submission already has an outstanding judging job.
var ErrInvalidSubmissionState = errors.New("submission already has an outstanding judging job")

// ErrAlreadyRejudging indicates the submission is already part of an open rejudging.
var ErrAlreadyRejudging = errors.New("submission is already part of a rejudging")

// ErrCohortNotComplete indicates the rejudging still has unfinished judgings.
var ErrCohortNotComplete = errors.New("rejudging cohort still has outstanding work")

// ErrRejudgingFinished indicates the rejudging was already applied or canceled.
var ErrRejudgingFinished = errors.New("rejudging already applied or canceled")

// ErrRepeatWithAutoApply indicates a repeated rejudging was requested with auto apply.
var ErrRepeatWithAutoApply = errors.New("repeated rejudgings cannot be applied automatically")

// ErrNoMatchingJudgings indicates a rejudging filter selected nothing.
var ErrNoMatchingJudgings = errors.New("no valid judgings match the filter")

// ErrJudgehostDisabled indicates the judgehost may not receive work.
var ErrJudgehostDisabled = errors.New("judgehost disabled")

// ErrJudgehostNotFound indicates the judgehost cannot be located.
var ErrJudgehostNotFound = errors.New("judgehost not found")

// ErrSubmissionNotFound indicates the submission cannot be located.
var ErrSubmissionNotFound = errors.New("submission not found")

// ErrJudgingNotFound indicates the judging cannot be located.
var ErrJudgingNotFound = errors.New("judging not found")

// ErrRejudgingNotFound indicates the rejudging cannot be located.
var ErrRejudgingNotFound = errors.New("rejudging not found")

// ErrJudgeTaskNotFound indicates the judge task cannot be located.
var ErrJudgeTaskNotFound = errors.New("judge task not found")

// ErrTaskNotClaimed indicates the reporting judgehost does not hold the claim on the task.
var ErrTaskNotClaimed = errors.New("judge task not claimed by this judgehost")

// ErrUnknownResult indicates a run result outside the configured verdict priorities.
var ErrUnknownResult = errors.New("unknown run result")

// ErrInternalErrorNotFound indicates the internal error cannot be located.
var ErrInternalErrorNotFound = errors.New("internal error not found")

// ErrInternalErrorClosed indicates the internal error was already resolved or ignored.
var ErrInternalErrorClosed = errors.New("internal error already closed")
