package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/judgedispatch/internal/dto"
	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/verdict"
)

func TestEnqueueCreatesTaskBatchAndQueueTask(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, testcases := h.problem(3, nil)
	submission := h.submit(problem, 7)

	judging := h.enqueue(submission)
	require.True(t, judging.Valid)
	require.NotEmpty(t, judging.UUID)

	tasks := h.tasks(judging.ID)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		require.Equal(t, models.JudgeTaskTypeJudgingRun, task.Type)
		require.True(t, task.Claimable())
		require.Equal(t, testcases[i].ID, *task.TestcaseID)
		require.Equal(t, i+1, task.TestcaseRank)
		require.Equal(t, problem.RunScriptID, *task.RunScriptID)
		require.Equal(t, h.language.CompileScriptID, *task.CompileScriptID)
		require.NotEmpty(t, task.UUID)
	}

	runs, err := h.store.Judgings().ListRuns(h.ctx, judging.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, run := range runs {
		require.False(t, run.Reported())
	}

	queued, err := h.store.QueueTasks().GetByJob(h.ctx, judging.ID)
	require.NoError(t, err)
	require.Equal(t, uint(7), *queued.TeamID)
	require.Equal(t, problem.ID, queued.ProblemID)
	require.Zero(t, queued.TeamPriority)
}

func TestEnqueueRejectsOutstandingJobAndUnknownSubmission(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(1, nil)
	submission := h.submit(problem, 1)
	h.enqueue(submission)

	_, err := h.jobs.Enqueue(h.ctx, EnqueueRequest{SubmissionID: submission.ID})
	require.ErrorIs(t, err, ErrInvalidSubmissionState)

	_, err = h.jobs.Enqueue(h.ctx, EnqueueRequest{SubmissionID: 9999})
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestEnqueueBlockedUntilProblemAllowsJudging(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(2, func(p *models.Problem) { p.AllowJudge = false })
	submission := h.submit(problem, 1)

	judging := h.enqueue(submission)
	require.Empty(t, h.tasks(judging.ID))
	require.False(t, h.hasQueueTask(judging.ID))

	unblocked, err := h.jobs.Unblock(h.ctx, &problem.ID, nil)
	require.NoError(t, err)
	require.Zero(t, unblocked)

	require.NoError(t, h.store.Catalog().SetProblemAllowJudge(h.ctx, problem.ID, true))
	unblocked, err = h.jobs.Unblock(h.ctx, &problem.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, unblocked)
	require.Len(t, h.tasks(judging.ID), 2)
	require.True(t, h.hasQueueTask(judging.ID))
}

func TestOnDemandJudgingWaitsForJudgeRemaining(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(2, func(p *models.Problem) { p.LazyEvalResults = models.LazyEvalOnDemand })
	submission := h.submit(problem, 1)
	host := h.host("judgehost-1")

	judging := h.enqueue(submission)
	require.Len(t, h.tasks(judging.ID), 2)
	require.False(t, h.hasQueueTask(judging.ID))
	require.Empty(t, h.poll(host, 5))

	response, err := h.jobs.JudgeRemaining(h.ctx, judging.ID)
	require.NoError(t, err)
	require.True(t, response.JudgeCompletely)
	require.True(t, h.hasQueueTask(judging.ID))
	require.Len(t, h.poll(host, 5), 2)
}

func TestJudgeSubmissionAndQueueListing(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(1, nil)
	first := h.submit(problem, 1)
	second := h.submit(problem, 2)

	high := models.PriorityHigh
	_, err := h.jobs.Judge(h.ctx, first.ID, dto.JudgeSubmissionRequest{})
	require.NoError(t, err)
	urgent, err := h.jobs.Judge(h.ctx, second.ID, dto.JudgeSubmissionRequest{Priority: &high})
	require.NoError(t, err)
	require.Len(t, urgent.Runs, 1)

	queue, err := h.jobs.Queue(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	require.Equal(t, urgent.ID, queue[0].JobID)

	_, err = h.jobs.GetJudging(h.ctx, 4242)
	require.ErrorIs(t, err, ErrJudgingNotFound)

	require.NoError(t, h.jobs.InvalidateJob(h.ctx, urgent.ID))
	require.False(t, h.hasQueueTask(urgent.ID))
	for _, task := range h.tasks(urgent.ID) {
		require.False(t, task.Valid)
	}
}

func TestEnqueueRejectsSecondJudgingWhileBlockedOrOnDemand(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	blocked, _ := h.problem(2, func(p *models.Problem) { p.AllowJudge = false })
	waiting := h.submit(blocked, 1)
	h.enqueue(waiting)

	_, err := h.jobs.Enqueue(h.ctx, EnqueueRequest{SubmissionID: waiting.ID})
	require.ErrorIs(t, err, ErrInvalidSubmissionState)

	require.NoError(t, h.store.Catalog().SetProblemAllowJudge(h.ctx, blocked.ID, true))
	unblocked, err := h.jobs.Unblock(h.ctx, &blocked.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, unblocked)

	onDemand, _ := h.problem(2, func(p *models.Problem) { p.LazyEvalResults = models.LazyEvalOnDemand })
	pending := h.submit(onDemand, 2)
	h.enqueue(pending)

	_, err = h.jobs.Enqueue(h.ctx, EnqueueRequest{SubmissionID: pending.ID})
	require.ErrorIs(t, err, ErrInvalidSubmissionState)
}

func TestJudgingAgainReplacesPreviousVerdictOnceFinished(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(2, nil)
	submission := h.submit(problem, 1)
	host := h.host("judgehost-1")

	first := h.enqueue(submission)
	h.judgeAll(host, verdict.WrongAnswer)
	require.Equal(t, verdict.WrongAnswer, *h.judging(first.ID).Result)

	second, err := h.jobs.Judge(h.ctx, submission.ID, dto.JudgeSubmissionRequest{JudgeCompletely: true})
	require.NoError(t, err)
	require.False(t, h.judging(second.ID).Valid)

	valid := h.validJudgings(submission.ID)
	require.Len(t, valid, 1)
	require.Equal(t, first.ID, valid[0].ID)

	h.judgeAll(host, verdict.Correct)

	valid = h.validJudgings(submission.ID)
	require.Len(t, valid, 1)
	require.Equal(t, second.ID, valid[0].ID)
	require.Equal(t, verdict.Correct, *valid[0].Result)
	require.False(t, h.judging(first.ID).Valid)
}

func TestInvalidatedJobCanBeQueuedAgain(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(2, nil)
	submission := h.submit(problem, 1)
	host := h.host("judgehost-1")

	first := h.enqueue(submission)
	require.NoError(t, h.jobs.InvalidateJob(h.ctx, first.ID))

	aborted := h.judging(first.ID)
	require.True(t, aborted.Finished())
	require.False(t, aborted.Valid)
	require.Equal(t, verdict.Aborted, *aborted.Result)
	require.Empty(t, h.validJudgings(submission.ID))

	second := h.enqueue(submission)
	require.True(t, second.Valid)
	h.judgeAll(host, verdict.Correct)

	valid := h.validJudgings(submission.ID)
	require.Len(t, valid, 1)
	require.Equal(t, second.ID, valid[0].ID)
	require.Equal(t, verdict.Correct, *valid[0].Result)

	require.ErrorIs(t, h.jobs.InvalidateJob(h.ctx, 9999), ErrJudgingNotFound)
}
