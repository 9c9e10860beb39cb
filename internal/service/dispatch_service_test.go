package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/judgedispatch/internal/dto"
	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/verdict"
)

type memoryArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (a *memoryArchive) Put(ctx context.Context, key string, data []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = map[string][]byte{}
	}
	a.objects[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func TestFirstWrongAnswerFinalizesAndInvalidatesRest(t *testing.T) {
	h := newHarness(t, harnessConfig{ParallelJudging: true})
	problem, _ := h.problem(3, nil)
	judging := h.enqueue(h.submit(problem, 1))
	h1 := h.host("judgehost-1")
	h2 := h.host("judgehost-2")

	first := h.poll(h1, 1)
	require.Len(t, first, 1)
	second := h.poll(h2, 1)
	require.Len(t, second, 1)
	require.Equal(t, judging.ID, *second[0].JobID)
	require.Equal(t, 2, second[0].TestcaseRank)

	ack := h.report(h1, first[0].JudgeTaskID, verdict.Correct)
	require.True(t, ack.NeedsMoreWork)

	ack = h.report(h2, second[0].JudgeTaskID, verdict.WrongAnswer)
	require.False(t, ack.NeedsMoreWork)

	stored := h.judging(judging.ID)
	require.True(t, stored.Finished())
	require.Equal(t, verdict.WrongAnswer, *stored.Result)
	require.True(t, stored.Valid)

	require.Empty(t, h.poll(h1, 1))
	require.Empty(t, h.poll(h2, 1))
	require.False(t, h.hasQueueTask(judging.ID))

	tasks := h.tasks(judging.ID)
	require.Len(t, tasks, 3)
	third := tasks[2]
	require.Equal(t, 3, third.TestcaseRank)
	state, err := h.dispatch.TaskState(h.ctx, third.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStateInvalidated, state)

	state, err = h.dispatch.TaskState(h.ctx, second[0].JudgeTaskID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStateFinalized, state)

	finalized := h.events.Finalized()
	require.Len(t, finalized, 1)
	require.Equal(t, judging.ID, finalized[0].JudgingID)
	require.Equal(t, verdict.WrongAnswer, finalized[0].Result)
}

func TestLazyEvaluationSkipsRemainingTestcases(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(5, nil)
	judging := h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")

	tasks := h.poll(host, 2)
	require.Len(t, tasks, 2)
	h.report(host, tasks[0].JudgeTaskID, verdict.Correct)
	h.report(host, tasks[1].JudgeTaskID, verdict.WrongAnswer)

	skipped := 0
	for _, task := range h.tasks(judging.ID) {
		if task.JudgehostID == nil {
			skipped++
			require.False(t, task.Valid)
		}
	}
	require.Equal(t, 3, skipped)
	require.Equal(t, verdict.WrongAnswer, *h.judging(judging.ID).Result)
}

func TestFullEvaluationRunsEveryTestcase(t *testing.T) {
	h := newHarness(t, harnessConfig{LazyEval: models.LazyEvalFull})
	problem, _ := h.problem(3, nil)
	judging := h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")

	tasks := h.poll(host, 3)
	require.Len(t, tasks, 3)

	ack := h.report(host, tasks[0].JudgeTaskID, verdict.WrongAnswer)
	require.True(t, ack.NeedsMoreWork)
	stored := h.judging(judging.ID)
	require.False(t, stored.Finished())
	require.Equal(t, verdict.WrongAnswer, *stored.Result)

	h.report(host, tasks[1].JudgeTaskID, verdict.Correct)
	ack = h.report(host, tasks[2].JudgeTaskID, verdict.TimeLimit)
	require.False(t, ack.NeedsMoreWork)

	stored = h.judging(judging.ID)
	require.True(t, stored.Finished())
	require.Equal(t, verdict.WrongAnswer, *stored.Result)
	for _, task := range h.tasks(judging.ID) {
		require.True(t, task.Valid)
	}
}

func TestDuplicateRunReportIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(2, nil)
	judging := h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")

	tasks := h.poll(host, 2)
	require.Len(t, tasks, 2)
	h.report(host, tasks[0].JudgeTaskID, verdict.Correct)
	h.report(host, tasks[1].JudgeTaskID, verdict.Correct)
	before := h.judging(judging.ID)

	ack := h.report(host, tasks[1].JudgeTaskID, verdict.WrongAnswer)
	require.False(t, ack.NeedsMoreWork)

	after := h.judging(judging.ID)
	require.Equal(t, verdict.Correct, *after.Result)
	require.Equal(t, before.EndTime.Unix(), after.EndTime.Unix())
	require.Len(t, h.events.Finalized(), 1)

	run, err := h.store.Judgings().GetRunByTask(h.ctx, tasks[1].JudgeTaskID)
	require.NoError(t, err)
	require.Equal(t, verdict.Correct, *run.Result)
}

func TestReportRejectsUnknownResultsAndForeignTasks(t *testing.T) {
	h := newHarness(t, harnessConfig{ParallelJudging: true})
	problem, _ := h.problem(2, nil)
	h.enqueue(h.submit(problem, 1))
	owner := h.host("judgehost-1")
	other := h.host("judgehost-2")

	tasks := h.poll(owner, 1)
	require.Len(t, tasks, 1)

	_, err := h.dispatch.ReportRun(h.ctx, owner.ID, dto.RunReport{JudgeTaskID: tasks[0].JudgeTaskID, Result: "accepted-ish"})
	require.ErrorIs(t, err, ErrUnknownResult)

	_, err = h.dispatch.ReportRun(h.ctx, other.ID, dto.RunReport{JudgeTaskID: tasks[0].JudgeTaskID, Result: verdict.Correct})
	require.ErrorIs(t, err, ErrTaskNotClaimed)

	_, err = h.dispatch.ReportRun(h.ctx, owner.ID, dto.RunReport{JudgeTaskID: 9999, Result: verdict.Correct})
	require.ErrorIs(t, err, ErrJudgeTaskNotFound)

	ack := h.report(owner, tasks[0].JudgeTaskID, "presentation-error")
	require.False(t, ack.NeedsMoreWork)
	run, err := h.store.Judgings().GetRunByTask(h.ctx, tasks[0].JudgeTaskID)
	require.NoError(t, err)
	require.Equal(t, verdict.WrongAnswer, *run.Result)
}

func TestMultipassRunsUntilLimit(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(1, func(p *models.Problem) { p.MultipassLimit = 2 })
	judging := h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")

	tasks := h.poll(host, 1)
	require.Len(t, tasks, 1)
	taskID := tasks[0].JudgeTaskID

	ack, err := h.dispatch.ReportRun(h.ctx, host.ID, dto.RunReport{JudgeTaskID: taskID, Result: verdict.Correct, Pass: 1, AnotherPass: true})
	require.NoError(t, err)
	require.True(t, ack.NeedsMoreWork)
	require.False(t, h.judging(judging.ID).Finished())

	run, err := h.store.Judgings().GetRunByTask(h.ctx, taskID)
	require.NoError(t, err)
	require.Nil(t, run.Result)
	require.Equal(t, 1, run.PassCount)

	ack, err = h.dispatch.ReportRun(h.ctx, host.ID, dto.RunReport{JudgeTaskID: taskID, Result: verdict.Correct, Pass: 2, AnotherPass: true})
	require.NoError(t, err)
	require.False(t, ack.NeedsMoreWork)

	stored := h.judging(judging.ID)
	require.True(t, stored.Finished())
	require.Equal(t, verdict.WrongAnswer, *stored.Result)
}

func TestScoringProblemAggregatesGroups(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, testcases := h.problem(5, func(p *models.Problem) { p.Scoring = true })

	summed := models.TestcaseGroup{ProblemID: problem.ID, Name: "subtask 1", Aggregation: models.AggregationSum, Weight: 2}
	require.NoError(t, h.db.Create(&summed).Error)
	minimum := models.TestcaseGroup{ProblemID: problem.ID, Name: "subtask 2", Aggregation: models.AggregationMin, Weight: 1}
	require.NoError(t, h.db.Create(&minimum).Error)
	for i, group := range []uint{summed.ID, summed.ID, minimum.ID, minimum.ID} {
		require.NoError(t, h.db.Model(&models.Testcase{}).Where("id = ?", testcases[i].ID).Update("group_id", group).Error)
	}

	judging := h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")
	tasks := h.poll(host, 5)
	require.Len(t, tasks, 5)

	scores := map[uint]float64{
		testcases[0].ID: 10,
		testcases[1].ID: 5,
		testcases[2].ID: 10,
		testcases[3].ID: 4,
		testcases[4].ID: 6,
	}
	for i, task := range tasks {
		score := scores[*task.TestcaseID]
		result := verdict.Correct
		if i == 0 {
			result = verdict.WrongAnswer
		}
		_, err := h.dispatch.ReportRun(h.ctx, host.ID, dto.RunReport{JudgeTaskID: task.JudgeTaskID, Result: result, Score: &score})
		require.NoError(t, err)
	}

	stored := h.judging(judging.ID)
	require.True(t, stored.Finished())
	require.Equal(t, verdict.WrongAnswer, *stored.Result)
	require.NotNil(t, stored.Score)
	require.InDelta(t, 40.0, *stored.Score, 1e-9)

	finalized := h.events.Finalized()
	require.Len(t, finalized, 1)
	require.InDelta(t, 40.0, *finalized[0].Score, 1e-9)
}

func TestCompileFailureFinalizesAsCompilerError(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(3, nil)
	judging := h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")

	tasks := h.poll(host, 1)
	require.Len(t, tasks, 1)

	failed := false
	err := h.dispatch.ReportCompile(h.ctx, host.ID, dto.CompileReport{JudgeTaskID: tasks[0].JudgeTaskID, Success: &failed, Output: "main.cpp:1: error"})
	require.NoError(t, err)

	stored := h.judging(judging.ID)
	require.True(t, stored.Finished())
	require.Equal(t, verdict.CompilerError, *stored.Result)
	require.False(t, *stored.CompileSuccess)
	require.Equal(t, host.ID, *stored.CompileJudgehost)
	for _, task := range h.tasks(judging.ID) {
		require.False(t, task.Valid)
	}
	require.Empty(t, h.poll(host, 1))
	require.Len(t, h.events.Finalized(), 1)
}

func TestConflictingCompileResultsDisableReporter(t *testing.T) {
	h := newHarness(t, harnessConfig{ParallelJudging: true})
	problem, _ := h.problem(2, nil)
	judging := h.enqueue(h.submit(problem, 1))
	h1 := h.host("judgehost-1")
	h2 := h.host("judgehost-2")

	first := h.poll(h1, 1)
	require.Len(t, first, 1)
	second := h.poll(h2, 1)
	require.Len(t, second, 1)

	success := true
	require.NoError(t, h.dispatch.ReportCompile(h.ctx, h1.ID, dto.CompileReport{JudgeTaskID: first[0].JudgeTaskID, Success: &success}))
	failure := false
	require.NoError(t, h.dispatch.ReportCompile(h.ctx, h2.ID, dto.CompileReport{JudgeTaskID: second[0].JudgeTaskID, Success: &failure}))

	stored := h.judging(judging.ID)
	require.False(t, stored.Finished())
	require.True(t, *stored.CompileSuccess)

	disabled, err := h.store.Judgehosts().GetByID(h.ctx, h2.ID)
	require.NoError(t, err)
	require.False(t, disabled.Enabled)

	released, err := h.store.JudgeTasks().GetByID(h.ctx, second[0].JudgeTaskID)
	require.NoError(t, err)
	require.Nil(t, released.JudgehostID)
	require.True(t, released.Valid)

	raised := h.events.InternalErrors()
	require.Len(t, raised, 1)
	require.Equal(t, models.DisabledKindJudgehost, raised[0].DisabledKind)
	require.Equal(t, h2.ID, raised[0].DisabledID)

	again := h.poll(h1, 1)
	require.Len(t, again, 1)
	require.Equal(t, second[0].JudgeTaskID, again[0].JudgeTaskID)
}

func TestRunOutputIsArchived(t *testing.T) {
	archive := &memoryArchive{}
	h := newHarness(t, harnessConfig{Archive: archive})
	problem, _ := h.problem(1, nil)
	h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")

	tasks := h.poll(host, 1)
	require.Len(t, tasks, 1)
	taskID := tasks[0].JudgeTaskID

	_, err := h.dispatch.ReportRun(h.ctx, host.ID, dto.RunReport{JudgeTaskID: taskID, Result: verdict.Correct, Output: []byte("42\n")})
	require.NoError(t, err)

	key := fmt.Sprintf("judgetasks/%d/output", taskID)
	require.Equal(t, []byte("42\n"), archive.objects[key])

	run, err := h.store.Judgings().GetRunByTask(h.ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "mem://"+key, run.OutputRef)
	require.EqualValues(t, 3, run.OutputSize)
}

func TestArchiveFailureDoesNotLoseTheResult(t *testing.T) {
	archive := &memoryArchive{err: errors.New("bucket unavailable")}
	h := newHarness(t, harnessConfig{Archive: archive})
	problem, _ := h.problem(1, nil)
	judging := h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")

	tasks := h.poll(host, 1)
	require.Len(t, tasks, 1)
	_, err := h.dispatch.ReportRun(h.ctx, host.ID, dto.RunReport{JudgeTaskID: tasks[0].JudgeTaskID, Result: verdict.Correct, Output: []byte("42\n")})
	require.NoError(t, err)

	run, err := h.store.Judgings().GetRunByTask(h.ctx, tasks[0].JudgeTaskID)
	require.NoError(t, err)
	require.Empty(t, run.OutputRef)
	require.Equal(t, verdict.Correct, *h.judging(judging.ID).Result)
}

func TestRegisterAgainReleasesUnreportedClaims(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(2, nil)
	judging := h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")

	tasks := h.poll(host, 2)
	require.Len(t, tasks, 2)
	h.report(host, tasks[0].JudgeTaskID, verdict.Correct)
	require.False(t, h.hasQueueTask(judging.ID))

	again := h.host("judgehost-1")
	require.Equal(t, host.ID, again.ID)
	require.True(t, h.hasQueueTask(judging.ID))

	reported, err := h.store.JudgeTasks().GetByID(h.ctx, tasks[0].JudgeTaskID)
	require.NoError(t, err)
	require.NotNil(t, reported.JudgehostID)
	released, err := h.store.JudgeTasks().GetByID(h.ctx, tasks[1].JudgeTaskID)
	require.NoError(t, err)
	require.Nil(t, released.JudgehostID)

	next := h.poll(again, 1)
	require.Len(t, next, 1)
	require.Equal(t, tasks[1].JudgeTaskID, next[0].JudgeTaskID)
}
