package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/judgedispatch/internal/dto"
	"github.com/noah-isme/judgedispatch/internal/models"
)

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	h := newHarness(t, harnessConfig{ParallelJudging: true})
	problem, _ := h.problem(1, nil)
	judging := h.enqueue(h.submit(problem, 1))

	const workers = 8
	hosts := make([]models.Judgehost, 0, workers)
	for i := 0; i < workers; i++ {
		hosts = append(hosts, h.host(fmt.Sprintf("judgehost-%d", i)))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []uint
	)
	for _, host := range hosts {
		wg.Add(1)
		go func(host models.Judgehost) {
			defer wg.Done()
			tasks, err := h.scheduler.Claim(h.ctx, host, ClaimOptions{MaxBatch: 1})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, task := range tasks {
				claimed = append(claimed, task.ID)
			}
		}(host)
	}
	wg.Wait()

	require.Len(t, claimed, 1)
	tasks := h.tasks(judging.ID)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].JudgehostID)
	require.Equal(t, claimed[0], tasks[0].ID)
}

func TestClaimServesTeamsFairly(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(1, nil)
	host := h.host("judgehost-1")

	a1 := h.enqueue(h.submit(problem, 1))
	b1 := h.enqueue(h.submit(problem, 2))

	served := h.poll(host, 1)
	require.Len(t, served, 1)
	require.Equal(t, a1.ID, *served[0].JobID)
	h.report(host, served[0].JudgeTaskID, "correct")

	credit, err := h.store.QueueTasks().TeamCredit(h.ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, credit)

	a2 := h.enqueue(h.submit(problem, 1))
	queued, err := h.store.QueueTasks().GetByJob(h.ctx, a2.ID)
	require.NoError(t, err)
	require.Equal(t, 1, queued.TeamPriority)

	served = h.poll(host, 1)
	require.Len(t, served, 1)
	require.Equal(t, b1.ID, *served[0].JobID)
	h.report(host, served[0].JudgeTaskID, "correct")

	served = h.poll(host, 1)
	require.Len(t, served, 1)
	require.Equal(t, a2.ID, *served[0].JobID)
}

func TestClaimContinuesPreviousJobInRankOrder(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, testcases := h.problem(3, nil)
	first := h.enqueue(h.submit(problem, 1))
	second := h.enqueue(h.submit(problem, 2))
	host := h.host("judgehost-1")

	batch := h.poll(host, 2)
	require.Len(t, batch, 2)
	require.Equal(t, first.ID, *batch[0].JobID)
	require.Equal(t, testcases[0].ID, *batch[0].TestcaseID)
	require.Equal(t, testcases[1].ID, *batch[1].TestcaseID)

	next := h.poll(host, 2)
	require.Len(t, next, 1)
	require.Equal(t, first.ID, *next[0].JobID)
	require.Equal(t, 3, next[0].TestcaseRank)
	require.False(t, h.hasQueueTask(first.ID))

	next = h.poll(host, 2)
	require.Len(t, next, 2)
	require.Equal(t, second.ID, *next[0].JobID)
}

func TestClaimIgnoresHintForJobOfAnotherJudgehost(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(3, nil)
	first := h.enqueue(h.submit(problem, 1))
	second := h.enqueue(h.submit(problem, 2))
	owner := h.host("judgehost-1")
	other := h.host("judgehost-2")

	started := h.poll(owner, 1)
	require.Len(t, started, 1)
	require.Equal(t, first.ID, *started[0].JobID)

	response, err := h.dispatch.Poll(h.ctx, other.ID, dto.PollRequest{MaxBatchSize: 1, JobHint: &first.ID})
	require.NoError(t, err)
	require.Len(t, response.Tasks, 1)
	require.Equal(t, second.ID, *response.Tasks[0].JobID)

	response, err = h.dispatch.Poll(h.ctx, owner.ID, dto.PollRequest{MaxBatchSize: 1, JobHint: &first.ID})
	require.NoError(t, err)
	require.Len(t, response.Tasks, 1)
	require.Equal(t, first.ID, *response.Tasks[0].JobID)
}

func TestClaimHonorsContestWindowAndRestrictions(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(1, nil)
	judging := h.enqueue(h.submit(problem, 1))

	restriction := models.JudgehostRestriction{Name: "java only", Languages: datatypes.NewJSONSlice([]uint{h.language.ID + 100})}
	require.NoError(t, h.db.Create(&restriction).Error)
	restricted := h.host("judgehost-java")
	require.NoError(t, h.db.Model(&models.Judgehost{}).Where("id = ?", restricted.ID).Update("restriction_id", restriction.ID).Error)
	require.Empty(t, h.poll(restricted, 1))

	require.NoError(t, h.db.Model(&h.contest).Update("activate_time", time.Now().UTC().Add(time.Hour)).Error)
	open := h.host("judgehost-open")
	require.Empty(t, h.poll(open, 1))

	require.NoError(t, h.db.Model(&h.contest).Update("activate_time", time.Now().UTC().Add(-time.Hour)).Error)
	tasks := h.poll(open, 1)
	require.Len(t, tasks, 1)
	require.Equal(t, judging.ID, *tasks[0].JobID)
}

func TestClaimHandsOutTargetedTasksFirst(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(1, nil)
	h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")
	other := h.host("judgehost-2")

	debug, err := models.NewJudgeTask(models.DebugInfoPayload{JudgehostID: host.ID}, models.PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, h.db.Create(&debug).Error)

	tasks := h.poll(other, 1)
	require.Len(t, tasks, 1)
	require.Equal(t, string(models.JudgeTaskTypeJudgingRun), tasks[0].Type)

	tasks = h.poll(host, 1)
	require.Len(t, tasks, 1)
	require.Equal(t, debug.ID, tasks[0].JudgeTaskID)
	require.Equal(t, string(models.JudgeTaskTypeDebugInfo), tasks[0].Type)
}

func TestDisabledJudgehostIsToldToBackOff(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	problem, _ := h.problem(1, nil)
	h.enqueue(h.submit(problem, 1))
	host := h.host("judgehost-1")

	disabled := false
	response, err := h.dispatch.SetJudgehostEnabled(h.ctx, host.ID, dto.UpdateJudgehostRequest{Enabled: &disabled})
	require.NoError(t, err)
	require.False(t, response.Enabled)

	poll, err := h.dispatch.Poll(h.ctx, host.ID, dto.PollRequest{})
	require.NoError(t, err)
	require.True(t, poll.BackOff)
	require.Empty(t, poll.Tasks)

	_, err = h.dispatch.Poll(h.ctx, 999, dto.PollRequest{})
	require.ErrorIs(t, err, ErrJudgehostNotFound)
}
