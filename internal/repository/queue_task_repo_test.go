package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xorcare/pointer"

	"github.com/noah-isme/judgedispatch/internal/models"
)

func TestNextUnstartedOrdersByPriorityThenTeamPriorityThenAge(t *testing.T) {
	db := setupTestDB(t)
	repo := NewQueueTaskRepository(db)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	tasks := []models.QueueTask{
		{JobID: 1, JudgingID: 1, ContestID: 1, ProblemID: 1, LanguageID: 1, Priority: 0, TeamPriority: 2, CreatedAt: base},
		{JobID: 2, JudgingID: 2, ContestID: 1, ProblemID: 1, LanguageID: 1, Priority: 0, TeamPriority: 0, CreatedAt: base.Add(time.Minute)},
		{JobID: 3, JudgingID: 3, ContestID: 1, ProblemID: 1, LanguageID: 1, Priority: models.PriorityHigh, TeamPriority: 9, CreatedAt: base.Add(2 * time.Minute)},
		{JobID: 4, JudgingID: 4, ContestID: 1, ProblemID: 1, LanguageID: 1, Priority: 0, TeamPriority: 0, CreatedAt: base.Add(3 * time.Minute)},
	}
	for i := range tasks {
		require.NoError(t, repo.Create(ctx, &tasks[i]))
	}

	next, err := repo.NextUnstarted(ctx, Eligibility{}, 4)
	require.NoError(t, err)
	require.Len(t, next, 4)
	require.Equal(t, []uint{3, 2, 4, 1}, []uint{next[0].JobID, next[1].JobID, next[2].JobID, next[3].JobID})
}

func TestNextUnstartedFiltersIneligibleWork(t *testing.T) {
	db := setupTestDB(t)
	repo := NewQueueTaskRepository(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Problem{ID: 2, ContestID: 1, Name: "B", AllowJudge: false}).Error)
	require.NoError(t, repo.Create(ctx, &models.QueueTask{JobID: 1, JudgingID: 1, ContestID: 1, ProblemID: 1, LanguageID: 1}))
	require.NoError(t, repo.Create(ctx, &models.QueueTask{JobID: 2, JudgingID: 2, ContestID: 2, ProblemID: 1, LanguageID: 1}))
	require.NoError(t, repo.Create(ctx, &models.QueueTask{JobID: 3, JudgingID: 3, ContestID: 1, ProblemID: 2, LanguageID: 1}))

	next, err := repo.NextUnstarted(ctx, Eligibility{ContestIDs: []uint{1}}, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, uint(1), next[0].JobID)

	next, err = repo.NextUnstarted(ctx, Eligibility{ContestIDs: []uint{}}, 10)
	require.NoError(t, err)
	require.Empty(t, next)
}

func TestMarkStartedSucceedsOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewQueueTaskRepository(db)
	ctx := context.Background()

	task := models.QueueTask{JobID: 1, JudgingID: 1, ContestID: 1, ProblemID: 1, LanguageID: 1}
	require.NoError(t, repo.Create(ctx, &task))

	rows, err := repo.MarkStarted(ctx, task.ID, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)

	rows, err = repo.MarkStarted(ctx, task.ID, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, rows)
}

func TestConsumeTeamCreditIncrementsAndBumpsWaitingJobs(t *testing.T) {
	db := setupTestDB(t)
	repo := NewQueueTaskRepository(db)
	ctx := context.Background()

	credit, err := repo.TeamCredit(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, credit)

	credit, err = repo.ConsumeTeamCredit(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 1, credit)
	credit, err = repo.ConsumeTeamCredit(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, credit)

	waiting := models.QueueTask{JobID: 1, JudgingID: 1, TeamID: pointer.Uint(7), ContestID: 1, ProblemID: 1, LanguageID: 1}
	require.NoError(t, repo.Create(ctx, &waiting))
	require.NoError(t, repo.SetTeamPriority(ctx, 7, credit))

	stored, err := repo.GetByJob(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, stored.TeamPriority)
}
