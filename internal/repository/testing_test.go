package repository

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/judgedispatch/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func createRunTask(t *testing.T, db *gorm.DB, judgingID, submissionID, testcaseID uint, rank int) models.JudgeTask {
	t.Helper()
	task, err := models.NewJudgeTask(models.JudgingRunPayload{
		JudgingID:    judgingID,
		SubmissionID: submissionID,
		TestcaseID:   testcaseID,
		TestcaseRank: rank,
	}, models.PriorityDefault)
	require.NoError(t, err)
	require.NoError(t, db.Create(&task).Error)
	return task
}
