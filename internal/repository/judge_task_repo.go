package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// TaskQuery narrows the claimable tasks a judgehost may be offered.
type TaskQuery struct {
	JobID             *uint
	Types             []models.JudgeTaskType
	TargetJudgehostID *uint
	Limit             int
}

// JudgeTaskRepository exposes persistence helpers for judge tasks.
type JudgeTaskRepository interface {
	CreateBatch(ctx context.Context, tasks []*models.JudgeTask) error
	GetByID(ctx context.Context, id uint) (models.JudgeTask, error)
	ListByIDs(ctx context.Context, ids []uint) ([]models.JudgeTask, error)
	ListByJob(ctx context.Context, jobID uint) ([]models.JudgeTask, error)
	Claimable(ctx context.Context, query TaskQuery) ([]models.JudgeTask, error)
	CountClaimable(ctx context.Context, jobID uint) (int64, error)
	Claim(ctx context.Context, ids []uint, judgehostID uint, at time.Time) (int64, error)
	LastJobForJudgehost(ctx context.Context, judgehostID uint) (*uint, error)
	HoldsJob(ctx context.Context, judgehostID, jobID uint) (bool, error)
	InvalidateJob(ctx context.Context, jobID uint) (int64, error)
	SetUnclaimedPriority(ctx context.Context, jobID uint, priority int) error
	RevalidateUnclaimed(ctx context.Context, jobID uint) (int64, error)
	ReleaseUnreported(ctx context.Context, judgehostID uint, jobID *uint) ([]uint, error)
}

type judgeTaskRepository struct {
	db *gorm.DB
}

// NewJudgeTaskRepository constructs the judge task repository.
func NewJudgeTaskRepository(db *gorm.DB) JudgeTaskRepository {
	return &judgeTaskRepository{db: db}
}

// judgeTaskOrder sorts by task type rank first, so control tasks of a job go before its runs.
var judgeTaskOrder = fmt.Sprintf(
	"CASE type WHEN '%s' THEN %d WHEN '%s' THEN %d ELSE %d END, priority ASC, testcase_rank ASC, id ASC",
	models.JudgeTaskTypeConfigCheck, models.JudgeTaskTypeConfigCheck.TypeOrder(),
	models.JudgeTaskTypeJudgingRun, models.JudgeTaskTypeJudgingRun.TypeOrder(),
	models.JudgeTaskTypeGenericTask.TypeOrder(),
)

func (r *judgeTaskRepository) CreateBatch(ctx context.Context, tasks []*models.JudgeTask) error {
	if len(tasks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&tasks).Error
}

func (r *judgeTaskRepository) GetByID(ctx context.Context, id uint) (models.JudgeTask, error) {
	var task models.JudgeTask
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return models.JudgeTask{}, err
	}
	return task, nil
}

func (r *judgeTaskRepository) ListByIDs(ctx context.Context, ids []uint) ([]models.JudgeTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tasks []models.JudgeTask
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order(judgeTaskOrder).Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *judgeTaskRepository) ListByJob(ctx context.Context, jobID uint) ([]models.JudgeTask, error) {
	var tasks []models.JudgeTask
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order(judgeTaskOrder).Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *judgeTaskRepository) Claimable(ctx context.Context, query TaskQuery) ([]models.JudgeTask, error) {
	q := r.db.WithContext(ctx).Model(&models.JudgeTask{}).
		Where("valid = ?", true).
		Where("judgehost_id IS NULL")

	if query.JobID != nil {
		q = q.Where("job_id = ?", *query.JobID)
	}
	if len(query.Types) > 0 {
		q = q.Where("type IN ?", query.Types)
	}
	if query.TargetJudgehostID != nil {
		q = q.Where("target_judgehost_id = ?", *query.TargetJudgehostID)
	} else {
		q = q.Where("target_judgehost_id IS NULL")
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 1
	}

	var tasks []models.JudgeTask
	if err := q.Order(judgeTaskOrder).Limit(limit).Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *judgeTaskRepository) CountClaimable(ctx context.Context, jobID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.JudgeTask{}).
		Where("job_id = ?", jobID).
		Where("valid = ?", true).
		Where("judgehost_id IS NULL").
		Count(&count).Error
	return count, err
}

// Claim assigns the tasks to the judgehost. Only tasks that are still valid and
// unowned are updated, so the returned row count tells the caller how many it won.
func (r *judgeTaskRepository) Claim(ctx context.Context, ids []uint, judgehostID uint, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&models.JudgeTask{}).
		Where("id IN ?", ids).
		Where("judgehost_id IS NULL").
		Where("valid = ?", true).
		Updates(map[string]interface{}{
			"judgehost_id": judgehostID,
			"start_time":   at,
		})
	return result.RowsAffected, result.Error
}

func (r *judgeTaskRepository) LastJobForJudgehost(ctx context.Context, judgehostID uint) (*uint, error) {
	var task models.JudgeTask
	err := r.db.WithContext(ctx).
		Select("job_id").
		Where("judgehost_id = ?", judgehostID).
		Where("type = ?", models.JudgeTaskTypeJudgingRun).
		Where("job_id IS NOT NULL").
		Order("start_time DESC, id DESC").
		Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task.JobID, nil
}

// HoldsJob reports whether the judgehost claimed any task of the job.
func (r *judgeTaskRepository) HoldsJob(ctx context.Context, judgehostID, jobID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.JudgeTask{}).
		Where("judgehost_id = ?", judgehostID).
		Where("job_id = ?", jobID).
		Count(&count).Error
	return count > 0, err
}

func (r *judgeTaskRepository) InvalidateJob(ctx context.Context, jobID uint) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.JudgeTask{}).
		Where("job_id = ?", jobID).
		Where("valid = ?", true).
		Update("valid", false)
	return result.RowsAffected, result.Error
}

func (r *judgeTaskRepository) SetUnclaimedPriority(ctx context.Context, jobID uint, priority int) error {
	return r.db.WithContext(ctx).Model(&models.JudgeTask{}).
		Where("job_id = ?", jobID).
		Where("judgehost_id IS NULL").
		Update("priority", priority).Error
}

func (r *judgeTaskRepository) RevalidateUnclaimed(ctx context.Context, jobID uint) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.JudgeTask{}).
		Where("job_id = ?", jobID).
		Where("judgehost_id IS NULL").
		Where("valid = ?", false).
		Update("valid", true)
	return result.RowsAffected, result.Error
}

// ReleaseUnreported hands back judging runs claimed by a judgehost that never reported a
// result, optionally limited to one job. It returns the job ids that got work back.
func (r *judgeTaskRepository) ReleaseUnreported(ctx context.Context, judgehostID uint, jobID *uint) ([]uint, error) {
	unreported := r.db.Model(&models.JudgingRun{}).Select("judge_task_id").Where("result IS NULL")

	query := r.db.WithContext(ctx).Model(&models.JudgeTask{}).
		Where("judgehost_id = ?", judgehostID).
		Where("type = ?", models.JudgeTaskTypeJudgingRun).
		Where("valid = ?", true).
		Where("id IN (?)", unreported)
	if jobID != nil {
		query = query.Where("job_id = ?", *jobID)
	}

	var tasks []models.JudgeTask
	if err := query.Find(&tasks).Error; err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(tasks))
	seen := map[uint]struct{}{}
	jobs := make([]uint, 0, 1)
	for _, task := range tasks {
		ids = append(ids, task.ID)
		if task.JobID == nil {
			continue
		}
		if _, ok := seen[*task.JobID]; !ok {
			seen[*task.JobID] = struct{}{}
			jobs = append(jobs, *task.JobID)
		}
	}

	err := r.db.WithContext(ctx).Model(&models.JudgeTask{}).
		Where("id IN ?", ids).
		Where("judgehost_id = ?", judgehostID).
		Updates(map[string]interface{}{
			"judgehost_id": nil,
			"start_time":   nil,
		}).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
