package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// JudgingFilter selects valid judgings for a rejudging.
type JudgingFilter struct {
	ContestIDs   []uint
	ProblemIDs   []uint
	LanguageIDs  []uint
	TeamIDs      []uint
	JudgehostIDs []uint
	Results      []string
	SubmissionID *uint
}

// JudgingRepository exposes persistence helpers for judgings and their runs.
type JudgingRepository interface {
	Create(ctx context.Context, judging *models.Judging) error
	CreateRuns(ctx context.Context, runs []*models.JudgingRun) error
	GetByID(ctx context.Context, id uint) (models.Judging, error)
	GetWithRuns(ctx context.Context, id uint) (models.Judging, error)
	Update(ctx context.Context, id uint, updates map[string]interface{}) error
	MarkStarted(ctx context.Context, id uint, at time.Time) error
	FinishIfOpen(ctx context.Context, id uint, updates map[string]interface{}) (int64, error)
	ListRuns(ctx context.Context, judgingID uint) ([]models.JudgingRun, error)
	GetRunByTask(ctx context.Context, taskID uint) (models.JudgingRun, error)
	RecordRun(ctx context.Context, runID uint, updates map[string]interface{}) (int64, error)
	UpdateRun(ctx context.Context, runID uint, updates map[string]interface{}) error
	ValidForSubmission(ctx context.Context, submissionID uint) ([]models.Judging, error)
	HasOpen(ctx context.Context, submissionID uint) (bool, error)
	InvalidateOthers(ctx context.Context, submissionID, keepID uint) error
	ListByRejudging(ctx context.Context, rejudgingID uint) ([]models.Judging, error)
	CountByRejudging(ctx context.Context, rejudgingID uint) (done int64, total int64, err error)
	Select(ctx context.Context, filter JudgingFilter) ([]models.Judging, error)
	ListBlocked(ctx context.Context, problemID, languageID *uint) ([]models.Judging, error)
}

type judgingRepository struct {
	db *gorm.DB
}

// NewJudgingRepository constructs the judging repository.
func NewJudgingRepository(db *gorm.DB) JudgingRepository {
	return &judgingRepository{db: db}
}

func (r *judgingRepository) Create(ctx context.Context, judging *models.Judging) error {
	return r.db.WithContext(ctx).Create(judging).Error
}

func (r *judgingRepository) CreateRuns(ctx context.Context, runs []*models.JudgingRun) error {
	if len(runs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&runs).Error
}

func (r *judgingRepository) GetByID(ctx context.Context, id uint) (models.Judging, error) {
	var judging models.Judging
	if err := r.db.WithContext(ctx).First(&judging, id).Error; err != nil {
		return models.Judging{}, err
	}
	return judging, nil
}

func (r *judgingRepository) GetWithRuns(ctx context.Context, id uint) (models.Judging, error) {
	var judging models.Judging
	err := r.db.WithContext(ctx).
		Preload("Runs", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&judging, id).Error
	if err != nil {
		return models.Judging{}, err
	}
	return judging, nil
}

func (r *judgingRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.Judging{}).Where("id = ?", id).Updates(updates).Error
}

func (r *judgingRepository) MarkStarted(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Judging{}).
		Where("id = ?", id).
		Where("start_time IS NULL").
		Update("start_time", at).Error
}

// FinishIfOpen applies the updates only while the judging has no end time, so a verdict is
// recorded at most once.
func (r *judgingRepository) FinishIfOpen(ctx context.Context, id uint, updates map[string]interface{}) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Judging{}).
		Where("id = ?", id).
		Where("end_time IS NULL").
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *judgingRepository) ListRuns(ctx context.Context, judgingID uint) ([]models.JudgingRun, error) {
	var runs []models.JudgingRun
	if err := r.db.WithContext(ctx).Where("judging_id = ?", judgingID).Order("id ASC").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *judgingRepository) GetRunByTask(ctx context.Context, taskID uint) (models.JudgingRun, error) {
	var run models.JudgingRun
	if err := r.db.WithContext(ctx).Where("judge_task_id = ?", taskID).First(&run).Error; err != nil {
		return models.JudgingRun{}, err
	}
	return run, nil
}

// RecordRun stores a reported result on a run that has none yet. Zero affected rows means
// the run was already reported.
func (r *judgingRepository) RecordRun(ctx context.Context, runID uint, updates map[string]interface{}) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.JudgingRun{}).
		Where("id = ?", runID).
		Where("result IS NULL").
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *judgingRepository) UpdateRun(ctx context.Context, runID uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.JudgingRun{}).Where("id = ?", runID).Updates(updates).Error
}

func (r *judgingRepository) ValidForSubmission(ctx context.Context, submissionID uint) ([]models.Judging, error) {
	var judgings []models.Judging
	err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Where("valid = ?", true).
		Order("id ASC").
		Find(&judgings).Error
	return judgings, err
}

// HasOpen reports whether the submission has an unfinished judging outside any rejudging,
// including blocked judgings that have no tasks yet.
func (r *judgingRepository) HasOpen(ctx context.Context, submissionID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Judging{}).
		Where("submission_id = ?", submissionID).
		Where("end_time IS NULL").
		Where("rejudging_id IS NULL").
		Count(&count).Error
	return count > 0, err
}

func (r *judgingRepository) InvalidateOthers(ctx context.Context, submissionID, keepID uint) error {
	return r.db.WithContext(ctx).Model(&models.Judging{}).
		Where("submission_id = ?", submissionID).
		Where("id <> ?", keepID).
		Where("valid = ?", true).
		Update("valid", false).Error
}

func (r *judgingRepository) ListByRejudging(ctx context.Context, rejudgingID uint) ([]models.Judging, error) {
	var judgings []models.Judging
	err := r.db.WithContext(ctx).Where("rejudging_id = ?", rejudgingID).Order("id ASC").Find(&judgings).Error
	return judgings, err
}

func (r *judgingRepository) CountByRejudging(ctx context.Context, rejudgingID uint) (int64, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Judging{}).Where("rejudging_id = ?", rejudgingID).Count(&total).Error; err != nil {
		return 0, 0, err
	}
	var done int64
	err := r.db.WithContext(ctx).Model(&models.Judging{}).
		Where("rejudging_id = ?", rejudgingID).
		Where("end_time IS NOT NULL").
		Count(&done).Error
	if err != nil {
		return 0, 0, err
	}
	return done, total, nil
}

func (r *judgingRepository) Select(ctx context.Context, filter JudgingFilter) ([]models.Judging, error) {
	query := r.db.WithContext(ctx).Model(&models.Judging{}).
		Select("judgings.*").
		Joins("JOIN submissions ON submissions.id = judgings.submission_id").
		Where("judgings.valid = ?", true)

	if len(filter.ContestIDs) > 0 {
		query = query.Where("judgings.contest_id IN ?", filter.ContestIDs)
	}
	if len(filter.ProblemIDs) > 0 {
		query = query.Where("submissions.problem_id IN ?", filter.ProblemIDs)
	}
	if len(filter.LanguageIDs) > 0 {
		query = query.Where("submissions.language_id IN ?", filter.LanguageIDs)
	}
	if len(filter.TeamIDs) > 0 {
		query = query.Where("submissions.team_id IN ?", filter.TeamIDs)
	}
	if len(filter.Results) > 0 {
		query = query.Where("judgings.result IN ?", filter.Results)
	}
	if filter.SubmissionID != nil {
		query = query.Where("judgings.submission_id = ?", *filter.SubmissionID)
	}
	if len(filter.JudgehostIDs) > 0 {
		judgedBy := r.db.Model(&models.JudgeTask{}).Select("job_id").Where("judgehost_id IN ?", filter.JudgehostIDs)
		query = query.Where("judgings.id IN (?)", judgedBy)
	}

	var judgings []models.Judging
	if err := query.Order("judgings.submission_id ASC").Find(&judgings).Error; err != nil {
		return nil, err
	}
	return judgings, nil
}

// ListBlocked returns open judgings that were created without tasks because judging was
// disallowed for their problem or language.
func (r *judgingRepository) ListBlocked(ctx context.Context, problemID, languageID *uint) ([]models.Judging, error) {
	withTasks := r.db.Model(&models.JudgeTask{}).Select("job_id").Where("job_id IS NOT NULL")

	query := r.db.WithContext(ctx).Model(&models.Judging{}).
		Select("judgings.*").
		Joins("JOIN submissions ON submissions.id = judgings.submission_id").
		Where("judgings.end_time IS NULL").
		Where("judgings.id NOT IN (?)", withTasks)

	if problemID != nil {
		query = query.Where("submissions.problem_id = ?", *problemID)
	}
	if languageID != nil {
		query = query.Where("submissions.language_id = ?", *languageID)
	}

	var judgings []models.Judging
	if err := query.Order("judgings.id ASC").Find(&judgings).Error; err != nil {
		return nil, err
	}
	return judgings, nil
}
