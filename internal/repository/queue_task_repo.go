package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// Eligibility describes the work a judgehost may take. Nil slices place no restriction,
// an empty non-nil ContestIDs slice admits nothing.
type Eligibility struct {
	ContestIDs  []uint
	ProblemIDs  []uint
	LanguageIDs []uint
}

// QueueTaskRepository exposes persistence helpers for queue tasks and team credits.
type QueueTaskRepository interface {
	Create(ctx context.Context, task *models.QueueTask) error
	GetByJob(ctx context.Context, jobID uint) (models.QueueTask, error)
	DeleteByJob(ctx context.Context, jobID uint) error
	FindEligible(ctx context.Context, eligibility Eligibility, jobID uint) (*models.QueueTask, error)
	NextUnstarted(ctx context.Context, eligibility Eligibility, limit int) ([]models.QueueTask, error)
	Started(ctx context.Context, eligibility Eligibility) ([]models.QueueTask, error)
	MarkStarted(ctx context.Context, id uint, at time.Time) (int64, error)
	ResetStart(ctx context.Context, jobID uint) error
	SetTeamPriority(ctx context.Context, teamID uint, teamPriority int) error
	List(ctx context.Context, limit int) ([]models.QueueTask, error)
	TeamCredit(ctx context.Context, teamID uint) (int, error)
	ConsumeTeamCredit(ctx context.Context, teamID uint) (int, error)
}

type queueTaskRepository struct {
	db *gorm.DB
}

// NewQueueTaskRepository constructs the queue task repository.
func NewQueueTaskRepository(db *gorm.DB) QueueTaskRepository {
	return &queueTaskRepository{db: db}
}

const queueTaskOrder = "priority ASC, team_priority ASC, created_at ASC, id ASC"

func (r *queueTaskRepository) Create(ctx context.Context, task *models.QueueTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *queueTaskRepository) GetByJob(ctx context.Context, jobID uint) (models.QueueTask, error) {
	var task models.QueueTask
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&task).Error; err != nil {
		return models.QueueTask{}, err
	}
	return task, nil
}

func (r *queueTaskRepository) DeleteByJob(ctx context.Context, jobID uint) error {
	return r.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&models.QueueTask{}).Error
}

func (r *queueTaskRepository) eligible(ctx context.Context, eligibility Eligibility) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&models.QueueTask{})
	if eligibility.ContestIDs != nil {
		if len(eligibility.ContestIDs) == 0 {
			return query.Where("1 = 0")
		}
		query = query.Where("contest_id IN ?", eligibility.ContestIDs)
	}
	if len(eligibility.ProblemIDs) > 0 {
		query = query.Where("problem_id IN ?", eligibility.ProblemIDs)
	}
	if len(eligibility.LanguageIDs) > 0 {
		query = query.Where("language_id IN ?", eligibility.LanguageIDs)
	}

	blockedProblems := r.db.Model(&models.Problem{}).Select("id").Where("allow_judge = ?", false)
	blockedLanguages := r.db.Model(&models.Language{}).Select("id").Where("allow_judge = ?", false)
	return query.
		Where("problem_id NOT IN (?)", blockedProblems).
		Where("language_id NOT IN (?)", blockedLanguages)
}

// FindEligible returns the queue task of the job when the judgehost may still work on it.
func (r *queueTaskRepository) FindEligible(ctx context.Context, eligibility Eligibility, jobID uint) (*models.QueueTask, error) {
	var tasks []models.QueueTask
	err := r.eligible(ctx, eligibility).Where("job_id = ?", jobID).Limit(1).Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

func (r *queueTaskRepository) NextUnstarted(ctx context.Context, eligibility Eligibility, limit int) ([]models.QueueTask, error) {
	if limit <= 0 {
		limit = 1
	}
	var tasks []models.QueueTask
	err := r.eligible(ctx, eligibility).
		Where("start_time IS NULL").
		Order(queueTaskOrder).
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *queueTaskRepository) Started(ctx context.Context, eligibility Eligibility) ([]models.QueueTask, error) {
	var tasks []models.QueueTask
	err := r.eligible(ctx, eligibility).
		Where("start_time IS NOT NULL").
		Order(queueTaskOrder).
		Find(&tasks).Error
	return tasks, err
}

// MarkStarted records the first claim on a queue task. It only succeeds once.
func (r *queueTaskRepository) MarkStarted(ctx context.Context, id uint, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.QueueTask{}).
		Where("id = ?", id).
		Where("start_time IS NULL").
		Update("start_time", at)
	return result.RowsAffected, result.Error
}

// ResetStart puts a job back among the unstarted ones so any judgehost may pick it up.
func (r *queueTaskRepository) ResetStart(ctx context.Context, jobID uint) error {
	return r.db.WithContext(ctx).Model(&models.QueueTask{}).
		Where("job_id = ?", jobID).
		Update("start_time", nil).Error
}

// SetTeamPriority moves the team's waiting jobs back behind teams that consumed less.
func (r *queueTaskRepository) SetTeamPriority(ctx context.Context, teamID uint, teamPriority int) error {
	return r.db.WithContext(ctx).Model(&models.QueueTask{}).
		Where("team_id = ?", teamID).
		Where("start_time IS NULL").
		Update("team_priority", teamPriority).Error
}

func (r *queueTaskRepository) List(ctx context.Context, limit int) ([]models.QueueTask, error) {
	query := r.db.WithContext(ctx).Order(queueTaskOrder)
	if limit > 0 {
		query = query.Limit(limit)
	}
	var tasks []models.QueueTask
	if err := query.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *queueTaskRepository) TeamCredit(ctx context.Context, teamID uint) (int, error) {
	var credit models.TeamCredit
	err := r.db.WithContext(ctx).Where("team_id = ?", teamID).Limit(1).Find(&credit).Error
	if err != nil {
		return 0, err
	}
	return credit.Consumed, nil
}

// ConsumeTeamCredit increments the team's consumed work and returns the new value.
// It must run inside the claim transaction.
func (r *queueTaskRepository) ConsumeTeamCredit(ctx context.Context, teamID uint) (int, error) {
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.TeamCredit{TeamID: teamID}).Error
	if err != nil {
		return 0, err
	}

	err = db.Model(&models.TeamCredit{}).
		Where("team_id = ?", teamID).
		Updates(map[string]interface{}{
			"consumed":   gorm.Expr("consumed + ?", 1),
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return 0, err
	}

	return r.TeamCredit(ctx, teamID)
}
