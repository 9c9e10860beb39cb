package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// JudgehostRepository exposes persistence helpers for judgehosts.
type JudgehostRepository interface {
	GetByID(ctx context.Context, id uint) (models.Judgehost, error)
	GetByHostname(ctx context.Context, hostname string) (*models.Judgehost, error)
	Create(ctx context.Context, judgehost *models.Judgehost) error
	Touch(ctx context.Context, id uint, at time.Time) error
	SetEnabled(ctx context.Context, id uint, enabled bool) error
	List(ctx context.Context) ([]models.Judgehost, error)
	ListStale(ctx context.Context, before time.Time) ([]models.Judgehost, error)
}

type judgehostRepository struct {
	db *gorm.DB
}

// NewJudgehostRepository constructs the judgehost repository.
func NewJudgehostRepository(db *gorm.DB) JudgehostRepository {
	return &judgehostRepository{db: db}
}

func (r *judgehostRepository) GetByID(ctx context.Context, id uint) (models.Judgehost, error) {
	var judgehost models.Judgehost
	if err := r.db.WithContext(ctx).Preload("Restriction").First(&judgehost, id).Error; err != nil {
		return models.Judgehost{}, err
	}
	return judgehost, nil
}

func (r *judgehostRepository) GetByHostname(ctx context.Context, hostname string) (*models.Judgehost, error) {
	var judgehost models.Judgehost
	err := r.db.WithContext(ctx).Preload("Restriction").Where("hostname = ?", hostname).First(&judgehost).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &judgehost, nil
}

func (r *judgehostRepository) Create(ctx context.Context, judgehost *models.Judgehost) error {
	return r.db.WithContext(ctx).Create(judgehost).Error
}

func (r *judgehostRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Judgehost{}).Where("id = ?", id).Update("poll_time", at).Error
}

func (r *judgehostRepository) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	result := r.db.WithContext(ctx).Model(&models.Judgehost{}).Where("id = ?", id).Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *judgehostRepository) List(ctx context.Context) ([]models.Judgehost, error) {
	var judgehosts []models.Judgehost
	if err := r.db.WithContext(ctx).Order("hostname ASC").Find(&judgehosts).Error; err != nil {
		return nil, err
	}
	return judgehosts, nil
}

// ListStale returns judgehosts that have polled before but not since the given instant.
func (r *judgehostRepository) ListStale(ctx context.Context, before time.Time) ([]models.Judgehost, error) {
	var judgehosts []models.Judgehost
	err := r.db.WithContext(ctx).
		Where("poll_time IS NOT NULL").
		Where("poll_time < ?", before).
		Order("id ASC").
		Find(&judgehosts).Error
	return judgehosts, err
}
