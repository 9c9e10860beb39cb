package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// RejudgingRepository exposes persistence helpers for rejudgings.
type RejudgingRepository interface {
	Create(ctx context.Context, rejudging *models.Rejudging) error
	GetByID(ctx context.Context, id uint) (models.Rejudging, error)
	List(ctx context.Context, includeFinished bool) ([]models.Rejudging, error)
	Update(ctx context.Context, id uint, updates map[string]interface{}) error
	Finish(ctx context.Context, id uint, updates map[string]interface{}) (int64, error)
	Delete(ctx context.Context, id uint) error
	CountRepetitions(ctx context.Context, rootID uint) (int64, error)
}

type rejudgingRepository struct {
	db *gorm.DB
}

// NewRejudgingRepository constructs the rejudging repository.
func NewRejudgingRepository(db *gorm.DB) RejudgingRepository {
	return &rejudgingRepository{db: db}
}

func (r *rejudgingRepository) Create(ctx context.Context, rejudging *models.Rejudging) error {
	return r.db.WithContext(ctx).Create(rejudging).Error
}

func (r *rejudgingRepository) GetByID(ctx context.Context, id uint) (models.Rejudging, error) {
	var rejudging models.Rejudging
	if err := r.db.WithContext(ctx).First(&rejudging, id).Error; err != nil {
		return models.Rejudging{}, err
	}
	return rejudging, nil
}

func (r *rejudgingRepository) List(ctx context.Context, includeFinished bool) ([]models.Rejudging, error) {
	query := r.db.WithContext(ctx).Order("id DESC")
	if !includeFinished {
		query = query.Where("end_time IS NULL")
	}
	var rejudgings []models.Rejudging
	if err := query.Find(&rejudgings).Error; err != nil {
		return nil, err
	}
	return rejudgings, nil
}

func (r *rejudgingRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.Rejudging{}).Where("id = ?", id).Updates(updates).Error
}

// Finish closes a rejudging that is still open. Zero affected rows means someone else
// already applied or canceled it.
func (r *rejudgingRepository) Finish(ctx context.Context, id uint, updates map[string]interface{}) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Rejudging{}).
		Where("id = ?", id).
		Where("end_time IS NULL").
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *rejudgingRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.Rejudging{}, id).Error
}

// CountRepetitions counts the rejudgings of a repeat chain, the first one included.
func (r *rejudgingRepository) CountRepetitions(ctx context.Context, rootID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Rejudging{}).
		Where("repeated_rejudging_id = ?", rootID).
		Count(&count).Error
	return count, err
}
