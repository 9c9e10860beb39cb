package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// InternalErrorRepository exposes persistence helpers for internal errors.
type InternalErrorRepository interface {
	Create(ctx context.Context, internalError *models.InternalError) error
	FindOpen(ctx context.Context, description, kind string, disabledID uint) (*models.InternalError, error)
	GetByID(ctx context.Context, id uint) (models.InternalError, error)
	List(ctx context.Context, status string) ([]models.InternalError, error)
	Update(ctx context.Context, id uint, updates map[string]interface{}) error
}

type internalErrorRepository struct {
	db *gorm.DB
}

// NewInternalErrorRepository constructs the internal error repository.
func NewInternalErrorRepository(db *gorm.DB) InternalErrorRepository {
	return &internalErrorRepository{db: db}
}

func (r *internalErrorRepository) Create(ctx context.Context, internalError *models.InternalError) error {
	return r.db.WithContext(ctx).Create(internalError).Error
}

// FindOpen returns an open error with the same description and disabled entity, if any.
func (r *internalErrorRepository) FindOpen(ctx context.Context, description, kind string, disabledID uint) (*models.InternalError, error) {
	var internalError models.InternalError
	err := r.db.WithContext(ctx).
		Where("description = ?", description).
		Where("disabled_kind = ?", kind).
		Where("disabled_id = ?", disabledID).
		Where("status = ?", models.InternalErrorStatusOpen).
		First(&internalError).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &internalError, nil
}

func (r *internalErrorRepository) GetByID(ctx context.Context, id uint) (models.InternalError, error) {
	var internalError models.InternalError
	if err := r.db.WithContext(ctx).First(&internalError, id).Error; err != nil {
		return models.InternalError{}, err
	}
	return internalError, nil
}

func (r *internalErrorRepository) List(ctx context.Context, status string) ([]models.InternalError, error) {
	query := r.db.WithContext(ctx).Order("id DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var internalErrors []models.InternalError
	if err := query.Find(&internalErrors).Error; err != nil {
		return nil, err
	}
	return internalErrors, nil
}

func (r *internalErrorRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.InternalError{}).Where("id = ?", id).Updates(updates).Error
}
