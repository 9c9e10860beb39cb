package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/judgedispatch/internal/models"
)

// CatalogRepository reads the contest data owned by the intake side and applies the few
// updates the judging subsystem makes to it.
type CatalogRepository interface {
	GetSubmission(ctx context.Context, id uint) (models.Submission, error)
	SetSubmissionRejudging(ctx context.Context, ids []uint, rejudgingID *uint) error
	ClearRejudging(ctx context.Context, rejudgingID uint) error
	GetProblem(ctx context.Context, id uint) (models.Problem, error)
	GetLanguage(ctx context.Context, id uint) (models.Language, error)
	GetTestcase(ctx context.Context, id uint) (models.Testcase, error)
	ListTestcases(ctx context.Context, problemID uint) ([]models.Testcase, error)
	ListTestcaseGroups(ctx context.Context, problemID uint) ([]models.TestcaseGroup, error)
	ActiveContestIDs(ctx context.Context, at time.Time) ([]uint, error)
	SetProblemAllowJudge(ctx context.Context, id uint, allow bool) error
	SetLanguageAllowJudge(ctx context.Context, id uint, allow bool) error
	SetAllowJudgeByScript(ctx context.Context, kind string, scriptID uint, allow bool) (problemIDs []uint, languageIDs []uint, err error)
}

type catalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository constructs the catalog repository.
func NewCatalogRepository(db *gorm.DB) CatalogRepository {
	return &catalogRepository{db: db}
}

func (r *catalogRepository) GetSubmission(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

func (r *catalogRepository) SetSubmissionRejudging(ctx context.Context, ids []uint, rejudgingID *uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Submission{}).Where("id IN ?", ids).Update("rejudging_id", rejudgingID).Error
}

func (r *catalogRepository) ClearRejudging(ctx context.Context, rejudgingID uint) error {
	return r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("rejudging_id = ?", rejudgingID).
		Update("rejudging_id", nil).Error
}

func (r *catalogRepository) GetProblem(ctx context.Context, id uint) (models.Problem, error) {
	var problem models.Problem
	if err := r.db.WithContext(ctx).First(&problem, id).Error; err != nil {
		return models.Problem{}, err
	}
	return problem, nil
}

func (r *catalogRepository) GetLanguage(ctx context.Context, id uint) (models.Language, error) {
	var language models.Language
	if err := r.db.WithContext(ctx).First(&language, id).Error; err != nil {
		return models.Language{}, err
	}
	return language, nil
}

func (r *catalogRepository) GetTestcase(ctx context.Context, id uint) (models.Testcase, error) {
	var testcase models.Testcase
	if err := r.db.WithContext(ctx).First(&testcase, id).Error; err != nil {
		return models.Testcase{}, err
	}
	return testcase, nil
}

func (r *catalogRepository) ListTestcases(ctx context.Context, problemID uint) ([]models.Testcase, error) {
	var testcases []models.Testcase
	err := r.db.WithContext(ctx).Where("problem_id = ?", problemID).Order("rank ASC, id ASC").Find(&testcases).Error
	return testcases, err
}

func (r *catalogRepository) ListTestcaseGroups(ctx context.Context, problemID uint) ([]models.TestcaseGroup, error) {
	var groups []models.TestcaseGroup
	err := r.db.WithContext(ctx).Where("problem_id = ?", problemID).Order("id ASC").Find(&groups).Error
	return groups, err
}

// ActiveContestIDs returns the contests judgehosts should currently serve.
func (r *catalogRepository) ActiveContestIDs(ctx context.Context, at time.Time) ([]uint, error) {
	var contests []models.Contest
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Find(&contests).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(contests))
	for _, contest := range contests {
		if contest.ActiveAt(at) {
			ids = append(ids, contest.ID)
		}
	}
	return ids, nil
}

func (r *catalogRepository) SetProblemAllowJudge(ctx context.Context, id uint, allow bool) error {
	return r.db.WithContext(ctx).Model(&models.Problem{}).Where("id = ?", id).Update("allow_judge", allow).Error
}

func (r *catalogRepository) SetLanguageAllowJudge(ctx context.Context, id uint, allow bool) error {
	return r.db.WithContext(ctx).Model(&models.Language{}).Where("id = ?", id).Update("allow_judge", allow).Error
}

// SetAllowJudgeByScript toggles judging for every problem or language that uses the script
// and returns the ids it touched.
func (r *catalogRepository) SetAllowJudgeByScript(ctx context.Context, kind string, scriptID uint, allow bool) ([]uint, []uint, error) {
	db := r.db.WithContext(ctx)
	switch kind {
	case models.DisabledKindCompileScript:
		var languageIDs []uint
		if err := db.Model(&models.Language{}).Where("compile_script_id = ?", scriptID).Pluck("id", &languageIDs).Error; err != nil {
			return nil, nil, err
		}
		if len(languageIDs) == 0 {
			return nil, nil, nil
		}
		err := db.Model(&models.Language{}).Where("id IN ?", languageIDs).Update("allow_judge", allow).Error
		return nil, languageIDs, err
	case models.DisabledKindRunScript, models.DisabledKindCompareScript:
		column := "run_script_id"
		if kind == models.DisabledKindCompareScript {
			column = "compare_script_id"
		}
		var problemIDs []uint
		if err := db.Model(&models.Problem{}).Where(column+" = ?", scriptID).Pluck("id", &problemIDs).Error; err != nil {
			return nil, nil, err
		}
		if len(problemIDs) == 0 {
			return nil, nil, nil
		}
		err := db.Model(&models.Problem{}).Where("id IN ?", problemIDs).Update("allow_judge", allow).Error
		return problemIDs, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown script kind %q", kind)
	}
}
