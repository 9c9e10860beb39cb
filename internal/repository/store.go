package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store bundles the repositories of the judging subsystem so services can run
// several of them inside one database transaction.
type Store interface {
	Transaction(ctx context.Context, fn func(tx Store) error) error
	JudgeTasks() JudgeTaskRepository
	QueueTasks() QueueTaskRepository
	Judgings() JudgingRepository
	Rejudgings() RejudgingRepository
	Judgehosts() JudgehostRepository
	InternalErrors() InternalErrorRepository
	Catalog() CatalogRepository
}

type gormStore struct {
	db *gorm.DB
}

// NewStore constructs a gorm backed store.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

func (s *gormStore) JudgeTasks() JudgeTaskRepository { return NewJudgeTaskRepository(s.db) }

func (s *gormStore) QueueTasks() QueueTaskRepository { return NewQueueTaskRepository(s.db) }

func (s *gormStore) Judgings() JudgingRepository { return NewJudgingRepository(s.db) }

func (s *gormStore) Rejudgings() RejudgingRepository { return NewRejudgingRepository(s.db) }

func (s *gormStore) Judgehosts() JudgehostRepository { return NewJudgehostRepository(s.db) }

func (s *gormStore) InternalErrors() InternalErrorRepository {
	return NewInternalErrorRepository(s.db)
}

func (s *gormStore) Catalog() CatalogRepository { return NewCatalogRepository(s.db) }
