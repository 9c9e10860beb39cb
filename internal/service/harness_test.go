package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/judgedispatch/internal/dto"
	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/repository"
	"github.com/noah-isme/judgedispatch/internal/verdict"
)

type recordingEvents struct {
	mu             sync.Mutex
	finalized      []JudgingFinalizedEvent
	internalErrors []InternalErrorEvent
}

func (r *recordingEvents) JudgingFinalized(ctx context.Context, event JudgingFinalizedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, event)
}

func (r *recordingEvents) InternalErrorRaised(ctx context.Context, event InternalErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.internalErrors = append(r.internalErrors, event)
}

func (r *recordingEvents) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

func (r *recordingEvents) Start(ctx context.Context) {}

func (r *recordingEvents) Finalized() []JudgingFinalizedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JudgingFinalizedEvent(nil), r.finalized...)
}

func (r *recordingEvents) InternalErrors() []InternalErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]InternalErrorEvent(nil), r.internalErrors...)
}

type harnessConfig struct {
	LazyEval        int
	ParallelJudging bool
	Archive         OutputArchive
}

type testHarness struct {
	t              *testing.T
	ctx            context.Context
	db             *gorm.DB
	store          repository.Store
	events         *recordingEvents
	jobs           JobService
	scheduler      Scheduler
	internalErrors InternalErrorService
	rejudgings     RejudgingService
	dispatch       DispatchService
	contest        models.Contest
	language       models.Language
	nextScript     uint
}

func newHarness(t *testing.T, cfg harnessConfig) *testHarness {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))

	log := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	store := repository.NewStore(db)
	events := &recordingEvents{}

	jobs := NewJobService(store, cfg.LazyEval, log)
	scheduler := NewScheduler(store, SchedulerConfig{ParallelJudging: cfg.ParallelJudging, ClaimAttempts: 5}, log)
	lifecycle := NewLifecycle(LifecycleConfig{LazyEval: cfg.LazyEval, Priorities: verdict.DefaultPriorities()}, log)
	internalErrors := NewInternalErrorService(store, jobs, events, validate, log)
	rejudgings := NewRejudgingService(store, jobs, events, validate, log)
	dispatch := NewDispatchService(store, scheduler, lifecycle, internalErrors, rejudgings, events, cfg.Archive, DispatchConfig{
		MaxBatchSize: 1,
		Remap:        verdict.Remap{"presentation-error": verdict.WrongAnswer},
		Priorities:   verdict.DefaultPriorities(),
	}, validate, log)

	h := &testHarness{
		t:              t,
		ctx:            context.Background(),
		db:             db,
		store:          store,
		events:         events,
		jobs:           jobs,
		scheduler:      scheduler,
		internalErrors: internalErrors,
		rejudgings:     rejudgings,
		dispatch:       dispatch,
		nextScript:     100,
	}

	h.contest = models.Contest{Name: "finals", ActivateTime: time.Now().UTC().Add(-time.Hour), Enabled: true}
	require.NoError(t, db.Create(&h.contest).Error)
	h.language = models.Language{Name: "cpp", AllowJudge: true, CompileScriptID: 1}
	require.NoError(t, db.Create(&h.language).Error)
	return h
}

// problem creates a judgeable problem with the given number of testcases in rank order.
func (h *testHarness) problem(testcases int, mutate func(*models.Problem)) (models.Problem, []models.Testcase) {
	h.t.Helper()
	h.nextScript += 2
	problem := models.Problem{
		ContestID:       h.contest.ID,
		Name:            fmt.Sprintf("problem-%d", h.nextScript),
		AllowJudge:      true,
		RunScriptID:     h.nextScript,
		CompareScriptID: h.nextScript + 1,
	}
	if mutate != nil {
		mutate(&problem)
	}
	require.NoError(h.t, h.db.Create(&problem).Error)

	cases := make([]models.Testcase, 0, testcases)
	for rank := 1; rank <= testcases; rank++ {
		testcase := models.Testcase{ProblemID: problem.ID, Rank: rank}
		require.NoError(h.t, h.db.Create(&testcase).Error)
		cases = append(cases, testcase)
	}
	return problem, cases
}

func (h *testHarness) submit(problem models.Problem, teamID uint) models.Submission {
	h.t.Helper()
	submission := models.Submission{
		ContestID:  h.contest.ID,
		ProblemID:  problem.ID,
		LanguageID: h.language.ID,
		SubmitTime: time.Now().UTC(),
		Valid:      true,
	}
	if teamID != 0 {
		submission.TeamID = &teamID
	}
	require.NoError(h.t, h.db.Create(&submission).Error)
	return submission
}

func (h *testHarness) enqueue(submission models.Submission) models.Judging {
	h.t.Helper()
	judging, err := h.jobs.Enqueue(h.ctx, EnqueueRequest{SubmissionID: submission.ID, Priority: models.PriorityDefault})
	require.NoError(h.t, err)
	return judging
}

func (h *testHarness) host(name string) models.Judgehost {
	h.t.Helper()
	response, err := h.dispatch.Register(h.ctx, dto.RegisterJudgehostRequest{Hostname: name})
	require.NoError(h.t, err)
	host, err := h.store.Judgehosts().GetByID(h.ctx, response.ID)
	require.NoError(h.t, err)
	return host
}

func (h *testHarness) poll(host models.Judgehost, batch int) []dto.TaskDescriptor {
	h.t.Helper()
	response, err := h.dispatch.Poll(h.ctx, host.ID, dto.PollRequest{MaxBatchSize: batch})
	require.NoError(h.t, err)
	return response.Tasks
}

func (h *testHarness) report(host models.Judgehost, taskID uint, result string) dto.RunAck {
	h.t.Helper()
	ack, err := h.dispatch.ReportRun(h.ctx, host.ID, dto.RunReport{JudgeTaskID: taskID, Result: result})
	require.NoError(h.t, err)
	return ack
}

// judgeAll claims and reports every task of the next job with the given result.
func (h *testHarness) judgeAll(host models.Judgehost, result string) {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		tasks := h.poll(host, 10)
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			h.report(host, task.JudgeTaskID, result)
		}
	}
	h.t.Fatal("judgehost kept receiving work")
}

func (h *testHarness) judging(id uint) models.Judging {
	h.t.Helper()
	judging, err := h.store.Judgings().GetByID(h.ctx, id)
	require.NoError(h.t, err)
	return judging
}

func (h *testHarness) tasks(jobID uint) []models.JudgeTask {
	h.t.Helper()
	tasks, err := h.store.JudgeTasks().ListByJob(h.ctx, jobID)
	require.NoError(h.t, err)
	return tasks
}

func (h *testHarness) validJudgings(submissionID uint) []models.Judging {
	h.t.Helper()
	judgings, err := h.store.Judgings().ValidForSubmission(h.ctx, submissionID)
	require.NoError(h.t, err)
	return judgings
}

func (h *testHarness) hasQueueTask(jobID uint) bool {
	h.t.Helper()
	var count int64
	require.NoError(h.t, h.db.Model(&models.QueueTask{}).Where("job_id = ?", jobID).Count(&count).Error)
	return count > 0
}
