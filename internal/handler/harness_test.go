package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/judgedispatch/internal/config"
	"github.com/noah-isme/judgedispatch/internal/handler"
	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/repository"
	"github.com/noah-isme/judgedispatch/internal/router"
	"github.com/noah-isme/judgedispatch/internal/service"
	"github.com/noah-isme/judgedispatch/internal/verdict"
)

const (
	roleHeader = "X-Test-Role"
	juryUserID = uint(7)
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testApp struct {
	t        *testing.T
	app      *fiber.App
	db       *gorm.DB
	contest  models.Contest
	language models.Language
}

func setupApp(t *testing.T) *testApp {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:handler_%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))

	validate := validator.New(validator.WithRequiredStructEnabled())
	log := zerolog.New(io.Discard)
	store := repository.NewStore(db)
	events := service.NewEventPublisher(nil, nil, "", "", log)

	jobs := service.NewJobService(store, models.LazyEvalOn, log)
	scheduler := service.NewScheduler(store, service.SchedulerConfig{ParallelJudging: true, ClaimAttempts: 5}, log)
	lifecycle := service.NewLifecycle(service.LifecycleConfig{LazyEval: models.LazyEvalOn, Priorities: verdict.DefaultPriorities()}, log)
	internalErrors := service.NewInternalErrorService(store, jobs, events, validate, log)
	rejudgings := service.NewRejudgingService(store, jobs, events, validate, log)
	dispatch := service.NewDispatchService(store, scheduler, lifecycle, internalErrors, rejudgings, events, nil, service.DispatchConfig{
		MaxBatchSize: 1,
		Priorities:   verdict.DefaultPriorities(),
	}, validate, log)

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test", AppEnv: "test", JWTSecret: "secret"}, router.Dependencies{
		JudgehostHandler:     handler.NewJudgehostHandler(dispatch, validate, log),
		JudgingHandler:       handler.NewJudgingHandler(jobs, validate, log),
		RejudgingHandler:     handler.NewRejudgingHandler(rejudgings, validate, log),
		InternalErrorHandler: handler.NewInternalErrorHandler(internalErrors, validate, log),
		EventsHandler:        handler.NewEventsHandler(events, log),
		JWTMiddleware: func(c *fiber.Ctx) error {
			c.Locals("user_id", juryUserID)
			c.Locals("user_role", c.Get(roleHeader))
			return c.Next()
		},
	})

	ta := &testApp{t: t, app: app, db: db}
	ta.contest = models.Contest{Name: "finals", ActivateTime: time.Now().UTC().Add(-time.Hour), Enabled: true}
	require.NoError(t, db.Create(&ta.contest).Error)
	ta.language = models.Language{Name: "cpp", AllowJudge: true, CompileScriptID: 1}
	require.NoError(t, db.Create(&ta.language).Error)
	return ta
}

func (a *testApp) problem(testcases int) models.Problem {
	a.t.Helper()
	problem := models.Problem{
		ContestID:       a.contest.ID,
		Name:            "hello",
		AllowJudge:      true,
		RunScriptID:     2,
		CompareScriptID: 3,
	}
	require.NoError(a.t, a.db.Create(&problem).Error)
	for rank := 1; rank <= testcases; rank++ {
		require.NoError(a.t, a.db.Create(&models.Testcase{ProblemID: problem.ID, Rank: rank}).Error)
	}
	return problem
}

func (a *testApp) submission(problem models.Problem) models.Submission {
	a.t.Helper()
	team := uint(1)
	submission := models.Submission{
		ContestID:  a.contest.ID,
		ProblemID:  problem.ID,
		LanguageID: a.language.ID,
		TeamID:     &team,
		SubmitTime: time.Now().UTC(),
		Valid:      true,
	}
	require.NoError(a.t, a.db.Create(&submission).Error)
	return submission
}

func (a *testApp) request(method, path, role string, body interface{}) (int, envelope) {
	a.t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set(roleHeader, role)
	}

	resp, err := a.app.Test(req, -1)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var result envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), fiber.MIMEApplicationJSON) {
		require.NoError(a.t, json.Unmarshal(raw, &result))
	}
	return resp.StatusCode, result
}

func (a *testApp) decode(raw json.RawMessage, target interface{}) {
	a.t.Helper()
	require.NoError(a.t, json.Unmarshal(raw, target))
}

func (a *testApp) registerJudgehost(hostname string) uint {
	a.t.Helper()
	status, body := a.request(http.MethodPost, "/api/v4/judgehosts", "judgehost", map[string]string{"hostname": hostname})
	require.Equal(a.t, http.StatusOK, status, body.Message)

	var judgehost struct {
		ID uint `json:"id"`
	}
	a.decode(body.Data, &judgehost)
	require.NotZero(a.t, judgehost.ID)
	return judgehost.ID
}

func (a *testApp) judge(submissionID uint) uint {
	a.t.Helper()
	status, body := a.request(http.MethodPost, fmt.Sprintf("/api/v4/submissions/%d/judge", submissionID), "jury", nil)
	require.Equal(a.t, http.StatusCreated, status, body.Message)

	var judging struct {
		ID uint `json:"id"`
	}
	a.decode(body.Data, &judging)
	return judging.ID
}

type polledTask struct {
	JudgeTaskID uint  `json:"judgetaskid"`
	JobID       *uint `json:"jobid"`
}

func (a *testApp) poll(judgehostID uint) []polledTask {
	a.t.Helper()
	status, body := a.request(http.MethodPost, fmt.Sprintf("/api/v4/judgehosts/%d/poll", judgehostID), "judgehost", nil)
	require.Equal(a.t, http.StatusOK, status, body.Message)

	var response struct {
		Tasks []polledTask `json:"tasks"`
	}
	a.decode(body.Data, &response)
	return response.Tasks
}

// judgeEverything answers every task the judgehost receives with the given result.
func (a *testApp) judgeEverything(judgehostID uint, result string) {
	a.t.Helper()
	for i := 0; i < 50; i++ {
		tasks := a.poll(judgehostID)
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			status, body := a.request(http.MethodPost, fmt.Sprintf("/api/v4/judgehosts/%d/report", judgehostID), "judgehost", map[string]interface{}{
				"judgetaskid": task.JudgeTaskID,
				"runresult":   result,
			})
			require.Equal(a.t, http.StatusOK, status, body.Message)
		}
	}
	a.t.Fatal("judgehost kept receiving work")
}

func (a *testApp) judgingResult(judgingID uint) (*string, bool) {
	a.t.Helper()
	status, body := a.request(http.MethodGet, fmt.Sprintf("/api/v4/judgings/%d", judgingID), "jury", nil)
	require.Equal(a.t, http.StatusOK, status, body.Message)

	var judging struct {
		Result *string `json:"result"`
		Valid  bool    `json:"valid"`
	}
	a.decode(body.Data, &judging)
	return judging.Result, judging.Valid
}
