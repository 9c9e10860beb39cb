package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/judgedispatch/internal/config"
	"github.com/noah-isme/judgedispatch/internal/handler"
	"github.com/noah-isme/judgedispatch/internal/middleware"
	"github.com/noah-isme/judgedispatch/internal/observability"
)

// Roles accepted on the dispatch API.
const (
	RoleAdmin     = "admin"
	RoleJury      = "jury"
	RoleJudgehost = "judgehost"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	JudgehostHandler     *handler.JudgehostHandler
	JudgingHandler       *handler.JudgingHandler
	RejudgingHandler     *handler.RejudgingHandler
	InternalErrorHandler *handler.InternalErrorHandler
	EventsHandler        *handler.EventsHandler
	JWTMiddleware        fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	v4 := app.Group(middleware.APIPrefix, jwtMiddleware)
	jury := middleware.RequireRole(RoleAdmin, RoleJury)
	judgehost := middleware.RequireRole(RoleJudgehost, RoleAdmin)

	if deps.JudgehostHandler != nil {
		// Judgehost protocol
		hosts := v4.Group("/judgehosts")
		hosts.Post("", judgehost)
		hosts.Post("/:id/*", judgehost, middleware.JudgehostSelf("id"))
		deps.JudgehostHandler.Register(hosts)
		deps.JudgehostHandler.RegisterHost(hosts, pollLimiter(cfg)...)

		hosts.Get("", jury)
		hosts.Patch("/:id", jury)
		deps.JudgehostHandler.RegisterAdmin(hosts)

		deps.JudgehostHandler.RegisterTasks(v4.Group("/judgetasks", jury))
	}

	if deps.JudgingHandler != nil {
		deps.JudgingHandler.RegisterSubmissions(v4.Group("/submissions", jury))
		deps.JudgingHandler.RegisterJudgings(v4.Group("/judgings", jury))
		deps.JudgingHandler.RegisterQueue(v4.Group("/queue", jury))
	}

	if deps.RejudgingHandler != nil {
		deps.RejudgingHandler.Register(v4.Group("/rejudgings", jury, middleware.RateLimit("rejudgings", 60, time.Minute)))
	}

	if deps.InternalErrorHandler != nil {
		deps.InternalErrorHandler.Register(v4.Group("/internal-errors", jury))
	}

	if deps.EventsHandler != nil {
		deps.EventsHandler.Register(v4.Group("/events", jury))
	}
}

func pollLimiter(cfg config.Config) []fiber.Handler {
	if cfg.PollRateLimit <= 0 {
		return nil
	}
	return []fiber.Handler{
		middleware.RateLimitBy("poll", cfg.PollRateLimit, time.Second, middleware.JudgehostKey("id")),
	}
}
