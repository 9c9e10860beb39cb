package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/judgedispatch/internal/config"
	"github.com/noah-isme/judgedispatch/internal/database"
	"github.com/noah-isme/judgedispatch/internal/handler"
	"github.com/noah-isme/judgedispatch/internal/middleware"
	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/repository"
	"github.com/noah-isme/judgedispatch/internal/router"
	"github.com/noah-isme/judgedispatch/internal/service"
	"github.com/noah-isme/judgedispatch/pkg/objectstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL, 5*time.Second)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	var archive service.OutputArchive
	if cfg.ArchiveEnabled() {
		objects, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create object storage client: %v", err)
		}
		archive = objects
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	store := repository.NewStore(db)

	events := service.NewEventPublisher(redisClient, natsConn, cfg.EventsChannel, cfg.ScoreboardPrefix, logger)
	jobs := service.NewJobService(store, cfg.LazyEval, logger)
	scheduler := service.NewScheduler(store, service.SchedulerConfig{
		ParallelJudging: cfg.ParallelJudging,
		ClaimAttempts:   cfg.ClaimAttempts,
	}, logger)
	lifecycle := service.NewLifecycle(service.LifecycleConfig{
		LazyEval:   cfg.LazyEval,
		Priorities: cfg.ResultsPriority,
	}, logger)
	internalErrors := service.NewInternalErrorService(store, jobs, events, validate, logger)
	rejudgings := service.NewRejudgingService(store, jobs, events, validate, logger)
	dispatch := service.NewDispatchService(store, scheduler, lifecycle, internalErrors, rejudgings, events, archive, service.DispatchConfig{
		MaxBatchSize: cfg.MaxBatchSize,
		Remap:        cfg.ResultsRemap,
		Priorities:   cfg.ResultsPriority,
	}, validate, logger)
	reaper := service.NewLeaseReaper(store, cfg.LeaseTimeout, cfg.LeaseInterval, logger)

	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	events.Start(backgroundCtx)
	go reaper.Run(backgroundCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		JudgehostHandler:     handler.NewJudgehostHandler(dispatch, validate, logger),
		JudgingHandler:       handler.NewJudgingHandler(jobs, validate, logger),
		RejudgingHandler:     handler.NewRejudgingHandler(rejudgings, validate, logger),
		InternalErrorHandler: handler.NewInternalErrorHandler(internalErrors, validate, logger),
		EventsHandler:        handler.NewEventsHandler(events, logger),
		JWTMiddleware:        middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().
		Str("address", cfg.HTTPAddress()).
		Str("database", cfg.DatabaseDriver).
		Bool("lease_reaper", reaper.Enabled()).
		Bool("archive", archive != nil).
		Msg("judge dispatch started")

	waitForShutdown(app, cancelBackground)
}

func waitForShutdown(app *fiber.App, stopBackground context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
