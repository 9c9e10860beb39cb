package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/verdict"
)

// Config holds runtime configuration values for the dispatch service.
type Config struct {
	AppName        string
	AppEnv         string
	AppPort        string
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	EventsChannel  string
	JWTSecret      string

	MaxBatchSize     int
	ParallelJudging  bool
	ClaimAttempts    int
	PollRateLimit    int
	LazyEval         int
	ResultsPriority  verdict.Priorities
	ResultsRemap     verdict.Remap
	LeaseTimeout     time.Duration
	LeaseInterval    time.Duration
	ScoreboardPrefix string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// ArchiveEnabled reports whether run outputs should be stored in object storage.
func (c Config) ArchiveEnabled() bool {
	return c.MinioEndpoint != "" && c.MinioBucket != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("JUDGEDISPATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Judge Dispatch")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("events.channel", "judgedispatch")
	v.SetDefault("scheduler.max_batchsize", 1)
	v.SetDefault("scheduler.parallel_judging", true)
	v.SetDefault("scheduler.claim_attempts", 5)
	v.SetDefault("scheduler.poll_rate_limit", 20)
	v.SetDefault("judging.lazy_eval", models.LazyEvalOn)
	v.SetDefault("judging.results_prio", "")
	v.SetDefault("judging.results_remap", "")
	v.SetDefault("lease.timeout", "0s")
	v.SetDefault("lease.interval", "30s")
	v.SetDefault("scoreboard.prefix", "scoreboard")
	v.SetDefault("minio.use_ssl", false)

	leaseTimeout, err := time.ParseDuration(v.GetString("lease.timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid lease timeout: %w", err)
	}

	leaseInterval, err := time.ParseDuration(v.GetString("lease.interval"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid lease interval: %w", err)
	}

	prio, err := verdict.ParsePriorities(v.GetString("judging.results_prio"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid results priorities: %w", err)
	}

	remap, err := verdict.ParseRemap(v.GetString("judging.results_remap"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid results remap: %w", err)
	}

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		AppPort:          v.GetString("app.port"),
		DatabaseDriver:   strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		NATSURL:          v.GetString("nats.url"),
		EventsChannel:    v.GetString("events.channel"),
		JWTSecret:        v.GetString("jwt.secret"),
		MaxBatchSize:     v.GetInt("scheduler.max_batchsize"),
		ParallelJudging:  v.GetBool("scheduler.parallel_judging"),
		ClaimAttempts:    v.GetInt("scheduler.claim_attempts"),
		PollRateLimit:    v.GetInt("scheduler.poll_rate_limit"),
		LazyEval:         v.GetInt("judging.lazy_eval"),
		ResultsPriority:  prio,
		ResultsRemap:     remap,
		LeaseTimeout:     leaseTimeout,
		LeaseInterval:    leaseInterval,
		ScoreboardPrefix: v.GetString("scoreboard.prefix"),
		MinioEndpoint:    v.GetString("minio.endpoint"),
		MinioAccessKey:   v.GetString("minio.access_key"),
		MinioSecretKey:   v.GetString("minio.secret_key"),
		MinioBucket:      v.GetString("minio.bucket"),
		MinioUseSSL:      v.GetBool("minio.use_ssl"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	if cfg.ClaimAttempts <= 0 {
		cfg.ClaimAttempts = 5
	}

	if cfg.LazyEval < models.LazyEvalOn || cfg.LazyEval > models.LazyEvalOnDemand {
		return Config{}, fmt.Errorf("invalid lazy evaluation mode %d", cfg.LazyEval)
	}

	if cfg.LeaseInterval <= 0 {
		cfg.LeaseInterval = 30 * time.Second
	}

	return cfg, nil
}
