package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/sethvargo/go-envconfig"
	"github.com/sethvargo/go-retry"
	_ "golang.org/x/crypto/x509roots/fallback"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/lotwatch/internal/api"
	"github.com/jdholdren/lotwatch/internal/cache"
	"github.com/jdholdren/lotwatch/internal/health"
	"github.com/jdholdren/lotwatch/internal/logger"
	"github.com/jdholdren/lotwatch/internal/migrations"
	"github.com/jdholdren/lotwatch/internal/refresh"
	"github.com/jdholdren/lotwatch/internal/sources"
	lwsqlite "github.com/jdholdren/lotwatch/internal/sqlite"
)

type config struct {
	Database    string `env:"DATABASE, required"`
	SourcesFile string `env:"SOURCES_FILE, required"`

	Port         int        `env:"PORT, default=4444"`
	LoggerFormat string     `env:"LOGGER_FORMAT, default=text"`
	LogLevel     slog.Level `env:"LOG_LEVEL, default=info"`
	CorsOrigin   string     `env:"CORS_ORIGIN, default=*"`

	RefreshHour     int           `env:"REFRESH_HOUR, default=3"`
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL, default=24h"`
	RetryInterval   time.Duration `env:"RETRY_INTERVAL, default=1h"`
	RefreshOnStart  bool          `env:"REFRESH_ON_START, default=true"`
	CacheTTL        time.Duration `env:"CACHE_TTL, default=24h"`
	BatchSize       int           `env:"BATCH_SIZE, default=50"`

	SourceTimeout      time.Duration `env:"SOURCE_TIMEOUT, default=30s"`
	SourceDelay        time.Duration `env:"SOURCE_DELAY, default=2s"`
	SourceRetries      int           `env:"SOURCE_RETRIES, default=2"`
	SourceRetryBackoff time.Duration `env:"SOURCE_RETRY_BACKOFF, default=1s"`
	SourceConcurrency  int           `env:"SOURCE_CONCURRENCY, default=1"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A .env file is optional; the real environment wins
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("error loading .env: %s", err)
	}

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	l, err := logger.New(os.Stdout, cfg.LoggerFormat, cfg.LogLevel)
	if err != nil {
		log.Fatalf("error creating logger: %s", err)
	}
	slog.SetDefault(l)

	// Connect to the sqlite db
	dbx, err := sqlx.Open("sqlite", lwsqlite.DSN(cfg.Database))
	if err != nil {
		log.Fatalf("error opening database: %s", err)
	}
	defer dbx.Close()

	// Retry until the database file can be opened, e.g. a volume still mounting
	if err := retry.Do(ctx, retry.WithMaxRetries(5, retry.NewFibonacci(1*time.Second)), func(ctx context.Context) error {
		if err := dbx.PingContext(ctx); err != nil {
			slog.WarnContext(ctx, "database not ready", "error", err)
			return retry.RetryableError(err)
		}

		return nil
	}); err != nil {
		log.Fatalf("error connecting to database: %s", err)
	}

	// Run all migrations
	if err := migrations.Run(dbx); err != nil {
		log.Fatalf("error running migrations: %s", err)
	}

	srcCfgs, err := sources.Load(cfg.SourcesFile)
	if err != nil {
		log.Fatalf("error loading sources: %s", err)
	}
	srcs := sources.Build(srcCfgs, &http.Client{})

	var (
		clk   = clock.New()
		repo  = lwsqlite.New(dbx, clk).WithBatchSize(cfg.BatchSize)
		c     = cache.New(clk, cfg.CacheTTL)
		sched = refresh.New(refresh.Config{
			Hour:          cfg.RefreshHour,
			Interval:      cfg.RefreshInterval,
			RetryInterval: cfg.RetryInterval,
			SourceTimeout: cfg.SourceTimeout,
			SourceDelay:   cfg.SourceDelay,
			SourceRetries: cfg.SourceRetries,
			RetryBackoff:  cfg.SourceRetryBackoff,
			Concurrency:   cfg.SourceConcurrency,
			RunOnStart:    cfg.RefreshOnStart,
		}, clk, repo, c, srcs)
	)

	// Serve whatever the last successful cycle left behind until the next one lands
	if err := sched.Warm(ctx); err != nil {
		slog.ErrorContext(ctx, "error warming cache", "error", err)
	}

	srvr := api.NewServer(api.ServerConfig{
		Port:       cfg.Port,
		CorsOrigin: cfg.CorsOrigin,
	}, repo, c, sched, health.NewReporter(c, repo, sched))

	var g run.Group
	{
		schedCtx, stop := context.WithCancel(ctx)
		g.Add(func() error {
			return sched.Run(schedCtx)
		}, func(error) {
			stop()
		})
	}
	{
		g.Add(func() error {
			slog.InfoContext(ctx, "listening", "addr", srvr.Addr, "sources", len(srcs))
			if err := srvr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("error serving http: %s", err)
			}

			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srvr.Shutdown(shutdownCtx); err != nil {
				slog.Error("error shutting down server", "error", err)
			}
		})
	}
	{
		g.Add(func() error {
			<-ctx.Done()
			return ctx.Err()
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("exited with error: %s", err)
	}
	slog.Info("shut down")
}
