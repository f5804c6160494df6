package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"lms-progress-service/internal/app"
	"lms-progress-service/internal/config"
	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/infra/memory"
	infrapg "lms-progress-service/internal/infra/postgres"
	infraredis "lms-progress-service/internal/infra/redis"
	"lms-progress-service/internal/platform/logger"
	transport "lms-progress-service/internal/transport/http"
)

// NewServeCmd builds the CLI subcommand to start the server.
func NewServeCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the progress service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	deps, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	policy := retryPolicyFromConfig(cfg)
	factory := func(userID string, events app.QueueEvents) *app.CompletionService {
		return app.NewCompletionService(userID, deps.store, deps.attempts, deps.progress, policy, events, log)
	}
	wsHandler := transport.NewWSHandler(factory, deps.progress, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("starting progress service", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// services bundles the wired storage layers shared by the server and the
// admin commands.
type services struct {
	store    app.ProgressStore
	catalog  app.Catalog
	attempts app.AttemptLog
	progress *app.ProgressService
	cleanup  func()
}

// buildServices wires Redis and Postgres when configured and falls back to
// the in-memory implementations otherwise.
func buildServices(ctx context.Context, cfg config.Config, log *logger.Logger) (*services, error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var redisClient *goredis.Client
	if cfg.Redis.Addr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanups = append(cleanups, func() { _ = redisClient.Close() })
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		var err error
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			cleanup()
			return nil, err
		}
		cleanups = append(cleanups, pool.Close)
	}

	var loader infraredis.CatalogLoader = memory.NewStaticCatalogLoader(sampleCourses())
	if pool != nil {
		loader = infrapg.NewCatalogLoader(pool)
	}

	catalogTTL := config.Duration(cfg.Catalog.TTL, 10*time.Minute)
	var catalog app.Catalog
	if redisClient != nil {
		catalog = infraredis.NewCatalog(redisClient, loader, catalogTTL)
	} else {
		catalog = memory.NewCatalog(loader, catalogTTL)
	}

	var store app.ProgressStore = memory.NewProgressStore()
	if cfg.Postgres.URL != "" {
		db := openBunDB(cfg.Postgres.URL)
		cleanups = append(cleanups, func() { _ = db.Close() })
		store = infrapg.NewProgressStore(db)
	}

	logMaxEntries := cfg.AttemptLog.MaxEntries
	logMaxAge := config.Duration(cfg.AttemptLog.MaxAge, 24*time.Hour)
	var attempts app.AttemptLog = memory.NewAttemptLog(logMaxEntries, logMaxAge)
	if redisClient != nil {
		attempts = infraredis.NewAttemptLog(redisClient, logMaxEntries, logMaxAge)
	}

	return &services{
		store:    store,
		catalog:  catalog,
		attempts: attempts,
		progress: app.NewProgressService(store, catalog, log),
		cleanup:  cleanup,
	}, nil
}

func retryPolicyFromConfig(cfg config.Config) app.RetryPolicy {
	policy := app.DefaultRetryPolicy()
	policy.InitialDelay = config.Duration(cfg.Retry.InitialDelay, policy.InitialDelay)
	policy.MaxDelay = config.Duration(cfg.Retry.MaxDelay, policy.MaxDelay)
	if cfg.Retry.Multiplier > 1 {
		policy.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Retry.MaxRetries > 0 {
		policy.MaxRetries = cfg.Retry.MaxRetries
	}
	return policy
}

// sampleCourses provides a minimal catalog for running without Postgres.
func sampleCourses() map[string]domain.CourseOutline {
	return map[string]domain.CourseOutline{
		"course-1": {
			CourseID: "course-1",
			UnitIDs:  []string{"unit-1", "unit-2", "unit-3", "unit-4"},
		},
	}
}
