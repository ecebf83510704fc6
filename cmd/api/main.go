package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/photogen/backend/internal/auth"
	"github.com/photogen/backend/internal/config"
	"github.com/photogen/backend/internal/generation"
	"github.com/photogen/backend/internal/handlers"
	"github.com/photogen/backend/internal/ledger"
	"github.com/photogen/backend/internal/prediction"
	"github.com/photogen/backend/internal/prompt"
	"github.com/photogen/backend/internal/repository"
	"github.com/photogen/backend/internal/router"
	"github.com/photogen/backend/internal/services"
	"github.com/photogen/backend/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET must be set")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories
	accountRepo := repository.NewAccountRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	postRepo := repository.NewPostRepo(pool)
	modelRepo := repository.NewTrainedModelRepo(pool)

	// Ledger
	ledgerSvc := ledger.NewService(pool, accountRepo, creditRepo)

	// External collaborators
	predClient := prediction.NewHTTPClient(cfg.PredictionBaseURL, cfg.PredictionToken)
	poller := prediction.NewPoller(predClient)
	store := storage.NewHTTPStore(cfg.StorageBaseURL, cfg.StorageBucket, cfg.StorageToken)
	finalizer := storage.NewFinalizer(store, logger)

	// Orchestrator: enqueue func is set after the River client is created
	// (breaks the init cycle).
	var enqueueMu sync.Mutex
	var enqueueFn generation.EnqueueGenerateTxFunc
	enqueueGenerate := func(ctx context.Context, tx pgx.Tx, args generation.GenerateJobArgs) error {
		enqueueMu.Lock()
		fn := enqueueFn
		enqueueMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	orchestrator := generation.NewOrchestrator(
		pool, postRepo, modelRepo, ledgerSvc,
		prompt.TemplateAssembler{}, predClient, poller, finalizer,
		enqueueGenerate, logger,
	)

	workers := river.NewWorkers()
	river.AddWorker(workers, generation.NewGenerateWorker(orchestrator))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	enqueueMu.Lock()
	enqueueFn = func(ctx context.Context, tx pgx.Tx, args generation.GenerateJobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	enqueueMu.Unlock()

	// Auth & dashboard
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, ledgerSvc, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	dashHandler := &handlers.DashboardHandler{
		Auth:     authSvc,
		Accounts: accountRepo,
		Credits:  creditRepo,
		Logger:   logger,
	}
	apiRouter := router.New(authHandler, dashHandler)

	validator, err := services.NewValidator(cfg.SchemaDir)
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiRouter)
	RegisterV1Routes(mux, cfg, pool, accountRepo, creditRepo, postRepo, ledgerSvc, orchestrator, validator, logger)

	// Reconciliation sweep: credits reserved for jobs that never resolved are
	// refunded on a schedule.
	reconciler := generation.NewReconciler(creditRepo, postRepo, postRepo, ledgerSvc, logger)
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	sched := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	if _, err := sched.AddFunc(cfg.SweepSchedule, func() { reconciler.Sweep(context.Background()) }); err != nil {
		slog.Error("Failed to schedule reconciliation sweep", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()
	slog.Info("Scheduled reconciliation sweep", "schedule", cfg.SweepSchedule)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Secret"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes queued generations)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
