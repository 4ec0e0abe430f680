package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	fshttp "github.com/Strob0t/ForgeSync/internal/adapter/http"
	fsnats "github.com/Strob0t/ForgeSync/internal/adapter/nats"
	"github.com/Strob0t/ForgeSync/internal/adapter/natskv"
	fsotel "github.com/Strob0t/ForgeSync/internal/adapter/otel"
	"github.com/Strob0t/ForgeSync/internal/adapter/postgres"
	"github.com/Strob0t/ForgeSync/internal/adapter/ristretto"
	"github.com/Strob0t/ForgeSync/internal/adapter/tiered"
	"github.com/Strob0t/ForgeSync/internal/adapter/ws"
	"github.com/Strob0t/ForgeSync/internal/config"
	"github.com/Strob0t/ForgeSync/internal/logger"
	"github.com/Strob0t/ForgeSync/internal/middleware"
	"github.com/Strob0t/ForgeSync/internal/port/cache"
	"github.com/Strob0t/ForgeSync/internal/service"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	args := os.Args[1:]
	var err error
	switch {
	case len(args) > 0 && args[0] == "watch":
		err = runWatch(args[1:])
	case len(args) > 0 && (args[0] == "help" || args[0] == "--help" || args[0] == "-h"):
		printUsage()
		return
	case len(args) > 0 && args[0] == "serve":
		err = run(args[1:])
	default:
		err = run(args)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: forgesync [command] [options]

Commands:
  serve    Run the sync engine server (default)
  watch    Stream live summary updates from a running server
  help     Show this help message

Examples:
  forgesync serve --port 8080 --config forgesync.yaml
  forgesync watch --server http://localhost:8080 --subscribe branch-9,task-1
`)
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	holder := config.NewHolder(cfg, cfgPath)

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"batch_window", cfg.Batch.Window,
		"queue_size", cfg.Broadcast.QueueSize,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownOtel, err := fsotel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := fsotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := fsnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	cacheStore, err := ristretto.New(cfg.Cache.MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cacheStore.Close()

	// With a shared bucket configured, snapshots built by one replica are
	// served by all of them through a NATS KV second level.
	var snapCache cache.Cache = cacheStore
	if cfg.Cache.SharedBucket != "" {
		kv, err := queue.KeyValue(ctx, cfg.Cache.SharedBucket, cfg.Cache.BulkTTL)
		if err != nil {
			return fmt.Errorf("cache shared bucket: %w", err)
		}
		snapCache = tiered.New(cacheStore, natskv.New(kv), cfg.Cache.BulkTTL)
		slog.Info("snapshot cache shared", "bucket", cfg.Cache.SharedBucket)
	}

	// --- Services ---
	store := postgres.NewStore(pool)
	hub := ws.NewHub(cfg.Broadcast.QueueSize, cfg.Broadcast.WriteTimeout, cfg.Broadcast.HeartbeatInterval)
	hub.SetMetrics(metrics)

	calc := service.NewCascadeCalculator(store)
	calc.SetMetrics(metrics)
	batch := service.NewBatchAggregator(calc, hub, cfg.Batch.Window, cfg.Batch.MaxSize)
	batch.SetMetrics(metrics)
	updates := service.NewUpdateRouter(calc, batch, hub)
	updates.SetMetrics(metrics)
	snapshots := service.NewSnapshotService(store, snapCache, cfg.Cache.BulkTTL)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go batch.Run(runCtx)
	go hub.RunHeartbeat(runCtx)

	cancelChanges, err := updates.StartChangeSubscriber(runCtx, queue)
	if err != nil {
		return fmt.Errorf("change subscriber: %w", err)
	}
	defer cancelChanges()

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(10*time.Minute, time.Hour)
	defer stopCleanup()

	handlers := &fshttp.Handlers{
		Updates:   updates,
		Snapshots: snapshots,
	}

	r := chi.NewRouter()
	r.Use(fshttp.CORS(cfg.Server.CORSOrigin))
	r.Use(fshttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(fshttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(fsotel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/health", healthHandler(pool, queue, hub))

	// The stream endpoint stays outside the timeout group: connections
	// live until the client or the hub closes them.
	r.Get("/ws", hub.HandleWS)

	r.Group(func(gr chi.Router) {
		gr.Use(chimw.Timeout(30 * time.Second))
		fshttp.MountRoutes(gr, handlers, limiter)
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

wait:
	for {
		select {
		case <-reload:
			// Endpoints and pools are fixed at startup; a reload picks
			// up the adjustable pieces, currently the log level.
			if err := holder.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			logger.SetLevel(holder.Get().Logging.Level)
			slog.Info("config reloaded", "log_level", holder.Get().Logging.Level)
		case <-done:
			break wait
		}
	}
	slog.Info("shutting down server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	err = srv.Shutdown(shutdownCtx)

	// Stop intake first, then flush the open batch window to the still
	// connected clients, then let them go; they resync on reconnect.
	cancelRun()
	hub.CloseAll("server shutting down")

	return err
}

// healthHandler reports component wiring: a live database pool and a
// connected queue, plus the current connection count.
func healthHandler(pool *pgxpool.Pool, queue *fsnats.Queue, hub *ws.Hub) http.HandlerFunc {
	type healthStatus struct {
		Status      string `json:"status"`
		Postgres    string `json:"postgres"`
		NATS        string `json:"nats"`
		Connections int    `json:"connections"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Status:      "ok",
			Postgres:    "ok",
			NATS:        "ok",
			Connections: hub.ConnectionCount(),
		}
		code := http.StatusOK

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Postgres = "unreachable"
			code = http.StatusServiceUnavailable
		}
		if !queue.IsConnected() {
			status.Status = "degraded"
			status.NATS = "disconnected"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
