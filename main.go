// Command rec-tender receives live-recorder webhooks, tracks broadcast sessions,
// merges the recorded segments of each session into one media file plus one
// annotation file and hands the result to a downstream pipeline command.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres and runs migrations for the outcome journal.
//   - Starts the event router, the session cleanup job and the HTTP server.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/rec-tender/config"
	"github.com/onnwee/rec-tender/db"
	"github.com/onnwee/rec-tender/delay"
	"github.com/onnwee/rec-tender/dispatch"
	"github.com/onnwee/rec-tender/merge"
	"github.com/onnwee/rec-tender/router"
	"github.com/onnwee/rec-tender/server"
	"github.com/onnwee/rec-tender/session"
	"github.com/onnwee/rec-tender/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("rec-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, journal := openJournal(ctx, cfg)
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	store := session.NewStore()
	pending := session.NewPendingQueue()
	timers := delay.New(map[delay.Kind]time.Duration{
		delay.SegmentCollectionDebounce:  cfg.SegmentCollectionDebounce,
		delay.StreamEndedDebounce:        cfg.StreamEndedDebounce,
		delay.SessionEndedWithSession:    cfg.SessionEndedDebounce,
		delay.SessionEndedWithoutSession: cfg.SessionEndedNoSession,
		delay.FileWithoutSession:         cfg.FileNoSession,
	}, config.DefaultDebounce)

	mopts := merge.DefaultOptions()
	mopts.FFmpegPath = cfg.FFmpegPath
	mopts.FFprobePath = cfg.FFprobePath
	mopts.FillGaps = cfg.FillGaps
	mopts.MinGap = cfg.MinGap
	mopts.ProbeTimeout = cfg.ProbeTimeout
	mopts.ParseTimeout = cfg.ParseTimeout
	mopts.ConcatTimeout = cfg.ConcatTimeout
	mopts.CopyCover = cfg.CopyCover
	mopts.Backup = cfg.BackupSegments
	merger := merge.New(merge.ExecRunner{}, mopts)

	dopts := dispatch.Options{Command: cfg.PipelineCommand, Timeout: cfg.PipelineTimeout}
	ropts := router.Options{BasePath: cfg.BasePath, MinFileSize: cfg.MinSegmentBytes}
	deps := server.Deps{
		Store:   store,
		Pending: pending,
		Timers:  timers,
		DB:      database,
		Token:   cfg.WebhookToken,
	}
	if journal != nil {
		dopts.Recorder = journal
		ropts.Journal = journal
		deps.Dispatches = journal
	}
	dispatcher := dispatch.New(dopts)
	if !dispatcher.Configured() {
		slog.Warn("PIPELINE_COMMAND not set; merged sessions will not be dispatched")
	}
	rt := router.New(store, pending, timers, merger, dispatcher, ropts)
	deps.Sink = rt
	deps.Dispatcher = dispatcher

	go startCleanupJob(ctx, store, cfg.CleanupInterval, cfg.SessionMaxAge)
	startPprof()

	slog.Info("starting http server",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("base_path", cfg.BasePath),
		slog.Bool("journal", journal != nil),
		slog.Bool("tracing", telemetry.IsTracingEnabled()))
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Start(ctx, cfg.HTTPAddr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	<-serverDone

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.Close(closeCtx); err != nil {
		slog.Warn("router did not drain before deadline", slog.Any("err", err))
	}
	if n := dispatcher.CancelAll(); n > 0 {
		slog.Warn("cancelled running pipeline dispatches", slog.Int("count", n))
	}
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// openJournal connects to Postgres when DB_DSN is set. Any failure disables
// the journal; the service keeps running from memory.
func openJournal(ctx context.Context, cfg *config.Config) (*sql.DB, *db.Journal) {
	if cfg.DBDsn == "" {
		slog.Info("DB_DSN not set; outcome journal disabled", slog.String("component", "db"))
		return nil, nil
	}
	database, err := db.Connect(ctx, cfg.DBDsn, 30*time.Second)
	if err != nil {
		slog.Error("failed to open db; outcome journal disabled", slog.Any("err", err), slog.String("component", "db"))
		return nil, nil
	}

	// Versioned migrations first, embedded SQL as fallback.
	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("path", cfg.MigrationsPath))
	if err := runMigrations(database, cfg.MigrationsPath); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db; outcome journal disabled", slog.Any("err", err), slog.String("component", "db_migrate"))
			_ = database.Close()
			return nil, nil
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}
	return database, &db.Journal{DB: database}
}

// runMigrations applies the embedded migrations, or the ones under path when set.
func runMigrations(database *sql.DB, path string) error {
	if path != "" {
		return db.RunMigrationsFromPath(database, path)
	}
	return db.RunMigrations(database)
}

// startCleanupJob drops sessions older than maxAge every interval.
func startCleanupJob(ctx context.Context, store *session.Store, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	logger := slog.Default().With(slog.String("component", "session_cleanup"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.CleanupExpired(maxAge); n > 0 {
				logger.Info("expired sessions removed", slog.Int("count", n), slog.Duration("max_age", maxAge))
			}
			telemetry.SetActiveSessions(store.CountActive())
		}
	}
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
