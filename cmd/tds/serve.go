package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tidesync/tidesync/internal/channel"
	"github.com/tidesync/tidesync/internal/config"
	"github.com/tidesync/tidesync/internal/conflict"
	"github.com/tidesync/tidesync/internal/dashboard"
	"github.com/tidesync/tidesync/internal/engine"
	"github.com/tidesync/tidesync/internal/eventlog"
	"github.com/tidesync/tidesync/internal/metrics"
	"github.com/tidesync/tidesync/internal/queue"
	"github.com/tidesync/tidesync/internal/server"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/ui"
)

var serveTenant string
var serveUser string

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync server and engine daemon",
	Long: `Start the full sync stack: the HTTP server (mutation endpoint,
backfill, live event stream, metrics), the local sync engine with its
durable queue and retry scheduler, the live event channel, and the
optional dashboard.

Configuration is read from the --config file, overridable via
TIDESYNC_* environment variables. The merge-rule section reloads on
file change without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTenant, "tenant", "default", "tenant for the live channel")
	serveCmd.Flags().StringVar(&serveUser, "user", "engine", "user for the live channel")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.InitSchema(ctx); err != nil {
		return err
	}

	q := queue.New(st, &queue.Config{
		MaxQueueSize:       cfg.Queue.MaxSize,
		MaxRetries:         cfg.Queue.MaxRetries,
		RetryStrategy:      queue.RetryStrategy(cfg.Queue.RetryStrategy),
		RetryBase:          cfg.Queue.RetryBase,
		RetryScanInterval:  cfg.Queue.RetryScanInterval,
		ReclaimTimeout:     cfg.Queue.ReclaimTimeout,
		CompletedRetention: cfg.Queue.CompletedRetention,
		IdempotencyTTL:     cfg.Queue.IdempotencyTTL,
		Logger:             logger,
	})

	elog := eventlog.New(&eventlog.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Logger:   logger,
	})
	defer elog.Close()

	var source server.EventSource
	var sink server.EventSink
	if err := elog.Ping(ctx); err != nil {
		logger.Printf("Event log unreachable at %s, backfill and live events disabled: %v", cfg.Redis.Addr, err)
	} else {
		source, sink = elog, elog
	}

	srv := server.New(&server.Config{
		Addr:              cfg.Server.Addr,
		HeartbeatInterval: cfg.Channel.HeartbeatInterval,
		StrictCursors:     cfg.Server.StrictCursors,
		Logger:            logger,
	}, source, sink)

	mset := metrics.New(srv.Registry())

	ch := channel.New(&channel.Config{
		BaseURL:              cfg.Server.BaseURL,
		HeartbeatInterval:    cfg.Channel.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.Channel.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		BackfillLimit:        cfg.Channel.BackfillLimit,
		BackfillTimeout:      cfg.Channel.BackfillTimeout,
		CursorMaxAge:         cfg.Channel.CursorMaxAge,
		Logger:               logger,
	}, st, serveTenant, serveUser, cfg.Server.AuthToken)

	transport := engine.NewHTTPTransport(cfg.Server.BaseURL, cfg.Server.AuthToken, 30*time.Second)

	orch := engine.New(&engine.Config{
		BatchSize:    cfg.Sync.BatchSize,
		SyncInterval: cfg.Sync.Interval,
		Logger:       logger,
	}, st, q, conflict.NewEngine(cfg.ConflictConfig()), ch, transport, mset)

	// Merge rules reload on config change without a restart.
	loader.OnChange(func(next *config.Config) {
		logger.Printf("Configuration changed, reloading merge rules")
		orch.SetResolver(conflict.NewEngine(next.ConflictConfig()))
	})
	loader.Watch()

	var dash *dashboard.Server
	if cfg.Dash.Enabled {
		dash = dashboard.NewServer(&dashboard.Config{Port: cfg.Dash.Port, Logger: logger})
		if err := dash.Start(); err != nil {
			return err
		}
		dash.Bind(orch.Broker())
		defer dash.Stop()
	}

	if err := orch.Initialize(ctx); err != nil {
		return err
	}
	orch.SetOnline(true)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
	}()

	fmt.Printf("%s tidesync serving on %s\n", ui.RenderSuccess("✓"), cfg.Server.Addr)
	return srv.Start(ctx)
}

// buildLogger returns a rotating file logger when configured, stderr
// otherwise.
func buildLogger(cfg *config.Config) *log.Logger {
	if cfg.Log.File == "" {
		return log.New(os.Stderr, "[tds] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}, "[tds] ", log.LstdFlags)
}
