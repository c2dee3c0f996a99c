package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jgarzik/brainpro/internal/audit"
	"github.com/jgarzik/brainpro/internal/daemon"
	"github.com/jgarzik/brainpro/internal/infra"
	"github.com/jgarzik/brainpro/internal/observability"
	"github.com/jgarzik/brainpro/internal/restart"
	crontool "github.com/jgarzik/brainpro/internal/tools/cron"
	"github.com/spf13/cobra"
)

func buildDaemonCmd() *cobra.Command {
	var (
		socketPath string
		agentID    string
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "run the agent daemon, serving NDJSON over a Unix domain socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(socketPath, agentID)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", defaultSocketPath(), "Unix socket path to listen on")
	cmd.Flags().StringVar(&agentID, "agent", "main", "default agent id for sessions created without one")
	return cmd
}

func defaultSocketPath() string {
	if dir := os.Getenv("BRAINPRO_DATA_DIR"); dir != "" {
		return dir + "/brainpro.sock"
	}
	return "/tmp/brainpro.sock"
}

func runDaemon(socketPath, agentID string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dataDir := os.Getenv("BRAINPRO_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}

	// A sentinel left by a previous run records why the daemon went down;
	// surface it once, then clear it.
	if sentinel, err := restart.ConsumeSentinel(dataDir); err == nil && sentinel != nil {
		logger.Info("recovered from restart",
			"kind", sentinel.Payload.Kind,
			"status", sentinel.Payload.Status,
			"detail", restart.Summarize(sentinel.Payload),
		)
	}

	store := newSessionStore(cfg, logger)
	bundle, err := buildRuntime(cfg, store, "default", false, logger)
	if err != nil {
		return err
	}

	scheduler, err := newCronScheduler(cfg.Cron)
	if err != nil {
		logger.Warn("cron scheduler unavailable", "error", err)
		scheduler = nil
	}

	pairingStore := newPairingStore(dataDir)

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		al, err := audit.NewLogger(cfg.Audit)
		if err != nil {
			logger.Warn("audit log unavailable", "error", err)
		} else {
			auditLogger = al
			bundle.rt.SetToolEventStore(audit.NewToolEventRecorder(al))
		}
	}

	d := daemon.New(daemon.Options{
		Runtime:        bundle.rt,
		Sessions:       store,
		Cron:           scheduler,
		Pairing:        pairingStore,
		DefaultAgentID: agentID,
		Audit:          auditLogger,
		Logger:         logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown := infra.NewShutdownCoordinator(10*time.Second, logger)
	shutdown.RegisterConnection("daemon-socket", func(ctx context.Context) error {
		return d.Close()
	})
	if auditLogger != nil {
		shutdown.RegisterService("audit-log", func(ctx context.Context) error {
			return auditLogger.Close()
		})
	}

	if cfg.Observability.Tracing.Enabled {
		tc := cfg.Observability.Tracing
		_, stopTracing := observability.NewTracer(observability.TraceConfig{
			ServiceName:    tc.ServiceName,
			ServiceVersion: tc.ServiceVersion,
			Environment:    tc.Environment,
			Endpoint:       tc.Endpoint,
			SamplingRate:   tc.SamplingRate,
			Attributes:     tc.Attributes,
			EnableInsecure: tc.Insecure,
		})
		shutdown.RegisterService("tracing", stopTracing)
	}
	if scheduler != nil {
		scheduler.SetAgentRunner(d.CronAgentRunner())
		// The cron tool lets the agent itself manage scheduled jobs, the
		// in-loop counterpart of the cron.add|remove|list RPC surface.
		bundle.rt.RegisterTool(crontool.NewTool(scheduler))
		if err := scheduler.Start(ctx); err != nil {
			logger.Warn("cron scheduler failed to start", "error", err)
		}
		shutdown.RegisterService("cron-scheduler", scheduler.Stop)
	}

	d.StartMetricsSnapshots(ctx, dataDir, time.Minute)

	logger.Info("starting brainpro daemon", "socket", socketPath)
	serveErr := d.ListenAndServe(ctx, socketPath)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	for _, result := range shutdown.Shutdown(shutdownCtx) {
		if result.Error != nil {
			logger.Warn("shutdown step failed", "name", result.Name, "error", result.Error)
		}
	}

	status := restart.StatusOK
	var message *string
	if serveErr != nil && ctx.Err() == nil {
		status = restart.StatusError
		text := serveErr.Error()
		message = &text
	}
	if err := restart.WriteSentinel(dataDir, restart.SentinelPayload{
		Kind:    restart.KindRestart,
		Status:  status,
		Ts:      time.Now().UnixMilli(),
		Message: message,
	}); err != nil {
		logger.Warn("failed to write restart sentinel", "error", err)
	}
	return serveErr
}
