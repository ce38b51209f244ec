package daemonrun

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bmh/internal/commsmanager"
	"bmh/internal/config"
	"bmh/internal/daemon"
	"bmh/internal/deps"
	"bmh/internal/ipc"
	"bmh/internal/journal"
	"bmh/internal/logging"
	"bmh/internal/metrics"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// ConfigPath overrides the default configuration location.
	ConfigPath string
	// LogLevel overrides logging.level from the configuration.
	LogLevel    string
	Development bool
}

// Run loads the configuration, starts the comms manager daemon and blocks
// until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, opts Options) error {
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bootstrap, _, err := logging.New(logging.Options{Level: opts.LogLevel, Format: "console", Output: os.Stderr})
	if err != nil {
		return fmt.Errorf("init bootstrap logger: %w", err)
	}
	cfg, configPath, err := commsmanager.LoadStartupConfig(opts.ConfigPath, bootstrap)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()

	logDependencySnapshot(logger, cfg)

	jr, err := journal.Open(cfg.JournalPath())
	if err != nil {
		logging.ErrorWithContext(logger, "open event journal", "journal_open_failed",
			logging.Error(err),
			logging.String("path", cfg.JournalPath()),
			logging.String(logging.FieldImpact, "daemon not started"),
			logging.String(logging.FieldErrorHint, "move the journal aside if it was written by another version"),
		)
		return err
	}

	m := metrics.New()
	mgr, err := commsmanager.New(cfg, configPath, logger, commsmanager.Options{
		Journal: jr,
		Metrics: m,
	})
	if err != nil {
		_ = jr.Close()
		return fmt.Errorf("create comms manager: %w", err)
	}

	d, err := daemon.New(cfg, mgr, jr, m, logger)
	if err != nil {
		_ = jr.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the listening ports and the lock file"),
			logging.String(logging.FieldImpact, "DAC transmit processes are not supervised"),
		)
		return err
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	<-signalCtx.Done()
	logger.Info("comms manager shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"),
	)
	return nil
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, io.Closer, error) {
	if opts.LogLevel == "" && !opts.Development {
		return logging.NewFromConfig(cfg)
	}
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	return logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		File:        cfg.LogPath(),
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		Development: opts.Development,
	})
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	statuses := deps.CheckBinaries(deps.Requirements(cfg))
	available := 0
	for _, st := range statuses {
		if st.Available {
			available++
		}
	}
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Int("channels", len(cfg.Channels())),
		logging.Int("available", available),
		logging.Any("dependencies", statuses),
	)

	for _, missing := range deps.Missing(statuses) {
		logging.WarnWithContext(logger, "required dependency unavailable", "dependency_missing",
			logging.String("dependency", missing.Name),
			logging.String("command", missing.Command),
			logging.String("detail", missing.Detail),
			logging.String(logging.FieldImpact, "DAC transmit launches will fail"),
			logging.String(logging.FieldErrorHint, "set dac_transmit.launcher to an executable"),
		)
	}
}
