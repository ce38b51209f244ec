package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"bmh/internal/commsmanager"
	"bmh/internal/config"
	"bmh/internal/deps"
	"bmh/internal/journal"
	"bmh/internal/logging"
	"bmh/internal/metrics"
)

// Daemon owns the comms manager lifecycle and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *commsmanager.Manager
	journal *journal.Journal
	metrics *metrics.Metrics

	lockPath string
	lock     *flock.Flock

	netlink *netlinkMonitor
	api     *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                `json:"running"`
	PID          int                 `json:"pid"`
	LockFilePath string              `json:"lock_file_path"`
	JournalPath  string              `json:"journal_path,omitempty"`
	APIAddress   string              `json:"api_address,omitempty"`
	Manager      commsmanager.Status `json:"manager"`
	Dependencies []deps.Status       `json:"dependencies"`
}

// New constructs a daemon around an unstarted manager. The journal and
// metrics may be nil.
func New(cfg *config.Config, manager *commsmanager.Manager, jr *journal.Journal, m *metrics.Metrics, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || manager == nil {
		return nil, errors.New("daemon requires config and comms manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		manager:  manager,
		journal:  jr,
		metrics:  m,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.netlink = newNetlinkMonitor(logger, manager.Nudge)
	d.api = newAPIServer(cfg.Paths.APIBind, d, logger)
	return d, nil
}

// Start acquires the instance lock and starts the manager, the netlink
// monitor and the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(d.cfg.Paths.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another comms manager instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.manager.Start(d.ctx); err != nil {
		d.release()
		return fmt.Errorf("start comms manager: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.manager.Stop()
		d.release()
		return err
	}
	_ = d.netlink.Start(d.ctx)

	d.running.Store(true)
	d.logger.Info("comms manager daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
	)
	return nil
}

func (d *Daemon) release() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.ctx = nil
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the lock file if no instance is running"),
		)
	}
}

// Stop stops the manager and releases the instance lock. DAC transmit
// processes keep running.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.netlink.Stop()
	d.api.stop()
	d.manager.Stop()
	d.release()
	d.running.Store(false)
	d.logger.Info("comms manager daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
	)
}

// Close stops the daemon and closes the journal.
func (d *Daemon) Close() error {
	d.Stop()
	if d.journal != nil {
		return d.journal.Close()
	}
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// APIAddress returns the bound HTTP API address, or "" when disabled.
func (d *Daemon) APIAddress() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(_ context.Context) Status {
	cfg := d.manager.Config()
	st := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		APIAddress:   d.api.address(),
		Manager:      d.manager.Status(),
		Dependencies: deps.CheckBinaries(deps.Requirements(cfg)),
	}
	if d.journal != nil {
		st.JournalPath = d.journal.Path()
	}
	return st
}

// Reload re-reads the configuration file. changed is false when the file
// matches the running configuration.
func (d *Daemon) Reload(ctx context.Context) (bool, error) {
	return d.manager.Reload(ctx)
}

// History returns recent journal events, newest first. An empty group
// matches every group.
func (d *Daemon) History(ctx context.Context, group string, limit int) ([]journal.Event, error) {
	if d.journal == nil {
		return nil, errors.New("event journal unavailable")
	}
	return d.journal.Recent(ctx, strings.TrimSpace(group), limit)
}

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	cfg := d.manager.Config()
	if strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.manager.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
