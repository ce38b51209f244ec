package commsmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"bmh/internal/config"
	"bmh/internal/journal"
	"bmh/internal/logging"
	"bmh/internal/notifications"
)

// LoadStartupConfig loads the configuration the daemon starts with. A missing
// file is created from the defaults. A file that cannot be parsed or fails
// validation is moved aside to <path>.invalid and replaced by the defaults.
func LoadStartupConfig(path string, logger *slog.Logger) (*config.Config, string, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg, resolved, exists, err := config.Load(path)
	switch {
	case err == nil && exists:
		return cfg, resolved, nil
	case err == nil:
		if err := config.WriteDefault(resolved); err != nil {
			return nil, resolved, fmt.Errorf("write default config: %w", err)
		}
		logger.Info("configuration file not found, wrote defaults", logging.String("path", resolved))
		return cfg, resolved, nil
	case !errors.Is(err, config.ErrInvalid) || resolved == "":
		return nil, resolved, err
	}

	backup := resolved + ".invalid"
	logging.ErrorWithContext(logger, "configuration invalid, falling back to defaults", "config_invalid",
		logging.String("path", resolved),
		logging.String("backup", backup),
		logging.Error(err),
		logging.String(logging.FieldImpact, "no DACs are served until the configuration is fixed"),
		logging.String(logging.FieldErrorHint, "fix the backup file and move it back into place"),
	)
	if renameErr := os.Rename(resolved, backup); renameErr != nil {
		return nil, resolved, fmt.Errorf("back up invalid config: %w", renameErr)
	}
	if writeErr := config.WriteDefault(resolved); writeErr != nil {
		return nil, resolved, fmt.Errorf("write default config: %w", writeErr)
	}
	cfg, _, _, err = config.Load(resolved)
	if err != nil {
		return nil, resolved, fmt.Errorf("load default config: %w", err)
	}
	return cfg, resolved, nil
}

// Reload re-reads the configuration file. It reports whether a new
// configuration was applied. On failure the current configuration stays in
// effect. An unchanged file has no side effects beyond a bus reconnect
// attempt.
func (m *Manager) Reload(ctx context.Context) (bool, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	defer m.reconnectBus(ctx)

	next, _, exists, err := config.Load(m.configPath)
	if err == nil && !exists {
		err = fmt.Errorf("config file %s not found", m.configPath)
	}
	m.setReloadResult(err)
	if err != nil {
		m.metrics.ConfigReload("rejected")
		logging.ErrorWithContext(m.logger, "configuration reload rejected", "config_reload_rejected",
			logging.Error(err),
			logging.String("path", m.configPath),
			logging.String(logging.FieldImpact, "previous configuration remains active"),
			logging.String(logging.FieldErrorHint, "run 'commsmanager config validate'"),
		)
		m.record(journal.Event{Kind: journal.KindConfigRejected, Detail: err.Error()})
		return false, err
	}

	current := m.cfg.Load()
	if current.Equal(next) {
		m.metrics.ConfigReload("unchanged")
		m.logger.Debug("configuration unchanged")
		return false, nil
	}

	m.cfg.Store(next)
	m.apply(current, next)
	m.metrics.ConfigReload("applied")
	m.logger.Info("configuration reloaded",
		logging.Int("channels", len(next.Channels())),
		logging.String("path", m.configPath),
	)
	m.record(journal.Event{
		Kind:   journal.KindConfigReloaded,
		Detail: fmt.Sprintf("%d channels", len(next.Channels())),
	})
	m.Nudge()
	return true, nil
}

// apply republishes next to every component.
func (m *Manager) apply(prev, next *config.Config) {
	m.transmit.SetConfig(next)
	m.taps.SetConfig(next)
	m.alarm.Reconfigure(next.AlarmableGroups(), next.SilenceGracePeriod(), next.SilenceRepeatInterval())

	if prev.Server.AcceptTimeoutMS != next.Server.AcceptTimeoutMS {
		m.transmitListener.SetTimeout(next.AcceptTimeout())
		m.tapListener.SetTimeout(next.AcceptTimeout())
		m.logger.Info("accept timeout changed", logging.Duration("timeout", next.AcceptTimeout()))
	}
	if prev.Bus.BufferSize != next.Bus.BufferSize {
		m.relay.SetCapacity(next.Bus.BufferSize)
	}
	if prev.Bus.RetryInterval != next.Bus.RetryInterval {
		m.relay.SetRetry(time.Duration(next.Bus.RetryInterval) * time.Second)
	}
	if prev.Server.DacTransmitPort != next.Server.DacTransmitPort {
		m.movePort("dac transmit", m.transmitListener.SetPort, next.Server.DacTransmitPort)
	}
	if prev.Server.LineTapPort != next.Server.LineTapPort {
		m.movePort("line tap", m.tapListener.SetPort, next.Server.LineTapPort)
	}
	if prev.Bus.URL != next.Bus.URL {
		m.logger.Info("bus url changed, dropping session", logging.String("url", next.Bus.URL))
		m.relay.Close()
	}
	if prev.Bus.PlaylistQueuePrefix != next.Bus.PlaylistQueuePrefix {
		m.resubscribePlaylists(next)
	}
	if !m.notifierFixed && prev.Notifications != next.Notifications {
		m.notifierMu.Lock()
		m.notifier = notifications.NewService(next)
		m.notifierMu.Unlock()
	}
	if prev.Paths != next.Paths || prev.Logging != next.Logging || prev.Server.ClusterPort != next.Server.ClusterPort {
		logging.WarnWithContext(m.logger, "some changed settings take effect after a restart", "config_restart_required",
			logging.String("sections", "paths, logging, server.cluster_port"),
			logging.String(logging.FieldImpact, "daemon keeps its current paths, log output and cluster port"),
			logging.String(logging.FieldErrorHint, "restart the comms manager to apply them"),
		)
	}
}

func (m *Manager) setReloadResult(err error) {
	m.mu.Lock()
	m.lastReload = time.Now()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) movePort(name string, setPort func(int) error, port int) {
	if err := setPort(port); err != nil {
		logging.ErrorWithContext(m.logger, "failed to move listener", "listener_move_failed",
			logging.String("listener", name),
			logging.Int("port", port),
			logging.Error(err),
			logging.String(logging.FieldImpact, "listener keeps its previous port"),
		)
		return
	}
	m.logger.Info("listener moved", logging.String("listener", name), logging.Int("port", port))
}

func (m *Manager) reconnectBus(ctx context.Context) {
	if m.relay.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.relay.Connect(ctx); err != nil {
		m.logger.Debug("bus reconnect after reload failed", logging.Error(err))
	}
}
