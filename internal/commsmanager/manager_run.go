package commsmanager

import (
	"context"
	"fmt"
	"time"

	"bmh/internal/config"
	"bmh/internal/journal"
	"bmh/internal/logging"
	"bmh/internal/notifications"
)

const (
	journalRetention     = 30 * 24 * time.Hour
	journalPruneInterval = 24 * time.Hour
)

// loop reconciles once per reconcile interval and whenever nudged, until ctx
// ends.
func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	var lastPrune time.Time
	for {
		m.safeReconcile(ctx)
		if time.Since(lastPrune) >= journalPruneInterval {
			m.pruneJournal(ctx)
			lastPrune = time.Now()
		}

		timer := time.NewTimer(m.cfg.Load().ReconcileInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Manager) safeReconcile(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(m.logger, "reconciliation pass panicked", "reconcile_panic",
				logging.String("panic", fmt.Sprint(r)),
				logging.String(logging.FieldImpact, "dac transmit processes may not be relaunched until the next pass"),
			)
		}
	}()
	m.reconcile(ctx)
}

// reconcile compares configured channels with live connections and started
// processes, launching a DAC transmit process for every channel that has
// neither.
func (m *Manager) reconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg := m.cfg.Load()
	configured := cfg.Keys()

	m.procMu.Lock()
	for key, p := range m.procs {
		if _, ok := configured[key]; !ok {
			m.logger.Info("forgetting dac transmit process for removed channel",
				logging.Group(p.group), logging.Int("pid", p.handle.Pid()))
			delete(m.procs, key)
		}
	}
	for key := range m.lastLaunch {
		if _, ok := configured[key]; !ok {
			delete(m.lastLaunch, key)
			delete(m.failing, key)
		}
	}
	m.procMu.Unlock()

	backoff := cfg.LaunchBackoff()
	for _, ch := range cfg.Channels() {
		if ctx.Err() != nil {
			return
		}
		key := ch.Key()
		if m.transmit.HasCommunicator(ch.Group()) {
			m.procMu.Lock()
			delete(m.procs, key)
			delete(m.failing, key)
			m.procMu.Unlock()
			continue
		}

		m.procMu.Lock()
		p, tracked := m.procs[key]
		if tracked {
			select {
			case <-p.handle.Done():
				delete(m.procs, key)
				m.procMu.Unlock()
				m.processExited(ch, p)
				m.procMu.Lock()
			default:
				// Started but not yet registered.
				m.procMu.Unlock()
				continue
			}
		}
		last, launchedBefore := m.lastLaunch[key]
		m.procMu.Unlock()

		if backoff > 0 && launchedBefore && time.Since(last) < backoff {
			m.logger.Debug("launch deferred by backoff",
				logging.Group(ch.Group()),
				logging.Duration("remaining", backoff-time.Since(last)),
			)
			continue
		}
		m.launch(cfg, ch)
	}
}

func (m *Manager) processExited(ch config.Channel, p *process) {
	err := p.handle.Err()
	detail := "exited"
	if err != nil {
		detail = err.Error()
	}
	m.metrics.UnexpectedExit(ch.Group())
	logging.ErrorWithContext(m.logger, "dac transmit exited before registering", "dac_transmit_exited",
		logging.Group(ch.Group()),
		logging.Dac(ch.Dac.Address),
		logging.Int("pid", p.handle.Pid()),
		logging.Duration("uptime", time.Since(p.launched)),
		logging.String("exit", detail),
		logging.String(logging.FieldImpact, "transmitter group is off the air until relaunch succeeds"),
		logging.String(logging.FieldErrorHint, "check the dac transmit log and DAC reachability"),
	)
	m.record(journal.Event{Kind: journal.KindProcessExited, Group: ch.Group(), Detail: detail})
	group := ch.Group()
	m.notify("process_exited", func(ctx context.Context, svc notifications.Service) error {
		return svc.NotifyProcessExited(ctx, group, err)
	})
}

func (m *Manager) launch(cfg *config.Config, ch config.Channel) {
	key := ch.Key()
	now := time.Now()
	handle, err := m.launcher.Launch(cfg, ch)

	m.procMu.Lock()
	m.lastLaunch[key] = now
	firstFailure := err != nil && !m.failing[key]
	if err != nil {
		m.failing[key] = true
	} else {
		delete(m.failing, key)
		m.procs[key] = &process{handle: handle, group: ch.Group(), launched: now}
	}
	m.procMu.Unlock()

	if err != nil {
		m.metrics.LaunchFailed(ch.Group())
		logging.ErrorWithContext(m.logger, "failed to launch dac transmit", "dac_transmit_launch_failed",
			logging.Group(ch.Group()),
			logging.Dac(ch.Dac.Address),
			logging.Error(err),
			logging.String("launcher", cfg.DacTransmit.Launcher),
			logging.String(logging.FieldErrorHint, "check dac_transmit.launcher"),
		)
		if firstFailure {
			m.record(journal.Event{Kind: journal.KindLaunchFailed, Group: ch.Group(), Detail: err.Error()})
			group := ch.Group()
			m.notify("launch_failed", func(ctx context.Context, svc notifications.Service) error {
				return svc.NotifyLaunchFailed(ctx, group, err)
			})
		}
		return
	}

	m.metrics.LaunchStarted(ch.Group())
	m.logger.Info("launched dac transmit",
		logging.Group(ch.Group()),
		logging.Dac(ch.Dac.Address),
		logging.Int("data_port", ch.Channel.DataPort),
		logging.Int("pid", handle.Pid()),
	)
	m.record(journal.Event{
		Kind:   journal.KindProcessLaunched,
		Group:  ch.Group(),
		Detail: fmt.Sprintf("pid %d on %s:%d", handle.Pid(), ch.Dac.Address, ch.Channel.DataPort),
	})
}

func (m *Manager) pruneJournal(ctx context.Context) {
	if m.journal == nil {
		return
	}
	removed, err := m.journal.Prune(ctx, time.Now().Add(-journalRetention))
	if err != nil {
		m.logger.Warn("journal prune failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "journal_prune_failed"),
		)
		return
	}
	if removed > 0 {
		m.logger.Debug("journal pruned", logging.Int64("removed", removed))
	}
}
