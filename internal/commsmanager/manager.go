package commsmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bmh/internal/bus"
	"bmh/internal/config"
	"bmh/internal/dactransmit"
	"bmh/internal/journal"
	"bmh/internal/linetap"
	"bmh/internal/listener"
	"bmh/internal/logging"
	"bmh/internal/metrics"
	"bmh/internal/notifications"
	"bmh/internal/silence"
)

const notifyTimeout = 30 * time.Second

// Options carries optional collaborators. Nil fields get production defaults.
type Options struct {
	Launcher Launcher
	Notifier notifications.Service
	Journal  *journal.Journal
	Metrics  *metrics.Metrics
	Dialer   bus.Dialer
	// StatInterval is the config polling period when inotify is unavailable.
	StatInterval time.Duration
	// DisableInotify forces the polling config watch.
	DisableInotify bool
}

// Manager owns the comms manager components and drives the supervision loop.
type Manager struct {
	configPath string
	cfg        atomic.Pointer[config.Config]
	logger     *slog.Logger
	metrics    *metrics.Metrics
	journal    *journal.Journal
	launcher   Launcher
	watcher    *configWatcher

	notifierFixed bool
	notifierMu    sync.RWMutex
	notifier      notifications.Service

	transmitListener *listener.Listener
	tapListener      *listener.Listener
	transmit         *dactransmit.Server
	taps             *linetap.Server
	relay            *bus.Relay
	alarm            *silence.Alarm

	reloadMu sync.Mutex

	// procMu guards procs and lastLaunch. Only the supervision loop mutates them.
	procMu     sync.Mutex
	procs      map[config.DacTransmitKey]*process
	lastLaunch map[config.DacTransmitKey]time.Time
	failing    map[config.DacTransmitKey]bool

	subsMu sync.Mutex
	subs   map[string]busSubscription

	mu         sync.Mutex
	running    bool
	started    time.Time
	lastReload time.Time
	lastErr    error
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	notifWG    sync.WaitGroup

	wake chan struct{}
}

type process struct {
	handle   Process
	group    string
	launched time.Time
}

type busSubscription struct {
	destination string
	cancel      func()
}

// New builds a Manager for cfg, loaded from configPath.
func New(cfg *config.Config, configPath string, logger *slog.Logger, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("comms manager requires a configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		configPath: configPath,
		logger:     logging.NewComponentLogger(logger, "comms-manager"),
		metrics:    opts.Metrics,
		journal:    opts.Journal,
		launcher:   opts.Launcher,
		procs:      make(map[config.DacTransmitKey]*process),
		lastLaunch: make(map[config.DacTransmitKey]time.Time),
		failing:    make(map[config.DacTransmitKey]bool),
		subs:       make(map[string]busSubscription),
		wake:       make(chan struct{}, 1),
	}
	m.cfg.Store(cfg)
	if m.launcher == nil {
		m.launcher = ExecLauncher{}
	}
	if opts.Notifier != nil {
		m.notifier = opts.Notifier
		m.notifierFixed = true
	} else {
		m.notifier = notifications.NewService(cfg)
	}
	m.watcher = &configWatcher{
		path:           configPath,
		logger:         m.logger,
		statInterval:   opts.StatInterval,
		disableInotify: opts.DisableInotify,
	}

	dial := opts.Dialer
	if dial == nil {
		dial = func(ctx context.Context, deliver bus.DeliverFunc) (bus.Session, error) {
			return bus.WebsocketDialer(m.cfg.Load().Bus.URL, logger)(ctx, deliver)
		}
	}
	m.relay = bus.NewRelay(dial, cfg.Bus.BufferSize,
		time.Duration(cfg.Bus.RetryInterval)*time.Second, m.metrics, logger)

	m.transmitListener = listener.New(cfg.AcceptTimeout(), m.metrics, logger)
	m.tapListener = listener.New(cfg.AcceptTimeout(), m.metrics, logger)
	m.transmit = dactransmit.NewServer(m.transmitListener, cfg, transmitObserver{m}, m.metrics, logger)
	m.taps = linetap.NewServer(m.tapListener, cfg, m.metrics, logger)
	m.alarm = silence.New(cfg.AlarmableGroups(), cfg.SilenceGracePeriod(), cfg.SilenceRepeatInterval(),
		silenceObserver{m}, m.metrics, logger)
	return m, nil
}

// Start opens the listening sockets and launches the background loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("comms manager already running")
	}
	cfg := m.cfg.Load()

	if err := m.transmit.Start(); err != nil {
		return fmt.Errorf("register dac transmit server: %w", err)
	}
	if err := m.taps.Start(); err != nil {
		m.transmit.Shutdown()
		return fmt.Errorf("register line tap server: %w", err)
	}
	if err := m.transmitListener.Start(cfg.Server.DacTransmitPort); err != nil {
		m.shutdownServers()
		return fmt.Errorf("listen for dac transmit on port %d: %w", cfg.Server.DacTransmitPort, err)
	}
	if err := m.tapListener.Start(cfg.Server.LineTapPort); err != nil {
		m.shutdownServers()
		return fmt.Errorf("listen for line taps on port %d: %w", cfg.Server.LineTapPort, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.started = time.Now()

	connectCtx, connectCancel := context.WithTimeout(runCtx, 5*time.Second)
	if err := m.relay.Connect(connectCtx); err != nil && !errors.Is(err, bus.ErrNotConfigured) {
		logging.WarnWithContext(m.logger, "message bus unavailable at startup", "bus_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "status notifications queue until the bus is reachable"),
			logging.String(logging.FieldErrorHint, "check bus.url"),
		)
	}
	connectCancel()

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.relay.Run(runCtx)
	}()
	go func() {
		defer m.wg.Done()
		m.watcher.run(runCtx, func() {
			if _, err := m.Reload(runCtx); err != nil {
				m.logger.Debug("config change not applied", logging.Error(err))
			}
		})
	}()
	go m.loop(runCtx)

	m.logger.Info("comms manager started",
		logging.Int("dac_transmit_port", m.transmitListener.Port()),
		logging.Int("line_tap_port", m.tapListener.Port()),
		logging.Int("channels", len(cfg.Channels())),
		logging.String("config", m.configPath),
	)
	return nil
}

// Stop halts the loops and closes every connection. DAC transmit processes
// are left running and reconnect to the next instance.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.alarm.Close()
		m.notifWG.Wait()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.shutdownServers()
	m.alarm.Close()
	m.subsMu.Lock()
	for group, sub := range m.subs {
		sub.cancel()
		delete(m.subs, group)
	}
	m.subsMu.Unlock()
	m.relay.Close()
	m.notifWG.Wait()
	m.logger.Info("comms manager stopped")
}

func (m *Manager) shutdownServers() {
	_ = m.transmitListener.Close()
	_ = m.tapListener.Close()
	m.transmit.Shutdown()
	m.taps.Shutdown()
}

// Config returns the active configuration snapshot.
func (m *Manager) Config() *config.Config {
	return m.cfg.Load()
}

// ConfigPath returns the watched configuration file.
func (m *Manager) ConfigPath() string {
	return m.configPath
}

// Nudge wakes the supervision loop for an immediate reconciliation pass.
func (m *Manager) Nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// TestNotification sends a test push through the active notifier.
func (m *Manager) TestNotification(ctx context.Context) error {
	return m.currentNotifier().TestNotification(ctx)
}

func (m *Manager) currentNotifier() notifications.Service {
	m.notifierMu.RLock()
	defer m.notifierMu.RUnlock()
	return m.notifier
}

// notify runs fn in the background so slow push delivery never stalls the
// caller.
func (m *Manager) notify(what string, fn func(context.Context, notifications.Service) error) {
	svc := m.currentNotifier()
	m.notifWG.Add(1)
	go func() {
		defer m.notifWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := fn(ctx, svc); err != nil {
			logging.WarnWithContext(m.logger, "push notification failed", "notification_failed",
				logging.String("notification", what),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			)
		}
	}()
}

func (m *Manager) record(ev journal.Event) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.journal.Record(ctx, ev); err != nil {
		m.logger.Warn("journal write failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "journal_write_failed"),
			logging.String("kind", string(ev.Kind)),
		)
	}
}
