package dactransmit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bmh/internal/config"
	"bmh/internal/listener"
	"bmh/internal/logging"
	"bmh/internal/metrics"
	"bmh/internal/wire"
)

// ErrNoCommunicator is returned when a group has no registered process.
var ErrNoCommunicator = errors.New("no dac transmit registered for group")

// Observer receives upward events from DAC transmit connections.
type Observer interface {
	// ConnectionChanged fires when the group as a whole gains or loses a
	// process connected to its DAC.
	ConnectionChanged(group string, connected bool)
	StatusChanged(group string, status wire.DacTransmitStatus)
	Notification(group string, msg wire.Message)
	HardwareStatus(group string, status wire.DacHardwareStatus)
}

// Info describes one registered connection.
type Info struct {
	Group          string    `json:"transmitter_group"`
	SessionID      string    `json:"session_id"`
	Remote         string    `json:"remote"`
	ConnectedToDac bool      `json:"connected_to_dac"`
	Registered     time.Time `json:"registered"`
}

// Server accepts DAC transmit registrations and tracks the candidate
// connections of every transmitter group.
type Server struct {
	base     *listener.Server
	observer Observer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      atomic.Pointer[config.Config]

	// notifyMu serializes group connectivity evaluation with its callback.
	// Lock order: notifyMu before mu. mu is never held during socket I/O.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	groups    map[string][]*Communicator
	connected map[string]bool
	closed    bool

	wg sync.WaitGroup
}

// NewServer builds a Server that claims registration messages from l.
func NewServer(l *listener.Listener, cfg *config.Config, observer Observer, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		observer:  observer,
		metrics:   m,
		logger:    logging.NewComponentLogger(logger, "dac-transmit-server"),
		groups:    make(map[string][]*Communicator),
		connected: make(map[string]bool),
	}
	s.cfg.Store(cfg)
	s.base = listener.NewServer("dac-transmit-server", l,
		[]wire.Kind{wire.KindDacTransmitRegister}, cfg.Server.HandlerQueueSize, s.register, logger)
	return s
}

// Start registers with the listener.
func (s *Server) Start() error {
	return s.base.Start()
}

func (s *Server) register(_ context.Context, conn *wire.Conn, msg wire.Message) error {
	reg, ok := msg.(wire.DacTransmitRegister)
	if !ok {
		return fmt.Errorf("unexpected registration message %s", msg.Kind())
	}
	cfg := s.cfg.Load()
	ch, found := cfg.ChannelForGroup(reg.TransmitterGroup)
	key := config.DacTransmitKey{
		InputDirectory: reg.InputDirectory,
		DataPort:       reg.DataPort,
		DacAddress:     reg.DacAddress,
	}
	if !found || ch.Key() != key {
		logging.WarnWithContext(s.logger, "rejecting dac transmit registration", "dac_transmit_rejected",
			logging.Group(reg.TransmitterGroup),
			logging.Bool("group_configured", found),
			logging.Remote(conn.RemoteAddr()),
			logging.String(logging.FieldErrorHint, "process was launched for a configuration that no longer exists"),
			logging.String(logging.FieldImpact, "process told to shut down"),
		)
		_ = conn.WriteWithDeadline(wire.DacTransmitShutdown{}, writeTimeout)
		return conn.Close()
	}

	c := newCommunicator(s, conn, ch)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return conn.Close()
	}
	s.groups[c.group] = append(s.groups[c.group], c)
	total := s.countLocked()
	candidates := len(s.groups[c.group])
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.SetCommunicators(total)
	c.logger.Info("dac transmit registered",
		logging.Remote(conn.RemoteAddr()),
		logging.Int("candidates", candidates),
	)
	go c.run()
	return nil
}

// Communicator returns the connection to use for group, or nil. When exactly
// one candidate is connected to its DAC every other candidate is shut down.
// When none is connected the first registered survivor is returned and no
// candidate is pruned. A closed communicator is never returned.
func (s *Server) Communicator(group string) *Communicator {
	s.mu.Lock()
	var live, connected []*Communicator
	for _, c := range s.groups[group] {
		if c.Closed() {
			continue
		}
		live = append(live, c)
		if c.IsConnectedToDac() {
			connected = append(connected, c)
		}
	}

	var result *Communicator
	var stale []*Communicator
	switch {
	case len(live) == 0:
		delete(s.groups, group)
	case len(connected) == 1:
		result = connected[0]
		for _, c := range live {
			if c != result {
				stale = append(stale, c)
			}
		}
		s.groups[group] = []*Communicator{result}
	case len(connected) > 1:
		result = connected[0]
		s.groups[group] = live
	default:
		result = live[0]
		s.groups[group] = live
	}
	s.mu.Unlock()

	for _, c := range stale {
		c.logger.Info("discarding duplicate dac transmit", logging.String("kept_session", result.id))
		c.Shutdown()
	}
	return result
}

// HasCommunicator reports whether group has a live registered process.
func (s *Server) HasCommunicator(group string) bool {
	return s.Communicator(group) != nil
}

// IsConnectedToDac reports whether group's process is connected to its DAC.
func (s *Server) IsConnectedToDac(group string) bool {
	c := s.Communicator(group)
	return c != nil && c.IsConnectedToDac()
}

// Deliver forwards a playlist update to group's process.
func (s *Server) Deliver(group string, update wire.PlaylistUpdate) error {
	c := s.Communicator(group)
	if c == nil {
		return fmt.Errorf("%w %s", ErrNoCommunicator, group)
	}
	return c.Send(update)
}

// SetConfig publishes a new configuration. Processes whose group was removed
// or whose key changed are shut down; the rest receive live updates for
// radios, decibel targets and timezone. The handler queue bound is resized.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
	s.base.SetQueueSize(cfg.Server.HandlerQueueSize)

	s.mu.Lock()
	snapshot := make(map[string][]*Communicator, len(s.groups))
	for group, list := range s.groups {
		snapshot[group] = append([]*Communicator(nil), list...)
	}
	s.mu.Unlock()

	for group, list := range snapshot {
		ch, ok := cfg.ChannelForGroup(group)
		for _, c := range list {
			if c.Closed() {
				continue
			}
			if !ok || ch.Key() != c.key {
				c.logger.Info("shutting down dac transmit after configuration change",
					logging.Bool("group_configured", ok))
				c.Shutdown()
				continue
			}
			c.applyChannel(ch.Channel)
		}
	}
}

// Snapshot lists registered connections ordered by group then registration.
func (s *Server) Snapshot() []Info {
	s.mu.Lock()
	var out []Info
	for group, list := range s.groups {
		for _, c := range list {
			if c.Closed() {
				continue
			}
			out = append(out, Info{
				Group:          group,
				SessionID:      c.id,
				Remote:         c.conn.RemoteAddr(),
				ConnectedToDac: c.IsConnectedToDac(),
				Registered:     c.registered,
			})
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Registered.Before(out[j].Registered)
	})
	return out
}

func (s *Server) removed(c *Communicator) {
	s.mu.Lock()
	list := s.groups[c.group]
	for i, candidate := range list {
		if candidate == c {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.groups, c.group)
	} else {
		s.groups[c.group] = list
	}
	total := s.countLocked()
	s.mu.Unlock()

	s.metrics.SetCommunicators(total)
	s.refreshGroup(c.group)
}

// refreshGroup recomputes whether group has a DAC-connected process and
// notifies the observer on a flip.
func (s *Server) refreshGroup(group string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	connected := false
	for _, c := range s.groups[group] {
		if !c.Closed() && c.IsConnectedToDac() {
			connected = true
			break
		}
	}
	prev := s.connected[group]
	if connected {
		s.connected[group] = true
	} else {
		delete(s.connected, group)
	}
	count := len(s.connected)
	s.mu.Unlock()

	if prev == connected {
		return
	}
	s.metrics.SetConnectedGroups(count)
	s.logger.Info("transmitter group connectivity changed",
		logging.Group(group),
		logging.Bool("connected_to_dac", connected),
	)
	s.observer.ConnectionChanged(group, connected)
}

func (s *Server) countLocked() int {
	n := 0
	for _, list := range s.groups {
		n += len(list)
	}
	return n
}

// Shutdown stops accepting registrations and closes every connection.
// Processes are not asked to stop: they keep broadcasting and register again
// with the next comms manager instance.
func (s *Server) Shutdown() {
	s.base.Shutdown()

	s.mu.Lock()
	s.closed = true
	var all []*Communicator
	for _, list := range s.groups {
		all = append(all, list...)
	}
	s.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	s.wg.Wait()
}
