package linetap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"bmh/internal/config"
	"bmh/internal/listener"
	"bmh/internal/logging"
	"bmh/internal/metrics"
	"bmh/internal/wire"
)

// Server answers line tap requests. Each DAC receive port has at most one
// shared receiver, created for its first tap and stopped with its last.
type Server struct {
	base    *listener.Server
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     atomic.Pointer[config.Config]

	// mu guards receivers and taps. Lock order: mu before receiver.mu.
	mu        sync.Mutex
	receivers map[int]*receiver
	taps      map[*tap]struct{}
	closed    bool

	wg sync.WaitGroup
}

// NewServer builds a Server that claims tap requests from l.
func NewServer(l *listener.Listener, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		metrics:   m,
		logger:    logging.NewComponentLogger(logger, "line-tap-server"),
		receivers: make(map[int]*receiver),
		taps:      make(map[*tap]struct{}),
	}
	s.cfg.Store(cfg)
	s.base = listener.NewServer("line-tap-server", l,
		[]wire.Kind{wire.KindLineTapRequest}, cfg.Server.HandlerQueueSize, s.open, logger)
	return s
}

// Start registers with the listener.
func (s *Server) Start() error {
	return s.base.Start()
}

func (s *Server) open(_ context.Context, conn *wire.Conn, msg wire.Message) error {
	req, ok := msg.(wire.LineTapRequest)
	if !ok {
		return fmt.Errorf("unexpected tap message %s", msg.Kind())
	}
	ch, found := s.cfg.Load().ChannelForGroup(req.TransmitterGroup)
	if !found {
		logging.ErrorWithContext(s.logger, "line tap requested for unknown transmitter group", "line_tap_rejected",
			logging.Group(req.TransmitterGroup),
			logging.Remote(conn.RemoteAddr()),
		)
		return conn.Close()
	}

	id := uuid.NewString()
	t := &tap{
		id:      id,
		group:   ch.Group(),
		port:    ch.Dac.ReceivePort,
		channel: ch.OutputChannel(),
		conn:    conn,
		logger: s.logger.With(
			logging.Group(ch.Group()),
			logging.Session(id),
			logging.Dac(ch.Dac.Address),
		),
		out:  make(chan []byte, tapBuffer),
		done: make(chan struct{}),
	}
	if err := s.subscribe(ch.Dac, t); err != nil {
		_ = conn.Close()
		return err
	}

	s.metrics.TapOpened()
	t.logger.Info("line tap opened", logging.Int("channel", t.channel), logging.Remote(conn.RemoteAddr()))
	go t.writeLoop()
	go func() {
		defer s.wg.Done()
		t.readLoop()
		t.close()
		s.unsubscribe(t)
		s.metrics.TapClosed()
	}()
	return nil
}

func (s *Server) subscribe(dac config.DacConfig, t *tap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("line tap server shut down")
	}
	r := s.receivers[dac.ReceivePort]
	if r == nil {
		var err error
		r, err = startReceiver(dac.ReceiveAddress, dac.ReceivePort, s.logger)
		if err != nil {
			return err
		}
		s.receivers[dac.ReceivePort] = r
	}
	r.add(t.channel, t)
	s.taps[t] = struct{}{}
	s.wg.Add(1)
	return nil
}

func (s *Server) unsubscribe(t *tap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.taps, t)
	r := s.receivers[t.port]
	if r == nil {
		return
	}
	if r.remove(t.channel, t) == 0 {
		delete(s.receivers, t.port)
		r.stop()
	}
}

// SetConfig publishes a new configuration. Taps whose group was removed or
// moved to another DAC port or output channel are closed.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
	s.base.SetQueueSize(cfg.Server.HandlerQueueSize)

	s.mu.Lock()
	var stale []*tap
	for t := range s.taps {
		ch, ok := cfg.ChannelForGroup(t.group)
		if !ok || ch.Dac.ReceivePort != t.port || ch.OutputChannel() != t.channel {
			stale = append(stale, t)
		}
	}
	s.mu.Unlock()

	for _, t := range stale {
		t.logger.Info("closing line tap after configuration change")
		t.close()
	}
}

// Subscribers returns the number of open taps.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.taps)
}

// Receivers returns the number of running receivers.
func (s *Server) Receivers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivers)
}

// Shutdown stops accepting taps and closes every open one.
func (s *Server) Shutdown() {
	s.base.Shutdown()

	s.mu.Lock()
	s.closed = true
	var open []*tap
	for t := range s.taps {
		open = append(open, t)
	}
	s.mu.Unlock()

	for _, t := range open {
		t.close()
	}
	s.wg.Wait()
}
