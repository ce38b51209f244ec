package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bmh/internal/logging"
	"bmh/internal/wire"
)

// ProcessFunc handles one connection taken off a Server queue. ctx is
// cancelled when the call returns or the worker is interrupted, so it must
// not be kept by goroutines that outlive the call.
type ProcessFunc func(ctx context.Context, conn *wire.Conn, msg wire.Message) error

// Server decouples accepting a typed connection from processing it. One
// worker goroutine drains a queue of pending connections; a queue size of
// zero makes every handoff synchronous.
type Server struct {
	name     string
	listener *Listener
	kinds    []wire.Kind
	process  ProcessFunc
	logger   *slog.Logger

	mu        sync.Mutex
	queueSize int
	queue     []*pending
	current   *pending
	ready     chan struct{}
	space     chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	shutdown atomic.Bool
	wg       sync.WaitGroup
}

type pending struct {
	conn   *wire.Conn
	msg    wire.Message
	queued time.Time
	taken  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a Server that will claim kinds from l once started.
func NewServer(name string, l *Listener, kinds []wire.Kind, queueSize int, process ProcessFunc, logger *slog.Logger) *Server {
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		name:      name,
		listener:  l,
		kinds:     append([]wire.Kind(nil), kinds...),
		queueSize: queueSize,
		process:   process,
		logger:    logging.NewComponentLogger(logger, name),
		ready:     make(chan struct{}, 1),
		space:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// SetQueueSize changes how many connections may wait for the worker. Growing
// the queue wakes blocked handoffs; shrinking it leaves queued connections in
// place and only limits new ones. Zero makes handoffs synchronous.
func (s *Server) SetQueueSize(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	grew := n > s.queueSize
	s.queueSize = n
	s.mu.Unlock()
	if grew {
		signal(s.space)
	}
}

// QueueSize returns the current handler queue bound.
func (s *Server) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueSize
}

// Start registers the server for its kinds and starts the worker.
func (s *Server) Start() error {
	for i, kind := range s.kinds {
		if err := s.listener.Register(kind, s); err != nil {
			for _, registered := range s.kinds[:i] {
				s.listener.Remove(registered, s)
			}
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

// HandleConnection queues conn for processing. When the oldest queued
// connection has waited longer than timeout the worker is interrupted first.
// If conn cannot be queued within timeout the worker is interrupted, conn is
// closed and false is returned.
func (s *Server) HandleConnection(conn *wire.Conn, msg wire.Message, timeout time.Duration) bool {
	if s.shutdown.Load() {
		_ = conn.Close()
		return false
	}

	s.mu.Lock()
	if len(s.queue) > 0 && time.Since(s.queue[0].queued) > timeout {
		s.interruptLocked("queued connection waited longer than the accept timeout")
	}
	synchronous := s.queueSize == 0
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	p := &pending{
		conn:   conn,
		msg:    msg,
		queued: time.Now(),
		taken:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if synchronous {
		s.mu.Lock()
		s.queue = append(s.queue, p)
		s.mu.Unlock()
		signal(s.ready)

		select {
		case <-p.taken:
			return true
		case <-deadline.C:
		case <-s.done:
		}
		s.mu.Lock()
		removed := s.removeLocked(p)
		if removed {
			s.interruptLocked("handler did not take the connection within the accept timeout")
		}
		s.mu.Unlock()
		if !removed {
			return true
		}
		s.refuse(p)
		return false
	}

	for {
		s.mu.Lock()
		if len(s.queue) < s.queueSize {
			s.queue = append(s.queue, p)
			s.mu.Unlock()
			signal(s.ready)
			return true
		}
		s.mu.Unlock()

		select {
		case <-s.space:
		case <-deadline.C:
			s.mu.Lock()
			s.interruptLocked("handler queue full for longer than the accept timeout")
			s.mu.Unlock()
			s.refuse(p)
			return false
		case <-s.done:
			s.refuse(p)
			return false
		}
	}
}

func (s *Server) refuse(p *pending) {
	p.cancel()
	_ = p.conn.Close()
	logging.WarnWithContext(s.logger, "connection refused", "handler_queue_timeout",
		logging.Remote(p.conn.RemoteAddr()),
		logging.String("kind", string(p.msg.Kind())),
		logging.String(logging.FieldImpact, "client must reconnect"),
	)
}

func (s *Server) removeLocked(p *pending) bool {
	for i, queued := range s.queue {
		if queued == p {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// interruptLocked aborts the connection the worker is processing. Goroutines
// cannot be interrupted, so the item's context is cancelled and its
// connection closed, which unblocks any I/O it is waiting on.
func (s *Server) interruptLocked(reason string) {
	if s.current == nil {
		return
	}
	cur := s.current
	s.current = nil
	cur.cancel()
	_ = cur.conn.Close()
	logging.WarnWithContext(s.logger, "interrupted stuck handler", "handler_interrupted",
		logging.String("reason", reason),
		logging.Remote(cur.conn.RemoteAddr()),
		logging.Duration("age", time.Since(cur.queued)),
		logging.String(logging.FieldImpact, "connection dropped"),
	)
}

func (s *Server) run() {
	defer s.wg.Done()
	for {
		p := s.next()
		if p == nil {
			return
		}
		s.handle(p)
	}
}

func (s *Server) next() *pending {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			p := s.queue[0]
			s.queue = s.queue[1:]
			s.current = p
			s.mu.Unlock()
			close(p.taken)
			signal(s.space)
			return p
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
			return nil
		}
	}
}

func (s *Server) handle(p *pending) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(s.logger, "handler panic", "handler_panic",
				logging.Any("panic", r),
				logging.Remote(p.conn.RemoteAddr()),
			)
			_ = p.conn.Close()
		}
		s.mu.Lock()
		if s.current == p {
			s.current = nil
		}
		s.mu.Unlock()
		p.cancel()
	}()

	if err := s.process(p.ctx, p.conn, p.msg); err != nil {
		logging.WarnWithContext(s.logger, "failed to process connection", "handler_failed",
			logging.Error(err),
			logging.Remote(p.conn.RemoteAddr()),
			logging.String("kind", string(p.msg.Kind())),
			logging.String(logging.FieldImpact, "connection closed"),
		)
		_ = p.conn.Close()
	}
}

// Shutdown deregisters the server, interrupts the worker and closes every
// queued connection. Only the first call has an effect.
func (s *Server) Shutdown() {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	for _, kind := range s.kinds {
		s.listener.Remove(kind, s)
	}
	close(s.done)
	s.cancel()

	s.mu.Lock()
	if s.current != nil {
		_ = s.current.conn.Close()
	}
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, p := range queued {
		p.cancel()
		_ = p.conn.Close()
	}
	s.wg.Wait()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
