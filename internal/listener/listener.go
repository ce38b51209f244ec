package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"bmh/internal/logging"
	"bmh/internal/metrics"
	"bmh/internal/wire"
)

// ErrHandlerExists is returned when a second handler registers for a kind.
var ErrHandlerExists = errors.New("handler already registered")

// Handler takes ownership of a connection whose first message has been read.
// It must return within timeout; false means the connection was refused and
// has been closed.
type Handler interface {
	HandleConnection(conn *wire.Conn, msg wire.Message, timeout time.Duration) bool
}

// Listener owns one TCP listening socket. Accepted connections are passed to
// a single dispatcher that reads the first message and routes the connection
// to the handler registered for its kind.
type Listener struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout atomic.Int64

	handlersMu sync.RWMutex
	handlers   map[wire.Kind]Handler

	lnMu sync.Mutex
	ln   net.Listener

	// reading is the connection whose first message is being awaited.
	readMu    sync.Mutex
	reading   *wire.Conn
	readSince time.Time

	accepted chan net.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// New builds a Listener. timeout bounds both the first read of a connection
// and the handoff to its handler.
func New(timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		logger:   logging.NewComponentLogger(logger, "listener"),
		metrics:  m,
		handlers: make(map[wire.Kind]Handler),
		accepted: make(chan net.Conn, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	l.timeout.Store(int64(timeout))
	return l
}

// SetTimeout replaces the accept timeout. A first read already in progress
// is re-armed against the new value.
func (l *Listener) SetTimeout(timeout time.Duration) {
	l.timeout.Store(int64(timeout))

	l.readMu.Lock()
	defer l.readMu.Unlock()
	if l.reading != nil {
		_ = l.reading.SetReadDeadline(l.readSince.Add(timeout))
	}
}

// Timeout returns the current accept timeout.
func (l *Listener) Timeout() time.Duration {
	return time.Duration(l.timeout.Load())
}

// Register routes connections whose first message has the given kind to h.
func (l *Listener) Register(kind wire.Kind, h Handler) error {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	if _, exists := l.handlers[kind]; exists {
		return fmt.Errorf("%w for %s", ErrHandlerExists, kind)
	}
	l.handlers[kind] = h
	return nil
}

// Remove drops the registration of h for kind. Other handlers are untouched.
func (l *Listener) Remove(kind wire.Kind, h Handler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	if current, ok := l.handlers[kind]; ok && current == h {
		delete(l.handlers, kind)
	}
}

func (l *Listener) handler(kind wire.Kind) Handler {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	return l.handlers[kind]
}

// Start begins dispatching and listens on port.
func (l *Listener) Start(port int) error {
	l.wg.Add(1)
	go l.dispatch()
	return l.SetPort(port)
}

// SetPort moves the listener to port. The new socket is bound before the old
// one is closed; connections already handed off are unaffected.
func (l *Listener) SetPort(port int) error {
	l.lnMu.Lock()
	defer l.lnMu.Unlock()
	if l.ctx.Err() != nil {
		return net.ErrClosed
	}
	if l.ln != nil && port != 0 && l.portLocked() == port {
		return nil
	}

	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(l.ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	old := l.ln
	l.ln = ln
	l.wg.Add(1)
	go l.acceptLoop(ln)
	if old != nil {
		_ = old.Close()
	}
	l.logger.Info("listening for connections", logging.Int("port", l.portLocked()))
	return nil
}

// Port returns the bound port, or 0 before Start.
func (l *Listener) Port() int {
	l.lnMu.Lock()
	defer l.lnMu.Unlock()
	return l.portLocked()
}

func (l *Listener) portLocked() int {
	if l.ln == nil {
		return 0
	}
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (l *Listener) current(ln net.Listener) bool {
	l.lnMu.Lock()
	defer l.lnMu.Unlock()
	return l.ln == ln
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil || !l.current(ln) || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.WarnWithContext(l.logger, "accept failed", "accept_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "DAC transmit processes may fail to connect"),
			)
			select {
			case <-time.After(100 * time.Millisecond):
			case <-l.ctx.Done():
				return
			}
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		select {
		case l.accepted <- conn:
		case <-l.ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (l *Listener) dispatch() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case raw := <-l.accepted:
			l.route(raw)
		}
	}
}

func (l *Listener) route(raw net.Conn) {
	conn := wire.NewConn(raw)
	remote := conn.RemoteAddr()
	l.readMu.Lock()
	timeout := l.Timeout()
	l.reading, l.readSince = conn, time.Now()
	_ = conn.SetReadDeadline(l.readSince.Add(timeout))
	l.readMu.Unlock()

	msg, err := conn.Read()

	l.readMu.Lock()
	l.reading = nil
	timeout = l.Timeout()
	l.readMu.Unlock()
	if err != nil {
		_ = conn.Close()
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
			l.logger.Debug("connection closed before first message", logging.Remote(remote))
			l.metrics.ConnectionRejected("closed_early")
		case errors.Is(err, os.ErrDeadlineExceeded):
			logging.WarnWithContext(l.logger, "no message received within accept timeout", "first_message_timeout",
				logging.Remote(remote),
				logging.Duration("timeout", timeout),
				logging.String(logging.FieldImpact, "connection closed"),
			)
			l.metrics.ConnectionRejected("timeout")
		case errors.Is(err, wire.ErrFrameTooLarge):
			logging.ErrorWithContext(l.logger, "first message exceeds frame limit", "protocol_violation",
				logging.Remote(remote),
				logging.Int("max_bytes", wire.MaxFrameSize),
			)
			l.metrics.ConnectionRejected("oversized")
		case errors.Is(err, wire.ErrUnknownKind):
			logging.ErrorWithContext(l.logger, "protocol violation on first message", "protocol_violation",
				logging.Remote(remote),
				logging.Error(err),
			)
			l.metrics.ConnectionRejected("unknown_kind")
		default:
			logging.ErrorWithContext(l.logger, "failed to read first message", "first_message_invalid",
				logging.Remote(remote),
				logging.Error(err),
			)
			l.metrics.ConnectionRejected("invalid")
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	h := l.handler(msg.Kind())
	if h == nil {
		logging.ErrorWithContext(l.logger, "no handler for message kind", "protocol_violation",
			logging.Remote(remote),
			logging.String("kind", string(msg.Kind())),
			logging.String(logging.FieldErrorHint, "check the client targets the right port"),
		)
		l.metrics.ConnectionRejected("unhandled_kind")
		_ = conn.Close()
		return
	}
	if !h.HandleConnection(conn, msg, timeout) {
		l.metrics.ConnectionRejected("handler_busy")
	}
}

// Close stops accepting, closes the listening socket and any connection not
// yet dispatched. It is safe to call repeatedly.
func (l *Listener) Close() error {
	l.once.Do(func() {
		l.cancel()
		l.lnMu.Lock()
		if l.ln != nil {
			_ = l.ln.Close()
		}
		l.lnMu.Unlock()
		l.wg.Wait()
		for {
			select {
			case c := <-l.accepted:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return nil
}

func reuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
