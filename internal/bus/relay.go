package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bmh/internal/logging"
	"bmh/internal/metrics"
)

// ErrNotConfigured is returned by a dialer with no bus address.
var ErrNotConfigured = errors.New("message bus not configured")

// DeliverFunc receives a message the bus pushed for a subscribed destination.
type DeliverFunc func(destination string, body json.RawMessage)

// Session is one connection to the message bus.
type Session interface {
	Send(destination string, body json.RawMessage) error
	Subscribe(destination string) error
	Unsubscribe(destination string) error
	// Done is closed when the session fails or is closed.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a session whose inbound messages are passed to deliver.
type Dialer func(ctx context.Context, deliver DeliverFunc) (Session, error)

type item struct {
	destination string
	body        json.RawMessage
}

type subscription struct {
	id int
	fn func(json.RawMessage)
}

// Relay is a best-effort outbound relay to the message bus. Notifications are
// buffered in a bounded FIFO that drops its oldest entry when full; a send
// failure puts the failed item back at the front and discards the session so
// the next attempt rebuilds it.
type Relay struct {
	dial    Dialer
	metrics *metrics.Metrics
	logger  *slog.Logger

	flushMu sync.Mutex

	mu       sync.Mutex
	capacity int
	retry    time.Duration
	queue    []item
	session  Session
	subs     map[string][]subscription
	nextID   int

	wake chan struct{}
}

// NewRelay builds a Relay holding at most capacity pending notifications.
func NewRelay(dial Dialer, capacity int, retry time.Duration, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if capacity <= 0 {
		capacity = 1
	}
	return &Relay{
		dial:     dial,
		capacity: capacity,
		retry:    retry,
		metrics:  m,
		logger:   logging.NewComponentLogger(logger, "bus"),
		subs:     make(map[string][]subscription),
		wake:     make(chan struct{}, 1),
	}
}

// Publish queues v for destination and never blocks on the bus.
func (r *Relay) Publish(destination string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode notification for %s: %w", destination, err)
	}
	r.mu.Lock()
	if len(r.queue) >= r.capacity {
		r.queue = r.queue[1:]
		r.metrics.BusDropped()
	}
	r.queue = append(r.queue, item{destination: destination, body: body})
	pending := len(r.queue)
	r.mu.Unlock()

	r.metrics.SetBusPending(pending)
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// SetCapacity changes the buffer bound. Shrinking below the number pending
// drops the oldest notifications.
func (r *Relay) SetCapacity(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	r.mu.Lock()
	r.capacity = capacity
	dropped := 0
	if over := len(r.queue) - capacity; over > 0 {
		r.queue = append([]item(nil), r.queue[over:]...)
		dropped = over
	}
	pending := len(r.queue)
	r.mu.Unlock()

	for range dropped {
		r.metrics.BusDropped()
	}
	if dropped > 0 {
		r.logger.Info("bus buffer shrunk, dropped oldest notifications",
			logging.Int("dropped", dropped),
			logging.Int("capacity", capacity),
		)
	}
	r.metrics.SetBusPending(pending)
}

// SetRetry changes how often Run retries a flush while notifications wait.
func (r *Relay) SetRetry(retry time.Duration) {
	r.mu.Lock()
	r.retry = retry
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) retryInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retry <= 0 {
		return 5 * time.Second
	}
	return r.retry
}

// Pending returns the number of queued notifications.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Connected reports whether a session is established.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Connect establishes a session if none exists.
func (r *Relay) Connect(ctx context.Context) error {
	_, err := r.ensureSession(ctx)
	return err
}

// Flush sends queued notifications in order until the queue is empty or a
// send fails. A failure to open a session abandons the attempt silently.
func (r *Relay) Flush(ctx context.Context) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	if r.Pending() == 0 {
		return
	}
	sess, err := r.ensureSession(ctx)
	if err != nil {
		r.logger.Debug("bus unavailable, keeping notifications queued",
			logging.Error(err),
			logging.Int("pending", r.Pending()),
		)
		return
	}

	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			r.metrics.SetBusPending(0)
			return
		}
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if err := sess.Send(next.destination, next.body); err != nil {
			r.mu.Lock()
			if len(r.queue) >= r.capacity {
				r.metrics.BusDropped()
			} else {
				r.queue = append([]item{next}, r.queue...)
			}
			pending := len(r.queue)
			r.mu.Unlock()

			r.metrics.SetBusPending(pending)
			logging.WarnWithContext(r.logger, "bus send failed", "bus_send_failed",
				logging.String("destination", next.destination),
				logging.Error(err),
				logging.Int("pending", pending),
				logging.String(logging.FieldImpact, "status notifications delayed until the bus returns"),
			)
			r.discard(sess)
			return
		}
		r.metrics.BusPublished()
	}
}

// Run flushes whenever a notification is published and every retry interval
// until ctx ends, then closes the session.
func (r *Relay) Run(ctx context.Context) {
	interval := r.retryInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer r.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
		if next := r.retryInterval(); next != interval {
			interval = next
			ticker.Reset(interval)
		}
		r.Flush(ctx)
	}
}

// Subscribe registers fn for messages pushed to destination. Subscriptions
// survive reconnects. The returned function removes the subscription.
func (r *Relay) Subscribe(destination string, fn func(json.RawMessage)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	first := len(r.subs[destination]) == 0
	r.subs[destination] = append(r.subs[destination], subscription{id: id, fn: fn})
	sess := r.session
	r.mu.Unlock()

	if first && sess != nil {
		if err := sess.Subscribe(destination); err != nil {
			r.logger.Debug("bus subscribe failed", logging.String("destination", destination), logging.Error(err))
			r.discard(sess)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(destination, id) })
	}
}

func (r *Relay) unsubscribe(destination string, id int) {
	r.mu.Lock()
	list := r.subs[destination]
	for i, sub := range list {
		if sub.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	last := len(list) == 0
	if last {
		delete(r.subs, destination)
	} else {
		r.subs[destination] = list
	}
	sess := r.session
	r.mu.Unlock()

	if last && sess != nil {
		if err := sess.Unsubscribe(destination); err != nil {
			r.logger.Debug("bus unsubscribe failed", logging.String("destination", destination), logging.Error(err))
		}
	}
}

func (r *Relay) deliver(destination string, body json.RawMessage) {
	r.mu.Lock()
	list := append([]subscription(nil), r.subs[destination]...)
	r.mu.Unlock()
	for _, sub := range list {
		sub.fn(body)
	}
}

func (r *Relay) ensureSession(ctx context.Context) (Session, error) {
	r.mu.Lock()
	if r.session != nil {
		sess := r.session
		r.mu.Unlock()
		return sess, nil
	}
	r.mu.Unlock()

	if r.dial == nil {
		return nil, ErrNotConfigured
	}
	sess, err := r.dial(ctx, r.deliver)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.session != nil {
		existing := r.session
		r.mu.Unlock()
		_ = sess.Close()
		return existing, nil
	}
	r.session = sess
	destinations := make([]string, 0, len(r.subs))
	for dest := range r.subs {
		destinations = append(destinations, dest)
	}
	r.mu.Unlock()

	r.logger.Info("bus session established", logging.Int("subscriptions", len(destinations)))
	for _, dest := range destinations {
		if err := sess.Subscribe(dest); err != nil {
			r.discard(sess)
			return nil, fmt.Errorf("resubscribe %s: %w", dest, err)
		}
	}
	go func() {
		<-sess.Done()
		r.discard(sess)
	}()
	return sess, nil
}

// discard drops sess if it is still the active session.
func (r *Relay) discard(sess Session) {
	r.mu.Lock()
	active := r.session == sess
	if active {
		r.session = nil
	}
	r.mu.Unlock()
	if active {
		_ = sess.Close()
		r.logger.Info("bus session discarded")
	}
}

// Close drops the active session.
func (r *Relay) Close() {
	r.mu.Lock()
	sess := r.session
	r.session = nil
	r.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}
