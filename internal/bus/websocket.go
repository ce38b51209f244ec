package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bmh/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Frame operations exchanged with the bus gateway.
const (
	OpSend        = "send"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpMessage     = "message"
)

// Frame is the JSON unit on the bus websocket.
type Frame struct {
	Op          string          `json:"op"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body,omitempty"`
}

type wsSession struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

// WebsocketDialer returns a Dialer for a bus gateway speaking JSON frames over
// a websocket at url. An empty url yields ErrNotConfigured on every dial.
func WebsocketDialer(url string, logger *slog.Logger) Dialer {
	url = strings.TrimSpace(url)
	return func(ctx context.Context, deliver DeliverFunc) (Session, error) {
		if url == "" {
			return nil, ErrNotConfigured
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial bus %s: %w", url, err)
		}
		conn.SetReadLimit(maxMessageSize)
		s := &wsSession{
			conn:   conn,
			logger: logging.NewComponentLogger(logger, "bus"),
			done:   make(chan struct{}),
		}
		go s.read(deliver)
		return s, nil
	}
}

func (s *wsSession) read(deliver DeliverFunc) {
	defer s.Close()
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("bus session read failed", logging.Error(err))
				}
			}
			return
		}
		if f.Op == OpMessage && deliver != nil {
			deliver(f.Destination, f.Body)
		}
	}
}

func (s *wsSession) write(f Frame) error {
	select {
	case <-s.done:
		return errors.New("bus session closed")
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

func (s *wsSession) Send(destination string, body json.RawMessage) error {
	return s.write(Frame{Op: OpSend, Destination: destination, Body: body})
}

func (s *wsSession) Subscribe(destination string) error {
	return s.write(Frame{Op: OpSubscribe, Destination: destination})
}

func (s *wsSession) Unsubscribe(destination string) error {
	return s.write(Frame{Op: OpUnsubscribe, Destination: destination})
}

func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
