package linetap

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"bmh/internal/logging"
	"bmh/internal/wire"
)

const tapBuffer = 64

// tap streams one channel of DAC audio to a client connection.
type tap struct {
	id      string
	group   string
	port    int
	channel int
	conn    *wire.Conn
	logger  *slog.Logger

	out     chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// deliver queues a copy of pkt. Packets are dropped while the client is slow
// so the shared receiver never blocks.
func (t *tap) deliver(pkt []byte) {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case t.out <- cp:
	case <-t.done:
	default:
		t.dropped.Add(1)
	}
}

func (t *tap) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case pkt := <-t.out:
			if _, err := t.conn.WriteRaw(pkt); err != nil {
				t.logger.Debug("line tap client write failed", logging.Error(err))
				t.close()
				return
			}
		}
	}
}

// readLoop waits for the client to disconnect. Anything other than a
// disconnect message ends the tap as well.
func (t *tap) readLoop() {
	msg, err := t.conn.Read()
	switch {
	case err == nil && msg.Kind() == wire.KindLineTapDisconnect:
		t.logger.Info("line tap client disconnected")
	case err == nil:
		logging.WarnWithContext(t.logger, "unexpected message on line tap", "protocol_violation",
			logging.String("kind", string(msg.Kind())),
			logging.String(logging.FieldImpact, "tap closed"),
		)
	case errors.Is(err, io.EOF):
		t.logger.Info("line tap client went away")
	default:
		select {
		case <-t.done:
		default:
			t.logger.Debug("line tap read failed", logging.Error(err))
		}
	}
}

func (t *tap) close() {
	t.once.Do(func() {
		close(t.done)
		_ = t.conn.Close()
		if n := t.dropped.Load(); n > 0 {
			t.logger.Info("line tap dropped packets for a slow client", logging.Int64("dropped", n))
		}
	})
}
