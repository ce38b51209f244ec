package linetap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"bmh/internal/logging"
)

const (
	rtpHeaderLen  = 12
	maxPacketSize = 2048
)

// receiver reads the audio stream of one DAC receive port and copies each
// packet to the taps subscribed to its output channel.
type receiver struct {
	port   int
	conn   net.PacketConn
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]map[*tap]struct{}

	done chan struct{}
}

func startReceiver(address string, port int, logger *slog.Logger) (*receiver, error) {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen for dac audio on %s:%d: %w", address, port, err)
	}
	r := &receiver{
		port:   port,
		conn:   conn,
		logger: logger.With(logging.Int("receive_port", port)),
		subs:   make(map[int]map[*tap]struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	r.logger.Info("line tap receiver started")
	return r, nil
}

// packetChannel extracts the DAC output channel from an RTP packet: the low
// byte of the SSRC identifier.
func packetChannel(pkt []byte) (int, bool) {
	if len(pkt) < rtpHeaderLen {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(pkt[8:12]) & 0xff), true
}

func (r *receiver) run() {
	defer close(r.done)
	buf := make([]byte, maxPacketSize)
	var targets []*tap
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.WarnWithContext(r.logger, "line tap receive failed", "line_tap_receive",
				logging.Error(err),
				logging.String(logging.FieldImpact, "packet lost for tap clients"),
			)
			continue
		}
		channel, ok := packetChannel(buf[:n])
		if !ok {
			continue
		}

		targets = targets[:0]
		r.mu.Lock()
		for t := range r.subs[channel] {
			targets = append(targets, t)
		}
		r.mu.Unlock()
		for _, t := range targets {
			t.deliver(buf[:n])
		}
	}
}

func (r *receiver) add(channel int, t *tap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[channel]
	if set == nil {
		set = make(map[*tap]struct{})
		r.subs[channel] = set
	}
	set[t] = struct{}{}
}

// remove drops t and returns the number of remaining subscribers.
func (r *receiver) remove(channel int, t *tap) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.subs[channel]; set != nil {
		delete(set, t)
		if len(set) == 0 {
			delete(r.subs, channel)
		}
	}
	n := 0
	for _, set := range r.subs {
		n += len(set)
	}
	return n
}

func (r *receiver) stop() {
	_ = r.conn.Close()
	<-r.done
	r.logger.Info("line tap receiver stopped")
}
