package dactransmit

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"bmh/internal/config"
	"bmh/internal/logging"
	"bmh/internal/wire"
)

const writeTimeout = 5 * time.Second

// Communicator is the comms manager side of one DAC transmit connection.
type Communicator struct {
	id         string
	group      string
	key        config.DacTransmitKey
	conn       *wire.Conn
	server     *Server
	logger     *slog.Logger
	registered time.Time

	mu        sync.Mutex
	channel   config.DacChannelConfig
	status    wire.DacTransmitStatus
	hasStatus bool
	closed    bool
}

func newCommunicator(s *Server, conn *wire.Conn, ch config.Channel) *Communicator {
	id := uuid.NewString()
	return &Communicator{
		id:      id,
		group:   ch.Group(),
		key:     ch.Key(),
		conn:    conn,
		server:  s,
		channel: ch.Channel,
		logger: s.logger.With(
			logging.Group(ch.Group()),
			logging.Session(id),
			logging.Dac(ch.Dac.Address),
		),
		registered: time.Now(),
	}
}

func (c *Communicator) ID() string { return c.id }

func (c *Communicator) Group() string { return c.group }

func (c *Communicator) Key() config.DacTransmitKey { return c.key }

// IsConnectedToDac reports the last status received from the process.
func (c *Communicator) IsConnectedToDac() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.ConnectedToDac
}

// Closed reports whether the connection has been torn down.
func (c *Communicator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send writes msg to the process.
func (c *Communicator) Send(msg wire.Message) error {
	if c.Closed() {
		return net.ErrClosed
	}
	return c.conn.WriteWithDeadline(msg, writeTimeout)
}

// Shutdown asks the process to stop and closes the connection. Failure to
// deliver the request is only logged.
func (c *Communicator) Shutdown() {
	if err := c.Send(wire.DacTransmitShutdown{}); err != nil {
		c.logger.Debug("shutdown request not delivered", logging.Error(err))
	}
	c.close()
}

func (c *Communicator) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Communicator) run() {
	defer c.server.wg.Done()
	defer c.server.removed(c)
	defer c.close()

	for {
		msg, err := c.conn.Read()
		if err != nil {
			switch {
			case c.Closed():
			case errors.Is(err, io.EOF):
				c.logger.Info("dac transmit disconnected")
			default:
				logging.WarnWithContext(c.logger, "dac transmit connection failed", "dac_transmit_io",
					logging.Error(err),
					logging.String(logging.FieldImpact, "process will be relaunched if it does not reconnect"),
				)
			}
			return
		}

		switch m := msg.(type) {
		case wire.DacTransmitStatus:
			c.updateStatus(m)
		case wire.PlaylistSwitch:
			c.server.observer.Notification(c.group, m)
		case wire.MessagePlayback:
			c.server.observer.Notification(c.group, m)
		case wire.DacHardwareStatus:
			if m.TransmitterGroup == "" {
				m.TransmitterGroup = c.group
			}
			c.server.observer.HardwareStatus(c.group, m)
		case wire.DacTransmitShutdown:
			c.logger.Info("dac transmit announced shutdown")
			return
		default:
			logging.ErrorWithContext(c.logger, "unexpected message from dac transmit", "protocol_violation",
				logging.String("kind", string(msg.Kind())),
			)
			return
		}
	}
}

func (c *Communicator) updateStatus(status wire.DacTransmitStatus) {
	c.mu.Lock()
	changed := !c.hasStatus || c.status != status
	c.status = status
	c.hasStatus = true
	c.mu.Unlock()
	if !changed {
		return
	}

	c.logger.Debug("dac transmit status changed", logging.Bool("connected_to_dac", status.ConnectedToDac))
	c.server.observer.StatusChanged(c.group, status)
	if status.ConnectedToDac {
		// Connectivity settles which duplicate survives.
		c.server.Communicator(c.group)
	}
	c.server.refreshGroup(c.group)
}

// applyChannel pushes live changes of ch to the process. It reports whether
// anything was sent.
func (c *Communicator) applyChannel(ch config.DacChannelConfig) bool {
	c.mu.Lock()
	prev := c.channel
	c.channel = ch
	c.mu.Unlock()

	var msgs []wire.Message
	if !config.SameRadios(prev, ch) {
		msgs = append(msgs, wire.ChangeTransmitters{Radios: append([]int(nil), ch.Radios...)})
	}
	if !config.SameDecibelTargets(prev, ch) {
		msgs = append(msgs, wire.ChangeDecibelTarget{
			AudioDBTarget: ch.AudioDBTarget,
			SameDBTarget:  ch.SameDBTarget,
			AlertDBTarget: ch.AlertDBTarget,
		})
	}
	if prev.Timezone != ch.Timezone {
		msgs = append(msgs, wire.ChangeTimeZone{Timezone: ch.Timezone})
	}
	for _, msg := range msgs {
		if err := c.Send(msg); err != nil {
			logging.WarnWithContext(c.logger, "failed to push configuration change", "dac_transmit_reconfigure",
				logging.String("kind", string(msg.Kind())),
				logging.Error(err),
				logging.String(logging.FieldImpact, "process keeps its previous settings until it reconnects"),
			)
			return len(msgs) > 0
		}
		c.logger.Info("pushed configuration change", logging.String("kind", string(msg.Kind())))
	}
	return len(msgs) > 0
}
