package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize bounds one envelope on the wire.
const MaxFrameSize = 1 << 20

var (
	// ErrUnknownKind is returned when an envelope names a kind with no decoder.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrFrameTooLarge is returned when a peer sends more than MaxFrameSize
	// bytes without completing an envelope.
	ErrFrameTooLarge = errors.New("message frame too large")
)

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

var decoders = map[Kind]func() Message{
	KindDacTransmitRegister: func() Message { return &DacTransmitRegister{} },
	KindDacTransmitStatus:   func() Message { return &DacTransmitStatus{} },
	KindDacTransmitShutdown: func() Message { return &DacTransmitShutdown{} },
	KindPlaylistSwitch:      func() Message { return &PlaylistSwitch{} },
	KindMessagePlayback:     func() Message { return &MessagePlayback{} },
	KindDacHardwareStatus:   func() Message { return &DacHardwareStatus{} },
	KindPlaylistUpdate:      func() Message { return &PlaylistUpdate{} },
	KindChangeTransmitters:  func() Message { return &ChangeTransmitters{} },
	KindChangeDecibelTarget: func() Message { return &ChangeDecibelTarget{} },
	KindChangeTimeZone:      func() Message { return &ChangeTimeZone{} },
	KindLineTapRequest:      func() Message { return &LineTapRequest{} },
	KindLineTapDisconnect:   func() Message { return &LineTapDisconnect{} },
}

// Known reports whether kind has a registered payload type.
func Known(kind Kind) bool {
	_, ok := decoders[kind]
	return ok
}

// Marshal encodes msg as one envelope without the trailing newline.
func Marshal(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Kind: msg.Kind(), Body: body})
}

// Unmarshal decodes one envelope. Payloads are returned by value.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return decodeEnvelope(env)
}

func decodeEnvelope(env envelope) (Message, error) {
	build, ok := decoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, env.Kind)
	}
	ptr := build()
	if len(env.Body) > 0 && string(env.Body) != "null" {
		if err := json.Unmarshal(env.Body, ptr); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
		}
	}
	return deref(ptr), nil
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *DacTransmitRegister:
		return *m
	case *DacTransmitStatus:
		return *m
	case *DacTransmitShutdown:
		return *m
	case *PlaylistSwitch:
		return *m
	case *MessagePlayback:
		return *m
	case *DacHardwareStatus:
		return *m
	case *PlaylistUpdate:
		return *m
	case *ChangeTransmitters:
		return *m
	case *ChangeDecibelTarget:
		return *m
	case *ChangeTimeZone:
		return *m
	case *LineTapRequest:
		return *m
	case *LineTapDisconnect:
		return *m
	}
	return msg
}

// Conn frames messages as newline-delimited JSON envelopes over a stream
// connection. Reads must come from a single goroutine; writes are serialized.
// The decoder buffers ahead of the last message, so a Conn is handed between
// owners whole and the underlying net.Conn is never re-wrapped.
type Conn struct {
	raw   net.Conn
	frame *frameReader
	dec   *json.Decoder

	writeMu sync.Mutex
	enc     *json.Encoder

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	frame := &frameReader{r: c}
	return &Conn{
		raw:   c,
		frame: frame,
		dec:   json.NewDecoder(frame),
		enc:   json.NewEncoder(c),
	}
}

// frameReader caps how much a single Decode may pull from the connection.
// Bytes the decoder already buffered were charged to an earlier call, so one
// envelope never holds more than twice MaxFrameSize in memory.
type frameReader struct {
	r         io.Reader
	remaining int
}

func (f *frameReader) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, ErrFrameTooLarge
	}
	if len(p) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.r.Read(p)
	f.remaining -= n
	return n, err
}

// Read blocks until the next message arrives. io.EOF is returned unwrapped
// when the peer closes between messages.
// A peer that sends more than MaxFrameSize bytes without finishing an envelope
// gets ErrFrameTooLarge, after which the Conn must be closed.
func (c *Conn) Read() (Message, error) {
	c.frame.remaining = MaxFrameSize
	var env envelope
	if err := c.dec.Decode(&env); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return decodeEnvelope(env)
}

// Write sends msg as one envelope.
func (c *Conn) Write(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(envelope{Kind: msg.Kind(), Body: body})
}

// WriteWithDeadline sends msg, failing if the peer does not accept it in time.
func (c *Conn) WriteWithDeadline(msg Message, timeout time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = c.raw.SetWriteDeadline(time.Time{}) }()
	}
	return c.enc.Encode(envelope{Kind: msg.Kind(), Body: body})
}

// WriteRaw writes bytes outside the envelope framing. Line taps use it to
// stream audio after the request message.
func (c *Conn) WriteRaw(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.raw.Write(p)
}

// SetReadDeadline bounds the next Read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	if addr := c.raw.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close closes the underlying connection. It is safe to call repeatedly.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}
