package linetap_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"bmh/internal/config"
	"bmh/internal/linetap"
	"bmh/internal/listener"
	"bmh/internal/testsupport"
	"bmh/internal/wire"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	_ = pc.Close()
	return port
}

func rtpPacket(channel byte, payload string) []byte {
	pkt := make([]byte, 12, 12+len(payload))
	pkt[0] = 0x80
	binary.BigEndian.PutUint32(pkt[8:12], 0xbeef0000|uint32(channel))
	return append(pkt, payload...)
}

type harness struct {
	cfg      *config.Config
	listener *listener.Listener
	server   *linetap.Server
	udpPort  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	udpPort := freeUDPPort(t)
	cfg := testsupport.NewConfig(t,
		testsupport.WithChannel("10.0.0.5", udpPort, config.DacChannelConfig{TransmitterGroup: "KAAA", DataPort: 20000, Radios: []int{1}}),
		testsupport.WithChannel("10.0.0.5", udpPort, config.DacChannelConfig{TransmitterGroup: "KBBB", DataPort: 20002, Radios: []int{2, 3}}),
	)
	l := listener.New(time.Second, nil, nil)
	srv := linetap.NewServer(l, cfg, nil, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	if err := l.Start(0); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	t.Cleanup(func() {
		srv.Shutdown()
		_ = l.Close()
	})
	return &harness{cfg: cfg, listener: l, server: srv, udpPort: udpPort}
}

func (h *harness) openTap(t *testing.T, group string) (*wire.Conn, net.Conn) {
	t.Helper()
	raw, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", h.listener.Port()), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := wire.NewConn(raw)
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.Write(wire.LineTapRequest{TransmitterGroup: group}); err != nil {
		t.Fatalf("request: %v", err)
	}
	return conn, raw
}

func (h *harness) send(t *testing.T, pkt []byte) {
	t.Helper()
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", h.udpPort))
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("send udp: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUnknownGroupIsRejected(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.openTap(t, "KZZZ")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected connection closed, got %v", err)
	}
	if h.server.Receivers() != 0 || h.server.Subscribers() != 0 {
		t.Fatal("rejected tap must not create a receiver")
	}
}

func TestTapReceivesOnlyItsChannel(t *testing.T) {
	h := newHarness(t)
	_, raw := h.openTap(t, "KBBB")
	waitFor(t, "subscription", func() bool { return h.server.Subscribers() == 1 })

	other := rtpPacket(1, "not-for-you")
	mine := rtpPacket(2, "audio-frame")
	h.send(t, other)
	h.send(t, mine)

	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(mine))
	if _, err := io.ReadFull(raw, got); err != nil {
		t.Fatalf("read tap stream: %v", err)
	}
	if !bytes.Equal(got, mine) {
		t.Fatalf("tap received %q, want %q", got, mine)
	}
}

func TestReceiverIsSharedAndStoppedWithLastTap(t *testing.T) {
	h := newHarness(t)
	first, _ := h.openTap(t, "KAAA")
	second, _ := h.openTap(t, "KBBB")
	waitFor(t, "two subscriptions", func() bool { return h.server.Subscribers() == 2 })
	if h.server.Receivers() != 1 {
		t.Fatalf("expected one shared receiver, got %d", h.server.Receivers())
	}

	if err := first.Write(wire.LineTapDisconnect{}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	waitFor(t, "first tap removed", func() bool { return h.server.Subscribers() == 1 })
	if h.server.Receivers() != 1 {
		t.Fatal("receiver must survive while a tap remains")
	}

	_ = second.Close()
	waitFor(t, "receiver stopped", func() bool { return h.server.Receivers() == 0 })

	pc, err := net.ListenPacket("udp", fmt.Sprintf("127.0.0.1:%d", h.udpPort))
	if err != nil {
		t.Fatalf("receive port still bound after last tap left: %v", err)
	}
	_ = pc.Close()
}

func TestSetConfigClosesMovedTaps(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.openTap(t, "KAAA")
	waitFor(t, "subscription", func() bool { return h.server.Subscribers() == 1 })

	next := *h.cfg
	next.Dacs = []config.DacConfig{h.cfg.Dacs[0]}
	next.Dacs[0].Channels = []config.DacChannelConfig{h.cfg.Dacs[0].Channels[1]}
	h.server.SetConfig(&next)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected tap closed, got %v", err)
	}
	waitFor(t, "receiver stopped", func() bool { return h.server.Receivers() == 0 })
}
