package dactransmit_test

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"bmh/internal/config"
	"bmh/internal/dactransmit"
	"bmh/internal/listener"
	"bmh/internal/testsupport"
	"bmh/internal/wire"
)

type event struct {
	kind      string
	group     string
	connected bool
	msg       wire.Message
}

type fakeObserver struct {
	mu     sync.Mutex
	events []event
}

func (o *fakeObserver) record(e event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *fakeObserver) ConnectionChanged(group string, connected bool) {
	o.record(event{kind: "connection", group: group, connected: connected})
}

func (o *fakeObserver) StatusChanged(group string, status wire.DacTransmitStatus) {
	o.record(event{kind: "status", group: group, connected: status.ConnectedToDac})
}

func (o *fakeObserver) Notification(group string, msg wire.Message) {
	o.record(event{kind: "notification", group: group, msg: msg})
}

func (o *fakeObserver) HardwareStatus(group string, status wire.DacHardwareStatus) {
	o.record(event{kind: "hardware", group: group, msg: status})
}

func (o *fakeObserver) ofKind(kind string) []event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []event
	for _, e := range o.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	cfg      *config.Config
	listener *listener.Listener
	server   *dactransmit.Server
	observer *fakeObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t,
		testsupport.WithChannel("10.0.0.5", 21000, config.DacChannelConfig{TransmitterGroup: "KAAA", DataPort: 20000, Radios: []int{1}}),
		testsupport.WithChannel("10.0.0.5", 21000, config.DacChannelConfig{TransmitterGroup: "KBBB", DataPort: 20002, Radios: []int{2}}),
	)
	l := listener.New(time.Second, nil, nil)
	obs := &fakeObserver{}
	srv := dactransmit.NewServer(l, cfg, obs, nil, nil)
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
	return &harness{cfg: cfg, listener: l, server: srv, observer: obs}
}

func (h *harness) register(t *testing.T, group string) *wire.Conn {
	t.Helper()
	ch, ok := h.cfg.ChannelForGroup(group)
	if !ok {
		t.Fatalf("group %s not configured", group)
	}
	return h.registerAs(t, wire.DacTransmitRegister{
		TransmitterGroup: group,
		InputDirectory:   ch.Channel.InputDirectory,
		DataPort:         ch.Channel.DataPort,
		DacAddress:       ch.Dac.Address,
		Radios:           ch.Channel.Radios,
	})
}

func (h *harness) registerAs(t *testing.T, reg wire.DacTransmitRegister) *wire.Conn {
	t.Helper()
	raw, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", h.listener.Port()), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := wire.NewConn(raw)
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.Write(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return conn
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

func expectMessage(t *testing.T, conn *wire.Conn) wire.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := conn.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func expectClosed(t *testing.T, conn *wire.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, err := conn.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			t.Fatalf("expected EOF, got %v", err)
		}
	}
}

func TestRejectsUnconfiguredGroup(t *testing.T) {
	h := newHarness(t)
	conn := h.registerAs(t, wire.DacTransmitRegister{TransmitterGroup: "KZZZ", DataPort: 1, DacAddress: "10.0.0.9"})
	if msg := expectMessage(t, conn); msg.Kind() != wire.KindDacTransmitShutdown {
		t.Fatalf("expected shutdown, got %#v", msg)
	}
	expectClosed(t, conn)
	if h.server.HasCommunicator("KZZZ") {
		t.Fatal("rejected registration must not create a communicator")
	}
}

func TestRejectsKeyMismatch(t *testing.T) {
	h := newHarness(t)
	ch, _ := h.cfg.ChannelForGroup("KAAA")
	conn := h.registerAs(t, wire.DacTransmitRegister{
		TransmitterGroup: "KAAA",
		InputDirectory:   ch.Channel.InputDirectory,
		DataPort:         20099,
		DacAddress:       ch.Dac.Address,
	})
	if msg := expectMessage(t, conn); msg.Kind() != wire.KindDacTransmitShutdown {
		t.Fatalf("expected shutdown, got %#v", msg)
	}
	if h.server.HasCommunicator("KAAA") {
		t.Fatal("mismatched key must not register")
	}
}

func TestStatusChangesAreDeduplicated(t *testing.T) {
	h := newHarness(t)
	conn := h.register(t, "KAAA")
	waitFor(t, "registration", func() bool { return h.server.HasCommunicator("KAAA") })

	for _, connected := range []bool{false, false, true, true, true, false} {
		if err := conn.Write(wire.DacTransmitStatus{ConnectedToDac: connected}); err != nil {
			t.Fatalf("write status: %v", err)
		}
	}
	waitFor(t, "three status changes", func() bool { return len(h.observer.ofKind("status")) == 3 })
	time.Sleep(100 * time.Millisecond)

	statuses := h.observer.ofKind("status")
	if len(statuses) != 3 {
		t.Fatalf("expected 3 status events, got %d", len(statuses))
	}
	want := []bool{false, true, false}
	for i, e := range statuses {
		if e.connected != want[i] {
			t.Fatalf("status %d = %v, want %v", i, e.connected, want[i])
		}
	}
	conns := h.observer.ofKind("connection")
	if len(conns) != 2 || !conns[0].connected || conns[1].connected {
		t.Fatalf("unexpected connection events %+v", conns)
	}
}

func TestDuplicateRegistrationsArePrunedOnceOneConnects(t *testing.T) {
	h := newHarness(t)
	first := h.register(t, "KAAA")
	waitFor(t, "first registration", func() bool { return len(h.server.Snapshot()) == 1 })
	second := h.register(t, "KAAA")
	waitFor(t, "second registration", func() bool { return len(h.server.Snapshot()) == 2 })

	firstID := h.server.Communicator("KAAA").ID()
	if len(h.server.Snapshot()) != 2 {
		t.Fatal("unconnected duplicates must not be pruned")
	}
	if h.server.Communicator("KAAA").ID() != firstID {
		t.Fatal("expected the first registered candidate while none is connected")
	}

	if err := second.Write(wire.DacTransmitStatus{ConnectedToDac: true}); err != nil {
		t.Fatalf("write status: %v", err)
	}
	if msg := expectMessage(t, first); msg.Kind() != wire.KindDacTransmitShutdown {
		t.Fatalf("expected stale candidate to be shut down, got %#v", msg)
	}
	expectClosed(t, first)

	waitFor(t, "pruning", func() bool { return len(h.server.Snapshot()) == 1 })
	kept := h.server.Communicator("KAAA")
	if kept == nil || kept.ID() == firstID || !kept.IsConnectedToDac() {
		t.Fatalf("unexpected surviving communicator %+v", kept)
	}
	if !h.server.IsConnectedToDac("KAAA") {
		t.Fatal("expected group connected")
	}
}

func TestClosedCommunicatorIsNeverReturned(t *testing.T) {
	h := newHarness(t)
	conn := h.register(t, "KAAA")
	waitFor(t, "registration", func() bool { return h.server.HasCommunicator("KAAA") })
	_ = conn.Close()
	waitFor(t, "removal", func() bool { return h.server.Communicator("KAAA") == nil })
}

func TestNotificationsAndHardwareStatusAreForwarded(t *testing.T) {
	h := newHarness(t)
	conn := h.register(t, "KBBB")
	waitFor(t, "registration", func() bool { return h.server.HasCommunicator("KBBB") })

	if err := conn.Write(wire.PlaylistSwitch{TransmitterGroup: "KBBB", Suite: "General"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(wire.DacHardwareStatus{VoiceStatus: []string{wire.VoiceSilence}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "hardware status", func() bool { return len(h.observer.ofKind("hardware")) == 1 })

	notes := h.observer.ofKind("notification")
	if len(notes) != 1 || notes[0].msg.(wire.PlaylistSwitch).Suite != "General" {
		t.Fatalf("unexpected notifications %+v", notes)
	}
	hw := h.observer.ofKind("hardware")[0].msg.(wire.DacHardwareStatus)
	if hw.TransmitterGroup != "KBBB" {
		t.Fatalf("expected group filled in, got %q", hw.TransmitterGroup)
	}
}

func TestUnexpectedMessageClosesConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.register(t, "KAAA")
	waitFor(t, "registration", func() bool { return h.server.HasCommunicator("KAAA") })
	if err := conn.Write(wire.LineTapRequest{TransmitterGroup: "KAAA"}); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, conn)
	waitFor(t, "removal", func() bool { return !h.server.HasCommunicator("KAAA") })
}

func TestSetConfigPushesLiveChangesAndShutsDownRemovedGroups(t *testing.T) {
	h := newHarness(t)
	kaaa := h.register(t, "KAAA")
	kbbb := h.register(t, "KBBB")
	waitFor(t, "registrations", func() bool { return len(h.server.Snapshot()) == 2 })

	next := *h.cfg
	next.Dacs = []config.DacConfig{h.cfg.Dacs[0]}
	next.Dacs[0].Channels = []config.DacChannelConfig{h.cfg.Dacs[0].Channels[0]}
	next.Dacs[0].Channels[0].Radios = []int{1, 3}
	next.Dacs[0].Channels[0].Timezone = "America/Chicago"
	h.server.SetConfig(&next)

	msg := expectMessage(t, kaaa)
	change, ok := msg.(wire.ChangeTransmitters)
	if !ok || len(change.Radios) != 2 || change.Radios[1] != 3 {
		t.Fatalf("expected transmitter change, got %#v", msg)
	}
	if msg := expectMessage(t, kaaa); msg != (wire.ChangeTimeZone{Timezone: "America/Chicago"}) {
		t.Fatalf("expected timezone change, got %#v", msg)
	}
	if msg := expectMessage(t, kbbb); msg.Kind() != wire.KindDacTransmitShutdown {
		t.Fatalf("expected removed group to be shut down, got %#v", msg)
	}
	if !h.server.HasCommunicator("KAAA") {
		t.Fatal("reconfigured group must keep its process")
	}
}

func TestDeliverForwardsPlaylistUpdates(t *testing.T) {
	h := newHarness(t)
	if err := h.server.Deliver("KAAA", wire.PlaylistUpdate{}); !errors.Is(err, dactransmit.ErrNoCommunicator) {
		t.Fatalf("expected ErrNoCommunicator, got %v", err)
	}
	conn := h.register(t, "KAAA")
	waitFor(t, "registration", func() bool { return h.server.HasCommunicator("KAAA") })

	update := wire.PlaylistUpdate{TransmitterGroup: "KAAA", PlaylistPath: "/playlists/KAAA/1.xml"}
	if err := h.server.Deliver("KAAA", update); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if msg := expectMessage(t, conn); msg != update {
		t.Fatalf("unexpected delivered message %#v", msg)
	}
}
