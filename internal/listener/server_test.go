package listener_test

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"bmh/internal/listener"
	"bmh/internal/wire"
)

func TestServerProcessesQueuedConnections(t *testing.T) {
	l := startListener(t, time.Second)
	got := make(chan string, 4)
	srv := listener.NewServer("tap-test", l, []wire.Kind{wire.KindLineTapRequest}, 2,
		func(_ context.Context, conn *wire.Conn, msg wire.Message) error {
			got <- msg.(wire.LineTapRequest).TransmitterGroup
			return conn.Close()
		}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	for _, group := range []string{"KAAA", "KBBB"} {
		if err := dial(t, l.Port()).Write(wire.LineTapRequest{TransmitterGroup: group}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	seen := map[string]bool{}
	for range 2 {
		select {
		case g := <-got:
			seen[g] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only processed %v", seen)
		}
	}
	if !seen["KAAA"] || !seen["KBBB"] {
		t.Fatalf("unexpected groups %v", seen)
	}
}

func TestServerInterruptsStuckHandler(t *testing.T) {
	timeout := 200 * time.Millisecond
	l := startListener(t, timeout)

	interrupted := make(chan struct{})
	var calls atomic.Int32
	srv := listener.NewServer("stuck-test", l, []wire.Kind{wire.KindLineTapRequest}, 0,
		func(ctx context.Context, conn *wire.Conn, _ wire.Message) error {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				close(interrupted)
				return ctx.Err()
			}
			return conn.Close()
		}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	stuck := dial(t, l.Port())
	if err := stuck.Write(wire.LineTapRequest{TransmitterGroup: "KAAA"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Wait for the worker to pick up the first connection.
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	refused := dial(t, l.Port())
	if err := refused.Write(wire.LineTapRequest{TransmitterGroup: "KBBB"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-interrupted:
	case <-time.After(5 * timeout):
		t.Fatal("stuck handler was not interrupted")
	}
	_ = stuck.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := stuck.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected stuck connection closed, got %v", err)
	}
}

func TestServerRecoversFromPanic(t *testing.T) {
	l := startListener(t, time.Second)
	var calls atomic.Int32
	done := make(chan struct{})
	srv := listener.NewServer("panic-test", l, []wire.Kind{wire.KindLineTapRequest}, 1,
		func(_ context.Context, conn *wire.Conn, _ wire.Message) error {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			close(done)
			return conn.Close()
		}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	for range 2 {
		if err := dial(t, l.Port()).Write(wire.LineTapRequest{TransmitterGroup: "KAAA"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

func TestServerShutdownIsIdempotentAndDeregisters(t *testing.T) {
	l := startListener(t, time.Second)
	noop := func(context.Context, *wire.Conn, wire.Message) error { return nil }
	srv := listener.NewServer("shutdown-test", l, []wire.Kind{wire.KindLineTapRequest}, 0, noop, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	dup := listener.NewServer("dup", l, []wire.Kind{wire.KindLineTapRequest}, 0, noop, nil)
	if err := dup.Start(); !errors.Is(err, listener.ErrHandlerExists) {
		t.Fatalf("expected ErrHandlerExists, got %v", err)
	}

	srv.Shutdown()
	srv.Shutdown()

	if err := dup.Start(); err != nil {
		t.Fatalf("kind still registered after shutdown: %v", err)
	}
	dup.Shutdown()
}

func TestServerQueueGrowsWhileHandoffWaits(t *testing.T) {
	timeout := 300 * time.Millisecond
	l := startListener(t, timeout)

	release := make(chan struct{})
	got := make(chan string, 4)
	srv := listener.NewServer("resize-test", l, []wire.Kind{wire.KindLineTapRequest}, 1,
		func(ctx context.Context, conn *wire.Conn, msg wire.Message) error {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			got <- msg.(wire.LineTapRequest).TransmitterGroup
			return conn.Close()
		}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	groups := []string{"KAAA", "KBBB", "KCCC"}
	for _, group := range groups {
		if err := dial(t, l.Port()).Write(wire.LineTapRequest{TransmitterGroup: group}); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}
	// KAAA is with the worker, KBBB fills the queue and KCCC waits for room.
	srv.SetQueueSize(3)
	if srv.QueueSize() != 3 {
		t.Fatalf("queue size = %d, want 3", srv.QueueSize())
	}

	time.Sleep(2 * timeout)
	close(release)

	seen := map[string]bool{}
	for range groups {
		select {
		case g := <-got:
			seen[g] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only processed %v; waiting handoff was refused", seen)
		}
	}

	srv.SetQueueSize(-4)
	if srv.QueueSize() != 0 {
		t.Fatalf("negative queue size = %d, want 0", srv.QueueSize())
	}
}
