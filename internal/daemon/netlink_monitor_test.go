package daemon

import (
	"context"
	"testing"

	"github.com/pilebones/go-udev/netlink"
)

func TestNewNetlinkMonitor(t *testing.T) {
	t.Run("nil nudge returns nil", func(t *testing.T) {
		if m := newNetlinkMonitor(nil, nil); m != nil {
			t.Error("expected nil monitor without a nudge callback")
		}
	})

	t.Run("nudge creates monitor", func(t *testing.T) {
		if m := newNetlinkMonitor(nil, func() {}); m == nil {
			t.Fatal("expected non-nil monitor")
		}
	})
}

func TestNetlinkMonitorRunning(t *testing.T) {
	t.Run("nil monitor returns false", func(t *testing.T) {
		var m *netlinkMonitor
		if m.Running() {
			t.Error("expected Running() to return false for nil monitor")
		}
	})

	t.Run("unstarted monitor returns false", func(t *testing.T) {
		m := newNetlinkMonitor(nil, func() {})
		if m.Running() {
			t.Error("expected Running() to return false for unstarted monitor")
		}
	})
}

func TestNetlinkMonitorStopStartIdempotency(t *testing.T) {
	t.Run("stop on nil monitor is safe", func(t *testing.T) {
		var m *netlinkMonitor
		m.Stop()
	})

	t.Run("start on nil monitor is safe", func(t *testing.T) {
		var m *netlinkMonitor
		if err := m.Start(context.Background()); err != nil {
			t.Fatalf("Start on nil monitor should return nil, got: %v", err)
		}
	})

	t.Run("double stop is safe", func(t *testing.T) {
		m := newNetlinkMonitor(nil, func() {})
		m.Stop()
		m.Stop()
		if m.Running() {
			t.Error("expected Running() to return false after Stop")
		}
	})

	t.Run("start failure is not fatal", func(t *testing.T) {
		m := newNetlinkMonitor(nil, func() {})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := m.Start(ctx); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
		m.Stop()
	})
}

func TestBuildMatcher(t *testing.T) {
	matcher := buildMatcher()

	cases := []struct {
		name   string
		action netlink.KObjAction
		env    map[string]string
		want   bool
	}{
		{"link added", netlink.ADD, map[string]string{"SUBSYSTEM": "net", "INTERFACE": "eth0"}, true},
		{"link changed", netlink.CHANGE, map[string]string{"SUBSYSTEM": "net", "INTERFACE": "eth0"}, true},
		{"link moved", netlink.MOVE, map[string]string{"SUBSYSTEM": "net", "INTERFACE": "eth1"}, true},
		{"link online", netlink.ONLINE, map[string]string{"SUBSYSTEM": "net", "INTERFACE": "eth0"}, true},
		{"link removed", netlink.REMOVE, map[string]string{"SUBSYSTEM": "net", "INTERFACE": "eth0"}, false},
		{"link offline", netlink.OFFLINE, map[string]string{"SUBSYSTEM": "net", "INTERFACE": "eth0"}, false},
		{"other subsystem containing net", netlink.ADD, map[string]string{"SUBSYSTEM": "netconsole"}, false},
		{"block device", netlink.ADD, map[string]string{"SUBSYSTEM": "block"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := matcher.Evaluate(netlink.UEvent{Action: tc.action, Env: tc.env})
			if got != tc.want {
				t.Fatalf("Evaluate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHandleEventNudges(t *testing.T) {
	var calls int
	m := newNetlinkMonitor(nil, func() { calls++ })

	m.handleEvent(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"INTERFACE": "lo"}})
	if calls != 0 {
		t.Fatalf("loopback event nudged %d times", calls)
	}

	m.handleEvent(netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"INTERFACE": "eth0"}})
	if calls != 1 {
		t.Fatalf("nudges = %d, want 1", calls)
	}
}
