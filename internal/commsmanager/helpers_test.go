package commsmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bmh/internal/config"
	"bmh/internal/journal"
	"bmh/internal/logging"
	"bmh/internal/testsupport"
)

type fakeProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
	err  error
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return p.err }

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

type fakeLauncher struct {
	mu       sync.Mutex
	fail     error
	nextPid  int
	launches []string
	procs    map[string][]*fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPid: 1000, procs: make(map[string][]*fakeProcess)}
}

func (l *fakeLauncher) Launch(_ *config.Config, ch config.Channel) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, ch.Group())
	if l.fail != nil {
		return nil, l.fail
	}
	l.nextPid++
	p := &fakeProcess{pid: l.nextPid, done: make(chan struct{})}
	l.procs[ch.Group()] = append(l.procs[ch.Group()], p)
	return p, nil
}

func (l *fakeLauncher) count(group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, g := range l.launches {
		if g == group {
			n++
		}
	}
	return n
}

func (l *fakeLauncher) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) last(group string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.procs[group]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) add(call string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, call)
	return nil
}

func (n *fakeNotifier) NotifySilenceAlarm(_ context.Context, group string, _ time.Duration, repeat bool) error {
	if repeat {
		return n.add("silence_repeat:" + group)
	}
	return n.add("silence:" + group)
}

func (n *fakeNotifier) NotifySilenceCleared(_ context.Context, group string) error {
	return n.add("cleared:" + group)
}

func (n *fakeNotifier) NotifyProcessExited(_ context.Context, group string, _ error) error {
	return n.add("exited:" + group)
}

func (n *fakeNotifier) NotifyLaunchFailed(_ context.Context, group string, _ error) error {
	return n.add("launch_failed:" + group)
}

func (n *fakeNotifier) TestNotification(context.Context) error {
	return n.add("test")
}

func (n *fakeNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

var errLaunch = errors.New("launcher missing")

type testManager struct {
	*Manager
	path     string
	launcher *fakeLauncher
	notifier *fakeNotifier
	journal  *journal.Journal
}

// newTestManager writes cfg to disk and builds a Manager from the loaded
// copy so reloading the untouched file is a no-op.
func newTestManager(t *testing.T, cfg *config.Config) *testManager {
	t.Helper()
	path := testsupport.WriteConfig(t, cfg)
	loaded, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("load test config: %v", err)
	}
	j, err := journal.Open(loaded.JournalPath())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	launcher := newFakeLauncher()
	notifier := &fakeNotifier{}
	m, err := New(loaded, path, logging.NewNop(), Options{
		Launcher:       launcher,
		Notifier:       notifier,
		Journal:        j,
		DisableInotify: true,
		StatInterval:   time.Hour,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(m.Stop)
	return &testManager{Manager: m, path: path, launcher: launcher, notifier: notifier, journal: j}
}

func (tm *testManager) kinds(t *testing.T) []journal.Kind {
	t.Helper()
	events, err := tm.journal.Recent(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	out := make([]journal.Kind, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i].Kind)
	}
	return out
}

func countKind(kinds []journal.Kind, want journal.Kind) int {
	n := 0
	for _, k := range kinds {
		if k == want {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
