package silence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"bmh/internal/logging"
	"bmh/internal/metrics"
	"bmh/internal/wire"
)

// Observer is told when a group's dead air alarm fires or clears.
type Observer interface {
	// SilenceAlarm fires once at the end of the grace period and then every
	// repeat interval while the silence lasts. repeat is false for the first.
	SilenceAlarm(group string, since time.Time, repeat bool)
	SilenceCleared(group string)
}

// Status describes one silent group.
type Status struct {
	Group    string    `json:"transmitter_group"`
	Since    time.Time `json:"since"`
	Alarming bool      `json:"alarming"`
}

type silenceTime struct {
	start     time.Time
	lastAlarm time.Time
	alarming  bool
}

// Alarm tracks silence per transmitter group. A monitor goroutine runs only
// while at least one group is silent and sleeps until the next alarm is due.
type Alarm struct {
	observer Observer
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// notifyMu serializes state decisions with their callbacks so the
	// observer sees alarm and clear events for a group in order.
	// Lock order: notifyMu before mu.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	grace     time.Duration
	repeat    time.Duration
	alarmable map[string]struct{}
	tracked   map[string]*silenceTime
	running   bool
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// New builds an Alarm for the given alarmable groups.
func New(alarmable map[string]struct{}, grace, repeat time.Duration, observer Observer, m *metrics.Metrics, logger *slog.Logger) *Alarm {
	return &Alarm{
		observer:  observer,
		metrics:   m,
		logger:    logging.NewComponentLogger(logger, "silence-alarm"),
		grace:     grace,
		repeat:    repeat,
		alarmable: copySet(alarmable),
		tracked:   make(map[string]*silenceTime),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Handle consumes a hardware status report for group.
func (a *Alarm) Handle(group string, status wire.DacHardwareStatus) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	if _, ok := a.alarmable[group]; !ok || a.closed {
		a.mu.Unlock()
		return
	}
	if status.Silent() {
		if _, tracking := a.tracked[group]; !tracking {
			a.tracked[group] = &silenceTime{start: time.Now()}
			a.logger.Info("silence detected", logging.Group(group), logging.Any("voice_status", status.VoiceStatus))
			a.startLocked()
		}
		a.mu.Unlock()
		return
	}
	st, tracking := a.tracked[group]
	delete(a.tracked, group)
	silent := a.alarmingLocked()
	a.mu.Unlock()

	if tracking && st.alarming {
		a.metrics.SetSilentGroups(silent)
		a.logger.Info("silence cleared", logging.Group(group), logging.Duration("duration", time.Since(st.start)))
		a.observer.SilenceCleared(group)
	}
}

// Reconfigure replaces the alarmable set and timing. Tracked groups that are
// no longer alarmable are dropped, and alarming ones are reported cleared.
func (a *Alarm) Reconfigure(alarmable map[string]struct{}, grace, repeat time.Duration) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	a.alarmable = copySet(alarmable)
	a.grace = grace
	a.repeat = repeat
	var cleared []string
	for group, st := range a.tracked {
		if _, ok := a.alarmable[group]; ok {
			continue
		}
		delete(a.tracked, group)
		if st.alarming {
			cleared = append(cleared, group)
		}
	}
	silent := a.alarmingLocked()
	a.mu.Unlock()

	signal(a.wake)
	if len(cleared) == 0 {
		return
	}
	sort.Strings(cleared)
	a.metrics.SetSilentGroups(silent)
	for _, group := range cleared {
		a.logger.Info("silence alarm dropped after configuration change", logging.Group(group))
		a.observer.SilenceCleared(group)
	}
}

// Alarming lists silent groups ordered by name, including those still in
// their grace period.
func (a *Alarm) Alarming() []Status {
	a.mu.Lock()
	out := make([]Status, 0, len(a.tracked))
	for group, st := range a.tracked {
		out = append(out, Status{Group: group, Since: st.start, Alarming: st.alarming})
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Close stops the monitor. Later reports are ignored.
func (a *Alarm) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.done)
}

func (a *Alarm) startLocked() {
	if a.running {
		signal(a.wake)
		return
	}
	a.running = true
	go a.monitor()
}

type firing struct {
	group  string
	since  time.Time
	repeat bool
}

func (a *Alarm) monitor() {
	for {
		wait, ok := a.check()
		if !ok {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-a.wake:
			timer.Stop()
		case <-a.done:
			timer.Stop()
			return
		}
	}
}

// check fires every due alarm and returns the time until the next one. It
// returns false when nothing is tracked and the monitor should exit.
func (a *Alarm) check() (time.Duration, bool) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	if len(a.tracked) == 0 || a.closed {
		a.running = false
		a.mu.Unlock()
		return 0, false
	}
	now := time.Now()
	next := time.Duration(-1)
	var fire []firing
	for group, st := range a.tracked {
		due := st.start.Add(a.grace)
		if st.alarming {
			due = st.lastAlarm.Add(a.repeat)
		}
		if !now.Before(due) {
			fire = append(fire, firing{group: group, since: st.start, repeat: st.alarming})
			st.alarming = true
			st.lastAlarm = now
			due = now.Add(a.repeat)
		}
		if wait := due.Sub(now); next < 0 || wait < next {
			next = wait
		}
	}
	silent := a.alarmingLocked()
	a.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].group < fire[j].group })
	if len(fire) > 0 {
		a.metrics.SetSilentGroups(silent)
	}
	for _, f := range fire {
		a.metrics.SilenceAlarm(f.group)
		logging.WarnWithContext(a.logger, "dead air on transmitter group", "silence_alarm",
			logging.Group(f.group),
			logging.Duration("silent_for", now.Sub(f.since)),
			logging.Bool("repeat", f.repeat),
			logging.String(logging.FieldImpact, "listeners hear no broadcast"),
			logging.String(logging.FieldErrorHint, "check the DAC and its dac transmit process"),
		)
		a.observer.SilenceAlarm(f.group, f.since, f.repeat)
	}
	return next, true
}

func (a *Alarm) alarmingLocked() int {
	n := 0
	for _, st := range a.tracked {
		if st.alarming {
			n++
		}
	}
	return n
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
