package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"bmh/internal/commsmanager"
	"bmh/internal/deps"
	"bmh/internal/ipc"
)

// health grades one field of the status view.
type health int

const (
	healthNeutral health = iota
	healthGood
	healthDegraded
	healthDown
)

func (h health) tag() string {
	switch h {
	case healthGood:
		return "OK"
	case healthDegraded:
		return "WARN"
	case healthDown:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (h health) color() text.Color {
	switch h {
	case healthGood:
		return text.FgGreen
	case healthDegraded:
		return text.FgYellow
	case healthDown:
		return text.FgRed
	default:
		return text.FgBlue
	}
}

const fieldLabelWidth = 20

// statusView renders a status response for a person at a terminal. Colour is
// only used when the output is a TTY.
type statusView struct {
	out   io.Writer
	color bool
	now   time.Time
}

func newStatusView(out io.Writer, now time.Time) *statusView {
	return &statusView{out: out, color: isTerminal(out), now: now}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (v *statusView) paint(c text.Color, s string) string {
	if !v.color {
		return s
	}
	return c.Sprint(s)
}

func (v *statusView) heading(title string) {
	fmt.Fprintln(v.out, v.paint(text.Bold, title))
	fmt.Fprintln(v.out, v.paint(text.FgBlue, strings.Repeat("=", len(title))))
}

func (v *statusView) field(label string, h health, value string) {
	fmt.Fprintf(v.out, "  %-*s %s %s\n", fieldLabelWidth, label+":",
		v.paint(h.color(), "["+h.tag()+"]"), value)
}

func (v *statusView) age(since time.Time) string {
	if since.IsZero() {
		return "-"
	}
	d := v.now.Sub(since)
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}

func (v *statusView) render(resp *ipc.StatusResponse) {
	st := resp.Manager

	v.heading("Comms Manager")
	if resp.Running {
		v.field("Daemon", healthGood, fmt.Sprintf("Running (pid %d, up %s)", resp.PID, v.age(st.Started)))
	} else {
		v.field("Daemon", healthDown, "Not running")
	}
	v.field("Config", healthNeutral, st.ConfigPath)
	switch {
	case st.LastReloadError != "":
		v.field("Last reload", healthDown, st.LastReloadError)
	case !st.LastReload.IsZero():
		v.field("Last reload", healthGood, v.age(st.LastReload)+" ago")
	}
	v.field("DAC transmit port", healthNeutral, strconv.Itoa(st.DacTransmitPort))
	v.field("Line tap port", healthNeutral,
		fmt.Sprintf("%d (%d open, %d receivers)", st.LineTapPort, st.LineTaps, st.TapReceivers))
	if st.BusConnected {
		v.field("Message bus", healthGood, fmt.Sprintf("Connected (%d pending)", st.BusPending))
	} else {
		v.field("Message bus", healthDegraded, fmt.Sprintf("Disconnected (%d pending)", st.BusPending))
	}
	if resp.APIAddress != "" {
		v.field("HTTP API", healthNeutral, resp.APIAddress)
	}
	fmt.Fprintln(v.out)

	v.heading("Dependencies")
	for _, dep := range resp.Dependencies {
		v.dependency(dep)
	}
	fmt.Fprintln(v.out)

	v.heading("Transmitter Groups")
	if len(st.Groups) == 0 {
		fmt.Fprintln(v.out, "No DAC channels configured")
		return
	}
	rows := make([][]string, 0, len(st.Groups))
	for _, g := range st.Groups {
		rows = append(rows, []string{
			g.Group,
			g.Dac,
			strconv.Itoa(g.DataPort),
			joinRadios(g.Radios),
			v.process(g),
			v.link(g.ConnectedToDac),
			v.audio(g),
		})
	}
	fmt.Fprint(v.out, renderTable(
		[]string{"Group", "DAC", "Port", "Radios", "Process", "DAC Link", "Audio"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	))
	fmt.Fprintln(v.out)
}

func (v *statusView) dependency(dep deps.Status) {
	if dep.Available {
		value := "Ready"
		if dep.Command != "" {
			value = "Ready (command: " + dep.Command + ")"
		}
		v.field(dep.Name, healthGood, value)
		return
	}
	h := healthDown
	if dep.Optional {
		h = healthDegraded
	}
	value := dep.Detail
	if value == "" {
		value = "Not available"
	}
	v.field(dep.Name, h, value)
}

func (v *statusView) process(g commsmanager.GroupStatus) string {
	switch {
	case g.Registered && g.Pid > 0:
		return fmt.Sprintf("registered (pid %d)", g.Pid)
	case g.Registered:
		return "registered"
	case g.LaunchFailing:
		return v.paint(text.FgRed, "launch failing")
	case g.Pid > 0:
		return fmt.Sprintf("starting (pid %d)", g.Pid)
	default:
		return v.paint(text.FgYellow, "down")
	}
}

func (v *statusView) link(connected bool) string {
	if connected {
		return "yes"
	}
	return v.paint(text.FgYellow, "no")
}

func (v *statusView) audio(g commsmanager.GroupStatus) string {
	switch {
	case g.Alarming:
		return v.paint(text.FgRed, "DEAD AIR")
	case g.Silent:
		return v.paint(text.FgYellow, "silent")
	default:
		return "ok"
	}
}

func joinRadios(radios []int) string {
	parts := make([]string, len(radios))
	for i, r := range radios {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, ",")
}
