package commsmanager

import (
	"time"

	"bmh/internal/dactransmit"
	"bmh/internal/silence"
)

// GroupStatus describes one configured transmitter group.
type GroupStatus struct {
	Group          string    `json:"transmitter_group"`
	Dac            string    `json:"dac"`
	DataPort       int       `json:"data_port"`
	Radios         []int     `json:"radios"`
	Registered     bool      `json:"registered"`
	ConnectedToDac bool      `json:"connected_to_dac"`
	Pid            int       `json:"pid,omitempty"`
	LastLaunch     time.Time `json:"last_launch,omitempty"`
	LaunchFailing  bool      `json:"launch_failing,omitempty"`
	Silent         bool      `json:"silent,omitempty"`
	Alarming       bool      `json:"alarming,omitempty"`
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	Running         bool               `json:"running"`
	Started         time.Time          `json:"started"`
	ConfigPath      string             `json:"config_path"`
	LastReload      time.Time          `json:"last_reload,omitempty"`
	LastReloadError string             `json:"last_reload_error,omitempty"`
	DacTransmitPort int                `json:"dac_transmit_port"`
	LineTapPort     int                `json:"line_tap_port"`
	Groups          []GroupStatus      `json:"groups"`
	Connections     []dactransmit.Info `json:"connections"`
	LineTaps        int                `json:"line_taps"`
	TapReceivers    int                `json:"tap_receivers"`
	BusConnected    bool               `json:"bus_connected"`
	BusPending      int                `json:"bus_pending"`
	Silence         []silence.Status   `json:"silence"`
}

// Status returns the current snapshot. Groups follow configuration order.
func (m *Manager) Status() Status {
	cfg := m.cfg.Load()

	m.mu.Lock()
	st := Status{
		Running:    m.running,
		Started:    m.started,
		ConfigPath: m.configPath,
		LastReload: m.lastReload,
	}
	if m.lastErr != nil {
		st.LastReloadError = m.lastErr.Error()
	}
	m.mu.Unlock()

	st.DacTransmitPort = m.transmitListener.Port()
	st.LineTapPort = m.tapListener.Port()
	st.Connections = m.transmit.Snapshot()
	st.LineTaps = m.taps.Subscribers()
	st.TapReceivers = m.taps.Receivers()
	st.BusConnected = m.relay.Connected()
	st.BusPending = m.relay.Pending()
	st.Silence = m.alarm.Alarming()

	silent := make(map[string]silence.Status, len(st.Silence))
	for _, s := range st.Silence {
		silent[s.Group] = s
	}
	registered := make(map[string]bool)
	connected := make(map[string]bool)
	for _, info := range st.Connections {
		registered[info.Group] = true
		if info.ConnectedToDac {
			connected[info.Group] = true
		}
	}

	m.procMu.Lock()
	for _, ch := range cfg.Channels() {
		key := ch.Key()
		gs := GroupStatus{
			Group:          ch.Group(),
			Dac:            ch.Dac.Address,
			DataPort:       ch.Channel.DataPort,
			Radios:         append([]int(nil), ch.Channel.Radios...),
			Registered:     registered[ch.Group()],
			ConnectedToDac: connected[ch.Group()],
			LastLaunch:     m.lastLaunch[key],
			LaunchFailing:  m.failing[key],
		}
		if p, ok := m.procs[key]; ok {
			gs.Pid = p.handle.Pid()
		}
		if s, ok := silent[ch.Group()]; ok {
			gs.Silent = true
			gs.Alarming = s.Alarming
		}
		st.Groups = append(st.Groups, gs)
	}
	m.procMu.Unlock()
	return st
}
