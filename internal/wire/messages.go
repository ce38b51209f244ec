package wire

import "slices"

// Kind is the explicit discriminant carried by every message on the wire.
type Kind string

const (
	KindDacTransmitRegister Kind = "dac_transmit_register"
	KindDacTransmitStatus   Kind = "dac_transmit_status"
	KindDacTransmitShutdown Kind = "dac_transmit_shutdown"
	KindPlaylistSwitch      Kind = "playlist_switch"
	KindMessagePlayback     Kind = "message_playback_status"
	KindDacHardwareStatus   Kind = "dac_hardware_status"
	KindPlaylistUpdate      Kind = "playlist_update"
	KindChangeTransmitters  Kind = "change_transmitters"
	KindChangeDecibelTarget Kind = "change_decibel_target"
	KindChangeTimeZone      Kind = "change_timezone"
	KindLineTapRequest      Kind = "line_tap_request"
	KindLineTapDisconnect   Kind = "line_tap_disconnect"
)

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
}

// DacTransmitRegister is the first message a DAC transmit process sends after
// dialing in. The key fields must match the channel it was launched for.
type DacTransmitRegister struct {
	TransmitterGroup string `json:"transmitter_group"`
	InputDirectory   string `json:"input_directory"`
	DataPort         int    `json:"data_port"`
	DacAddress       string `json:"dac_address"`
	Radios           []int  `json:"radios"`
}

func (DacTransmitRegister) Kind() Kind { return KindDacTransmitRegister }

// DacTransmitStatus is compared by value; only changes are reported upward.
type DacTransmitStatus struct {
	ConnectedToDac bool `json:"connected_to_dac"`
}

func (DacTransmitStatus) Kind() Kind { return KindDacTransmitStatus }

// DacTransmitShutdown asks a child to stop, or announces that it is stopping.
type DacTransmitShutdown struct{}

func (DacTransmitShutdown) Kind() Kind { return KindDacTransmitShutdown }

// PlaylistSwitch reports that a group started playing a different playlist.
type PlaylistSwitch struct {
	TransmitterGroup string `json:"transmitter_group"`
	Suite            string `json:"suite"`
	Playlist         string `json:"playlist"`
	Messages         []int  `json:"messages,omitempty"`
	TimestampMS      int64  `json:"timestamp_ms"`
}

func (PlaylistSwitch) Kind() Kind { return KindPlaylistSwitch }

// MessagePlayback reports the start of playback of one broadcast message.
type MessagePlayback struct {
	TransmitterGroup string `json:"transmitter_group"`
	BroadcastID      int64  `json:"broadcast_id"`
	MessageType      string `json:"message_type"`
	Title            string `json:"title,omitempty"`
	PlayCount        int    `json:"play_count"`
	TimestampMS      int64  `json:"timestamp_ms"`
}

func (MessagePlayback) Kind() Kind { return KindMessagePlayback }

// Voice statuses reported per DAC output channel.
const (
	VoiceIPAudio  = "ip_audio"
	VoiceSilence  = "silence"
	VoiceAnalog   = "analog_input"
	VoiceMaintMsg = "maintenance"
)

// DacHardwareStatus is the periodic hardware report of the DAC serving a group.
type DacHardwareStatus struct {
	TransmitterGroup string   `json:"transmitter_group"`
	PSU1Voltage      float64  `json:"psu1_voltage"`
	PSU2Voltage      float64  `json:"psu2_voltage"`
	BufferSize       int      `json:"buffer_size"`
	VoiceStatus      []string `json:"voice_status"`
}

func (DacHardwareStatus) Kind() Kind { return KindDacHardwareStatus }

// Silent reports whether any reported output channel is not carrying IP
// audio. A report without voice statuses is not silence.
func (s DacHardwareStatus) Silent() bool {
	return slices.ContainsFunc(s.VoiceStatus, func(v string) bool { return v != VoiceIPAudio })
}

// PlaylistUpdate announces a new playlist file for a group.
type PlaylistUpdate struct {
	TransmitterGroup string `json:"transmitter_group"`
	PlaylistPath     string `json:"playlist_path"`
}

func (PlaylistUpdate) Kind() Kind { return KindPlaylistUpdate }

// ChangeTransmitters retargets a running child to a new radio set.
type ChangeTransmitters struct {
	Radios []int `json:"radios"`
}

func (ChangeTransmitters) Kind() Kind { return KindChangeTransmitters }

// ChangeDecibelTarget updates the audio levels of a running child.
type ChangeDecibelTarget struct {
	AudioDBTarget float64 `json:"audio_db_target"`
	SameDBTarget  float64 `json:"same_db_target"`
	AlertDBTarget float64 `json:"alert_db_target"`
}

func (ChangeDecibelTarget) Kind() Kind { return KindChangeDecibelTarget }

// ChangeTimeZone updates the timezone of a running child.
type ChangeTimeZone struct {
	Timezone string `json:"timezone"`
}

func (ChangeTimeZone) Kind() Kind { return KindChangeTimeZone }

// LineTapRequest opens a live audio tap on a transmitter group.
type LineTapRequest struct {
	TransmitterGroup string `json:"transmitter_group"`
}

func (LineTapRequest) Kind() Kind { return KindLineTapRequest }

// LineTapDisconnect ends a tap.
type LineTapDisconnect struct{}

func (LineTapDisconnect) Kind() Kind { return KindLineTapDisconnect }
