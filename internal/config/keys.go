package config

import (
	"bytes"
	"reflect"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DacTransmitKey identifies the child process that serves one channel config.
// It is comparable and used directly as a map key.
type DacTransmitKey struct {
	InputDirectory string
	DataPort       int
	DacAddress     string
}

// Key returns the DacTransmitKey of channel ch on this DAC.
func (d DacConfig) Key(ch DacChannelConfig) DacTransmitKey {
	return DacTransmitKey{
		InputDirectory: ch.InputDirectory,
		DataPort:       ch.DataPort,
		DacAddress:     d.Address,
	}
}

// Channel pairs a channel config with the DAC that owns it.
type Channel struct {
	Dac     DacConfig
	Channel DacChannelConfig
}

// Key returns the DacTransmitKey of the channel.
func (c Channel) Key() DacTransmitKey {
	return c.Dac.Key(c.Channel)
}

// Group returns the transmitter group name of the channel.
func (c Channel) Group() string {
	return c.Channel.TransmitterGroup
}

// OutputChannel is the DAC output channel used for line taps: the first
// assigned radio.
func (c Channel) OutputChannel() int {
	if len(c.Channel.Radios) == 0 {
		return 0
	}
	return c.Channel.Radios[0]
}

// Channels returns every configured channel in file order.
func (c *Config) Channels() []Channel {
	if c == nil {
		return nil
	}
	var out []Channel
	for _, dac := range c.Dacs {
		for _, ch := range dac.Channels {
			out = append(out, Channel{Dac: dac, Channel: ch})
		}
	}
	return out
}

// ChannelForGroup finds the channel serving a transmitter group.
func (c *Config) ChannelForGroup(group string) (Channel, bool) {
	for _, ch := range c.Channels() {
		if ch.Group() == group {
			return ch, true
		}
	}
	return Channel{}, false
}

// Keys returns the set of configured DacTransmitKeys.
func (c *Config) Keys() map[DacTransmitKey]Channel {
	out := make(map[DacTransmitKey]Channel)
	for _, ch := range c.Channels() {
		out[ch.Key()] = ch
	}
	return out
}

// AlarmableGroups returns the groups configured for dead air alarms.
func (c *Config) AlarmableGroups() map[string]struct{} {
	out := make(map[string]struct{})
	for _, ch := range c.Channels() {
		if ch.Channel.DeadAirAlarm {
			out[ch.Group()] = struct{}{}
		}
	}
	return out
}

// SilenceGracePeriod returns the delay before the first dead air alarm.
func (c *Config) SilenceGracePeriod() time.Duration {
	return time.Duration(c.Silence.GracePeriod) * time.Second
}

// SilenceRepeatInterval returns the delay between repeated dead air alarms.
func (c *Config) SilenceRepeatInterval() time.Duration {
	return time.Duration(c.Silence.RepeatInterval) * time.Second
}

// Equal reports whether two configurations are effectively identical. They
// are compared by their TOML encoding, so a nil and an empty list are equal.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	a, errA := toml.Marshal(c)
	b, errB := toml.Marshal(other)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(c, other)
	}
	return bytes.Equal(a, b)
}

// SameRadios reports whether two channel configs drive the same radios.
func SameRadios(a, b DacChannelConfig) bool {
	return slices.Equal(a.Radios, b.Radios)
}

// SameDecibelTargets reports whether two channel configs share decibel targets.
func SameDecibelTargets(a, b DacChannelConfig) bool {
	return a.AudioDBTarget == b.AudioDBTarget &&
		a.SameDBTarget == b.SameDBTarget &&
		a.AlertDBTarget == b.AlertDBTarget
}
