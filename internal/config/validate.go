package config

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"
)

// ErrInvalid marks configuration content that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.validateTiming(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.validateDacs(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validateServer() error {
	ports := map[string]int{
		"server.dac_transmit_port": c.Server.DacTransmitPort,
		"server.line_tap_port":     c.Server.LineTapPort,
	}
	for key, port := range ports {
		if err := validPort(port); err != nil {
			return fmt.Errorf("%s %w", key, err)
		}
	}
	if c.Server.DacTransmitPort == c.Server.LineTapPort {
		return errors.New("server.dac_transmit_port and server.line_tap_port must differ")
	}
	if c.Server.HandlerQueueSize < 0 {
		return errors.New("server.handler_queue_size must be >= 0")
	}
	if c.DacTransmit.Launcher == "" {
		return errors.New("dac_transmit.launcher must be set")
	}
	return nil
}

func (c *Config) validateTiming() error {
	if err := ensurePositiveMap(map[string]int{
		"server.accept_timeout_ms":        c.Server.AcceptTimeoutMS,
		"dac_transmit.reconcile_interval": c.DacTransmit.ReconcileInterval,
		"bus.buffer_size":                 c.Bus.BufferSize,
		"bus.retry_interval":              c.Bus.RetryInterval,
		"silence.grace_period":            c.Silence.GracePeriod,
		"silence.repeat_interval":         c.Silence.RepeatInterval,
		"notifications.request_timeout":   c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.DacTransmit.LaunchBackoff < 0 {
		return errors.New("dac_transmit.launch_backoff must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return errors.New("logging rotation limits must be >= 0")
	}
	return nil
}

func (c *Config) validateDacs() error {
	type dataPortKey struct {
		address string
		port    int
	}
	seenAddress := make(map[string]struct{})
	seenPorts := make(map[dataPortKey]struct{})
	seenGroups := make(map[string]struct{})
	seenReceive := make(map[int]string)

	for i, dac := range c.Dacs {
		if dac.Address == "" {
			return fmt.Errorf("dacs[%d].address must be set", i)
		}
		if _, dup := seenAddress[dac.Address]; dup {
			return fmt.Errorf("dacs[%d]: duplicate dac address %s", i, dac.Address)
		}
		seenAddress[dac.Address] = struct{}{}
		if err := validPort(dac.ReceivePort); err != nil {
			return fmt.Errorf("dacs[%d].receive_port %w", i, err)
		}
		if other, dup := seenReceive[dac.ReceivePort]; dup {
			return fmt.Errorf("dacs[%d]: receive_port %d already used by dac %s", i, dac.ReceivePort, other)
		}
		seenReceive[dac.ReceivePort] = dac.Address

		for j, ch := range dac.Channels {
			prefix := fmt.Sprintf("dacs[%d].channels[%d]", i, j)
			if ch.TransmitterGroup == "" {
				return fmt.Errorf("%s.transmitter_group must be set", prefix)
			}
			if _, dup := seenGroups[ch.TransmitterGroup]; dup {
				return fmt.Errorf("%s: transmitter group %q configured twice", prefix, ch.TransmitterGroup)
			}
			seenGroups[ch.TransmitterGroup] = struct{}{}

			if err := validPort(ch.DataPort); err != nil {
				return fmt.Errorf("%s.data_port %w", prefix, err)
			}
			key := dataPortKey{address: dac.Address, port: ch.DataPort}
			if _, dup := seenPorts[key]; dup {
				return fmt.Errorf("%s: data port %d already assigned on dac %s", prefix, ch.DataPort, dac.Address)
			}
			seenPorts[key] = struct{}{}

			if ch.ControlPort != 0 {
				if err := validPort(ch.ControlPort); err != nil {
					return fmt.Errorf("%s.control_port %w", prefix, err)
				}
			}
			if len(ch.Radios) == 0 {
				return fmt.Errorf("%s.radios must list at least one radio", prefix)
			}
			for _, radio := range ch.Radios {
				if radio < 1 || radio > 4 {
					return fmt.Errorf("%s.radios: radio %d out of range 1-4", prefix, radio)
				}
			}
			if ch.InputDirectory == "" {
				return fmt.Errorf("%s.input_directory must be set", prefix)
			}
			if _, err := time.LoadLocation(ch.Timezone); err != nil {
				return fmt.Errorf("%s.timezone: %v", prefix, err)
			}
		}
	}
	return nil
}

func validPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("must be between 1 and 65535, got %d", port)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
