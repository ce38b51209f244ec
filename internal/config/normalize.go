package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeBus()
	c.normalizeDacs()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.DacTransmit.Launcher = strings.TrimSpace(c.DacTransmit.Launcher)
	return nil
}

func (c *Config) normalizeBus() {
	c.Bus.URL = strings.TrimSpace(c.Bus.URL)
	c.Bus.StatusTopic = strings.TrimSpace(c.Bus.StatusTopic)
	if c.Bus.StatusTopic == "" {
		c.Bus.StatusTopic = defaultStatusTopic
	}
	if strings.TrimSpace(c.Bus.PlaylistQueuePrefix) == "" {
		c.Bus.PlaylistQueuePrefix = defaultPlaylistQueuePrefix
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeDacs() {
	for i := range c.Dacs {
		dac := &c.Dacs[i]
		dac.Address = strings.TrimSpace(dac.Address)
		dac.ReceiveAddress = strings.TrimSpace(dac.ReceiveAddress)
		if dac.ReceiveAddress == "" {
			dac.ReceiveAddress = "0.0.0.0"
		}
		for j := range dac.Channels {
			ch := &dac.Channels[j]
			ch.TransmitterGroup = strings.TrimSpace(ch.TransmitterGroup)
			ch.InputDirectory = strings.TrimSpace(ch.InputDirectory)
			ch.Timezone = strings.TrimSpace(ch.Timezone)
			if ch.Timezone == "" {
				ch.Timezone = defaultTimezone
			}
		}
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "console", "text":
		c.Logging.Format = "console"
	case "json":
		c.Logging.Format = "json"
	default:
		c.Logging.Format = format
	}
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}
