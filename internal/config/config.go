package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	LogDir   string `toml:"log_dir"`
	StateDir string `toml:"state_dir"`
	APIBind  string `toml:"api_bind"`
}

// Server contains the listening ports of the comms manager.
type Server struct {
	DacTransmitPort  int `toml:"dac_transmit_port"`
	LineTapPort      int `toml:"line_tap_port"`
	ClusterPort      int `toml:"cluster_port"`
	AcceptTimeoutMS  int `toml:"accept_timeout_ms"`
	HandlerQueueSize int `toml:"handler_queue_size"`
}

// DacTransmit controls how DAC transmit child processes are launched and supervised.
type DacTransmit struct {
	Launcher string `toml:"launcher"`
	// ReconcileInterval is the poll period of the supervision loop in seconds.
	ReconcileInterval int `toml:"reconcile_interval"`
	// LaunchBackoff is the minimum number of seconds between two launches of the
	// same channel. Zero relaunches on every pass.
	LaunchBackoff int `toml:"launch_backoff"`
}

// Bus contains the message bus (JMS) connection settings.
type Bus struct {
	URL                 string `toml:"url"`
	StatusTopic         string `toml:"status_topic"`
	PlaylistQueuePrefix string `toml:"playlist_queue_prefix"`
	BufferSize          int    `toml:"buffer_size"`
	RetryInterval       int    `toml:"retry_interval"`
}

// Silence contains dead air alarm timing.
type Silence struct {
	GracePeriod    int `toml:"grace_period"`
	RepeatInterval int `toml:"repeat_interval"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	SilenceAlarms  bool   `toml:"silence_alarms"`
	ProcessErrors  bool   `toml:"process_errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format     string `toml:"format"`
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// DacChannelConfig is one radio channel slot on a DAC.
type DacChannelConfig struct {
	TransmitterGroup string  `toml:"transmitter_group"`
	Radios           []int   `toml:"radios"`
	DataPort         int     `toml:"data_port"`
	ControlPort      int     `toml:"control_port"`
	InputDirectory   string  `toml:"input_directory"`
	DeadAirAlarm     bool    `toml:"dead_air_alarm"`
	AudioDBTarget    float64 `toml:"audio_db_target"`
	SameDBTarget     float64 `toml:"same_db_target"`
	AlertDBTarget    float64 `toml:"alert_db_target"`
	Timezone         string  `toml:"timezone"`
}

// DacConfig describes one physical DAC.
type DacConfig struct {
	Address        string             `toml:"address"`
	ReceiveAddress string             `toml:"receive_address"`
	ReceivePort    int                `toml:"receive_port"`
	Channels       []DacChannelConfig `toml:"channels"`
}

// Config is the root comms manager configuration.
//
// A loaded Config is an immutable snapshot: components receive a pointer and
// must never modify it. Reloading produces a new value.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Server        Server        `toml:"server"`
	DacTransmit   DacTransmit   `toml:"dac_transmit"`
	Bus           Bus           `toml:"bus"`
	Silence       Silence       `toml:"silence"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Dacs          []DacConfig   `toml:"dacs"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. When the file does not
// exist the defaults are returned with exists=false.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		data, err := os.ReadFile(resolvedPath)
		if err != nil {
			return nil, resolvedPath, true, fmt.Errorf("open config: %w", err)
		}
		if err := Decode(data, &cfg); err != nil {
			return nil, resolvedPath, true, err
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, resolvedPath, exists, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, resolvedPath, exists, err
	}

	return &cfg, resolvedPath, exists, nil
}

// Decode parses TOML content on top of cfg.
func Decode(data []byte, cfg *Config) error {
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("%w: parse config: %v", ErrInvalid, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", expanded)
	}
	return expanded, true, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.LogDir, c.Paths.StateDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// AcceptTimeout is the bound on reading the first message of a connection and
// on handing it to a handler.
func (c *Config) AcceptTimeout() time.Duration {
	return time.Duration(c.Server.AcceptTimeoutMS) * time.Millisecond
}

// ReconcileInterval returns the supervision loop poll period.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.DacTransmit.ReconcileInterval) * time.Second
}

// LaunchBackoff returns the minimum delay between launches of one channel.
func (c *Config) LaunchBackoff() time.Duration {
	return time.Duration(c.DacTransmit.LaunchBackoff) * time.Second
}

// SocketPath returns the IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "commsmanager.sock")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "commsmanager.lock")
}

// JournalPath returns the event journal database location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.StateDir, "journal.db")
}

// LogPath returns the main log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "commsmanager.log")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// Sample returns the annotated sample configuration.
func Sample() string {
	return sampleConfig
}

// CreateSample writes the annotated sample configuration file to path.
func CreateSample(path string) error {
	return writeFile(path, []byte(sampleConfig))
}

// WriteDefault persists the repository defaults as TOML to path.
func WriteDefault(path string) error {
	cfg := Default()
	return Save(path, &cfg)
}

// Save writes cfg to path as TOML, replacing the file atomically.
func Save(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	// Write beside the target and rename so a watcher never sees a half-written file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
