package testsupport

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"bmh/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Ports are zero-valued where tests bind their own listeners.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Server.AcceptTimeoutMS = 500
	cfgVal.DacTransmit.ReconcileInterval = 1
	cfgVal.DacTransmit.Launcher = filepath.Join(base, "bin", "dactransmit")
	cfgVal.Bus.URL = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithChannel appends a channel to the DAC at address, creating the DAC entry
// when needed. The channel's input directory is created under the temp base.
func WithChannel(address string, receivePort int, ch config.DacChannelConfig) ConfigOption {
	return func(b *configBuilder) {
		if ch.InputDirectory == "" {
			ch.InputDirectory = filepath.Join(b.baseDir, "playlists", ch.TransmitterGroup)
		}
		if err := os.MkdirAll(ch.InputDirectory, 0o755); err != nil {
			b.t.Fatalf("mkdir input dir: %v", err)
		}
		if len(ch.Radios) == 0 {
			ch.Radios = []int{1}
		}
		if ch.Timezone == "" {
			ch.Timezone = "UTC"
		}
		for i := range b.cfg.Dacs {
			if b.cfg.Dacs[i].Address == address {
				b.cfg.Dacs[i].Channels = append(b.cfg.Dacs[i].Channels, ch)
				return
			}
		}
		b.cfg.Dacs = append(b.cfg.Dacs, config.DacConfig{
			Address:        address,
			ReceiveAddress: "127.0.0.1",
			ReceivePort:    receivePort,
			Channels:       []config.DacChannelConfig{ch},
		})
	}
}

// WithStubLauncher writes a launcher script that records its arguments to
// <base>/launches.log and then runs body (for example "sleep 5" or "exit 1").
func WithStubLauncher(body string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		logPath := filepath.Join(b.baseDir, "launches.log")
		script := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n" + body + "\n"
		if err := os.WriteFile(b.cfg.DacTransmit.Launcher, []byte(script), 0o755); err != nil {
			b.t.Fatalf("write stub launcher: %v", err)
		}
	}
}

// LaunchLog returns the path the stub launcher appends its arguments to.
func LaunchLog(cfg *config.Config) string {
	return filepath.Join(BaseDir(cfg), "launches.log")
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}

// WithFreePorts assigns currently unused TCP ports to both listeners.
func WithFreePorts() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.DacTransmitPort = FreePort(b.t)
		b.cfg.Server.LineTapPort = FreePort(b.t)
		for b.cfg.Server.LineTapPort == b.cfg.Server.DacTransmitPort {
			b.cfg.Server.LineTapPort = FreePort(b.t)
		}
	}
}

// FreePort returns a TCP port that was free on the loopback interface.
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// WriteConfig saves cfg under the temp base and returns the file path.
func WriteConfig(t testing.TB, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(BaseDir(cfg), "commsmanager.toml")
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
