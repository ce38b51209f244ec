package commsmanager

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"bmh/internal/config"
)

// Process is a launched DAC transmit child.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed.
	Err() error
}

// Launcher starts DAC transmit processes.
type Launcher interface {
	Launch(cfg *config.Config, ch config.Channel) (Process, error)
}

// Args builds the argument vector passed to the launcher for ch.
func Args(cfg *config.Config, ch config.Channel) []string {
	radios := make([]string, 0, len(ch.Channel.Radios))
	for _, r := range ch.Channel.Radios {
		radios = append(radios, strconv.Itoa(r))
	}
	args := []string{
		"--dac-hostname", ch.Dac.Address,
		"--data-port", strconv.Itoa(ch.Channel.DataPort),
	}
	if ch.Channel.ControlPort != 0 {
		args = append(args, "--control-port", strconv.Itoa(ch.Channel.ControlPort))
	}
	args = append(args,
		"--transmitters", strings.Join(radios, ","),
		"--input-dir", ch.Channel.InputDirectory,
		"--comms-port", strconv.Itoa(cfg.Server.DacTransmitPort),
		"--timezone", ch.Channel.Timezone,
		"--audio-db", formatDB(ch.Channel.AudioDBTarget),
		"--same-db", formatDB(ch.Channel.SameDBTarget),
		"--alert-db", formatDB(ch.Channel.AlertDBTarget),
	)
	return args
}

func formatDB(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ExecLauncher runs cfg.DacTransmit.Launcher with inherited standard streams.
// Children run in their own process group so they outlive the manager and
// re-register with its successor.
type ExecLauncher struct{}

// Launch starts the child for ch.
func (ExecLauncher) Launch(cfg *config.Config, ch config.Channel) (Process, error) {
	cmd := exec.Command(cfg.DacTransmit.Launcher, Args(cfg, ch)...)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.DacTransmit.Launcher, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
