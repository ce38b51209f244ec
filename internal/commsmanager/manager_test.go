package commsmanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"bmh/internal/config"
	"bmh/internal/journal"
	"bmh/internal/logging"
	"bmh/internal/testsupport"
	"bmh/internal/wire"
)

func twoDacConfig(t *testing.T, opts ...testsupport.ConfigOption) *config.Config {
	base := []testsupport.ConfigOption{
		testsupport.WithChannel("10.0.0.5", 21000, config.DacChannelConfig{TransmitterGroup: "KAAA", DataPort: 20000, Radios: []int{1}}),
		testsupport.WithChannel("10.0.0.6", 21001, config.DacChannelConfig{TransmitterGroup: "KBBB", DataPort: 20000, Radios: []int{2}}),
	}
	return testsupport.NewConfig(t, append(base, opts...)...)
}

func TestArgs(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithChannel("10.0.0.5", 21000, config.DacChannelConfig{
			TransmitterGroup: "KAAA",
			DataPort:         20000,
			ControlPort:      20001,
			Radios:           []int{3, 1},
			Timezone:         "America/Chicago",
			AudioDBTarget:    -12.5,
			SameDBTarget:     -10,
			AlertDBTarget:    -8,
		}),
		testsupport.WithChannel("10.0.0.5", 21000, config.DacChannelConfig{
			TransmitterGroup: "KBBB",
			DataPort:         20002,
		}),
	)
	cfg.Server.DacTransmitPort = 18000
	channels := cfg.Channels()

	want := []string{
		"--dac-hostname", "10.0.0.5",
		"--data-port", "20000",
		"--control-port", "20001",
		"--transmitters", "3,1",
		"--input-dir", channels[0].Channel.InputDirectory,
		"--comms-port", "18000",
		"--timezone", "America/Chicago",
		"--audio-db", "-12.5",
		"--same-db", "-10",
		"--alert-db", "-8",
	}
	if got := Args(cfg, channels[0]); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected args\n got %q\nwant %q", got, want)
	}

	for _, arg := range Args(cfg, channels[1]) {
		if arg == "--control-port" {
			t.Fatal("control port passed for channel without one")
		}
	}
}

func TestExecLauncherRunsConfiguredBinary(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithChannel("10.0.0.5", 21000, config.DacChannelConfig{TransmitterGroup: "KAAA", DataPort: 20000}),
		testsupport.WithStubLauncher("exit 3"),
	)
	p, err := ExecLauncher{}.Launch(cfg, cfg.Channels()[0])
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if p.Pid() <= 0 {
		t.Fatalf("expected a pid, got %d", p.Pid())
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stub launcher did not exit")
	}
	if p.Err() == nil {
		t.Fatal("expected exit error from stub launcher")
	}
	data, err := os.ReadFile(testsupport.LaunchLog(cfg))
	if err != nil {
		t.Fatalf("read launch log: %v", err)
	}
	if want := "--dac-hostname 10.0.0.5 --data-port 20000"; len(data) < len(want) || string(data[:len(want)]) != want {
		t.Fatalf("unexpected launch arguments %q", data)
	}
}

func TestExecLauncherReportsMissingBinary(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithChannel("10.0.0.5", 21000, config.DacChannelConfig{TransmitterGroup: "KAAA", DataPort: 20000}),
	)
	if _, err := (ExecLauncher{}).Launch(cfg, cfg.Channels()[0]); err == nil {
		t.Fatal("expected error for missing launcher")
	}
}

func TestReconcileLaunchesOncePerChannel(t *testing.T) {
	tm := newTestManager(t, twoDacConfig(t))
	ctx := context.Background()

	tm.reconcile(ctx)
	tm.reconcile(ctx)
	tm.reconcile(ctx)

	if got := tm.launcher.count("KAAA"); got != 1 {
		t.Fatalf("expected one KAAA launch while the process starts, got %d", got)
	}
	if got := tm.launcher.count("KBBB"); got != 1 {
		t.Fatalf("expected one KBBB launch while the process starts, got %d", got)
	}
	if got := countKind(tm.kinds(t), journal.KindProcessLaunched); got != 2 {
		t.Fatalf("expected 2 launch journal entries, got %d", got)
	}
}

func TestReconcileRelaunchesExitedProcess(t *testing.T) {
	tm := newTestManager(t, twoDacConfig(t))
	ctx := context.Background()

	tm.reconcile(ctx)
	tm.launcher.last("KAAA").exit(errors.New("exit status 1"))
	tm.reconcile(ctx)

	if got := tm.launcher.count("KAAA"); got != 2 {
		t.Fatalf("expected relaunch after exit, got %d launches", got)
	}
	if got := tm.launcher.count("KBBB"); got != 1 {
		t.Fatalf("healthy process relaunched: %d launches", got)
	}
	tm.notifWG.Wait()
	if calls := tm.notifier.snapshot(); !reflect.DeepEqual(calls, []string{"exited:KAAA"}) {
		t.Fatalf("unexpected notifications %v", calls)
	}
	if got := countKind(tm.kinds(t), journal.KindProcessExited); got != 1 {
		t.Fatalf("expected exit journaled once, got %d", got)
	}
}

func TestLaunchFailureRetriesEveryPassWithoutBackoff(t *testing.T) {
	tm := newTestManager(t, twoDacConfig(t))
	tm.launcher.fail = errLaunch
	ctx := context.Background()

	tm.reconcile(ctx)
	tm.reconcile(ctx)

	if got := tm.launcher.count("KAAA"); got != 2 {
		t.Fatalf("expected a retry on every pass, got %d attempts", got)
	}
	tm.notifWG.Wait()
	failures := 0
	for _, call := range tm.notifier.snapshot() {
		if call == "launch_failed:KAAA" {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected one launch failure notification per failure streak, got %d", failures)
	}
	if st := tm.Status(); !st.Groups[0].LaunchFailing {
		t.Fatalf("expected status to flag failing launch: %+v", st.Groups[0])
	}
}

func TestLaunchBackoffLimitsAttempts(t *testing.T) {
	cfg := twoDacConfig(t)
	cfg.DacTransmit.LaunchBackoff = 60
	tm := newTestManager(t, cfg)
	tm.launcher.fail = errLaunch
	ctx := context.Background()

	tm.reconcile(ctx)
	tm.reconcile(ctx)

	if got := tm.launcher.count("KAAA"); got != 1 {
		t.Fatalf("expected backoff to hold the second attempt, got %d", got)
	}
}

func TestReloadWithoutChangesHasNoSideEffects(t *testing.T) {
	tm := newTestManager(t, twoDacConfig(t))
	ctx := context.Background()
	tm.reconcile(ctx)
	before := tm.Config()

	changed, err := tm.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	if changed {
		t.Fatal("expected unchanged reload")
	}
	if tm.Config() != before {
		t.Fatal("configuration pointer replaced by a no-op reload")
	}
	tm.reconcile(ctx)
	if got := tm.launcher.total(); got != 2 {
		t.Fatalf("expected no relaunch after no-op reload, got %d launches", got)
	}
	if got := countKind(tm.kinds(t), journal.KindConfigReloaded); got != 0 {
		t.Fatalf("no-op reload journaled %d times", got)
	}
}

func TestReloadRemovingDacStopsItsLaunches(t *testing.T) {
	cfg := twoDacConfig(t)
	tm := newTestManager(t, cfg)
	ctx := context.Background()
	tm.reconcile(ctx)

	next := *tm.Config()
	next.Dacs = next.Dacs[:1]
	if err := config.Save(tm.path, &next); err != nil {
		t.Fatalf("save config: %v", err)
	}
	changed, err := tm.Reload(ctx)
	if err != nil || !changed {
		t.Fatalf("expected applied reload, got changed=%v err=%v", changed, err)
	}

	tm.reconcile(ctx)
	tm.launcher.last("KBBB").exit(errors.New("killed"))
	tm.reconcile(ctx)
	tm.reconcile(ctx)

	if got := tm.launcher.count("KBBB"); got != 1 {
		t.Fatalf("removed DAC relaunched: %d launches", got)
	}
	tm.procMu.Lock()
	for key, p := range tm.procs {
		if key.DacAddress == "10.0.0.6" {
			t.Errorf("stale process entry for removed DAC: %+v", p)
		}
	}
	tm.procMu.Unlock()
	if len(tm.Status().Groups) != 1 {
		t.Fatalf("expected one configured group after reload")
	}
	if got := countKind(tm.kinds(t), journal.KindConfigReloaded); got != 1 {
		t.Fatalf("expected reload journaled once, got %d", got)
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	tm := newTestManager(t, twoDacConfig(t))
	before := tm.Config()

	if err := os.WriteFile(tm.path, []byte("[server\nbroken"), 0o644); err != nil {
		t.Fatalf("write broken config: %v", err)
	}
	changed, err := tm.Reload(context.Background())
	if err == nil || changed {
		t.Fatalf("expected rejected reload, got changed=%v err=%v", changed, err)
	}
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if tm.Config() != before {
		t.Fatal("invalid reload replaced the configuration")
	}
	if st := tm.Status(); st.LastReloadError == "" {
		t.Fatal("expected status to report the reload error")
	}
}

func TestLoadStartupConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("missing file writes defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "commsmanager.toml")
		cfg, resolved, err := LoadStartupConfig(path, logging.NewNop())
		if err != nil {
			t.Fatalf("LoadStartupConfig: %v", err)
		}
		if resolved != path || len(cfg.Dacs) != 0 {
			t.Fatalf("unexpected result %s %+v", resolved, cfg.Dacs)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("defaults not written: %v", err)
		}
	})

	t.Run("invalid file is backed up", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "commsmanager.toml")
		if err := os.WriteFile(path, []byte("unknown_key = 1\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		cfg, _, err := LoadStartupConfig(path, logging.NewNop())
		if err != nil {
			t.Fatalf("LoadStartupConfig: %v", err)
		}
		if cfg.Server.DacTransmitPort != config.Default().Server.DacTransmitPort {
			t.Fatalf("expected defaults, got %+v", cfg.Server)
		}
		backup, err := os.ReadFile(path + ".invalid")
		if err != nil {
			t.Fatalf("backup missing: %v", err)
		}
		if string(backup) != "unknown_key = 1\n" {
			t.Fatalf("backup content changed: %q", backup)
		}
		if _, _, _, err := config.Load(path); err != nil {
			t.Fatalf("replacement config invalid: %v", err)
		}
	})

	t.Run("valid file is used", func(t *testing.T) {
		cfg := twoDacConfig(t)
		path := testsupport.WriteConfig(t, cfg)
		loaded, _, err := LoadStartupConfig(path, logging.NewNop())
		if err != nil {
			t.Fatalf("LoadStartupConfig: %v", err)
		}
		if len(loaded.Channels()) != 2 {
			t.Fatalf("expected 2 channels, got %d", len(loaded.Channels()))
		}
	})
}

func TestRegisteredGroupIsNotRelaunched(t *testing.T) {
	tm := newTestManager(t, twoDacConfig(t, testsupport.WithFreePorts()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tm.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "initial launches", func() bool { return tm.launcher.total() >= 2 })

	ch, _ := tm.Config().ChannelForGroup("KAAA")
	raw, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", tm.Config().Server.DacTransmitPort), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := wire.NewConn(raw)
	defer conn.Close()
	if err := conn.Write(wire.DacTransmitRegister{
		TransmitterGroup: "KAAA",
		InputDirectory:   ch.Channel.InputDirectory,
		DataPort:         ch.Channel.DataPort,
		DacAddress:       ch.Dac.Address,
		Radios:           ch.Channel.Radios,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := conn.Write(wire.DacTransmitStatus{ConnectedToDac: true}); err != nil {
		t.Fatalf("status: %v", err)
	}
	waitFor(t, "registration", func() bool { return tm.transmit.HasCommunicator("KAAA") })

	// The registered process may now exit without triggering a relaunch.
	tm.launcher.last("KAAA").exit(nil)
	tm.Nudge()
	time.Sleep(200 * time.Millisecond)
	tm.reconcile(ctx)

	if got := tm.launcher.count("KAAA"); got != 1 {
		t.Fatalf("registered group relaunched: %d launches", got)
	}
	waitFor(t, "connected status", func() bool {
		for _, g := range tm.Status().Groups {
			if g.Group == "KAAA" {
				return g.Registered && g.ConnectedToDac && g.Pid == 0
			}
		}
		return false
	})
	waitFor(t, "dac connected journal entry", func() bool {
		return countKind(tm.kinds(t), journal.KindDacConnected) == 1
	})
	tm.subsMu.Lock()
	sub, subscribed := tm.subs["KAAA"]
	tm.subsMu.Unlock()
	if !subscribed || sub.destination != tm.Config().Bus.PlaylistQueuePrefix+"KAAA" {
		t.Fatalf("expected playlist queue subscription, got %+v", sub)
	}
}

func TestSilenceAlarmFlowsToJournalAndNotifier(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithChannel("10.0.0.5", 21000, config.DacChannelConfig{TransmitterGroup: "KAAA", DataPort: 20000, DeadAirAlarm: true}),
	)
	tm := newTestManager(t, cfg)
	tm.alarm.Reconfigure(tm.Config().AlarmableGroups(), 20*time.Millisecond, time.Hour)

	obs := transmitObserver{tm.Manager}
	obs.HardwareStatus("KAAA", wire.DacHardwareStatus{VoiceStatus: []string{wire.VoiceSilence}})
	waitFor(t, "silence alarm", func() bool { return len(tm.Status().Silence) == 1 && tm.Status().Silence[0].Alarming })
	obs.HardwareStatus("KAAA", wire.DacHardwareStatus{VoiceStatus: []string{wire.VoiceIPAudio}})

	tm.notifWG.Wait()
	calls := tm.notifier.snapshot()
	sort.Strings(calls)
	if !reflect.DeepEqual(calls, []string{"cleared:KAAA", "silence:KAAA"}) {
		t.Fatalf("unexpected notifications %v", calls)
	}
	kinds := tm.kinds(t)
	if countKind(kinds, journal.KindSilenceAlarm) != 1 || countKind(kinds, journal.KindSilenceCleared) != 1 {
		t.Fatalf("unexpected journal %v", kinds)
	}
	if tm.relay.Pending() == 0 {
		t.Fatal("expected status events queued for the bus")
	}
}

func TestReloadAppliesListenerAndBusSettings(t *testing.T) {
	cfg := twoDacConfig(t, testsupport.WithFreePorts())
	cfg.Server.AcceptTimeoutMS = 20000
	cfg.Bus.BufferSize = 100
	tm := newTestManager(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tm.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	next := *tm.Config()
	next.Server.AcceptTimeoutMS = 200
	next.Server.HandlerQueueSize = 4
	next.Bus.BufferSize = 2
	next.Bus.RetryInterval = 1
	if err := config.Save(tm.path, &next); err != nil {
		t.Fatalf("save config: %v", err)
	}
	changed, err := tm.Reload(ctx)
	if err != nil || !changed {
		t.Fatalf("expected applied reload, got changed=%v err=%v", changed, err)
	}

	for name, l := range map[string]interface{ Timeout() time.Duration }{
		"dac transmit": tm.transmitListener,
		"line tap":     tm.tapListener,
	} {
		if got := l.Timeout(); got != 200*time.Millisecond {
			t.Fatalf("%s accept timeout = %v, want 200ms", name, got)
		}
	}

	raw, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", next.Server.DacTransmitPort), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	silent := wire.NewConn(raw)
	defer silent.Close()
	_ = silent.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := silent.Read(); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("silent client not closed under the reloaded accept timeout: %v", err)
	}

	for i := range 10 {
		_ = tm.relay.Publish("status", i)
	}
	if got := tm.relay.Pending(); got != 2 {
		t.Fatalf("relay holds %d pending, want the reloaded buffer size 2", got)
	}
}
