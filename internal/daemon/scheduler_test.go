package daemon

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/config"
	"github.com/hatlabs/halpid/internal/device"
	"github.com/hatlabs/halpid/internal/protocol"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRunner) PowerOff(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func word(w uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], w)
	return b[:]
}

const (
	healthyVin = 0x5D17 // ~12.0 V at 33.0 full scale
	lowVin     = 0x41F1 // ~8.5 V
)

func healthyRegisters() *bus.FakeTransport {
	return bus.NewFakeTransport(map[byte][]byte{
		protocol.RegHardwareVersion: {3, 0, 0, 0xFF},
		protocol.RegFirmwareVersion: {2, 1, 4, 0xFF},
		protocol.Reg5VOutput:        {1},
		protocol.RegWatchdogTimeout: word(10000),
		protocol.RegState:           {byte(protocol.StatePowerOn5VOn)},
		protocol.RegWatchdogElapsed: {5},
		protocol.RegRTCTime:         {0x6A, 0x00, 0x00, 0x00},
		protocol.RegDCInVoltage:     word(healthyVin),
		protocol.RegSupercapVoltage: word(0xC000),
		protocol.RegInputCurrent:    word(0x4000),
		protocol.RegTemperature:     word(0xCC00),
		protocol.RegUSBPortState:    {0x0F},
		protocol.RegPowerOnThresh:   word(0x8000),
		protocol.RegPowerOffThresh:  word(0x4000),
		protocol.RegLEDBrightness:   {0x80},
	})
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BlackoutTimeLimit = 0.1
	cfg.DryRun = true
	return cfg
}

// start runs a scheduler against the fake transport with fast cadences.
func start(t *testing.T, f *bus.FakeTransport, cfg config.Config, runner PowerOffRunner) *Scheduler {
	t.Helper()
	ctrl := device.New(bus.NewRetrying(f))
	s := New(ctrl, cfg)
	s.PollInterval = 20 * time.Millisecond
	s.WatchdogTimeout = 600 * time.Millisecond // pets every 200 ms
	s.Runner = runner

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPollFillsStatusCache(t *testing.T) {
	f := healthyRegisters()
	s := start(t, f, testConfig(), &fakeRunner{})

	waitFor(t, time.Second, func() bool { return s.Status().Snapshot != nil })

	st := s.Status()
	if st.PowerState != "normal" {
		t.Errorf("PowerState = %q", st.PowerState)
	}
	if st.Snapshot.DCInVoltage < 11.9 || st.Snapshot.DCInVoltage > 12.1 {
		t.Errorf("DCInVoltage = %g", st.Snapshot.DCInVoltage)
	}
	if st.PollFailures != 0 {
		t.Errorf("PollFailures = %d", st.PollFailures)
	}
	if st.DaemonVersion != Version {
		t.Errorf("DaemonVersion = %q", st.DaemonVersion)
	}
}

func TestBlackoutTriggersPoweroffExactlyOnce(t *testing.T) {
	f := healthyRegisters()
	f.Set(protocol.RegDCInVoltage, word(lowVin))
	runner := &fakeRunner{}
	s := start(t, f, testConfig(), runner)

	waitFor(t, 2*time.Second, func() bool { return runner.Calls() > 0 })

	// Keep polling past the trigger: the action must not repeat.
	time.Sleep(200 * time.Millisecond)
	if n := runner.Calls(); n != 1 {
		t.Fatalf("poweroff ran %d times, want exactly 1", n)
	}
	if st := s.Status().PowerState; st != "shutdown-triggered" {
		t.Errorf("PowerState = %q", st)
	}
	// The controller was told about the shutdown.
	if ws := f.WritesTo(protocol.RegShutdown); len(ws) != 1 {
		t.Errorf("shutdown register written %d times, want 1", len(ws))
	}
}

func TestTransientDipDoesNotShutDown(t *testing.T) {
	f := healthyRegisters()
	runner := &fakeRunner{}
	s := start(t, f, testConfig(), runner)

	waitFor(t, time.Second, func() bool { return s.Status().Snapshot != nil })

	// One low dip, then back to healthy before the 100 ms limit elapses.
	f.Set(protocol.RegDCInVoltage, word(lowVin))
	waitFor(t, time.Second, func() bool { return s.Status().PowerState == "blackout-suspected" })
	f.Set(protocol.RegDCInVoltage, word(healthyVin))
	waitFor(t, time.Second, func() bool { return s.Status().PowerState == "normal" })

	if n := runner.Calls(); n != 0 {
		t.Errorf("poweroff ran %d times for a transient dip", n)
	}
}

func TestShutdownCommandShortCircuits(t *testing.T) {
	f := healthyRegisters()
	runner := &fakeRunner{}
	s := start(t, f, testConfig(), runner)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := runner.Calls(); n != 1 {
		t.Fatalf("poweroff ran %d times, want 1", n)
	}

	// A second request finds the machine already terminal.
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := runner.Calls(); n != 1 {
		t.Errorf("poweroff ran %d times after repeat request", n)
	}
}

func TestUSBRefusedDuringShutdown(t *testing.T) {
	f := healthyRegisters()
	s := start(t, f, testConfig(), &fakeRunner{})

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := s.SetUSBPortStates(context.Background(), 0x00)
	var sv *ScheduleViolationError
	if !errors.As(err, &sv) {
		t.Fatalf("got %v, want *ScheduleViolationError", err)
	}
	if ws := f.WritesTo(protocol.RegUSBPortState); len(ws) != 0 {
		t.Errorf("USB register written %d times despite refusal", len(ws))
	}
}

func TestSetUSBPortReadModifyWrite(t *testing.T) {
	f := healthyRegisters()
	s := start(t, f, testConfig(), &fakeRunner{})

	if err := s.SetUSBPort(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}
	ws := f.WritesTo(protocol.RegUSBPortState)
	if len(ws) != 1 || ws[0].Payload[0] != 0x0D {
		t.Fatalf("USB writes = %v, want one write of 0x0D", ws)
	}

	if err := s.SetUSBPort(context.Background(), 7, true); err == nil {
		t.Error("port 7 accepted")
	}
}

func TestStandbyRejectsPastWakeTime(t *testing.T) {
	f := healthyRegisters()
	s := start(t, f, testConfig(), &fakeRunner{})

	err := s.Standby(context.Background(), time.Now().Add(-time.Minute))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want *ValidationError", err)
	}
	if ws := f.WritesTo(protocol.RegWakeTime); len(ws) != 0 {
		t.Errorf("wake register written %d times despite rejection", len(ws))
	}
}

func TestStandbyProgramsWakeThenCommits(t *testing.T) {
	f := healthyRegisters()
	runner := &fakeRunner{}
	s := start(t, f, testConfig(), runner)

	wake := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := s.Standby(context.Background(), wake); err != nil {
		t.Fatal(err)
	}

	ws := f.WritesTo(protocol.RegWakeTime)
	if len(ws) != 1 {
		t.Fatalf("wake register written %d times, want 1", len(ws))
	}
	if got := binary.BigEndian.Uint32(ws[0].Payload); int64(got) != wake.Unix() {
		t.Errorf("programmed wake %d, want %d", got, wake.Unix())
	}
	if len(f.WritesTo(protocol.RegStandby)) != 1 {
		t.Error("standby request register not written")
	}
	if runner.Calls() != 1 {
		t.Errorf("poweroff ran %d times, want 1", runner.Calls())
	}
	if st := s.Status().PowerState; st != "standby-requested" {
		t.Errorf("PowerState = %q", st)
	}
}

func TestStandbyProgramFailureKeepsState(t *testing.T) {
	f := healthyRegisters()
	f.FailWrites[protocol.RegWakeTime] = -1
	runner := &fakeRunner{}
	s := start(t, f, testConfig(), runner)

	err := s.Standby(context.Background(), time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("standby succeeded despite wake programming failure")
	}
	if len(f.WritesTo(protocol.RegStandby)) != 0 {
		t.Error("standby requested despite failed wake programming")
	}
	if runner.Calls() != 0 {
		t.Error("poweroff ran despite failed wake programming")
	}
	if st := s.Status().PowerState; st == "standby-requested" {
		t.Errorf("PowerState = %q after failed programming", st)
	}
}

func TestWatchdogPetCadence(t *testing.T) {
	f := healthyRegisters()
	start(t, f, testConfig(), &fakeRunner{})

	// Run enables the watchdog once, then pets every 200 ms by rewriting
	// the timeout register.
	waitFor(t, 2*time.Second, func() bool {
		return len(f.WritesTo(protocol.RegWatchdogTimeout)) >= 3
	})
	for _, w := range f.WritesTo(protocol.RegWatchdogTimeout) {
		if got := binary.BigEndian.Uint16(w.Payload); got != 600 {
			t.Errorf("pet wrote %d ms, want 600", got)
		}
	}
}

func TestPollFailuresTrackedWithoutTransition(t *testing.T) {
	f := healthyRegisters()
	runner := &fakeRunner{}
	s := start(t, f, testConfig(), runner)

	waitFor(t, time.Second, func() bool { return s.Status().Snapshot != nil })

	f.FailRead(protocol.RegDCInVoltage, -1)
	waitFor(t, 2*time.Second, func() bool { return s.Status().PollFailures >= 2 })

	st := s.Status()
	if st.PowerState != "normal" {
		t.Errorf("poll failures moved state to %q", st.PowerState)
	}
	if st.LastPollError == "" {
		t.Error("LastPollError empty")
	}
	if st.Snapshot == nil {
		t.Error("cached snapshot dropped on poll failure")
	}
	if runner.Calls() != 0 {
		t.Error("poweroff ran on poll failures")
	}
}

func TestSetPoweroffCommandReachesRunner(t *testing.T) {
	f := healthyRegisters()
	ctrl := device.New(bus.NewRetrying(f))
	s := New(ctrl, testConfig())
	s.PollInterval = 20 * time.Millisecond
	s.WatchdogTimeout = 600 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	if err := s.SetConfigValue(context.Background(), "poweroff", "/bin/true"); err != nil {
		t.Fatal(err)
	}
	v, err := s.ConfigValue(context.Background(), "poweroff")
	if err != nil {
		t.Fatal(err)
	}
	if v != "/bin/true" {
		t.Errorf("poweroff = %v, want /bin/true", v)
	}

	// The runner must execute the new command on the next shutdown, not
	// the one captured at construction.
	ep, ok := s.Runner.(*ExecPowerOff)
	if !ok {
		t.Fatalf("runner is %T, want *ExecPowerOff", s.Runner)
	}
	if ep.Command != "/bin/true" {
		t.Errorf("runner command = %q, want /bin/true", ep.Command)
	}
}

func TestPetsContinueDuringBusRecovery(t *testing.T) {
	f := healthyRegisters()
	dir := t.TempDir()
	for _, name := range []string{"unbind", "bind"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	ctrl := device.New(bus.NewRetrying(f))
	s := New(ctrl, testConfig())
	s.PollInterval = 20 * time.Millisecond
	s.WatchdogTimeout = 600 * time.Millisecond // pets every 200 ms
	s.Runner = &fakeRunner{}
	// Scale the recovery like the real thing: the attempt outlasts the
	// pet interval but fits inside the hardware window.
	s.recovery.driverPath = dir
	s.recovery.quiesce = 150 * time.Millisecond
	s.recovery.settle = 150 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	waitFor(t, time.Second, func() bool { return s.Status().Snapshot != nil })
	f.FailRead(protocol.RegDCInVoltage, -1)

	waitFor(t, 3*time.Second, func() bool { return s.Status().Recovery.TotalRecoveries >= 1 })

	// The watchdog register must be rewritten around the blocking
	// recovery attempt as well; a gap reaching the hardware window
	// would mean an avoidable hard reset.
	pets := f.WritesTo(protocol.RegWatchdogTimeout)
	if len(pets) < 3 {
		t.Fatalf("only %d watchdog writes recorded", len(pets))
	}
	for i := 1; i < len(pets); i++ {
		if gap := pets[i].At.Sub(pets[i-1].At); gap >= 450*time.Millisecond {
			t.Errorf("watchdog write gap %s spans the recovery attempt", gap)
		}
	}
}

func TestConfigSetAppliesBetweenTicks(t *testing.T) {
	f := healthyRegisters()
	s := start(t, f, testConfig(), &fakeRunner{})

	if err := s.SetConfigValue(context.Background(), "blackout-voltage-limit", 10.5); err != nil {
		t.Fatal(err)
	}
	v, err := s.ConfigValue(context.Background(), "blackout-voltage-limit")
	if err != nil {
		t.Fatal(err)
	}
	if v != 10.5 {
		t.Errorf("blackout-voltage-limit = %v", v)
	}

	err = s.SetConfigValue(context.Background(), "blackout-voltage-limit", -3.0)
	var ve *config.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("bad value: got %v, want *config.ValidationError", err)
	}
}

func TestDeviceConfigKeys(t *testing.T) {
	f := healthyRegisters()
	s := start(t, f, testConfig(), &fakeRunner{})

	// Run rewrites the watchdog register on startup, so the device-held
	// value reflects the scheduler's 600 ms test timeout.
	waitFor(t, time.Second, func() bool {
		return len(f.WritesTo(protocol.RegWatchdogTimeout)) >= 1
	})
	v, err := s.ConfigValue(context.Background(), "watchdog_timeout")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0.6 {
		t.Errorf("watchdog_timeout = %v, want 0.6", v)
	}

	if err := s.SetConfigValue(context.Background(), "led_brightness", 128.0); err != nil {
		t.Fatal(err)
	}
	ws := f.WritesTo(protocol.RegLEDBrightness)
	if len(ws) != 1 || ws[0].Payload[0] != 128 {
		t.Errorf("LED writes = %v", ws)
	}

	if err := s.SetConfigValue(context.Background(), "led_brightness", 300.0); err == nil {
		t.Error("out-of-range brightness accepted")
	}
}

func TestConfigMapMergesDaemonAndDeviceKeys(t *testing.T) {
	f := healthyRegisters()
	s := start(t, f, testConfig(), &fakeRunner{})

	m, err := s.ConfigMap(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"blackout-time-limit", "poweroff", "watchdog_timeout", "led_brightness"} {
		if _, ok := m[key]; !ok {
			t.Errorf("key %q missing from config map", key)
		}
	}
}
