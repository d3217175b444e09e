// Package daemon implements the cooperative supervisor core: one scheduler
// goroutine interleaves hardware polling, watchdog heartbeats, and inbound
// commands from the API layer. Power state and the cached snapshot are
// single-writer; every bus transaction from any source is serialized by the
// transport underneath.
package daemon

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/hatlabs/halpid/internal/config"
	"github.com/hatlabs/halpid/internal/device"
	"github.com/hatlabs/halpid/internal/power"
)

// Version is the daemon version reported over the API.
const Version = "4.0.0"

const (
	// DefaultPollInterval is the snapshot cadence.
	DefaultPollInterval = 1 * time.Second
	// DefaultWatchdogTimeout is the hardware-enforced reset window.
	DefaultWatchdogTimeout = 10 * time.Second
	// The pet cadence is the timeout divided by this, keeping two spare
	// pets inside the window.
	petDivisor = 3
	// After this many consecutive failed pets the hardware reset is
	// considered unavoidable and logged as fatal.
	fatalPetFailures = 2
)

type command struct {
	run  func(ctx context.Context) error
	done chan error
}

// Scheduler is the supervisor core. Configure the exported fields before
// calling Run; they must not be changed afterwards.
type Scheduler struct {
	// PollInterval falls back to the package default when zero or
	// negative. WatchdogTimeout falls back only when negative; zero
	// disables the hardware watchdog entirely.
	PollInterval    time.Duration
	WatchdogTimeout time.Duration
	// Runner carries out the host power-off.
	Runner PowerOffRunner

	ctrl     *device.Controller
	machine  *power.Machine
	events   *EventLog
	recovery *BusRecovery
	commands chan command

	// Owned by the Run goroutine.
	cfg         config.Config
	wdTimeout   time.Duration
	petFailures int

	// Shared with Status readers.
	mu           sync.Mutex
	lastSnapshot *device.Snapshot
	lastPollErr  error
	pollFailures int
	state        power.State
	suspectedAt  time.Time
	wakeAt       time.Time
	flashing     bool
}

// New creates a Scheduler for the given controller and configuration.
func New(ctrl *device.Controller, cfg config.Config) *Scheduler {
	return &Scheduler{
		PollInterval:    DefaultPollInterval,
		WatchdogTimeout: DefaultWatchdogTimeout,
		Runner:          &ExecPowerOff{Command: cfg.Poweroff, DryRun: cfg.DryRun},
		ctrl:            ctrl,
		machine: power.NewMachine(power.Limits{
			VoltageLimit: cfg.BlackoutVoltageLimit,
			TimeLimit:    cfg.BlackoutTime(),
		}),
		events:   NewEventLog(),
		recovery: NewBusRecovery(),
		commands: make(chan command, 16),
		cfg:      cfg,
	}
}

// Events exposes the event log for status output.
func (s *Scheduler) Events() *EventLog { return s.events }

// Run drives the scheduler until ctx is cancelled. The hardware watchdog is
// enabled on entry; disabling it on shutdown is the caller's responsibility
// (a crashed daemon must still be backed by the hardware reset).
func (s *Scheduler) Run(ctx context.Context) error {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.WatchdogTimeout < 0 {
		s.WatchdogTimeout = DefaultWatchdogTimeout
	}
	s.wdTimeout = s.WatchdogTimeout

	if s.wdTimeout > 0 {
		if err := s.ctrl.SetWatchdogTimeout(ctx, s.wdTimeout); err != nil {
			// The next pet retries; blackout protection must still run.
			log.Printf("Scheduler: enabling watchdog failed, will retry on next pet: %v", err)
		} else {
			log.Printf("Scheduler: hardware watchdog enabled, timeout %s", s.wdTimeout)
		}
	}
	s.events.Add("started", fmt.Sprintf("supervisor started, poll %s, watchdog %s", s.PollInterval, s.wdTimeout))

	now := time.Now()
	nextPoll := now
	nextPet := now.Add(s.petInterval())

	for {
		now = time.Now()
		// The pet deadline is checked first on every pass so command
		// handling can delay it by at most one bounded command.
		if s.wdTimeout > 0 && !now.Before(nextPet) {
			s.pet(ctx)
			nextPet = now.Add(s.petInterval())
		}
		if !now.Before(nextPoll) {
			s.poll(ctx)
			nextPoll = now.Add(s.PollInterval)
		}

		next := nextPoll
		if s.wdTimeout > 0 && nextPet.Before(next) {
			next = nextPet
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("Scheduler: exiting")
			return ctx.Err()
		case <-timer.C:
		case cmd := <-s.commands:
			timer.Stop()
			cmd.done <- cmd.run(ctx)
		}
	}
}

func (s *Scheduler) petInterval() time.Duration {
	if s.wdTimeout <= 0 {
		return time.Hour
	}
	return s.wdTimeout / petDivisor
}

// pet rewrites the watchdog timeout register, restarting the countdown.
func (s *Scheduler) pet(ctx context.Context) {
	if err := s.ctrl.SetWatchdogTimeout(ctx, s.wdTimeout); err != nil {
		s.petFailures++
		log.Printf("Scheduler: watchdog pet failed (%d consecutive): %v", s.petFailures, err)
		if s.petFailures >= fatalPetFailures {
			// The hardware will reset regardless; report it before it does.
			msg := fmt.Sprintf("watchdog pets failing for %s of the %s hardware window, hard reset imminent",
				time.Duration(s.petFailures)*s.petInterval(), s.wdTimeout)
			log.Printf("Scheduler: FATAL: %s", msg)
			s.events.Add("watchdog_fatal", msg)
		}
		return
	}
	if s.petFailures > 0 {
		log.Printf("Scheduler: watchdog pet recovered after %d failures", s.petFailures)
	}
	s.petFailures = 0
}

// poll assembles a snapshot and feeds the power state machine. During a
// firmware update polls are suspended; the controller is busy in DFU mode.
func (s *Scheduler) poll(ctx context.Context) {
	s.mu.Lock()
	flashing := s.flashing
	s.mu.Unlock()
	if flashing {
		return
	}

	snap, err := s.ctrl.Snapshot(ctx)
	if err != nil {
		s.recordPollFailure(err)
		if s.recovery.RecordError() {
			s.events.Add("bus_recovery", fmt.Sprintf("attempting bus recovery after %d consecutive poll failures", s.recovery.Stats().ConsecutiveErrors))
			// Attempt blocks for several seconds. Pet around it so the
			// hardware reset window stays fresh even with the recovery
			// and the retry snapshot in between.
			if s.wdTimeout > 0 {
				s.pet(ctx)
			}
			if rerr := s.recovery.Attempt(); rerr != nil {
				log.Printf("Scheduler: bus recovery failed: %v", rerr)
				s.events.Add("bus_recovery_failed", rerr.Error())
			} else {
				s.events.Add("bus_recovery", "bus recovery succeeded")
				if s.wdTimeout > 0 {
					s.pet(ctx)
				}
				snap, err = s.ctrl.Snapshot(ctx)
				if err != nil {
					log.Printf("Scheduler: poll still failing after bus recovery: %v", err)
				}
			}
		}
		if err != nil {
			return
		}
	}

	s.recovery.RecordSuccess()
	s.mu.Lock()
	s.lastSnapshot = &snap
	s.pollFailures = 0
	s.lastPollErr = nil
	s.mu.Unlock()

	prev := s.machine.State()
	action := s.machine.Observe(snap, time.Now())
	s.noteTransition(prev, snap)

	if action == power.ActionPowerOff {
		s.carryOutShutdown(ctx, fmt.Sprintf("input voltage below %.2f V for %s",
			s.machine.Limits().VoltageLimit, s.machine.Limits().TimeLimit))
	}
}

func (s *Scheduler) recordPollFailure(err error) {
	log.Printf("Scheduler: %v", err)
	s.mu.Lock()
	s.pollFailures++
	s.lastPollErr = err
	n := s.pollFailures
	s.mu.Unlock()
	if n == defaultRecoveryThreshold {
		s.events.Add("poll_failures", fmt.Sprintf("%d consecutive poll failures: %v", n, err))
	}
}

// noteTransition logs and records machine state changes and mirrors the
// machine state into the status cache.
func (s *Scheduler) noteTransition(prev power.State, snap device.Snapshot) {
	cur := s.machine.State()
	if cur != prev {
		switch {
		case cur == power.BlackoutSuspected:
			log.Printf("Scheduler: detected blackout, input voltage %.2f V", snap.DCInVoltage)
			s.events.Add("blackout", fmt.Sprintf("input voltage %.2f V below limit %.2f V", snap.DCInVoltage, s.machine.Limits().VoltageLimit))
		case prev == power.BlackoutSuspected && cur == power.Normal:
			log.Printf("Scheduler: power resumed, input voltage %.2f V", snap.DCInVoltage)
			s.events.Add("power_restored", fmt.Sprintf("input voltage back at %.2f V", snap.DCInVoltage))
		}
	}
	s.syncMachineState()
}

func (s *Scheduler) syncMachineState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.machine.State()
	s.suspectedAt, _ = s.machine.SuspectedSince()
	s.wakeAt, _ = s.machine.WakeAt()
}

// carryOutShutdown informs the controller and runs the poweroff action.
// Callers must have already moved the machine into its terminal state; the
// machine's single action emission keeps this exactly-once.
func (s *Scheduler) carryOutShutdown(ctx context.Context, reason string) {
	s.syncMachineState()
	log.Printf("Scheduler: shutting down: %s", reason)
	s.events.Add("shutdown", reason)

	if err := s.ctrl.RequestShutdown(ctx); err != nil {
		log.Printf("Scheduler: informing controller of shutdown failed: %v", err)
	}
	if err := s.Runner.PowerOff(ctx); err != nil {
		log.Printf("Scheduler: poweroff failed: %v", err)
	}
}

// submit runs fn inside the scheduler goroutine and waits for its result.
func (s *Scheduler) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{run: fn, done: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Commands
// ============================================================================

// Status is the cached view served to the API layer. It never touches the
// bus; the snapshot is whatever the last successful poll produced.
type Status struct {
	Snapshot        *device.Snapshot `json:"snapshot"`
	PowerState      string           `json:"power_state"`
	SuspectedSince  *time.Time       `json:"suspected_since,omitempty"`
	WakeAt          *time.Time       `json:"wake_at,omitempty"`
	PollFailures    int              `json:"poll_failures"`
	LastPollError   string           `json:"last_poll_error,omitempty"`
	Flashing        bool             `json:"flashing"`
	HardwareVersion string           `json:"hardware_version"`
	FirmwareVersion string           `json:"firmware_version"`
	DaemonVersion   string           `json:"daemon_version"`
	Recovery        BusRecoveryStats `json:"bus_recovery"`
	Events          []Event          `json:"events"`
}

// Status returns the cached supervisor state without blocking on the bus.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		PowerState:      s.state.String(),
		PollFailures:    s.pollFailures,
		Flashing:        s.flashing,
		HardwareVersion: s.ctrl.HardwareVersion(),
		FirmwareVersion: s.ctrl.FirmwareVersion(),
		DaemonVersion:   Version,
	}
	if s.lastSnapshot != nil {
		snap := *s.lastSnapshot
		st.Snapshot = &snap
	}
	if s.lastPollErr != nil {
		st.LastPollError = s.lastPollErr.Error()
	}
	if !s.suspectedAt.IsZero() {
		t := s.suspectedAt
		st.SuspectedSince = &t
	}
	if !s.wakeAt.IsZero() {
		t := s.wakeAt
		st.WakeAt = &t
	}
	s.mu.Unlock()

	st.Recovery = s.recovery.Stats()
	st.Events = s.events.Snapshot()
	return st
}

// Shutdown short-circuits the blackout debounce: the next scheduler action is
// the poweroff, regardless of input voltage.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	return s.submit(ctx, func(c context.Context) error {
		if s.machine.ForceShutdown() == power.ActionPowerOff {
			s.carryOutShutdown(c, "shutdown requested")
		}
		return nil
	})
}

// Standby programs the controller's wake alarm and powers the host down into
// standby. The wake time must be in the future and representable; validation
// happens before any register write.
func (s *Scheduler) Standby(ctx context.Context, wakeAt time.Time) error {
	return s.submit(ctx, func(c context.Context) error {
		now := time.Now()
		if !wakeAt.After(now) {
			return &ValidationError{Reason: "wake time must be in the future"}
		}
		if wakeAt.Unix() > math.MaxUint32 {
			return &ValidationError{Reason: "wake time beyond the controller's RTC range"}
		}
		if s.machine.Terminal() {
			return &ScheduleViolationError{Op: "standby", State: s.machine.State()}
		}

		// Program-then-commit: a failed wake write leaves the machine in
		// its prior state and the error goes back to the caller.
		if err := s.ctrl.SetWakeTime(c, wakeAt); err != nil {
			return fmt.Errorf("programming wake time: %w", err)
		}
		if err := s.machine.CommitStandby(wakeAt); err != nil {
			return err
		}
		s.syncMachineState()

		log.Printf("Scheduler: entering standby, wake at %s", wakeAt.Format(time.RFC3339))
		s.events.Add("standby", fmt.Sprintf("standby requested, wake at %s", wakeAt.Format(time.RFC3339)))

		if err := s.ctrl.RequestStandby(c); err != nil {
			log.Printf("Scheduler: standby request to controller failed: %v", err)
		}
		// From the OS point of view this is a regular shutdown.
		if err := s.Runner.PowerOff(c); err != nil {
			log.Printf("Scheduler: poweroff for standby failed: %v", err)
		}
		return nil
	})
}

// StandbyIn resolves a relative delay to an absolute wake time.
func (s *Scheduler) StandbyIn(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return &ValidationError{Reason: "standby delay must be positive"}
	}
	return s.Standby(ctx, time.Now().Add(delay))
}

// USBPortStates reads the current port power bitfield.
func (s *Scheduler) USBPortStates(ctx context.Context) (byte, error) {
	var state byte
	err := s.submit(ctx, func(c context.Context) error {
		var err error
		state, err = s.ctrl.USBPortState(c)
		return err
	})
	return state, err
}

// SetUSBPortStates writes the port power bitfield. Refused while a power-down
// sequence is in progress.
func (s *Scheduler) SetUSBPortStates(ctx context.Context, state byte) error {
	return s.submit(ctx, func(c context.Context) error {
		if s.machine.Terminal() {
			return &ScheduleViolationError{Op: "USB port control", State: s.machine.State()}
		}
		return s.ctrl.SetUSBPortState(c, state)
	})
}

// SetUSBPort switches a single port, 0 through 3.
func (s *Scheduler) SetUSBPort(ctx context.Context, port int, on bool) error {
	if port < 0 || port > 3 {
		return &ValidationError{Reason: "port must be 0-3"}
	}
	return s.submit(ctx, func(c context.Context) error {
		if s.machine.Terminal() {
			return &ScheduleViolationError{Op: "USB port control", State: s.machine.State()}
		}
		cur, err := s.ctrl.USBPortState(c)
		if err != nil {
			return err
		}
		if on {
			cur |= 1 << port
		} else {
			cur &^= 1 << port
		}
		return s.ctrl.SetUSBPortState(c, cur)
	})
}

// Flash uploads a firmware image. Polling is suspended for the duration;
// watchdog pets continue, interleaved on the serialized bus.
func (s *Scheduler) Flash(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return &ValidationError{Reason: "empty firmware image"}
	}
	if err := s.submit(ctx, func(context.Context) error {
		if s.machine.Terminal() {
			return &ScheduleViolationError{Op: "firmware update", State: s.machine.State()}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.flashing {
			return fmt.Errorf("firmware update already in progress")
		}
		s.flashing = true
		return nil
	}); err != nil {
		return err
	}
	defer func() {
		s.mu.Lock()
		s.flashing = false
		s.mu.Unlock()
	}()

	s.events.Add("flash", fmt.Sprintf("firmware update started, %d bytes", len(image)))
	err := s.ctrl.Flash(ctx, image, func(block, total int) {
		if block == total || block%16 == 0 {
			log.Printf("Scheduler: firmware upload %d/%d blocks (%.1f%%)", block, total, float64(block)/float64(total)*100)
		}
	})
	if err != nil {
		s.events.Add("flash", fmt.Sprintf("firmware update failed: %v", err))
		return err
	}
	s.events.Add("flash", "firmware update committed")
	return nil
}
