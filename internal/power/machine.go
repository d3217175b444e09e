// Package power implements the host-side blackout decision logic: it turns a
// stream of voltage snapshots into debounced shutdown and standby decisions.
//
// The machine is pure with respect to time: every transition is a function of
// (current state, snapshot, now). Callers inject the clock, which keeps the
// debounce boundary fully unit-testable.
package power

import (
	"fmt"
	"time"

	"github.com/hatlabs/halpid/internal/device"
)

// State is the machine's current position.
type State int

const (
	// Normal means input power is believed present.
	Normal State = iota
	// BlackoutSuspected means input voltage has been below the limit since
	// the suspicion timestamp, not yet long enough to act on.
	BlackoutSuspected
	// ShutdownTriggered is terminal for the run. The poweroff action is
	// emitted exactly once, on entry.
	ShutdownTriggered
	// StandbyRequested is terminal for the run. The host is expected to
	// lose power deliberately at the programmed wake handoff.
	StandbyRequested
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case BlackoutSuspected:
		return "blackout-suspected"
	case ShutdownTriggered:
		return "shutdown-triggered"
	case StandbyRequested:
		return "standby-requested"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Action is what the machine asks its owner to carry out. Actions are emitted
// at most once per entry into the corresponding state.
type Action int

const (
	ActionNone Action = iota
	// ActionPowerOff instructs the owner to run the configured poweroff
	// command. Emitted exactly once.
	ActionPowerOff
)

// Limits are the debounce parameters. Zero TimeLimit means a single
// below-limit sample triggers immediately.
type Limits struct {
	// VoltageLimit is the DC input voltage below which (strictly) input
	// power is considered lost.
	VoltageLimit float64
	// TimeLimit is how long the voltage must stay below the limit,
	// continuously, before shutdown is triggered.
	TimeLimit time.Duration
}

// Machine is the power state machine. Not safe for concurrent use; the daemon
// scheduler is its single writer.
type Machine struct {
	limits Limits

	state       State
	suspectedAt time.Time // valid while state == BlackoutSuspected
	wakeAt      time.Time // valid while state == StandbyRequested
}

// NewMachine starts a machine in Normal. A restart always begins here and
// rediscovers reality from the next snapshot.
func NewMachine(limits Limits) *Machine {
	return &Machine{limits: limits}
}

func (m *Machine) State() State { return m.state }

// SuspectedSince returns the suspicion start time while in BlackoutSuspected.
func (m *Machine) SuspectedSince() (time.Time, bool) {
	return m.suspectedAt, m.state == BlackoutSuspected
}

// WakeAt returns the programmed wake time while in StandbyRequested.
func (m *Machine) WakeAt() (time.Time, bool) {
	return m.wakeAt, m.state == StandbyRequested
}

// SetLimits applies a config change. It takes effect on the next Observe;
// an in-progress debounce window keeps its start time.
func (m *Machine) SetLimits(l Limits) { m.limits = l }

func (m *Machine) Limits() Limits { return m.limits }

// Observe feeds one successful snapshot to the machine and returns the action
// to carry out, if any. Failed polls must simply not be fed: a missing
// reading is evidence of neither recovery nor continued blackout, so the
// debounce window holds its start time across poll failures.
func (m *Machine) Observe(s device.Snapshot, now time.Time) Action {
	switch m.state {
	case Normal:
		if s.DCInVoltage < m.limits.VoltageLimit {
			m.state = BlackoutSuspected
			m.suspectedAt = now
			if now.Sub(m.suspectedAt) >= m.limits.TimeLimit {
				return m.trigger()
			}
		}
	case BlackoutSuspected:
		if s.DCInVoltage >= m.limits.VoltageLimit {
			m.state = Normal
			m.suspectedAt = time.Time{}
		} else if now.Sub(m.suspectedAt) >= m.limits.TimeLimit {
			return m.trigger()
		}
	case ShutdownTriggered, StandbyRequested:
		// Terminal. Keep observing for status output, decide nothing.
	}
	return ActionNone
}

// ForceShutdown short-circuits the debounce on an explicit shutdown command.
// Returns ActionPowerOff on the transition into ShutdownTriggered and
// ActionNone if already terminal.
func (m *Machine) ForceShutdown() Action {
	switch m.state {
	case ShutdownTriggered, StandbyRequested:
		return ActionNone
	}
	return m.trigger()
}

func (m *Machine) trigger() Action {
	m.state = ShutdownTriggered
	m.suspectedAt = time.Time{}
	return ActionPowerOff
}

// CommitStandby moves the machine into StandbyRequested. The caller must have
// programmed the controller's wake registers already: program-then-commit, so
// a failed register write leaves the machine in its prior state. Refused from
// terminal states.
func (m *Machine) CommitStandby(wakeAt time.Time) error {
	switch m.state {
	case ShutdownTriggered:
		return fmt.Errorf("shutdown already in progress")
	case StandbyRequested:
		return fmt.Errorf("standby already requested")
	}
	m.state = StandbyRequested
	m.suspectedAt = time.Time{}
	m.wakeAt = wakeAt
	return nil
}

// Terminal reports whether the run has reached a state with no way back.
func (m *Machine) Terminal() bool {
	return m.state == ShutdownTriggered || m.state == StandbyRequested
}
