// Package device exposes the HALPI power controller as typed operations over
// a bus.Transport, and assembles its registers into point-in-time snapshots.
package device

import (
	"context"
	"fmt"
	"time"

	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/protocol"
)

// PollError reports a failed snapshot assembly. Decision-cycle consumers must
// never see a half-populated snapshot, so any single failed register read
// fails the poll as a whole.
type PollError struct {
	Stage string
	Err   error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll failed reading %s: %v", e.Stage, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// Snapshot is a point-in-time decoded view of the controller. It is immutable
// once assembled and superseded by the next poll; individual fields may have
// been sampled microseconds apart (each register access is independent).
type Snapshot struct {
	Taken           time.Time
	DCInVoltage     float64 // volts
	SupercapVoltage float64 // volts
	InputCurrent    float64 // amperes
	Temperature     float64 // kelvin
	State           protocol.StateCode
	Output5V        bool
	USBPortState    byte
	WatchdogTimeout time.Duration
	WatchdogElapsed time.Duration
	RTCTime         time.Time
}

// WatchdogRemaining is the time left before the hardware resets the host,
// assuming no further pets.
func (s Snapshot) WatchdogRemaining() time.Duration {
	if s.WatchdogTimeout == 0 {
		return 0
	}
	r := s.WatchdogTimeout - s.WatchdogElapsed
	if r < 0 {
		return 0
	}
	return r
}

// Controller is the host-side client for one power controller. Hardware and
// firmware versions are read once and cached; everything else goes to the bus.
type Controller struct {
	t bus.Transport

	hardwareVersion string
	firmwareVersion string
}

// New constructs a Controller on the given transport.
func New(t bus.Transport) *Controller {
	return &Controller{t: t}
}

// Identify reads and caches the hardware and firmware version registers.
func (c *Controller) Identify(ctx context.Context) error {
	buf, err := c.t.Read(ctx, protocol.RegHardwareVersion, 4)
	if err != nil {
		return err
	}
	hw, err := protocol.DecodeVersion(protocol.RegHardwareVersion, buf)
	if err != nil {
		return err
	}
	buf, err = c.t.Read(ctx, protocol.RegFirmwareVersion, 4)
	if err != nil {
		return err
	}
	fw, err := protocol.DecodeVersion(protocol.RegFirmwareVersion, buf)
	if err != nil {
		return err
	}
	c.hardwareVersion = hw
	c.firmwareVersion = fw
	return nil
}

func (c *Controller) HardwareVersion() string { return c.hardwareVersion }
func (c *Controller) FirmwareVersion() string { return c.firmwareVersion }

// Analog reads.

func (c *Controller) readAnalog(ctx context.Context, reg byte, scale float64) (float64, error) {
	buf, err := c.t.Read(ctx, reg, 2)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeAnalog(reg, buf, scale)
}

func (c *Controller) writeAnalog(ctx context.Context, reg byte, v, scale float64) error {
	buf, err := protocol.EncodeAnalog(reg, v, scale)
	if err != nil {
		return err
	}
	return c.t.Write(ctx, reg, buf)
}

// DCInVoltage reads the DC input voltage in volts.
func (c *Controller) DCInVoltage(ctx context.Context) (float64, error) {
	return c.readAnalog(ctx, protocol.RegDCInVoltage, protocol.DCInMax)
}

// SupercapVoltage reads the supercap voltage in volts.
func (c *Controller) SupercapVoltage(ctx context.Context) (float64, error) {
	return c.readAnalog(ctx, protocol.RegSupercapVoltage, protocol.VcapMax)
}

// InputCurrent reads the input current in amperes.
func (c *Controller) InputCurrent(ctx context.Context) (float64, error) {
	return c.readAnalog(ctx, protocol.RegInputCurrent, protocol.IInMax)
}

// Temperature reads the MCU temperature in kelvin.
func (c *Controller) Temperature(ctx context.Context) (float64, error) {
	return c.readAnalog(ctx, protocol.RegTemperature, protocol.TempMaxK)
}

func (c *Controller) PowerOnThreshold(ctx context.Context) (float64, error) {
	return c.readAnalog(ctx, protocol.RegPowerOnThresh, protocol.VcapMax)
}

func (c *Controller) SetPowerOnThreshold(ctx context.Context, v float64) error {
	return c.writeAnalog(ctx, protocol.RegPowerOnThresh, v, protocol.VcapMax)
}

func (c *Controller) PowerOffThreshold(ctx context.Context) (float64, error) {
	return c.readAnalog(ctx, protocol.RegPowerOffThresh, protocol.VcapMax)
}

func (c *Controller) SetPowerOffThreshold(ctx context.Context, v float64) error {
	return c.writeAnalog(ctx, protocol.RegPowerOffThresh, v, protocol.VcapMax)
}

// State and flags.

func (c *Controller) State(ctx context.Context) (protocol.StateCode, error) {
	buf, err := c.t.Read(ctx, protocol.RegState, 1)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeState(buf)
}

func (c *Controller) Output5V(ctx context.Context) (bool, error) {
	buf, err := c.t.Read(ctx, protocol.Reg5VOutput, 1)
	if err != nil {
		return false, err
	}
	return protocol.DecodeBool(protocol.Reg5VOutput, buf)
}

func (c *Controller) LEDBrightness(ctx context.Context) (byte, error) {
	buf, err := c.t.Read(ctx, protocol.RegLEDBrightness, 1)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeByte(protocol.RegLEDBrightness, buf)
}

func (c *Controller) SetLEDBrightness(ctx context.Context, v byte) error {
	return c.t.Write(ctx, protocol.RegLEDBrightness, []byte{v})
}

// Watchdog.

func (c *Controller) WatchdogTimeout(ctx context.Context) (time.Duration, error) {
	buf, err := c.t.Read(ctx, protocol.RegWatchdogTimeout, 2)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeWatchdogTimeout(buf)
}

// SetWatchdogTimeout programs the hardware watchdog. Writing the timeout also
// restarts the countdown, so the heartbeat supervisor pets by rewriting it.
func (c *Controller) SetWatchdogTimeout(ctx context.Context, d time.Duration) error {
	buf, err := protocol.EncodeWatchdogTimeout(d)
	if err != nil {
		return err
	}
	return c.t.Write(ctx, protocol.RegWatchdogTimeout, buf)
}

func (c *Controller) WatchdogElapsed(ctx context.Context) (time.Duration, error) {
	buf, err := c.t.Read(ctx, protocol.RegWatchdogElapsed, 1)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeWatchdogElapsed(buf)
}

// RTC and wake-up.

func (c *Controller) RTCTime(ctx context.Context) (time.Time, error) {
	buf, err := c.t.Read(ctx, protocol.RegRTCTime, 4)
	if err != nil {
		return time.Time{}, err
	}
	return protocol.DecodeUnixTime(protocol.RegRTCTime, buf)
}

func (c *Controller) SetRTCTime(ctx context.Context, t time.Time) error {
	buf, err := protocol.EncodeUnixTime(protocol.RegRTCTime, t)
	if err != nil {
		return err
	}
	return c.t.Write(ctx, protocol.RegRTCTime, buf)
}

// SetWakeTime programs the controller's wake alarm.
func (c *Controller) SetWakeTime(ctx context.Context, t time.Time) error {
	buf, err := protocol.EncodeUnixTime(protocol.RegWakeTime, t)
	if err != nil {
		return err
	}
	return c.t.Write(ctx, protocol.RegWakeTime, buf)
}

func (c *Controller) WakeTime(ctx context.Context) (time.Time, error) {
	buf, err := c.t.Read(ctx, protocol.RegWakeTime, 4)
	if err != nil {
		return time.Time{}, err
	}
	return protocol.DecodeUnixTime(protocol.RegWakeTime, buf)
}

// USB port power.

func (c *Controller) USBPortState(ctx context.Context) (byte, error) {
	buf, err := c.t.Read(ctx, protocol.RegUSBPortState, 1)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeByte(protocol.RegUSBPortState, buf)
}

func (c *Controller) SetUSBPortState(ctx context.Context, state byte) error {
	return c.t.Write(ctx, protocol.RegUSBPortState, []byte{state})
}

// Host requests.

// RequestShutdown tells the controller the host is about to power off so it
// can cut the 5V rail once current draw drops.
func (c *Controller) RequestShutdown(ctx context.Context) error {
	return c.t.Write(ctx, protocol.RegShutdown, []byte{0x01})
}

// RequestStandby tells the controller to enter sleep until the programmed
// wake time. The wake registers must be written first.
func (c *Controller) RequestStandby(ctx context.Context) error {
	return c.t.Write(ctx, protocol.RegStandby, []byte{0x01})
}

// Snapshot reads every decision-cycle register into one immutable value.
// Any individual failure aborts the poll: the power state machine must never
// reason over a mix of old and new data.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	s.Taken = time.Now()

	var err error
	if s.DCInVoltage, err = c.DCInVoltage(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "DC input voltage", Err: err}
	}
	if s.SupercapVoltage, err = c.SupercapVoltage(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "supercap voltage", Err: err}
	}
	if s.InputCurrent, err = c.InputCurrent(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "input current", Err: err}
	}
	if s.Temperature, err = c.Temperature(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "temperature", Err: err}
	}
	if s.State, err = c.State(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "controller state", Err: err}
	}
	if s.Output5V, err = c.Output5V(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "5V output state", Err: err}
	}
	if s.USBPortState, err = c.USBPortState(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "USB port state", Err: err}
	}
	if s.WatchdogTimeout, err = c.WatchdogTimeout(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "watchdog timeout", Err: err}
	}
	if s.WatchdogElapsed, err = c.WatchdogElapsed(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "watchdog elapsed", Err: err}
	}
	if s.RTCTime, err = c.RTCTime(ctx); err != nil {
		return Snapshot{}, &PollError{Stage: "RTC time", Err: err}
	}
	return s, nil
}
