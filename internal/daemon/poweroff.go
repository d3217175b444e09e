package daemon

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"github.com/godbus/dbus/v5"
)

// PowerOffRunner carries out the host power-off. Separated out so the
// scheduler can be exercised in tests without turning the machine off.
type PowerOffRunner interface {
	PowerOff(ctx context.Context) error
}

// ExecPowerOff runs the configured poweroff command, falling back to a
// logind PowerOff call over D-Bus when the command fails. DryRun logs the
// command instead of running anything.
type ExecPowerOff struct {
	Command string
	DryRun  bool
}

func (p *ExecPowerOff) PowerOff(ctx context.Context) error {
	if p.DryRun {
		log.Printf("PowerOff: dry run, would execute %q", p.Command)
		return nil
	}

	parts := strings.Fields(p.Command)
	if len(parts) == 0 {
		return fmt.Errorf("empty poweroff command")
	}

	log.Printf("PowerOff: executing %q", p.Command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	log.Printf("PowerOff: %q failed (%v, output %q), trying logind", p.Command, err, strings.TrimSpace(string(out)))

	if derr := logindPowerOff(); derr != nil {
		return fmt.Errorf("poweroff command failed (%v) and logind fallback failed: %w", err, derr)
	}
	return nil
}

// logindPowerOff asks systemd-logind to power the machine off.
func logindPowerOff() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	obj := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	// false: do not ask logind to check inhibitors interactively.
	call := obj.Call("org.freedesktop.login1.Manager.PowerOff", 0, false)
	return call.Err
}
