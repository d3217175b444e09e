package daemon

import (
	"context"
	"time"

	"github.com/hatlabs/halpid/internal/config"
	"github.com/hatlabs/halpid/internal/power"
)

// The config API serves two kinds of keys: the daemon's own settings
// (dashed names, held in config.Config) and settings stored on the
// controller itself (underscored names, read and written through registers).

func isDeviceKey(key string) bool {
	switch key {
	case "watchdog_timeout", "power_on_threshold", "power_off_threshold", "led_brightness":
		return true
	}
	return false
}

// Config returns a copy of the daemon configuration.
func (s *Scheduler) Config(ctx context.Context) (config.Config, error) {
	var out config.Config
	err := s.submit(ctx, func(context.Context) error {
		out = s.cfg
		return nil
	})
	return out, err
}

// ConfigMap returns every config key with its current value, reading the
// device-held settings from the controller.
func (s *Scheduler) ConfigMap(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	err := s.submit(ctx, func(c context.Context) error {
		for _, key := range config.Keys() {
			v, err := s.cfg.Get(key)
			if err != nil {
				return err
			}
			out[key] = v
		}

		wd, err := s.ctrl.WatchdogTimeout(c)
		if err != nil {
			return err
		}
		out["watchdog_timeout"] = wd.Seconds()

		on, err := s.ctrl.PowerOnThreshold(c)
		if err != nil {
			return err
		}
		out["power_on_threshold"] = on

		off, err := s.ctrl.PowerOffThreshold(c)
		if err != nil {
			return err
		}
		out["power_off_threshold"] = off

		led, err := s.ctrl.LEDBrightness(c)
		if err != nil {
			return err
		}
		out["led_brightness"] = int(led)
		return nil
	})
	return out, err
}

// ConfigValue reads one key by name.
func (s *Scheduler) ConfigValue(ctx context.Context, key string) (any, error) {
	var out any
	err := s.submit(ctx, func(c context.Context) error {
		switch key {
		case "watchdog_timeout":
			d, err := s.ctrl.WatchdogTimeout(c)
			out = d.Seconds()
			return err
		case "power_on_threshold":
			v, err := s.ctrl.PowerOnThreshold(c)
			out = v
			return err
		case "power_off_threshold":
			v, err := s.ctrl.PowerOffThreshold(c)
			out = v
			return err
		case "led_brightness":
			b, err := s.ctrl.LEDBrightness(c)
			out = int(b)
			return err
		default:
			v, err := s.cfg.Get(key)
			out = v
			return err
		}
	})
	return out, err
}

// SetConfigValue validates and applies one key. Daemon keys apply atomically
// between scheduler ticks; the blackout limits reach the state machine before
// the next snapshot is observed. Device keys are written to the controller
// directly.
func (s *Scheduler) SetConfigValue(ctx context.Context, key string, value any) error {
	return s.submit(ctx, func(c context.Context) error {
		switch key {
		case "watchdog_timeout":
			secs, ok := asNumber(value)
			if !ok || secs < 0 || secs > 65.535 {
				return &ValidationError{Reason: "watchdog_timeout must be 0-65.535 seconds"}
			}
			d := time.Duration(secs * float64(time.Second))
			if err := s.ctrl.SetWatchdogTimeout(c, d); err != nil {
				return err
			}
			// The pet cadence follows the new timeout from the next cycle.
			s.wdTimeout = d
			return nil
		case "power_on_threshold":
			v, ok := asNumber(value)
			if !ok {
				return &ValidationError{Reason: "power_on_threshold must be a voltage"}
			}
			return s.ctrl.SetPowerOnThreshold(c, v)
		case "power_off_threshold":
			v, ok := asNumber(value)
			if !ok {
				return &ValidationError{Reason: "power_off_threshold must be a voltage"}
			}
			return s.ctrl.SetPowerOffThreshold(c, v)
		case "led_brightness":
			v, ok := asNumber(value)
			if !ok || v < 0 || v > 255 || v != float64(int(v)) {
				return &ValidationError{Reason: "led_brightness must be an integer 0-255"}
			}
			return s.ctrl.SetLEDBrightness(c, byte(int(v)))
		default:
			if err := s.cfg.Set(key, value); err != nil {
				return err
			}
			s.machine.SetLimits(power.Limits{
				VoltageLimit: s.cfg.BlackoutVoltageLimit,
				TimeLimit:    s.cfg.BlackoutTime(),
			})
			// The runner captured the command at construction; keep it
			// in step so the next shutdown runs the configured one.
			if ep, ok := s.Runner.(*ExecPowerOff); ok {
				ep.Command = s.cfg.Poweroff
			}
			return nil
		}
	})
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}
