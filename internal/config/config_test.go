package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.I2CBus != 1 || c.I2CAddr != 0x6D {
		t.Errorf("bus/addr defaults = %d/%#x", c.I2CBus, c.I2CAddr)
	}
	if c.BlackoutTimeLimit != 5.0 || c.BlackoutVoltageLimit != 9.0 {
		t.Errorf("blackout defaults = %g s / %g V", c.BlackoutTimeLimit, c.BlackoutVoltageLimit)
	}
	if c.Poweroff != "/sbin/poweroff" {
		t.Errorf("poweroff default = %q", c.Poweroff)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults fail validation: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "halpid.conf")
	conf := `
blackout-time-limit: 10
blackout-voltage-limit: 10.5
i2c-addr: 0x48
socket-group: dialout
`
	if err := os.WriteFile(path, []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.BlackoutTimeLimit != 10 {
		t.Errorf("blackout-time-limit = %g", c.BlackoutTimeLimit)
	}
	if c.BlackoutVoltageLimit != 10.5 {
		t.Errorf("blackout-voltage-limit = %g", c.BlackoutVoltageLimit)
	}
	if c.I2CAddr != 0x48 {
		t.Errorf("i2c-addr = %#x, want 0x48", c.I2CAddr)
	}
	if c.SocketGroup != "dialout" {
		t.Errorf("socket-group = %q", c.SocketGroup)
	}
	// Untouched keys keep their defaults.
	if c.I2CBus != 1 || c.Poweroff != "/sbin/poweroff" {
		t.Errorf("unrelated keys changed: bus %d poweroff %q", c.I2CBus, c.Poweroff)
	}
	if c.BlackoutTime() != 10*time.Second {
		t.Errorf("BlackoutTime = %v", c.BlackoutTime())
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.conf")); err == nil {
		t.Error("missing named config file did not error")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")
	if err := os.WriteFile(path, []byte("blackout-voltage-limit: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want *ValidationError", err)
	}
	if ve.Key != "blackout-voltage-limit" {
		t.Errorf("Key = %q", ve.Key)
	}
}

func TestGetSetRoundTrip(t *testing.T) {
	c := Default()
	for _, key := range Keys() {
		v, err := c.Get(key)
		if err != nil {
			t.Fatalf("Get(%q): %v", key, err)
		}
		if err := c.Set(key, v); err != nil {
			t.Errorf("Set(%q, Get(%q)) rejected: %v", key, key, err)
		}
	}
}

func TestSetValidation(t *testing.T) {
	tests := []struct {
		key   string
		value any
		ok    bool
	}{
		{"blackout-time-limit", 30.0, true},
		{"blackout-time-limit", 0.0, true},
		{"blackout-time-limit", -1.0, false},
		{"blackout-time-limit", "soon", false},
		{"blackout-voltage-limit", 11.5, true},
		{"blackout-voltage-limit", 0.0, false},
		{"i2c-bus", 0.0, true}, // JSON numbers decode as float64
		{"i2c-bus", 1.5, false},
		{"i2c-addr", 0x48, true},
		{"i2c-addr", 0x100, false},
		{"poweroff", "/usr/sbin/poweroff", true},
		{"poweroff", "", false},
		{"socket-group", "adm", true},
		{"socket-group", 5, false},
	}
	for _, tt := range tests {
		c := Default()
		err := c.Set(tt.key, tt.value)
		if tt.ok && err != nil {
			t.Errorf("Set(%q, %v) rejected: %v", tt.key, tt.value, err)
		}
		if !tt.ok {
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("Set(%q, %v) = %v, want *ValidationError", tt.key, tt.value, err)
			}
		}
	}
}

func TestUnknownKey(t *testing.T) {
	c := Default()
	var uk *ErrUnknownKey
	if _, err := c.Get("warp-core"); !errors.As(err, &uk) {
		t.Errorf("Get(unknown) = %v", err)
	}
	if err := c.Set("warp-core", 1); !errors.As(err, &uk) {
		t.Errorf("Set(unknown) = %v", err)
	}
}
