package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/config"
	"github.com/hatlabs/halpid/internal/daemon"
	"github.com/hatlabs/halpid/internal/device"
	"github.com/hatlabs/halpid/internal/protocol"
)

type quietRunner struct{}

func (quietRunner) PowerOff(ctx context.Context) error { return nil }

func word(w uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], w)
	return b[:]
}

func newTestServer(t *testing.T) (*httptest.Server, *bus.FakeTransport, *daemon.Scheduler) {
	t.Helper()
	f := bus.NewFakeTransport(map[byte][]byte{
		protocol.RegHardwareVersion: {3, 0, 0, 0xFF},
		protocol.RegFirmwareVersion: {2, 1, 4, 0xFF},
		protocol.Reg5VOutput:        {1},
		protocol.RegWatchdogTimeout: word(10000),
		protocol.RegState:           {byte(protocol.StatePowerOn5VOn)},
		protocol.RegWatchdogElapsed: {5},
		protocol.RegRTCTime:         {0x6A, 0x00, 0x00, 0x00},
		protocol.RegDCInVoltage:     word(0x5D17),
		protocol.RegSupercapVoltage: word(0xC000),
		protocol.RegInputCurrent:    word(0x4000),
		protocol.RegTemperature:     word(0xCC00),
		protocol.RegUSBPortState:    {0x0F},
		protocol.RegPowerOnThresh:   word(0x8000),
		protocol.RegPowerOffThresh:  word(0x4000),
		protocol.RegLEDBrightness:   {0x80},
	})

	cfg := config.Default()
	cfg.DryRun = true
	ctrl := device.New(bus.NewRetrying(f))
	if err := ctrl.Identify(context.Background()); err != nil {
		t.Fatal(err)
	}

	sched := daemon.New(ctrl, cfg)
	sched.PollInterval = 20 * time.Millisecond
	sched.Runner = quietRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)

	srv := httptest.NewServer(New(sched))
	t.Cleanup(srv.Close)

	// Wait for the first poll so cached-value routes have data.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sched.Status().Snapshot != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, f, sched
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, b
}

func TestGetRoot(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, body := get(t, srv, "/")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("halpid")) {
		t.Errorf("GET / = %d %q", resp.StatusCode, body)
	}
}

func TestGetVersion(t *testing.T) {
	srv, _, _ := newTestServer(t)
	_, body := get(t, srv, "/version")
	var v map[string]string
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatal(err)
	}
	if v["daemon_version"] != daemon.Version {
		t.Errorf("daemon_version = %q", v["daemon_version"])
	}
	if v["hardware_version"] != "3.0.0" || v["firmware_version"] != "2.1.4" {
		t.Errorf("reported versions = %q / %q", v["hardware_version"], v["firmware_version"])
	}
}

func TestGetValues(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, body := get(t, srv, "/values")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /values = %d %q", resp.StatusCode, body)
	}
	var vals map[string]any
	if err := json.Unmarshal(body, &vals); err != nil {
		t.Fatal(err)
	}
	vin, ok := vals["V_in"].(float64)
	if !ok || vin < 11.9 || vin > 12.1 {
		t.Errorf("V_in = %v", vals["V_in"])
	}
	for _, key := range []string{"V_supercap", "I_in", "T_mcu", "state", "power_state",
		"5v_output_enabled", "usb_port_state", "watchdog_enabled", "firmware_version"} {
		if _, ok := vals[key]; !ok {
			t.Errorf("values missing %q", key)
		}
	}
}

func TestGetValuesKey(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := get(t, srv, "/values/V_supercap")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /values/V_supercap = %d", resp.StatusCode)
	}
	var v float64
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatal(err)
	}
	if v < 8.2 || v > 8.3 {
		t.Errorf("V_supercap = %g", v)
	}

	resp, _ = get(t, srv, "/values/bogus")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /values/bogus = %d, want 404", resp.StatusCode)
	}
}

func TestConfigRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := do(t, srv, http.MethodPut, "/config/blackout-voltage-limit", "10.5")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT valid config = %d", resp.StatusCode)
	}

	resp, body := get(t, srv, "/config/blackout-voltage-limit")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET config key = %d", resp.StatusCode)
	}
	var v float64
	if err := json.Unmarshal(body, &v); err != nil || v != 10.5 {
		t.Errorf("blackout-voltage-limit = %q", body)
	}

	resp, _ = do(t, srv, http.MethodPut, "/config/blackout-voltage-limit", "-2")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PUT invalid value = %d, want 400", resp.StatusCode)
	}

	resp, _ = get(t, srv, "/config/warp-core")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET unknown key = %d, want 404", resp.StatusCode)
	}

	resp, body = get(t, srv, "/config")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /config = %d", resp.StatusCode)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["watchdog_timeout"]; !ok {
		t.Error("config map missing device keys")
	}
}

func TestStandbyValidation(t *testing.T) {
	srv, f, _ := newTestServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/standby", `{"datetime":"2001-01-01T00:00:00Z"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("past datetime = %d, want 400", resp.StatusCode)
	}
	if len(f.WritesTo(protocol.RegWakeTime)) != 0 {
		t.Error("wake register written for rejected request")
	}

	resp, _ = do(t, srv, http.MethodPost, "/standby", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty standby body = %d, want 400", resp.StatusCode)
	}
}

func TestStandbyWithDelay(t *testing.T) {
	srv, f, _ := newTestServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/standby", `{"delay": 3600}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST /standby delay = %d", resp.StatusCode)
	}
	if len(f.WritesTo(protocol.RegWakeTime)) != 1 {
		t.Error("wake register not programmed")
	}
	if len(f.WritesTo(protocol.RegStandby)) != 1 {
		t.Error("standby not requested")
	}
}

func TestUSBRoutes(t *testing.T) {
	srv, f, _ := newTestServer(t)

	resp, body := get(t, srv, "/usb")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /usb = %d", resp.StatusCode)
	}
	var ports map[string]bool
	if err := json.Unmarshal(body, &ports); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if !ports[fmt.Sprintf("usb%d", i)] {
			t.Errorf("usb%d reported off, register is 0x0F", i)
		}
	}

	resp, _ = do(t, srv, http.MethodPut, "/usb/2", "false")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT /usb/2 = %d", resp.StatusCode)
	}
	ws := f.WritesTo(protocol.RegUSBPortState)
	if len(ws) != 1 || ws[0].Payload[0] != 0x0B {
		t.Errorf("USB writes = %v, want 0x0B", ws)
	}

	resp, _ = do(t, srv, http.MethodPut, "/usb/9", "true")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("PUT /usb/9 = %d, want 400", resp.StatusCode)
	}
}

func TestShutdownThenUSBConflict(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/shutdown", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST /shutdown = %d", resp.StatusCode)
	}

	resp, _ = do(t, srv, http.MethodPut, "/usb/0", "true")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("USB during shutdown = %d, want 409", resp.StatusCode)
	}
}

func TestFlashRejectsEmptyBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, _ := do(t, srv, http.MethodPost, "/flash", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /flash empty = %d, want 400", resp.StatusCode)
	}
}
