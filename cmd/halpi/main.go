// halpi is the command line client for the halpid daemon. It talks HTTP over
// the daemon's unix socket and lets the user observe and control the power
// controller.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

const usage = `Usage: halpi [-s SOCKET] COMMAND [ARGS]

Commands:
  print                        show versions, state, config and measurements
  status                       dump the daemon's full status as JSON
  shutdown                     ask the daemon to shut the system down
  standby (TIME|DELAY)         shut down and wake at RFC 3339 TIME or after DELAY seconds
  config                       show all configuration keys
  config get KEY               show one configuration value
  config set KEY VALUE         change a configuration value
  usb [PORT [on|off]]          show or switch downstream USB power
  firmware-version             show the controller firmware version
  flash FILE                   upload a firmware image to the controller
`

type client struct {
	http *http.Client
}

func newClient(socket string) *client {
	return &client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
			// Firmware uploads take a while; everything else is instant.
			Timeout: 10 * time.Minute,
		},
	}
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get("http://halpid" + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) send(method, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, "http://halpid"+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func httpError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(bytes.TrimSpace(msg)) == 0 {
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("daemon returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}

func main() {
	socket := flag.String("s", "/var/run/halpid.sock", "path to the halpid unix socket")
	flag.StringVar(socket, "socket", "/var/run/halpid.sock", "path to the halpid unix socket")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	cmd := "print"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	c := newClient(*socket)
	var err error
	switch cmd {
	case "print":
		err = printAll(c)
	case "status":
		err = status(c)
	case "shutdown":
		err = c.send(http.MethodPost, "/shutdown", map[string]any{})
	case "standby":
		err = standby(c, args)
	case "config":
		err = configCmd(c, args)
	case "usb":
		err = usbCmd(c, args)
	case "firmware-version":
		err = firmwareVersion(c)
	case "flash":
		err = flashCmd(c, args)
	default:
		fmt.Fprintf(os.Stderr, "halpi: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "halpi: %v\n", err)
		os.Exit(1)
	}
}

func printAll(c *client) error {
	var version, values map[string]any
	var cfg map[string]any
	if err := c.getJSON("/version", &version); err != nil {
		return err
	}
	if err := c.getJSON("/config", &cfg); err != nil {
		return err
	}
	if err := c.getJSON("/values", &values); err != nil {
		return err
	}

	fmt.Printf("Hardware version    %v\n", version["hardware_version"])
	fmt.Printf("Firmware version    %v\n", version["firmware_version"])
	fmt.Printf("Daemon version      %v\n", version["daemon_version"])
	fmt.Println()
	fmt.Printf("State               %v\n", values["state"])
	fmt.Printf("5V output           %v\n", values["5v_output_enabled"])
	fmt.Printf("Watchdog enabled    %v\n", values["watchdog_enabled"])
	fmt.Println()
	printNum(cfg, "watchdog_timeout", "Watchdog timeout", 1, "s")
	printNum(cfg, "power_on_threshold", "Power-on threshold", 1, "V")
	printNum(cfg, "power_off_threshold", "Power-off threshold", 1, "V")
	if v, ok := asFloat(cfg["led_brightness"]); ok {
		fmt.Printf("LED brightness      %.1f %%\n", 100*v/255)
	}
	fmt.Println()
	printNum(values, "V_in", "Voltage in", 1, "V")
	printNum(values, "I_in", "Current in", 2, "A")
	printNum(values, "V_supercap", "Supercap voltage", 2, "V")
	if v, ok := asFloat(values["T_mcu"]); ok {
		fmt.Printf("MCU temperature     %.1f °C\n", v-273.15)
	}
	return nil
}

func status(c *client) error {
	var st json.RawMessage
	if err := c.getJSON("/status", &st); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, st, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}

func printNum(m map[string]any, key, label string, decimals int, unit string) {
	v, ok := asFloat(m[key])
	if !ok {
		return
	}
	fmt.Printf("%-19s %.*f %s\n", label, decimals, v, unit)
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func standby(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("standby needs a wakeup time or a delay in seconds")
	}
	body := map[string]any{}
	if delay, err := strconv.Atoi(args[0]); err == nil {
		body["delay"] = delay
	} else {
		body["datetime"] = args[0]
	}
	return c.send(http.MethodPost, "/standby", body)
}

func configCmd(c *client, args []string) error {
	if len(args) == 0 {
		var cfg map[string]any
		if err := c.getJSON("/config", &cfg); err != nil {
			return err
		}
		keys := make([]string, 0, len(cfg))
		for k := range cfg {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-25s %v\n", k, cfg[k])
		}
		return nil
	}
	switch args[0] {
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("config get needs a key")
		}
		var v any
		if err := c.getJSON("/config/"+args[1], &v); err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("config set needs a key and a value")
		}
		return c.send(http.MethodPut, "/config/"+args[1], parseValue(args[2]))
	default:
		return fmt.Errorf("unknown config action %q, use get or set", args[0])
	}
}

// parseValue turns a command line argument into the JSON type the daemon
// expects, in order: integer, float, boolean, bare string.
func parseValue(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func usbCmd(c *client, args []string) error {
	switch len(args) {
	case 0:
		var ports map[string]bool
		if err := c.getJSON("/usb", &ports); err != nil {
			return err
		}
		keys := make([]string, 0, len(ports))
		for k := range ports {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			state := "off"
			if ports[k] {
				state = "on"
			}
			fmt.Printf("port %s: %s\n", k, state)
		}
		return nil
	case 1:
		var on bool
		if err := c.getJSON("/usb/"+args[0], &on); err != nil {
			return err
		}
		if on {
			fmt.Println("on")
		} else {
			fmt.Println("off")
		}
		return nil
	case 2:
		var on bool
		switch args[1] {
		case "on":
			on = true
		case "off":
			on = false
		default:
			return fmt.Errorf("usb state must be on or off, got %q", args[1])
		}
		return c.send(http.MethodPut, "/usb/"+args[0], on)
	default:
		return fmt.Errorf("usage: halpi usb [PORT [on|off]]")
	}
}

func firmwareVersion(c *client) error {
	var version map[string]any
	if err := c.getJSON("/version", &version); err != nil {
		return err
	}
	v, ok := version["firmware_version"]
	if !ok {
		return fmt.Errorf("firmware version not reported")
	}
	fmt.Printf("Firmware version: %v\n", v)
	return nil
}

func flashCmd(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("flash needs a firmware file")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("firmware", filepath.Base(args[0]))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	fmt.Println("Uploading firmware, do not interrupt...")
	resp, err := c.http.Post("http://halpid/flash", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	fmt.Println("Firmware update complete.")
	return nil
}
