// halpid supervises the HALPI power controller: it debounces input power
// blackouts into clean shutdowns, keeps the hardware watchdog fed, programs
// scheduled wake-ups, and serves the control API on a unix socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	"github.com/hatlabs/halpid/internal/bus"
	"github.com/hatlabs/halpid/internal/config"
	"github.com/hatlabs/halpid/internal/daemon"
	"github.com/hatlabs/halpid/internal/device"
	"github.com/hatlabs/halpid/internal/protocol"
	"github.com/hatlabs/halpid/internal/server"
)

type confFiles []string

func (c *confFiles) String() string { return fmt.Sprint(*c) }
func (c *confFiles) Set(v string) error {
	*c = append(*c, v)
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var confs confFiles
	flag.Var(&confs, "conf", "configuration file location (repeatable)")
	i2cBus := flag.Int("i2c-bus", -1, "I2C bus number")
	i2cAddr := flag.Int("i2c-addr", -1, "I2C address of the controller")
	blackoutTime := flag.Float64("blackout-time-limit", -1, "seconds of blackout before shutdown")
	blackoutVoltage := flag.Float64("blackout-voltage-limit", -1, "input voltage that counts as a blackout")
	socketPath := flag.String("socket", "", "path to the unix socket to listen on")
	socketGroup := flag.String("socket-group", "", "group to set on the unix socket")
	poweroff := flag.String("poweroff", "", "command to power off the system")
	dryRun := flag.Bool("n", false, "dry run (no shutdown)")
	flag.Parse()

	cfg, err := loadConfig(confs)
	if err != nil {
		log.Fatalf("halpid: %v", err)
	}
	// Command line overrides config file values.
	if *i2cBus >= 0 {
		cfg.I2CBus = *i2cBus
	}
	if *i2cAddr >= 0 {
		cfg.I2CAddr = *i2cAddr
	}
	if *blackoutTime >= 0 {
		cfg.BlackoutTimeLimit = *blackoutTime
	}
	if *blackoutVoltage >= 0 {
		cfg.BlackoutVoltageLimit = *blackoutVoltage
	}
	if *socketPath != "" {
		cfg.Socket = *socketPath
	}
	if *socketGroup != "" {
		cfg.SocketGroup = *socketGroup
	}
	if *poweroff != "" {
		cfg.Poweroff = *poweroff
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("halpid: %v", err)
	}
	if cfg.Socket == "" {
		cfg.Socket = defaultSocketPath()
	}

	log.Printf("halpid %s connecting to controller at I2C bus %d, address %#02x", daemon.Version, cfg.I2CBus, cfg.I2CAddr)

	transport, err := bus.OpenI2C(cfg.I2CBus, byte(cfg.I2CAddr))
	if err != nil {
		log.Fatalf("halpid: opening I2C bus %d: %v", cfg.I2CBus, err)
	}
	defer transport.Close()

	ctrl := device.New(bus.NewRetrying(transport))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ctrl.Identify(startCtx); err != nil {
		probeLegacyAddress(transport, byte(cfg.I2CAddr))
		cancelStart()
		log.Fatalf("halpid: no controller at address %#02x: %v", cfg.I2CAddr, err)
	}
	cancelStart()
	log.Printf("halpid: controller detected, HW version %s, FW version %s", ctrl.HardwareVersion(), ctrl.FirmwareVersion())

	sched := daemon.New(ctrl, cfg)

	ln, err := server.Listen(cfg.Socket, cfg.SocketGroup)
	if err != nil {
		log.Fatalf("halpid: %v", err)
	}

	srv := &http.Server{
		Handler:      server.New(sched),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // firmware uploads are slow
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("halpid: server failed: %v", err)
		}
	}()
	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("halpid: scheduler exited: %v", err)
		}
	}()
	go feedSystemdWatchdog(ctx)

	log.Printf("halpid: listening on %s", cfg.Socket)
	sdaemon.SdNotify(false, sdaemon.SdNotifyReady)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("halpid: shutting down")
	sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)
	cancel()

	// A stopping daemon can no longer pet; leaving the watchdog armed
	// would hard-reset the host a few seconds after a clean stop.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	log.Printf("halpid: disabling hardware watchdog")
	if err := ctrl.SetWatchdogTimeout(stopCtx, 0); err != nil {
		log.Printf("halpid: disabling watchdog failed: %v", err)
	}

	if err := srv.Shutdown(stopCtx); err != nil {
		log.Printf("halpid: server shutdown: %v", err)
	}
	os.Remove(cfg.Socket)
	log.Printf("halpid: exiting")
}

func loadConfig(confs []string) (config.Config, error) {
	if len(confs) > 0 {
		return config.Load(confs...)
	}
	return config.LoadDefault()
}

func defaultSocketPath() string {
	if os.Getuid() == 0 {
		return config.DefaultSocket
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return config.DefaultSocket
	}
	return filepath.Join(home, ".halpid.sock")
}

// probeLegacyAddress checks the old documented address when the configured
// one is silent. The configured address stays authoritative; this only makes
// the mismatch visible instead of leaving a bare timeout in the log.
func probeLegacyAddress(transport *bus.I2CBus, configured byte) {
	if configured == protocol.AddressLegacy {
		return
	}
	if transport.Probe(protocol.AddressLegacy) {
		log.Printf("halpid: no response at configured address %#02x, but a device answers at legacy address %#02x; check i2c-addr in your configuration",
			configured, protocol.AddressLegacy)
	}
}

// feedSystemdWatchdog keeps systemd's service watchdog happy when enabled.
// The hardware watchdog is separate and fed by the scheduler.
func feedSystemdWatchdog(ctx context.Context) {
	interval, err := sdaemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sdaemon.SdNotify(false, sdaemon.SdNotifyWatchdog)
		}
	}
}
