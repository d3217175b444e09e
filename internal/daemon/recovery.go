package daemon

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// I2C Bus Recovery
// ============================================================================
//
// The DesignWare I2C controller on the RP1 (Raspberry Pi 5) can wedge so that
// every transaction times out even with idle SDA/SCL lines. Unbinding and
// rebinding the platform driver through sysfs clears it:
//
//   echo "<device>" > /sys/bus/platform/drivers/i2c_designware/unbind
//   echo "<device>" > /sys/bus/platform/drivers/i2c_designware/bind
//
// The scheduler feeds consecutive poll failures into this tracker and runs
// the reset when the threshold is reached. Attempts are rate limited so a
// genuinely dead controller does not cause a reset storm.

const (
	defaultRecoveryDevice      = "1f00074000.i2c" // RP1 I2C1
	defaultRecoveryDriverPath  = "/sys/bus/platform/drivers/i2c_designware"
	defaultRecoveryThreshold   = 3
	defaultRecoveryMinInterval = 5 * time.Minute
	defaultRecoveryQuiesce     = 1 * time.Second
	defaultRecoverySettle      = 2 * time.Second
)

// BusRecovery tracks consecutive bus failures and performs the controller
// reset when warranted.
type BusRecovery struct {
	mu                sync.Mutex
	device            string
	driverPath        string
	threshold         int
	minInterval       time.Duration
	quiesce           time.Duration
	settle            time.Duration
	consecutiveErrors int
	lastAttemptAt     time.Time
	totalRecoveries   int
	lastRecoveryOK    bool
}

// NewBusRecovery creates a BusRecovery, honoring environment overrides:
//
//   - HALPID_I2C_DEVICE:             platform device name (default "1f00074000.i2c")
//   - HALPID_I2C_DRIVER_PATH:        sysfs driver path
//   - HALPID_I2C_RECOVERY_THRESHOLD: consecutive failures before reset (default 3)
func NewBusRecovery() *BusRecovery {
	device := defaultRecoveryDevice
	if v := os.Getenv("HALPID_I2C_DEVICE"); v != "" {
		device = v
	}
	driverPath := defaultRecoveryDriverPath
	if v := os.Getenv("HALPID_I2C_DRIVER_PATH"); v != "" {
		driverPath = v
	}
	threshold := defaultRecoveryThreshold
	if v := os.Getenv("HALPID_I2C_RECOVERY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 20 {
			threshold = n
		}
	}
	return &BusRecovery{
		device:      device,
		driverPath:  driverPath,
		threshold:   threshold,
		minInterval: defaultRecoveryMinInterval,
		quiesce:     defaultRecoveryQuiesce,
		settle:      defaultRecoverySettle,
	}
}

// RecordError counts one failed poll. Returns true when the reset should be
// attempted (threshold reached, rate limit allows).
func (r *BusRecovery) RecordError() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	if r.consecutiveErrors < r.threshold {
		return false
	}
	if !r.lastAttemptAt.IsZero() && time.Since(r.lastAttemptAt) < r.minInterval {
		return false
	}
	return true
}

// RecordSuccess resets the consecutive failure counter.
func (r *BusRecovery) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveErrors = 0
}

// ConsecutiveErrors returns the current failure run length.
func (r *BusRecovery) ConsecutiveErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveErrors
}

// Attempt performs the unbind/bind sequence. Rate limited.
func (r *BusRecovery) Attempt() error {
	r.mu.Lock()
	if !r.lastAttemptAt.IsZero() && time.Since(r.lastAttemptAt) < r.minInterval {
		r.mu.Unlock()
		return fmt.Errorf("recovery rate-limited (last attempt %s ago, minimum interval %s)",
			time.Since(r.lastAttemptAt).Round(time.Second), r.minInterval)
	}
	r.lastAttemptAt = time.Now()
	r.consecutiveErrors = 0
	device := r.device
	driver := r.driverPath
	quiesce := r.quiesce
	settle := r.settle
	r.mu.Unlock()

	log.Printf("BusRecovery: attempting controller reset for %s", device)

	if err := os.WriteFile(driver+"/unbind", []byte(device), 0200); err != nil {
		r.setOutcome(false)
		return fmt.Errorf("unbind %s: %w", device, err)
	}
	log.Printf("BusRecovery: unbound %s", device)

	time.Sleep(quiesce)

	if err := os.WriteFile(driver+"/bind", []byte(device), 0200); err != nil {
		r.setOutcome(false)
		return fmt.Errorf("bind %s: %w", device, err)
	}
	log.Printf("BusRecovery: rebound %s", device)

	time.Sleep(settle)

	r.mu.Lock()
	r.totalRecoveries++
	r.lastRecoveryOK = true
	total := r.totalRecoveries
	r.mu.Unlock()

	log.Printf("BusRecovery: controller reset complete (total recoveries: %d)", total)
	return nil
}

func (r *BusRecovery) setOutcome(ok bool) {
	r.mu.Lock()
	r.lastRecoveryOK = ok
	r.mu.Unlock()
}

// Stats returns recovery statistics for status output.
func (r *BusRecovery) Stats() BusRecoveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := BusRecoveryStats{
		ConsecutiveErrors: r.consecutiveErrors,
		TotalRecoveries:   r.totalRecoveries,
		Device:            r.device,
	}
	if !r.lastAttemptAt.IsZero() {
		t := r.lastAttemptAt.UTC().Format(time.RFC3339)
		stats.LastAttemptAt = &t
		stats.LastRecoveryOK = r.lastRecoveryOK
	}
	return stats
}

// BusRecoveryStats is the JSON-serializable recovery status.
type BusRecoveryStats struct {
	ConsecutiveErrors int     `json:"consecutive_errors"`
	TotalRecoveries   int     `json:"total_recoveries"`
	Device            string  `json:"device"`
	LastAttemptAt     *string `json:"last_attempt_at"`
	LastRecoveryOK    bool    `json:"last_recovery_ok"`
}
