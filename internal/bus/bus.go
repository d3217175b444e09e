// Package bus provides serialized register-level access to one device on a
// Linux I2C bus, with bounded per-transaction timeouts and a small immediate
// retry policy for transient faults.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport performs raw register transactions against one fixed bus/address
// pair. Implementations must serialize access internally: the physical bus
// has no concurrency, and callers from polling, heartbeat and command paths
// all share one Transport.
type Transport interface {
	// Read writes the register address and reads n bytes back.
	Read(ctx context.Context, reg byte, n int) ([]byte, error)
	// Write writes the register address followed by the payload.
	Write(ctx context.Context, reg byte, payload []byte) error
	Close() error
}

// TransportError reports a failed bus transaction after all retries, tagged
// with the register and operation for diagnostics. The underlying cause is
// available through Unwrap.
type TransportError struct {
	Reg      byte
	Op       string // "read" or "write"
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("i2c %s register 0x%02X failed after %d attempts: %v", e.Op, e.Reg, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

const (
	// DefaultRetries is the number of immediate attempts per transaction.
	DefaultRetries = 3
	// DefaultTimeout bounds a single bus transaction.
	DefaultTimeout = 1 * time.Second
)

// Retrying wraps a Transport with the immediate-retry policy: transient
// failures are retried up to Retries times with no backoff; a context
// cancellation aborts immediately. Exhaustion yields a *TransportError.
type Retrying struct {
	T       Transport
	Retries int
	Timeout time.Duration
}

// NewRetrying wraps t with the default retry policy.
func NewRetrying(t Transport) *Retrying {
	return &Retrying{T: t, Retries: DefaultRetries, Timeout: DefaultTimeout}
}

func (r *Retrying) attempts() int {
	if r.Retries < 1 {
		return 1
	}
	return r.Retries
}

func (r *Retrying) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

// Read performs a bounded, retried register read.
func (r *Retrying) Read(ctx context.Context, reg byte, n int) ([]byte, error) {
	var lastErr error
	for i := 0; i < r.attempts(); i++ {
		tctx, cancel := context.WithTimeout(ctx, r.timeout())
		buf, err := r.T.Read(tctx, reg, n)
		cancel()
		if err == nil {
			return buf, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &TransportError{Reg: reg, Op: "read", Attempts: r.attempts(), Err: lastErr}
}

// Write performs a bounded, retried register write.
func (r *Retrying) Write(ctx context.Context, reg byte, payload []byte) error {
	var lastErr error
	for i := 0; i < r.attempts(); i++ {
		tctx, cancel := context.WithTimeout(ctx, r.timeout())
		err := r.T.Write(tctx, reg, payload)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return &TransportError{Reg: reg, Op: "write", Attempts: r.attempts(), Err: lastErr}
}

func (r *Retrying) Close() error { return r.T.Close() }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
