package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeTransport is a test double holding an in-memory register file.
// Reads return the stored image for a register; writes replace it and are
// recorded in order. Per-register failure injection covers both transient
// faults (fail N times, then succeed) and permanent ones.
type FakeTransport struct {
	mu sync.Mutex

	// Regs maps register -> current image.
	Regs map[byte][]byte

	// FailReads/FailWrites map register -> remaining failures before the
	// operation succeeds again. A negative count fails forever.
	FailReads  map[byte]int
	FailWrites map[byte]int

	// Writes records every successful write in order.
	Writes []FakeWrite

	// Closed tracks whether Close was called.
	Closed bool

	readAttempts map[byte]int
}

// FakeWrite is one recorded write transaction.
type FakeWrite struct {
	Reg     byte
	Payload []byte
	At      time.Time
}

// NewFakeTransport creates a FakeTransport with the given register images.
func NewFakeTransport(regs map[byte][]byte) *FakeTransport {
	f := &FakeTransport{
		Regs:         map[byte][]byte{},
		FailReads:    map[byte]int{},
		FailWrites:   map[byte]int{},
		readAttempts: map[byte]int{},
	}
	for reg, img := range regs {
		f.Regs[reg] = append([]byte(nil), img...)
	}
	return f
}

// Set replaces the image of a register.
func (f *FakeTransport) Set(reg byte, img []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Regs[reg] = append([]byte(nil), img...)
}

func (f *FakeTransport) Read(ctx context.Context, reg byte, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.readAttempts[reg]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if remaining, ok := f.FailReads[reg]; ok && remaining != 0 {
		if remaining > 0 {
			f.FailReads[reg] = remaining - 1
		}
		return nil, fmt.Errorf("injected read fault at 0x%02X", reg)
	}
	img, ok := f.Regs[reg]
	if !ok {
		return nil, fmt.Errorf("no device response at 0x%02X", reg)
	}
	if n > len(img) {
		// Short registers pad with zeros, like a real device clocking out
		// whatever follows.
		out := make([]byte, n)
		copy(out, img)
		return out, nil
	}
	return append([]byte(nil), img[:n]...), nil
}

func (f *FakeTransport) Write(ctx context.Context, reg byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if remaining, ok := f.FailWrites[reg]; ok && remaining != 0 {
		if remaining > 0 {
			f.FailWrites[reg] = remaining - 1
		}
		return fmt.Errorf("injected write fault at 0x%02X", reg)
	}
	f.Regs[reg] = append([]byte(nil), payload...)
	f.Writes = append(f.Writes, FakeWrite{Reg: reg, Payload: append([]byte(nil), payload...), At: time.Now()})
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// FailRead arranges for the next n reads of a register to fail. A negative
// n fails until cleared. Safe to call while the transport is in use.
func (f *FakeTransport) FailRead(reg byte, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailReads[reg] = n
}

// ReadAttempts returns how many times a register read was attempted,
// including injected failures.
func (f *FakeTransport) ReadAttempts(reg byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAttempts[reg]
}

// WritesTo returns the recorded writes for one register.
func (f *FakeTransport) WritesTo(reg byte) []FakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FakeWrite
	for _, w := range f.Writes {
		if w.Reg == reg {
			out = append(out, w)
		}
	}
	return out
}
