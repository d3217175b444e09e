package bus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// I2C ioctl commands
const (
	i2cSlave = 0x0703
)

// I2CBus is a Transport over a Linux /dev/i2c-N character device using the
// I2C_SLAVE ioctl. All transactions are serialized by an internal mutex so
// that polling, heartbeat and command traffic never interleave on the wire.
type I2CBus struct {
	mu   sync.Mutex
	file *os.File
	bus  int
	addr uint8
}

// OpenI2C opens the given bus number and binds the slave address.
func OpenI2C(busNum int, addr uint8) (*I2CBus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", busNum)
	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open I2C bus %d: %w", busNum, err)
	}
	b := &I2CBus{file: file, bus: busNum, addr: addr}
	if err := b.setAddress(addr); err != nil {
		file.Close()
		return nil, err
	}
	return b, nil
}

func (b *I2CBus) setAddress(addr uint8) error {
	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		b.file.Fd(),
		i2cSlave,
		uintptr(addr),
	)
	if errno != 0 {
		return fmt.Errorf("set I2C address 0x%02X: %v", addr, errno)
	}
	return nil
}

// Read writes the register address, then reads n bytes.
func (b *I2CBus) Read(ctx context.Context, reg byte, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := b.file.Write([]byte{reg}); err != nil {
		return nil, fmt.Errorf("write register 0x%02X: %w", reg, err)
	}
	buf := make([]byte, n)
	if _, err := b.file.Read(buf); err != nil {
		return nil, fmt.Errorf("read register 0x%02X: %w", reg, err)
	}
	return buf, nil
}

// Write writes the register address followed by the payload in one transaction.
func (b *I2CBus) Write(ctx context.Context, reg byte, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, reg)
	buf = append(buf, payload...)
	if _, err := b.file.Write(buf); err != nil {
		return fmt.Errorf("write register 0x%02X: %w", reg, err)
	}
	return nil
}

// Probe checks whether a device answers at addr on the same bus device.
// The bound address is restored afterwards.
func (b *I2CBus) Probe(addr uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.setAddress(addr); err != nil {
		return false
	}
	buf := make([]byte, 1)
	_, err := b.file.Read(buf)
	b.setAddress(b.addr) //nolint:errcheck
	return err == nil
}

// Close closes the bus device.
func (b *I2CBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		return b.file.Close()
	}
	return nil
}
