package bus

import (
	"context"
	"errors"
	"testing"
)

func TestRetryingReadRecoversFromTransientFault(t *testing.T) {
	f := NewFakeTransport(map[byte][]byte{0x20: {0x12, 0x34}})
	f.FailReads[0x20] = 2 // fail twice, succeed on the third attempt

	r := NewRetrying(f)
	buf, err := r.Read(context.Background(), 0x20, 2)
	if err != nil {
		t.Fatalf("Read after transient faults: %v", err)
	}
	if buf[0] != 0x12 || buf[1] != 0x34 {
		t.Errorf("Read returned % x, want 12 34", buf)
	}
}

func TestRetryingReadExhaustion(t *testing.T) {
	f := NewFakeTransport(nil)
	f.FailReads[0x21] = -1 // fail forever

	r := NewRetrying(f)
	_, err := r.Read(context.Background(), 0x21, 2)
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("got %T, want *TransportError", err)
	}
	if te.Reg != 0x21 || te.Op != "read" || te.Attempts != DefaultRetries {
		t.Errorf("TransportError = {reg %#x op %q attempts %d}, want {0x21 read %d}",
			te.Reg, te.Op, te.Attempts, DefaultRetries)
	}
	if !IsTransport(err) {
		t.Error("IsTransport should match a TransportError")
	}
}

func TestRetryingWriteRecoversFromTransientFault(t *testing.T) {
	f := NewFakeTransport(nil)
	f.FailWrites[0x12] = 1

	r := NewRetrying(f)
	if err := r.Write(context.Background(), 0x12, []byte{0x27, 0x10}); err != nil {
		t.Fatalf("Write after transient fault: %v", err)
	}
	ws := f.WritesTo(0x12)
	if len(ws) != 1 {
		t.Fatalf("recorded %d writes, want 1", len(ws))
	}
}

func TestRetryingWriteExhaustion(t *testing.T) {
	f := NewFakeTransport(nil)
	f.FailWrites[0x30] = -1

	r := NewRetrying(f)
	err := r.Write(context.Background(), 0x30, []byte{0x01})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want *TransportError", err)
	}
	if te.Op != "write" || te.Reg != 0x30 {
		t.Errorf("TransportError = {reg %#x op %q}", te.Reg, te.Op)
	}
	if len(f.WritesTo(0x30)) != 0 {
		t.Error("failed writes must not be recorded")
	}
}

func TestRetryingAbortsOnCancel(t *testing.T) {
	f := NewFakeTransport(nil)
	f.FailReads[0x15] = -1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRetrying(f)
	_, err := r.Read(ctx, 0x15, 1)
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	// A cancelled context must stop the retry loop after the first attempt.
	if got := f.ReadAttempts(0x15); got > 1 {
		t.Errorf("made %d attempts under a cancelled context, want at most 1", got)
	}
}

func TestFakeTransportZeroPadsShortImages(t *testing.T) {
	f := NewFakeTransport(map[byte][]byte{0x18: {0x01}})
	buf, err := f.Read(context.Background(), 0x18, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 4 || buf[0] != 0x01 || buf[3] != 0 {
		t.Errorf("Read returned % x, want 01 00 00 00", buf)
	}
}
