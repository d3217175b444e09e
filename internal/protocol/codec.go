package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// ProtocolError reports a malformed register image: a payload of unexpected
// length or a value the register cannot represent. It signals a firmware/host
// mismatch or a programming error, never a transient bus fault, and is
// therefore never retried.
type ProtocolError struct {
	Reg    byte
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: register 0x%02X: %s", e.Reg, e.Reason)
}

func badLength(reg byte, want, got int) error {
	return &ProtocolError{Reg: reg, Reason: fmt.Sprintf("expected %d bytes, got %d", want, got)}
}

// DecodeByte decodes a single-byte register.
func DecodeByte(reg byte, buf []byte) (byte, error) {
	if len(buf) != 1 {
		return 0, badLength(reg, 1, len(buf))
	}
	return buf[0], nil
}

// DecodeBool decodes a single-byte boolean register. Any nonzero value is true.
func DecodeBool(reg byte, buf []byte) (bool, error) {
	b, err := DecodeByte(reg, buf)
	return b != 0, err
}

// EncodeBool encodes a boolean as its canonical single-byte image.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// DecodeWord decodes a big-endian 16-bit register.
func DecodeWord(reg byte, buf []byte) (uint16, error) {
	if len(buf) != 2 {
		return 0, badLength(reg, 2, len(buf))
	}
	return binary.BigEndian.Uint16(buf), nil
}

// EncodeWord encodes a 16-bit value big-endian.
func EncodeWord(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

// DecodeDWord decodes a big-endian 32-bit register.
func DecodeDWord(reg byte, buf []byte) (uint32, error) {
	if len(buf) != 4 {
		return 0, badLength(reg, 4, len(buf))
	}
	return binary.BigEndian.Uint32(buf), nil
}

// EncodeDWord encodes a 32-bit value big-endian.
func EncodeDWord(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// DecodeAnalog decodes an analog word register onto [0, scale).
func DecodeAnalog(reg byte, buf []byte, scale float64) (float64, error) {
	w, err := DecodeWord(reg, buf)
	if err != nil {
		return 0, err
	}
	return scale * float64(w) / 65536.0, nil
}

// EncodeAnalog encodes a physical value onto the analog word code for the
// given full-scale value. Values outside [0, scale) are rejected rather than
// clamped: a caller asking to write an unrepresentable threshold has a bug.
func EncodeAnalog(reg byte, v, scale float64) ([]byte, error) {
	if v < 0 || v >= scale || math.IsNaN(v) {
		return nil, &ProtocolError{Reg: reg, Reason: fmt.Sprintf("value %g outside [0, %g)", v, scale)}
	}
	code := math.Round(65536.0 * v / scale)
	if code > 65535 {
		code = 65535
	}
	return EncodeWord(uint16(code)), nil
}

// DecodeVersion decodes a 4-byte version register into "maj.min.patch" with
// an optional "-variant" suffix when the fourth byte is not 0xFF.
func DecodeVersion(reg byte, buf []byte) (string, error) {
	if len(buf) != 4 {
		return "", badLength(reg, 4, len(buf))
	}
	s := fmt.Sprintf("%d.%d.%d", buf[0], buf[1], buf[2])
	if buf[3] != 0xFF {
		s += fmt.Sprintf("-%d", buf[3])
	}
	return s, nil
}

// DecodeWatchdogTimeout decodes RegWatchdogTimeout. Zero means disabled.
func DecodeWatchdogTimeout(buf []byte) (time.Duration, error) {
	w, err := DecodeWord(RegWatchdogTimeout, buf)
	if err != nil {
		return 0, err
	}
	return time.Duration(w) * time.Millisecond, nil
}

// EncodeWatchdogTimeout encodes a watchdog timeout. The register holds whole
// milliseconds up to 65.535 s; anything beyond is unrepresentable.
func EncodeWatchdogTimeout(d time.Duration) ([]byte, error) {
	ms := d.Milliseconds()
	if ms < 0 || ms > math.MaxUint16 {
		return nil, &ProtocolError{Reg: RegWatchdogTimeout, Reason: fmt.Sprintf("timeout %v unrepresentable", d)}
	}
	return EncodeWord(uint16(ms)), nil
}

// DecodeWatchdogElapsed decodes RegWatchdogElapsed (0.1 s units).
func DecodeWatchdogElapsed(buf []byte) (time.Duration, error) {
	b, err := DecodeByte(RegWatchdogElapsed, buf)
	if err != nil {
		return 0, err
	}
	return time.Duration(b) * 100 * time.Millisecond, nil
}

// DecodeUnixTime decodes a BE dword register holding Unix seconds.
func DecodeUnixTime(reg byte, buf []byte) (time.Time, error) {
	w, err := DecodeDWord(reg, buf)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(w), 0).UTC(), nil
}

// EncodeUnixTime encodes a wall-clock time as Unix seconds. Times before the
// epoch or past the 32-bit horizon cannot be programmed into the controller.
func EncodeUnixTime(reg byte, t time.Time) ([]byte, error) {
	s := t.Unix()
	if s < 0 || s > math.MaxUint32 {
		return nil, &ProtocolError{Reg: reg, Reason: fmt.Sprintf("time %v outside representable range", t)}
	}
	return EncodeDWord(uint32(s)), nil
}

// DecodeState decodes RegState.
func DecodeState(buf []byte) (StateCode, error) {
	b, err := DecodeByte(RegState, buf)
	return StateCode(b), err
}

// DecodeDFUState decodes RegDFUStatus.
func DecodeDFUState(buf []byte) (DFUState, error) {
	b, err := DecodeByte(RegDFUStatus, buf)
	if err != nil {
		return 0, err
	}
	if b > byte(DFUProtocolError) {
		return DFUProtocolError, nil
	}
	return DFUState(b), nil
}
