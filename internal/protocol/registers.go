// Package protocol implements the register map and wire codec for the HALPI
// power controller. It is pure: no I/O, no state — raw register images in,
// typed values out, and back again for writes.
package protocol

// Default 7-bit I2C address of the controller. Early documentation mentioned
// 0x48; shipped firmware answers at 0x6D. The configured address is
// authoritative — see device.Probe for how a mismatch is surfaced.
const (
	AddressDefault = 0x6D
	AddressLegacy  = 0x48
)

// Register sub-addresses.
const (
	// Identification
	RegHardwareVersion = 0x03 // R, 4 bytes: maj.min.patch[-variant]
	RegFirmwareVersion = 0x04 // R, 4 bytes

	// State and configuration
	Reg5VOutput        = 0x10 // R, 1 byte boolean
	RegWatchdogTimeout = 0x12 // R/W, BE word, milliseconds; 0 disables
	RegPowerOnThresh   = 0x13 // R/W, analog word, scale VcapMax
	RegPowerOffThresh  = 0x14 // R/W, analog word, scale VcapMax
	RegState           = 0x15 // R, 1 byte state code
	RegWatchdogElapsed = 0x16 // R, 1 byte, 0.1 s units
	RegLEDBrightness   = 0x17 // R/W, 1 byte
	RegRTCTime         = 0x18 // R/W, BE dword, Unix seconds
	RegWakeTime        = 0x19 // R/W, BE dword, Unix seconds; 0 = no alarm

	// Measurements
	RegDCInVoltage     = 0x20 // R, analog word, scale DCInMax
	RegSupercapVoltage = 0x21 // R, analog word, scale VcapMax
	RegInputCurrent    = 0x22 // R, analog word, scale IInMax
	RegTemperature     = 0x23 // R, analog word, scale TempMaxK

	// USB port power, one bit per port, ports 0-3
	RegUSBPortState = 0x24 // R/W, 1 byte bitfield

	// Host requests
	RegShutdown = 0x30 // W, write 0x01
	RegStandby  = 0x31 // W, write 0x01

	// Firmware update (DFU)
	RegDFUStart         = 0x40 // W, BE dword total size
	RegDFUStatus        = 0x41 // R, 1 byte DFUState
	RegDFUBlocksWritten = 0x42 // R, BE word
	RegDFUBlockUpload   = 0x43 // W, CRC32 + block header + data
	RegDFUCommit        = 0x44 // W, any value
	RegDFUAbort         = 0x45 // W, any value
)

// Full-scale values for the analog word registers. A raw word w maps to
// scale * w / 65536 in the unit given.
const (
	DCInMax  = 33.0   // volts
	VcapMax  = 11.0   // volts
	IInMax   = 3.3    // amperes
	TempMaxK = 373.15 // kelvin
)

// StateCode is the controller's internal state as reported by RegState.
type StateCode byte

// Controller state codes, matching the firmware's state machine.
const (
	StateBegin          StateCode = 0
	StateWaitForPowerOn StateCode = 1
	StatePowerOn5VOff   StateCode = 3
	StatePowerOn5VOn    StateCode = 5
	StatePowerOff5VOn   StateCode = 7
	StateShutdown       StateCode = 9
	StateWatchdogReboot StateCode = 11
	StateOff            StateCode = 13
	StateSleepShutdown  StateCode = 15
	StateSleep          StateCode = 17
)

func (s StateCode) String() string {
	switch s {
	case StateBegin:
		return "BEGIN"
	case StateWaitForPowerOn:
		return "WAIT_FOR_POWER_ON"
	case StatePowerOn5VOff:
		return "POWER_ON_5V_OFF"
	case StatePowerOn5VOn:
		return "POWER_ON_5V_ON"
	case StatePowerOff5VOn:
		return "POWER_OFF_5V_ON"
	case StateShutdown:
		return "SHUTDOWN"
	case StateWatchdogReboot:
		return "WATCHDOG_REBOOT"
	case StateOff:
		return "OFF"
	case StateSleepShutdown:
		return "SLEEP_SHUTDOWN"
	case StateSleep:
		return "SLEEP"
	default:
		return "UNKNOWN"
	}
}

// DFUState is the controller's firmware update engine state.
type DFUState byte

const (
	DFUIdle            DFUState = 0
	DFUPreparing       DFUState = 1
	DFUUpdating        DFUState = 2
	DFUQueueFull       DFUState = 3
	DFUReadyToCommit   DFUState = 4
	DFUCRCError        DFUState = 5
	DFUDataLengthError DFUState = 6
	DFUWriteError      DFUState = 7
	DFUProtocolError   DFUState = 8
)

func (s DFUState) String() string {
	switch s {
	case DFUIdle:
		return "IDLE"
	case DFUPreparing:
		return "PREPARING"
	case DFUUpdating:
		return "UPDATING"
	case DFUQueueFull:
		return "QUEUE_FULL"
	case DFUReadyToCommit:
		return "READY_TO_COMMIT"
	case DFUCRCError:
		return "CRC_ERROR"
	case DFUDataLengthError:
		return "DATA_LENGTH_ERROR"
	case DFUWriteError:
		return "WRITE_ERROR"
	case DFUProtocolError:
		return "PROTOCOL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Err reports whether the DFU engine is in a terminal error state.
func (s DFUState) Err() bool {
	switch s {
	case DFUCRCError, DFUDataLengthError, DFUWriteError, DFUProtocolError:
		return true
	}
	return false
}
