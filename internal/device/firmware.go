package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"time"

	"github.com/hatlabs/halpid/internal/protocol"
)

// FlashBlockSize is the controller's flash write granularity. Uploaded blocks
// must not exceed it; the final block may be shorter.
const FlashBlockSize = 4096

const (
	dfuReadyTimeout  = 30 * time.Second
	dfuCommitTimeout = 5 * time.Second
)

// ProgressFunc receives upload progress as blocks are accepted.
type ProgressFunc func(block, total int)

// StartFirmwareUpdate puts the controller into DFU mode, announcing the total
// image size.
func (c *Controller) StartFirmwareUpdate(ctx context.Context, totalSize int) error {
	if totalSize <= 0 || totalSize > int(^uint32(0)) {
		return &protocol.ProtocolError{Reg: protocol.RegDFUStart, Reason: fmt.Sprintf("invalid firmware size %d", totalSize)}
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(totalSize))
	return c.t.Write(ctx, protocol.RegDFUStart, buf[:])
}

// UploadFirmwareBlock sends one flash block. The wire frame is a big-endian
// CRC32 over (block number, block length, data), then that payload.
func (c *Controller) UploadFirmwareBlock(ctx context.Context, blockNum int, data []byte) error {
	if len(data) > FlashBlockSize {
		return &protocol.ProtocolError{Reg: protocol.RegDFUBlockUpload, Reason: fmt.Sprintf("block size %d exceeds maximum %d", len(data), FlashBlockSize)}
	}
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(payload[0:2], uint16(blockNum))
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(data)))
	copy(payload[4:], data)

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], crc32.ChecksumIEEE(payload))
	copy(frame[4:], payload)

	return c.t.Write(ctx, protocol.RegDFUBlockUpload, frame)
}

// DFUStatus reads the controller's current firmware update state.
func (c *Controller) DFUStatus(ctx context.Context) (protocol.DFUState, error) {
	buf, err := c.t.Read(ctx, protocol.RegDFUStatus, 1)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeDFUState(buf)
}

// BlocksWritten reads how many uploaded blocks have reached flash.
func (c *Controller) BlocksWritten(ctx context.Context) (int, error) {
	buf, err := c.t.Read(ctx, protocol.RegDFUBlocksWritten, 2)
	if err != nil {
		return 0, err
	}
	w, err := protocol.DecodeWord(protocol.RegDFUBlocksWritten, buf)
	return int(w), err
}

// CommitFirmwareUpdate finalizes the staged image. The controller reboots
// into the new firmware on its own schedule.
func (c *Controller) CommitFirmwareUpdate(ctx context.Context) error {
	return c.t.Write(ctx, protocol.RegDFUCommit, []byte{0x00})
}

// AbortFirmwareUpdate discards any staged image and returns the controller
// to normal operation.
func (c *Controller) AbortFirmwareUpdate(ctx context.Context) error {
	return c.t.Write(ctx, protocol.RegDFUAbort, []byte{0x00})
}

// waitDFUReady polls the DFU status until the controller can accept the next
// block, an error state appears, or the deadline passes.
func (c *Controller) waitDFUReady(ctx context.Context) error {
	deadline := time.Now().Add(dfuReadyTimeout)
	for time.Now().Before(deadline) {
		st, err := c.DFUStatus(ctx)
		if err != nil {
			return err
		}
		switch st {
		case protocol.DFUUpdating, protocol.DFUReadyToCommit:
			return nil
		case protocol.DFUPreparing:
			if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
				return err
			}
		case protocol.DFUQueueFull:
			if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
				return err
			}
		case protocol.DFUIdle:
			return fmt.Errorf("controller left DFU mode unexpectedly")
		default:
			if st.Err() {
				return fmt.Errorf("DFU error state %s", st)
			}
			if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("timed out waiting for DFU ready")
}

// Flash uploads a complete firmware image and commits it. On any failure the
// update is aborted best-effort so the controller keeps running its current
// firmware.
func (c *Controller) Flash(ctx context.Context, image []byte, progress ProgressFunc) error {
	totalBlocks := (len(image) + FlashBlockSize - 1) / FlashBlockSize
	log.Printf("Firmware: starting update, %d bytes in %d blocks", len(image), totalBlocks)

	if err := c.StartFirmwareUpdate(ctx, len(image)); err != nil {
		return err
	}

	abort := func(cause error) error {
		if err := c.AbortFirmwareUpdate(ctx); err != nil {
			log.Printf("Firmware: abort after failure also failed: %v", err)
		}
		return cause
	}

	for block := 0; block < totalBlocks; block++ {
		start := block * FlashBlockSize
		end := start + FlashBlockSize
		if end > len(image) {
			end = len(image)
		}

		if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
			return abort(err)
		}
		if err := c.waitDFUReady(ctx); err != nil {
			return abort(fmt.Errorf("not ready for block %d: %w", block, err))
		}
		if err := c.UploadFirmwareBlock(ctx, block, image[start:end]); err != nil {
			return abort(fmt.Errorf("uploading block %d: %w", block, err))
		}
		if progress != nil {
			progress(block+1, totalBlocks)
		}
	}

	// Let the queue drain to flash before committing.
	deadline := time.Now().Add(dfuCommitTimeout)
	for {
		if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
			return abort(err)
		}
		st, err := c.DFUStatus(ctx)
		if err != nil {
			return abort(err)
		}
		if st.Err() {
			return abort(fmt.Errorf("flash write failed, DFU state %s", st))
		}
		written, err := c.BlocksWritten(ctx)
		if err != nil {
			return abort(err)
		}
		if st == protocol.DFUReadyToCommit && written == totalBlocks {
			break
		}
		if !time.Now().Before(deadline) {
			return abort(fmt.Errorf("timed out waiting for %d blocks to reach flash, wrote %d", totalBlocks, written))
		}
		if err := sleepCtx(ctx, 400*time.Millisecond); err != nil {
			return abort(err)
		}
	}

	if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
		return abort(err)
	}
	if err := c.CommitFirmwareUpdate(ctx); err != nil {
		return abort(err)
	}
	log.Printf("Firmware: update committed, %d blocks written", totalBlocks)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
