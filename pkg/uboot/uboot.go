// Package uboot implements the UBOOT USB personality: the second-stage
// loader's framed command/status protocol used to probe a storage
// medium, erase, stream writes and reads, and reboot.
package uboot

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"kburn/internal/kerr"
	"kburn/pkg/kburn"
	"kburn/pkg/usbtransport"
)

// device is the subset of *usbtransport.Handle the UBOOT command protocol
// drives. Declared here, narrowed to only what this package calls, so
// the protocol logic can be exercised against a fake in tests instead of
// real hardware.
type device interface {
	ControlIn(request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error)
	ControlOut(request uint8, value, index uint16, timeout time.Duration) error
	BulkOut(data []byte, timeout time.Duration) error
	BulkIn(buf []byte, timeout time.Duration) (int, error)
	OutMaxPacketSize() int
}

const (
	commandTimeout = time.Second

	// eraseRetryDelay is the flat pause between re-reads of an EraseLba
	// CSW after a timeout; the device erases asynchronously and the CBW
	// itself is sent only once, regardless of how many times the status
	// read is retried.
	eraseRetryDelay = 3 * time.Second

	// readChunkMaxRetry and readChunkRetryDelay bound the retry of a
	// single ReadLbaChunk transfer on timeout.
	readChunkMaxRetry   = 3
	readChunkRetryDelay = time.Second

	// rebootMagic is the payload Reboot sends; the device does not ack.
	rebootMagic uint64 = 0x52626F74

	// defaultWriteChunk and defaultReadChunk bound a single
	// WriteLbaChunk/ReadLbaChunk data stage. flagSpiNandWriteWithOob
	// shrinks the write chunk so out-of-band bytes stay page-aligned.
	defaultWriteChunk = 4096
	defaultReadChunk  = 4096

	flagSpiNandWriteWithOob uint64 = 1 << 0

	staleDrainTimeout = 50 * time.Millisecond
)

// Burner drives the UBOOT framed protocol over an opened handle. Probe,
// Info, Erase, Write, and Read are all meaningful here; BootFrom is
// BROM-only and always fails.
type Burner struct {
	handle  device
	version int
	codes   codeMap

	medium kburn.MediumType
	info   kburn.MediumInfo

	errMsg string
}

// New wraps an opened UBOOT-mode handle at the given wrapper version (0
// for the 64-byte wrapper, 1 for the 60-byte wrapper) and performs the
// initial Nop required before any other command.
func New(ctx context.Context, handle *usbtransport.Handle, version int) (*Burner, error) {
	return newWithDevice(ctx, handle, version)
}

// newWithDevice builds a Burner over any device implementation, letting
// tests substitute a fake transport.
func newWithDevice(ctx context.Context, handle device, version int) (*Burner, error) {
	b := &Burner{
		handle:  handle,
		version: version,
		codes:   codesFor(version),
	}
	if err := b.nop(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// nop drains any stale response left over from a prior aborted exchange,
// then sends a Nop and waits for its status.
func (b *Burner) nop(ctx context.Context) error {
	b.drainStale()
	_, err := b.roundTrip(ctx, cmdNop, nil, commandTimeout)
	return err
}

func (b *Burner) drainStale() {
	buf := make([]byte, packetSize(b.version))
	_, _ = b.handle.BulkIn(buf, staleDrainTimeout)
}

// roundTrip sends one CBW carrying cmd/data and reads back its CSW,
// translating a device-reported error result into a *kerr.Error and
// capturing any error string into errMsg.
func (b *Burner) roundTrip(ctx context.Context, cmd uint16, data []byte, timeout time.Duration) (frame, error) {
	if err := ctx.Err(); err != nil {
		return frame{}, kerr.Wrap(kerr.KindUsb, "uboot.roundTrip", err)
	}

	cbw, err := encodeCBW(b.version, cmd, data)
	if err != nil {
		return frame{}, err
	}
	if err := b.handle.BulkOut(cbw, timeout); err != nil {
		return frame{}, err
	}
	b.zlpQuirk(len(cbw), timeout)

	raw := make([]byte, packetSize(b.version))
	n, err := b.handle.BulkIn(raw, timeout)
	if err != nil {
		return frame{}, err
	}

	resp, err := decodeCSW(b.version, cmd, raw[:n])
	if err != nil {
		return frame{}, err
	}
	if err := b.checkResult("uboot.roundTrip", resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// checkResult translates a decoded CSW's result field into nil (OK), a
// *kerr.Error carrying the device's own message (ERROR_MSG, also latched
// into errMsg), or a generic device error for anything else.
func (b *Burner) checkResult(op string, resp frame) error {
	switch resp.Result {
	case resultOK, resultNone:
		return nil
	case resultErrorMsg:
		b.errMsg = string(trimNul(resp.Data))
		return kerr.DeviceError(op, b.errMsg)
	default:
		return kerr.Msg(kerr.KindDevice, op, "device returned error result %d", resp.Result)
	}
}

// zlpQuirk sends a zero-length bulk-OUT after any OUT transfer whose
// length is an exact multiple of the endpoint's max packet size, which
// the v1 wrapper's device side needs to recognize transfer end; v0
// devices neither need nor tolerate it.
func (b *Burner) zlpQuirk(lastLen int, timeout time.Duration) {
	if b.version != 1 {
		return
	}
	mps := b.handle.OutMaxPacketSize()
	if mps <= 0 || lastLen%mps != 0 {
		return
	}
	_ = b.handle.BulkOut(nil, timeout)
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// alignDown and alignUp round v to the nearest multiple of align at or
// below/above it. A zero align is a no-op (used when a medium hasn't
// reported a size yet).
func alignDown(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return v - v%align
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	if rem := v % align; rem != 0 {
		return v + (align - rem)
	}
	return v
}

// Probe asks the device to switch its active medium and returns once it
// acknowledges.
func (b *Burner) Probe(ctx context.Context, medium kburn.MediumType) error {
	payload := make([]byte, 1)
	payload[0] = byte(medium)

	if _, err := b.roundTrip(ctx, cmdProbe, payload, commandTimeout); err != nil {
		return kerr.Wrap(kerr.KindProtocol, "uboot.Probe", err)
	}
	b.medium = medium
	b.info = kburn.MediumInfo{}
	return nil
}

// Info queries and parses the 32-byte medium-info structure: three
// little-endian u64 fields (capacity, block size, erase size) followed
// by a packed u64 bitfield (timeout_ms:32 | write_protected:8 |
// type:7 | valid:1), matching kburn_k230.h's kburn_medium_info layout.
func (b *Burner) Info(ctx context.Context) (kburn.MediumInfo, error) {
	resp, err := b.roundTrip(ctx, cmdGetInfo, nil, commandTimeout)
	if err != nil {
		return kburn.MediumInfo{}, kerr.Wrap(kerr.KindProtocol, "uboot.Info", err)
	}
	if len(resp.Data) < 32 {
		return kburn.MediumInfo{}, kerr.Msg(kerr.KindProtocol, "uboot.Info", "short medium info: %d bytes", len(resp.Data))
	}

	capacity := binary.LittleEndian.Uint64(resp.Data[0:8])
	blockSize := binary.LittleEndian.Uint64(resp.Data[8:16])
	eraseSize := binary.LittleEndian.Uint64(resp.Data[16:24])
	packed := binary.LittleEndian.Uint64(resp.Data[24:32])

	info := kburn.MediumInfo{
		Capacity:       capacity,
		BlockSize:      blockSize,
		EraseSize:      eraseSize,
		TimeoutMs:      uint32(packed & 0xFFFFFFFF),
		WriteProtected: (packed>>32)&0xFF != 0,
		Type:           kburn.MediumType((packed >> 40) & 0x7F),
		Valid:          (packed>>47)&0x1 != 0,
	}
	b.info = info
	return info, nil
}

// Erase erases [offset, offset+size), rejecting a range the medium can't
// satisfy and then aligning it outward to erase_size boundaries (offset
// down, size up) itself rather than trusting the caller to have done so.
// The device erases asynchronously: the CBW is sent exactly once, and
// only the CSW read is retried — on a timeout-kind response, Erase
// sleeps eraseRetryDelay and reads again, up to maxRetry times; any
// other I/O error fails immediately.
func (b *Burner) Erase(ctx context.Context, offset, size uint64, maxRetry int) error {
	if offset+size > b.info.Capacity {
		return kerr.Msg(kerr.KindPrecondition, "uboot.Erase", "erase range [0x%x,0x%x) exceeds capacity 0x%x", offset, offset+size, b.info.Capacity)
	}
	if b.info.WriteProtected {
		return kerr.Msg(kerr.KindPrecondition, "uboot.Erase", "medium is write protected")
	}

	aligned := alignDown(offset, b.info.EraseSize)
	size += offset - aligned
	offset = aligned
	size = alignUp(size, b.info.EraseSize)

	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], offset)
	binary.LittleEndian.PutUint64(payload[8:16], size)

	if err := ctx.Err(); err != nil {
		return kerr.Wrap(kerr.KindUsb, "uboot.Erase", err)
	}
	cbw, err := encodeCBW(b.version, b.codes.eraseLba, payload)
	if err != nil {
		return err
	}
	if err := b.handle.BulkOut(cbw, commandTimeout); err != nil {
		return kerr.WrapRange(kerr.KindUsb, "uboot.Erase", offset, size, err)
	}
	b.zlpQuirk(len(cbw), commandTimeout)

	raw := make([]byte, packetSize(b.version))
	var n int
	var lastErr error
	for attempt := 0; attempt <= maxRetry; attempt++ {
		n, err = b.handle.BulkIn(raw, commandTimeout)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !errors.Is(err, kerr.Timeout) {
			return kerr.WrapRange(kerr.KindUsb, "uboot.Erase", offset, size, err)
		}
		if attempt == maxRetry {
			break
		}
		time.Sleep(eraseRetryDelay)
	}
	if lastErr != nil {
		return kerr.WrapRange(kerr.KindTimeout, "uboot.Erase", offset, size, lastErr)
	}

	resp, err := decodeCSW(b.version, b.codes.eraseLba, raw[:n])
	if err != nil {
		return err
	}
	return b.checkResult("uboot.Erase", resp)
}

// Write streams size bytes read from src to address. It rejects a range
// the medium can't satisfy (capacity, write protection, erase_size
// alignment of address), then rounds size up to a block_size multiple —
// the gap between size and that aligned length is zero-filled rather
// than read from src. The transfer is declared with a WriteLba header
// (offset, aligned size, max, flag for v1; offset and aligned size only
// for v0) and then streamed in defaultWriteChunk chunks: v1 moves each
// chunk as a bare WriteLbaChunk data stage with a CSW read only on
// failure, terminated by a status CSW and a Nop; v0 has no chunk
// command, so the payload goes out as plain bulk-OUT writes with a
// single trailing status read.
func (b *Burner) Write(ctx context.Context, src io.Reader, size, address, max, flag uint64, progress kburn.ProgressSink) error {
	if progress == nil {
		progress = kburn.NopProgress
	}

	if address+size > b.info.Capacity {
		return kerr.Msg(kerr.KindPrecondition, "uboot.Write", "write range [0x%x,0x%x) exceeds capacity 0x%x", address, address+size, b.info.Capacity)
	}
	if b.info.WriteProtected {
		return kerr.Msg(kerr.KindPrecondition, "uboot.Write", "medium is write protected")
	}
	if b.info.EraseSize > 0 && address%b.info.EraseSize != 0 {
		return kerr.Msg(kerr.KindPrecondition, "uboot.Write", "offset 0x%x is not erase_size (0x%x) aligned", address, b.info.EraseSize)
	}

	alignedSize := alignUp(size, b.info.BlockSize)

	var header []byte
	if b.version == 0 {
		header = make([]byte, 16)
		binary.LittleEndian.PutUint64(header[0:8], address)
		binary.LittleEndian.PutUint64(header[8:16], alignedSize)
	} else {
		header = make([]byte, 32)
		binary.LittleEndian.PutUint64(header[0:8], address)
		binary.LittleEndian.PutUint64(header[8:16], alignedSize)
		binary.LittleEndian.PutUint64(header[16:24], max)
		binary.LittleEndian.PutUint64(header[24:32], flag)
	}
	if _, err := b.roundTrip(ctx, b.codes.writeLba, header, commandTimeout); err != nil {
		return kerr.WrapRange(kerr.KindProtocol, "uboot.Write", address, alignedSize, err)
	}
	progress(0, alignedSize)

	chunkSize := uint64(defaultWriteChunk)
	if flag&flagSpiNandWriteWithOob != 0 && b.info.BlockSize > 0 {
		chunkSize = b.info.BlockSize
	}

	if b.version == 0 {
		return b.writeBuffered(ctx, src, size, alignedSize, address, progress)
	}
	return b.writeChunked(ctx, src, size, alignedSize, address, chunkSize, progress)
}

// writeChunked streams alignedSize bytes as bare WriteLbaChunk data
// stages — no CBW wrapper and no per-chunk CSW on success, since
// WriteLbaChunk is a data-only frame. Only the first size bytes come
// from src; the rest of each chunk (and the whole tail past size) is
// left zeroed. If a bulk-OUT fails, one CSW read is attempted to
// surface a device ERROR_MSG. Once every byte is sent, a terminator CSW
// is read and a Nop is issued.
func (b *Burner) writeChunked(ctx context.Context, src io.Reader, size, alignedSize, address, chunkSize uint64, progress kburn.ProgressSink) error {
	buf := make([]byte, chunkSize)
	var read uint64

	for sent := uint64(0); sent < alignedSize; {
		n := chunkSize
		if sent+n > alignedSize {
			n = alignedSize - sent
		}
		chunk := buf[:n]
		for i := range chunk {
			chunk[i] = 0
		}

		if read < size {
			want := n
			if read+want > size {
				want = size - read
			}
			if _, err := io.ReadFull(src, chunk[:want]); err != nil {
				return kerr.WrapRange(kerr.KindIO, "uboot.Write", address+sent, want, err)
			}
			read += want
		}

		if err := b.handle.BulkOut(chunk, commandTimeout); err != nil {
			if resp, rerr := b.readErrorCSW(b.codes.writeLba); rerr == nil && resp.Result == resultErrorMsg {
				b.errMsg = string(trimNul(resp.Data))
				return kerr.DeviceError("uboot.Write", b.errMsg)
			}
			return kerr.WrapRange(kerr.KindUsb, "uboot.Write", address+sent, n, err)
		}
		b.zlpQuirk(int(n), commandTimeout)

		sent += n
		progress(sent, alignedSize)

		if ctx.Err() != nil {
			return kerr.Wrap(kerr.KindUsb, "uboot.Write", ctx.Err())
		}
	}

	status := make([]byte, packetSize(b.version))
	sn, err := b.handle.BulkIn(status, commandTimeout)
	if err != nil {
		return kerr.Wrap(kerr.KindUsb, "uboot.Write", err)
	}
	resp, err := decodeCSW(b.version, b.codes.writeLba, status[:sn])
	if err != nil {
		return err
	}
	if err := b.checkResult("uboot.Write", resp); err != nil {
		return err
	}

	if err := b.nop(ctx); err != nil {
		return err
	}

	progress(alignedSize, alignedSize)
	return nil
}

// readErrorCSW attempts to pull a single CSW off the bulk-IN endpoint
// after a failed bulk-OUT, so a device-reported ERROR_MSG can be
// surfaced instead of just the local transfer error.
func (b *Burner) readErrorCSW(cmd uint16) (frame, error) {
	raw := make([]byte, packetSize(b.version))
	n, err := b.handle.BulkIn(raw, commandTimeout)
	if err != nil {
		return frame{}, err
	}
	return decodeCSW(b.version, cmd, raw[:n])
}

func (b *Burner) writeBuffered(ctx context.Context, src io.Reader, size, alignedSize, address uint64, progress kburn.ProgressSink) error {
	buf := make([]byte, defaultWriteChunk)
	var read uint64

	for sent := uint64(0); sent < alignedSize; {
		n := uint64(len(buf))
		if sent+n > alignedSize {
			n = alignedSize - sent
		}
		chunk := buf[:n]
		for i := range chunk {
			chunk[i] = 0
		}

		if read < size {
			want := n
			if read+want > size {
				want = size - read
			}
			if _, err := io.ReadFull(src, chunk[:want]); err != nil {
				return kerr.WrapRange(kerr.KindIO, "uboot.Write", address+sent, want, err)
			}
			read += want
		}

		if err := b.handle.BulkOut(chunk, commandTimeout); err != nil {
			return kerr.WrapRange(kerr.KindUsb, "uboot.Write", address+sent, n, err)
		}

		sent += n
		progress(sent, alignedSize)

		if ctx.Err() != nil {
			return kerr.Wrap(kerr.KindUsb, "uboot.Write", ctx.Err())
		}
	}

	status := make([]byte, packetSize(b.version))
	sn, err := b.handle.BulkIn(status, commandTimeout)
	if err != nil {
		return kerr.Wrap(kerr.KindUsb, "uboot.Write", err)
	}
	resp, err := decodeCSW(b.version, b.codes.writeLba, status[:sn])
	if err != nil {
		return err
	}
	if err := b.checkResult("uboot.Write", resp); err != nil {
		return err
	}

	if err := b.nop(ctx); err != nil {
		return err
	}

	progress(alignedSize, alignedSize)
	return nil
}

// Read streams size bytes starting at offset into dst. Each chunk rides
// a single bulk-IN of a CSW header immediately followed by its payload
// in the same transfer: the header is validated (cmd, result, and
// data_size against the requested chunk length) and its trailing bytes
// copied to dst. A timed-out chunk read is retried up to
// readChunkMaxRetry times, sleeping readChunkRetryDelay between
// attempts. Once size bytes have arrived, a terminator CSW is read.
func (b *Burner) Read(ctx context.Context, dst io.Writer, offset, size uint64, progress kburn.ProgressSink) (int64, error) {
	if progress == nil {
		progress = kburn.NopProgress
	}

	if offset+size > b.info.Capacity {
		return 0, kerr.Msg(kerr.KindPrecondition, "uboot.Read", "read range [0x%x,0x%x) exceeds capacity 0x%x", offset, offset+size, b.info.Capacity)
	}

	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header[0:8], offset)
	binary.LittleEndian.PutUint64(header[8:16], size)
	if _, err := b.roundTrip(ctx, cmdReadLba, header, commandTimeout); err != nil {
		return 0, kerr.WrapRange(kerr.KindProtocol, "uboot.Read", offset, size, err)
	}
	progress(0, size)

	hdrLen := packetSize(b.version)
	buf := make([]byte, hdrLen+defaultReadChunk)
	var total int64

	for got := uint64(0); got < size; {
		want := uint64(defaultReadChunk)
		if got+want > size {
			want = size - got
		}

		n, err := b.readChunk(buf[:hdrLen+int(want)])
		if err != nil {
			return total, kerr.WrapRange(kerr.KindUsb, "uboot.Read", offset+got, want, err)
		}
		if n < hdrLen {
			return total, kerr.Msg(kerr.KindProtocol, "uboot.Read", "short chunk response: %d bytes", n)
		}

		cmd, result, dataSize, err := decodeReadChunkHeader(b.version, buf[:hdrLen])
		if err != nil {
			return total, err
		}
		if cmd != cmdReadLbaChunk|cmdRespFlag {
			return total, kerr.Msg(kerr.KindProtocol, "uboot.Read", "chunk csw cmd mismatch: got %#x", cmd)
		}
		if result == resultErrorMsg {
			b.errMsg = string(trimNul(buf[hdrLen:n]))
			return total, kerr.DeviceError("uboot.Read", b.errMsg)
		}
		if result != resultOK && result != resultNone {
			return total, kerr.Msg(kerr.KindDevice, "uboot.Read", "chunk read rejected at offset %d: result %d", offset+got, result)
		}
		if uint64(dataSize) != want {
			return total, kerr.Msg(kerr.KindProtocol, "uboot.Read", "chunk data_size mismatch: got %d want %d", dataSize, want)
		}

		payload := buf[hdrLen:n]
		if _, err := dst.Write(payload); err != nil {
			return total, kerr.WrapRange(kerr.KindIO, "uboot.Read", offset+got, want, err)
		}

		total += int64(len(payload))
		got += uint64(len(payload))
		progress(got, size)

		if ctx.Err() != nil {
			return total, kerr.Wrap(kerr.KindUsb, "uboot.Read", ctx.Err())
		}
	}

	status := make([]byte, packetSize(b.version))
	sn, err := b.handle.BulkIn(status, commandTimeout)
	if err != nil {
		return total, kerr.Wrap(kerr.KindUsb, "uboot.Read", err)
	}
	resp, err := decodeCSW(b.version, cmdReadLbaChunk, status[:sn])
	if err != nil {
		return total, err
	}
	if err := b.checkResult("uboot.Read", resp); err != nil {
		return total, err
	}

	progress(size, size)
	return total, nil
}

// readChunk reads one ReadLbaChunk transfer into buf, retrying a
// timeout-kind failure up to readChunkMaxRetry times with a flat
// readChunkRetryDelay pause; any other error is returned immediately.
func (b *Burner) readChunk(buf []byte) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= readChunkMaxRetry; attempt++ {
		n, err := b.handle.BulkIn(buf, commandTimeout)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !errors.Is(err, kerr.Timeout) {
			return 0, err
		}
		if attempt == readChunkMaxRetry {
			break
		}
		time.Sleep(readChunkRetryDelay)
	}
	return 0, lastErr
}

// Reboot sends the reset command with its fixed magic payload. The
// device does not reply before resetting, so Reboot does not wait for a
// status frame.
func (b *Burner) Reboot(ctx context.Context) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, rebootMagic)

	cbw, err := encodeCBW(b.version, cmdReboot, payload)
	if err != nil {
		return err
	}
	if err := b.handle.BulkOut(cbw, commandTimeout); err != nil {
		return kerr.Wrap(kerr.KindUsb, "uboot.Reboot", err)
	}
	return nil
}

// BootFrom is BROM-only.
func (b *Burner) BootFrom(ctx context.Context, address uint64) error {
	return kerr.Msg(kerr.KindPrecondition, "uboot.BootFrom", "uboot burner does not support boot-from-address")
}

func (b *Burner) LastError() string { return b.errMsg }
