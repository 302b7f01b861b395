// Package brom implements the BROM USB personality: uploading a loader
// blob into the chip's SRAM in fixed-size chunks and jumping to it.
package brom

import (
	"context"
	"io"
	"time"

	"kburn/internal/assets"
	"kburn/internal/kerr"
	"kburn/pkg/kburn"
	"kburn/pkg/usbtransport"
)

// Vendor control requests, from kburn_k230.h's USB_KENDRYTE_REQUEST_BASIC.
const (
	reqGetCPUInfo     = 0
	reqSetDataAddress = 1
	reqProgStart      = 4
)

const (
	// sramPageSize is literally 1000, not 1024, preserved as observed
	// in the source.
	sramPageSize = 1000

	// DefaultAddress is the default SRAM load/jump address.
	DefaultAddress = 0x80360000

	controlTimeout = time.Second
)

// AddressMin and AddressMax bound the valid load/jump address range
// enforced at the CLI boundary; the core itself treats address as an
// opaque u32.
const (
	AddressMin = 0x80300000
	AddressMax = 0x80400000
)

// device is the subset of *usbtransport.Handle BROM's upload/jump
// sequence drives, narrowed so it can be exercised against a fake in
// tests instead of real hardware.
type device interface {
	ControlOut(request uint8, value, index uint16, timeout time.Duration) error
	BulkOut(data []byte, timeout time.Duration) error
}

// Burner uploads a loader into SRAM and jumps to it. It implements
// burner.Burner; the UBOOT-only methods (Probe, Info, Erase, Read)
// always fail with a precondition error.
type Burner struct {
	handle device
	medium kburn.MediumType
	errMsg string
}

// New wraps an opened BROM-mode handle.
func New(handle *usbtransport.Handle) *Burner {
	return newWithDevice(handle)
}

func newWithDevice(handle device) *Burner {
	return &Burner{handle: handle}
}

// SetMediumType selects which embedded loader GetLoader returns.
func (b *Burner) SetMediumType(medium kburn.MediumType) {
	b.medium = medium
}

// GetLoader returns the embedded loader blob for the burner's configured
// medium type, or (nil, false) if none is wired (MediumInvalid, or a
// medium with no BROM-stage loader).
func (b *Burner) GetLoader() ([]byte, bool) {
	return assets.Loader(b.medium)
}

// Write uploads size bytes read from src into SRAM starting at address,
// sramPageSize bytes (1000, not 1024) per bulk-OUT, after one control
// transfer setting the target address. max and flag are UBOOT-only
// parameters and are ignored here. Reports progress after every page and
// once more at completion.
func (b *Burner) Write(ctx context.Context, src io.Reader, size, address, max, flag uint64, progress kburn.ProgressSink) error {
	if progress == nil {
		progress = kburn.NopProgress
	}

	if err := b.setDataAddress(address); err != nil {
		return err
	}

	pages := (size + sramPageSize - 1) / sramPageSize
	page := make([]byte, sramPageSize)

	for i := uint64(0); i < pages; i++ {
		offset := i * sramPageSize
		chunkSize := uint64(sramPageSize)
		if offset+chunkSize > size {
			chunkSize = size - offset
		}

		if _, err := io.ReadFull(src, page[:chunkSize]); err != nil {
			return kerr.WrapRange(kerr.KindIO, "brom.Write", offset, chunkSize, err)
		}

		if err := b.handle.BulkOut(page[:chunkSize], controlTimeout); err != nil {
			return kerr.WrapRange(kerr.KindUsb, "brom.Write", offset, chunkSize, err)
		}

		progress(offset, size)

		if ctx.Err() != nil {
			return kerr.Wrap(kerr.KindUsb, "brom.Write", ctx.Err())
		}
	}

	progress(size, size)
	return nil
}

func (b *Burner) setDataAddress(address uint64) error {
	addr := uint32(address)
	err := b.handle.ControlOut(reqSetDataAddress, hi16(addr), lo16(addr), controlTimeout)
	if err != nil {
		return kerr.Wrap(kerr.KindUsb, "brom.setDataAddress", err)
	}
	return nil
}

// BootFrom issues EP0_PROG_START at address, causing the chip to jump
// and (on success) re-enumerate in UBOOT mode.
func (b *Burner) BootFrom(ctx context.Context, address uint64) error {
	addr := uint32(address)
	err := b.handle.ControlOut(reqProgStart, hi16(addr), lo16(addr), controlTimeout)
	if err != nil {
		return kerr.Wrap(kerr.KindUsb, "brom.BootFrom", err)
	}
	return nil
}

func hi16(addr uint32) uint16 { return uint16(addr >> 16) }
func lo16(addr uint32) uint16 { return uint16(addr & 0xffff) }

// Probe, Info, Erase, and Read are not supported in BROM mode.
func (b *Burner) Probe(ctx context.Context, medium kburn.MediumType) error {
	return kerr.Msg(kerr.KindPrecondition, "brom.Probe", "brom burner does not support probe")
}

func (b *Burner) Info(ctx context.Context) (kburn.MediumInfo, error) {
	return kburn.MediumInfo{}, kerr.Msg(kerr.KindPrecondition, "brom.Info", "brom burner does not support medium info")
}

func (b *Burner) Erase(ctx context.Context, offset, size uint64, maxRetry int) error {
	return kerr.Msg(kerr.KindPrecondition, "brom.Erase", "brom burner does not support erase")
}

func (b *Burner) Read(ctx context.Context, dst io.Writer, offset, size uint64, progress kburn.ProgressSink) (int64, error) {
	return 0, kerr.Msg(kerr.KindPrecondition, "brom.Read", "brom burner does not support read")
}

// Reboot is not meaningful before a loader has jumped; BootFrom is the
// BROM equivalent.
func (b *Burner) Reboot(ctx context.Context) error {
	return kerr.Msg(kerr.KindPrecondition, "brom.Reboot", "use BootFrom in brom mode")
}

func (b *Burner) LastError() string { return b.errMsg }
