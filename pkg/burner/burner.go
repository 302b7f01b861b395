// Package burner defines the capability set both burner implementations
// (BROM and UBOOT) satisfy, replacing the source's virtual-base-plus-two-
// concrete-subclasses pattern with a single interface plus two
// independent, non-inheriting implementations that happen to share the
// usbtransport package.
package burner

import (
	"context"
	"io"

	"kburn/pkg/kburn"
)

// Burner is the capability set a session drives. Not every method is
// meaningful on every implementation: brom.Burner's Erase/Read/Probe/
// Info return a precondition error, and uboot.Burner's BootFrom does the
// same, mirroring the source's "not support" stubs but as ordinary
// errors instead of always-false booleans.
type Burner interface {
	// Write streams size bytes from src to the medium/SRAM starting at
	// address. max and flag are UBOOT-only (the partition's max_size
	// bound and its content flags, e.g. SpiNandWriteWithOob); brom
	// ignores both.
	Write(ctx context.Context, src io.Reader, size, address, max, flag uint64, progress kburn.ProgressSink) error
	// BootFrom causes the chip to jump to address (BROM only).
	BootFrom(ctx context.Context, address uint64) error

	// Probe negotiates the target medium and chunk sizes (UBOOT only).
	Probe(ctx context.Context, medium kburn.MediumType) error
	// Info returns the cached or freshly queried medium info (UBOOT only).
	Info(ctx context.Context) (kburn.MediumInfo, error)
	// Erase erases [offset, offset+size) (UBOOT only).
	Erase(ctx context.Context, offset, size uint64, maxRetry int) error
	// Read streams size bytes starting at offset to dst (UBOOT only).
	Read(ctx context.Context, dst io.Writer, offset, size uint64, progress kburn.ProgressSink) (int64, error)
	// Reboot resets the device; no response is expected.
	Reboot(ctx context.Context) error

	// LastError returns the most recent device-supplied error string,
	// if any.
	LastError() string
}
