package kerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "usb", KindUsb.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "protocol", KindProtocol.String())
	assert.Equal(t, "device", KindDevice.String())
	assert.Equal(t, "precondition", KindPrecondition.String())
	assert.Equal(t, "io", KindIO.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestWrapFormatsMessage(t *testing.T) {
	inner := errors.New("bulk transfer failed")
	err := Wrap(KindUsb, "usbtransport.BulkIn", inner)

	msg := err.Error()
	assert.Contains(t, msg, "kburn: usb: usbtransport.BulkIn")
	assert.Contains(t, msg, "bulk transfer failed")
}

func TestWrapRangeIncludesOffsetAndSize(t *testing.T) {
	err := WrapRange(KindIO, "brom.Write", 0x1000, 0x200, errors.New("short read"))
	msg := err.Error()
	assert.Contains(t, msg, "[offset=0x1000 size=0x200]")
}

func TestMsgFormatsArgs(t *testing.T) {
	err := Msg(KindProtocol, "uboot.decodeCSW", "short csw: %d != %d", 10, 60)
	assert.Contains(t, err.Error(), "short csw: 10 != 60")
}

func TestDeviceErrorIncludesDeviceMessage(t *testing.T) {
	err := DeviceError("uboot.Probe", "unsupported medium")
	assert.Equal(t, "unsupported medium", err.DeviceMsg)
	assert.Contains(t, err.Error(), "(device: unsupported medium)")
}

func TestUnwrapReturnsWrappedError(t *testing.T) {
	inner := errors.New("deadline exceeded")
	err := Wrap(KindTimeout, "uboot.roundTrip", inner)
	assert.Equal(t, inner, errors.Unwrap(err))
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := Wrap(KindTimeout, "uboot.roundTrip", errors.New("x"))
	assert.True(t, errors.Is(err, Timeout))
	assert.False(t, errors.Is(err, Usb))
}

func TestErrorsIsThroughFmtWrap(t *testing.T) {
	err := Wrap(KindDevice, "uboot.Probe", errors.New("x"))
	wrapped := fmt.Errorf("probe failed: %w", err)
	assert.True(t, errors.Is(wrapped, Device))
}

func TestErrorsAsExtractsStructuredFields(t *testing.T) {
	err := WrapRange(KindIO, "image.Extract", 10, 20, errors.New("crc mismatch"))
	var kerrErr *Error
	require.True(t, errors.As(err, &kerrErr))
	assert.Equal(t, uint64(10), kerrErr.Offset)
	assert.Equal(t, uint64(20), kerrErr.Size)
}
