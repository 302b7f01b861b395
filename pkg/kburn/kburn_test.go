package kburn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceKindString(t *testing.T) {
	assert.Equal(t, "brom", KindBrom.String())
	assert.Equal(t, "uboot", KindUboot.String())
	assert.Equal(t, "invalid", KindInvalid.String())
	assert.Equal(t, "invalid", DeviceKind(99).String())
}

func TestMediumTypeString(t *testing.T) {
	assert.Equal(t, "emmc", MediumEmmc.String())
	assert.Equal(t, "sdcard", MediumSdCard.String())
	assert.Equal(t, "spi_nand", MediumSpiNand.String())
	assert.Equal(t, "spi_nor", MediumSpiNor.String())
	assert.Equal(t, "otp", MediumOtp.String())
	assert.Equal(t, "invalid", MediumInvalid.String())
}

func TestDeviceDescriptorString(t *testing.T) {
	d := DeviceDescriptor{VID: 0x29F1, PID: 0x0230, Path: "1-2", Kind: KindBrom}
	assert.Equal(t, "29f1:0230@1-2(brom)", d.String())
}

func TestNopProgressDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { NopProgress(0, 100) })
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	var l NopLogger
	assert.NotPanics(t, func() { l.Log(LevelError, "boom: %d", 1) })
}
