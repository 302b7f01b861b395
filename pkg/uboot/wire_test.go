package uboot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSizeByVersion(t *testing.T) {
	assert.Equal(t, 64, packetSize(0))
	assert.Equal(t, 60, packetSize(1))
}

func TestDataCapByVersion(t *testing.T) {
	assert.Equal(t, 59, dataCap(0))
	assert.Equal(t, 54, dataCap(1))
}

func TestCodesForSwapBetweenVersions(t *testing.T) {
	v0 := codesFor(0)
	v1 := codesFor(1)

	assert.Equal(t, uint16(0x21), v0.eraseLba)
	assert.Equal(t, uint16(0x20), v0.writeLba)
	assert.Equal(t, uint16(0x20), v1.eraseLba)
	assert.Equal(t, uint16(0x21), v1.writeLba)
}

func TestEncodeCBWRejectsOversizedData(t *testing.T) {
	_, err := encodeCBW(1, cmdProbe, make([]byte, dataCapV1+1))
	require.Error(t, err)

	_, err = encodeCBW(0, cmdProbe, make([]byte, dataCapV0+1))
	require.Error(t, err)
}

func TestEncodeCBWExactWrapperSize(t *testing.T) {
	for _, version := range []int{0, 1} {
		buf, err := encodeCBW(version, cmdGetInfo, []byte{1, 2, 3})
		require.NoError(t, err)
		assert.Len(t, buf, packetSize(version))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, version := range []int{0, 1} {
		data := []byte{0xAA, 0xBB, 0xCC, 0xDD}
		buf, err := encodeCBW(version, cmdWriteLbaChunk, data)
		require.NoError(t, err)

		// A real device echoes the command with cmdRespFlag set; set
		// it here the way the device side would before decoding.
		buf[0] |= byte(cmdRespFlag)
		buf[1] |= byte(cmdRespFlag >> 8)

		f, err := decodeCSW(version, cmdWriteLbaChunk, buf)
		require.NoError(t, err)
		assert.Equal(t, uint16(cmdWriteLbaChunk), f.Cmd)
		assert.Equal(t, data, f.Data)
	}
}

func TestDecodeCSWRejectsShortFrame(t *testing.T) {
	_, err := decodeCSW(1, cmdNop, make([]byte, packetSizeV1-1))
	require.Error(t, err)
}

func TestDecodeCSWRejectsCmdMismatch(t *testing.T) {
	buf, err := encodeCBW(1, cmdNop, nil)
	require.NoError(t, err)
	buf[0] |= byte(cmdRespFlag)
	buf[1] |= byte(cmdRespFlag >> 8)

	_, err = decodeCSW(1, cmdProbe, buf)
	require.Error(t, err)
}

func TestDecodeCSWClampsOversizedDataSize(t *testing.T) {
	// A device that (incorrectly) reports a data_size larger than the
	// wrapper can hold must not cause an out-of-range slice.
	raw := make([]byte, packetSizeV1)
	raw[0] |= byte(cmdRespFlag)
	raw[1] |= byte(cmdRespFlag >> 8)
	raw[4] = 0xFF
	raw[5] = 0xFF

	f, err := decodeCSW(1, cmdNop, raw)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(f.Data), packetSizeV1-6)
}

func TestEncodeCBWZeroesResultField(t *testing.T) {
	buf, err := encodeCBW(1, cmdNop, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(0), buf[2])
	assert.Equal(t, byte(0), buf[3])
}
