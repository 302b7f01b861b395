package uboot

import (
	"encoding/binary"

	"kburn/internal/kerr"
)

// Command codes. Nop/Reboot/Probe/GetInfo/WriteLbaChunk/ReadLba/
// ReadLbaChunk are stable across protocol versions; EraseLba and
// WriteLba swap between v0 and v1.
const (
	cmdNop           = 0x00
	cmdReboot        = 0x01
	cmdProbe         = 0x10
	cmdGetInfo       = 0x11
	cmdWriteLbaChunk = 0x22
	cmdReadLba       = 0x23
	cmdReadLbaChunk  = 0x24

	cmdEraseLbaV0 = 0x21
	cmdWriteLbaV0 = 0x20
	cmdEraseLbaV1 = 0x20
	cmdWriteLbaV1 = 0x21
)

// cmdRespFlag is OR-ed into cmd on every device->host response.
const cmdRespFlag = 0x8000

// Result codes.
const (
	resultNone     = 0
	resultOK       = 1
	resultError    = 2
	resultErrorMsg = 0xFF
)

// Wrapper sizes: v1 uses the 60-byte form (2-byte data_size, 54 bytes of
// inline data); v0 uses the 64-byte form (1-byte data_size, 59 bytes of
// inline data).
const (
	packetSizeV1 = 60
	packetSizeV0 = 64

	dataCapV1 = packetSizeV1 - 6 // cmd(2) + result(2) + data_size(2)
	dataCapV0 = packetSizeV0 - 5 // cmd(2) + result(2) + data_size(1)
)

// codeMap resolves the version-dependent EraseLba/WriteLba assignment.
type codeMap struct {
	eraseLba uint16
	writeLba uint16
}

func codesFor(version int) codeMap {
	if version == 0 {
		return codeMap{eraseLba: cmdEraseLbaV0, writeLba: cmdWriteLbaV0}
	}
	return codeMap{eraseLba: cmdEraseLbaV1, writeLba: cmdWriteLbaV1}
}

// frame is the decoded form of a CBW or CSW. Cmd never carries
// cmdRespFlag in the in-memory representation: encodeCBW never sets it
// (a CBW is always host-to-device), and decodeCSW strips it after
// checking it was present.
type frame struct {
	Cmd    uint16
	Result uint16
	Data   []byte
}

// packetSize returns the on-wire wrapper size for version (60 for v1, 64
// for v0).
func packetSize(version int) int {
	if version == 0 {
		return packetSizeV0
	}
	return packetSizeV1
}

func dataCap(version int) int {
	if version == 0 {
		return dataCapV0
	}
	return dataCapV1
}

// decodeReadChunkHeader parses just the CSW-header prefix of a
// ReadLbaChunk bulk-IN transfer, leaving the payload that follows it in
// the same transfer untouched: unlike decodeCSW's single-packet inline
// data, a chunk's actual bytes ride after the header rather than inside
// it, so only cmd/result/data_size are pulled out here.
func decodeReadChunkHeader(version int, raw []byte) (cmd, result uint16, dataSize int, err error) {
	hdrLen := packetSize(version)
	if len(raw) < hdrLen {
		return 0, 0, 0, kerr.Msg(kerr.KindProtocol, "uboot.decodeReadChunkHeader", "short chunk header: %d < %d", len(raw), hdrLen)
	}

	cmd = binary.LittleEndian.Uint16(raw[0:2])
	result = binary.LittleEndian.Uint16(raw[2:4])
	if version == 0 {
		dataSize = int(raw[4])
	} else {
		dataSize = int(binary.LittleEndian.Uint16(raw[4:6]))
	}
	return cmd, result, dataSize, nil
}

// encodeCBW serializes a host->device command. cmd is written without
// cmdRespFlag (the flag only ever appears on CSWs).
func encodeCBW(version int, cmd uint16, data []byte) ([]byte, error) {
	if len(data) > dataCap(version) {
		return nil, kerr.Msg(kerr.KindProtocol, "uboot.encodeCBW", "command data size too large: %d > %d", len(data), dataCap(version))
	}

	buf := make([]byte, packetSize(version))
	binary.LittleEndian.PutUint16(buf[0:2], cmd)
	binary.LittleEndian.PutUint16(buf[2:4], 0) // result unused on CBW

	if version == 0 {
		buf[4] = uint8(len(data))
		copy(buf[5:], data)
	} else {
		binary.LittleEndian.PutUint16(buf[4:6], uint16(len(data)))
		copy(buf[6:], data)
	}

	return buf, nil
}

// decodeCSW parses a device->host response wrapper. raw must be exactly
// packetSize(version) bytes, and its cmd field must carry cmdRespFlag
// over wantCmd — the device echoes the command it's responding to with
// that bit set, which decodeCSW verifies and then strips before
// returning it in frame.Cmd.
func decodeCSW(version int, wantCmd uint16, raw []byte) (frame, error) {
	want := packetSize(version)
	if len(raw) != want {
		return frame{}, kerr.Msg(kerr.KindProtocol, "uboot.decodeCSW", "short csw: %d != %d", len(raw), want)
	}

	wireCmd := binary.LittleEndian.Uint16(raw[0:2])
	if wireCmd != wantCmd|cmdRespFlag {
		return frame{}, kerr.Msg(kerr.KindProtocol, "uboot.decodeCSW", "csw cmd mismatch: got %#x want %#x", wireCmd, wantCmd|cmdRespFlag)
	}

	f := frame{
		Cmd:    wireCmd &^ cmdRespFlag,
		Result: binary.LittleEndian.Uint16(raw[2:4]),
	}

	var dataSize int
	var dataOff int
	if version == 0 {
		dataSize = int(raw[4])
		dataOff = 5
	} else {
		dataSize = int(binary.LittleEndian.Uint16(raw[4:6]))
		dataOff = 6
	}

	maxData := want - dataOff
	if dataSize > maxData {
		dataSize = maxData
	}
	f.Data = raw[dataOff : dataOff+dataSize]

	return f, nil
}
