package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
)

// buildHeader assembles a valid header with its CRC32 correctly computed
// (over the header with the CRC field itself zeroed), the way
// parseHeader verifies it.
func buildHeader(tblNum uint32, tblCRC uint32, imageInfo, chipInfo, boardInfo string) []byte {
	raw := make([]byte, headerWireSize)
	binary.LittleEndian.PutUint32(raw[0:4], headerMagic)
	binary.LittleEndian.PutUint32(raw[8:12], 0)
	binary.LittleEndian.PutUint32(raw[12:16], 1)
	binary.LittleEndian.PutUint32(raw[16:20], tblNum)
	binary.LittleEndian.PutUint32(raw[20:24], tblCRC)
	copy(raw[24:56], imageInfo)
	copy(raw[56:88], chipInfo)
	copy(raw[88:152], boardInfo)

	crc := crc32.ChecksumIEEE(raw)
	binary.LittleEndian.PutUint32(raw[4:8], crc)
	return raw
}

type partSpec struct {
	name                                                  string
	offset, size, eraseSize, maxSize, flag                uint32
	contentOffset, contentSize                            uint32
	sha256                                                [32]byte
}

func buildPartEntry(s partSpec) []byte {
	slot := make([]byte, partWireSize)
	binary.LittleEndian.PutUint32(slot[0:4], partMagic)
	binary.LittleEndian.PutUint32(slot[4:8], s.offset)
	binary.LittleEndian.PutUint32(slot[8:12], s.size)
	binary.LittleEndian.PutUint32(slot[12:16], s.eraseSize)
	binary.LittleEndian.PutUint32(slot[16:20], s.maxSize)
	binary.LittleEndian.PutUint32(slot[20:24], s.flag)
	binary.LittleEndian.PutUint32(slot[24:28], s.contentOffset)
	binary.LittleEndian.PutUint32(slot[28:32], s.contentSize)
	copy(slot[32:64], s.sha256[:])
	copy(slot[64:96], s.name)
	return slot
}

// buildPartTable concatenates entries and returns the raw table bytes
// plus the CRC32 parsePartTable expects to find in the header.
func buildPartTable(entries ...[]byte) ([]byte, uint32) {
	raw := bytes.Join(entries, nil)
	return raw, crc32.ChecksumIEEE(raw)
}

func sha256Of(data []byte) [32]byte {
	return sha256.Sum256(data)
}
