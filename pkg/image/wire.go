package image

import (
	"encoding/binary"
	"hash/crc32"

	"kburn/internal/kerr"
)

// Wire layout matches the C reference tool's kd_img_hdr_t/kd_img_part_t.
// Both structs are alignas-padded to a round size; only the leading
// fields carry data.
const (
	headerMagic     = 0x27CB8F93
	partMagic       = 0x91DF6DA4
	headerWireSize  = 512
	partWireSize    = 256
	partDataSize    = 4*8 + 32 + 32 // eight u32 + sha256[32] + name[32]
	shaDigestLength = 32
	partNameLength  = 32
)

// header is the parsed form of kd_img_hdr_t.
type header struct {
	Magic       uint32
	CRC32       uint32
	Flag        uint32
	Version     uint32
	PartTblNum  uint32
	PartTblCRC  uint32
	ImageInfo   string
	ChipInfo    string
	BoardInfo   string
}

func parseHeader(raw []byte) (header, error) {
	if len(raw) != headerWireSize {
		return header{}, kerr.Msg(kerr.KindProtocol, "image.parseHeader", "short header: %d != %d", len(raw), headerWireSize)
	}

	h := header{
		Magic:      binary.LittleEndian.Uint32(raw[0:4]),
		CRC32:      binary.LittleEndian.Uint32(raw[4:8]),
		Flag:       binary.LittleEndian.Uint32(raw[8:12]),
		Version:    binary.LittleEndian.Uint32(raw[12:16]),
		PartTblNum: binary.LittleEndian.Uint32(raw[16:20]),
		PartTblCRC: binary.LittleEndian.Uint32(raw[20:24]),
		ImageInfo:  trimCString(raw[24:56]),
		ChipInfo:   trimCString(raw[56:88]),
		BoardInfo:  trimCString(raw[88:152]),
	}

	if h.Magic != headerMagic {
		return header{}, kerr.Msg(kerr.KindProtocol, "image.parseHeader", "invalid header magic 0x%08x != 0x%08x", h.Magic, uint32(headerMagic))
	}

	zeroed := make([]byte, len(raw))
	copy(zeroed, raw)
	binary.LittleEndian.PutUint32(zeroed[4:8], 0)
	calc := crc32.ChecksumIEEE(zeroed)
	if calc != h.CRC32 {
		return header{}, kerr.Msg(kerr.KindProtocol, "image.parseHeader", "invalid header crc32 0x%08x != 0x%08x", h.CRC32, calc)
	}

	return h, nil
}

// part is the parsed form of kd_img_part_t.
type part struct {
	Offset        uint32
	Size          uint32
	EraseSize     uint32
	MaxSize       uint32
	Flag          uint32
	ContentOffset uint32
	ContentSize   uint32
	ContentSHA256 [shaDigestLength]byte
	Name          string
}

func parsePartTable(raw []byte, wantCRC uint32, count uint32) ([]part, error) {
	wantLen := int(count) * partWireSize
	if len(raw) != wantLen {
		return nil, kerr.Msg(kerr.KindProtocol, "image.parsePartTable", "short part table: %d != %d", len(raw), wantLen)
	}

	calc := crc32.ChecksumIEEE(raw)
	if calc != wantCRC {
		return nil, kerr.Msg(kerr.KindProtocol, "image.parsePartTable", "invalid part table crc32 0x%08x != 0x%08x", wantCRC, calc)
	}

	parts := make([]part, 0, count)
	for i := 0; i < int(count); i++ {
		slot := raw[i*partWireSize : i*partWireSize+partDataSize]

		magic := binary.LittleEndian.Uint32(slot[0:4])
		if magic != partMagic {
			return nil, kerr.Msg(kerr.KindProtocol, "image.parsePartTable", "invalid part magic at index %d: 0x%08x", i, magic)
		}

		p := part{
			Offset:        binary.LittleEndian.Uint32(slot[4:8]),
			Size:          binary.LittleEndian.Uint32(slot[8:12]),
			EraseSize:     binary.LittleEndian.Uint32(slot[12:16]),
			MaxSize:       binary.LittleEndian.Uint32(slot[16:20]),
			Flag:          binary.LittleEndian.Uint32(slot[20:24]),
			ContentOffset: binary.LittleEndian.Uint32(slot[24:28]),
			ContentSize:   binary.LittleEndian.Uint32(slot[28:32]),
			Name:          trimCString(slot[64:96]),
		}
		copy(p.ContentSHA256[:], slot[32:64])

		parts = append(parts, p)
	}

	return parts, nil
}

func trimCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
