package tapeann

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/tapeann/core"
)

// ErrBadMeta is returned when a persisted metadata record fails validation.
var ErrBadMeta = errors.New("tapeann: corrupt index metadata")

// indexMeta is the durable state of the index beyond its pages: geometry,
// the entry point, the quantizer blob's location and the tombstone set.
// Records are appended to the meta tape; the newest valid record wins at
// open time.
//
// Record layout:
//
//	magic        uint32  "TTAM"
//	version      uint32
//	dimension    uint32
//	metric       uint8
//	flags        uint8   (bit 0: quantized, bit 1: half precision)
//	maxNeighbors uint16
//	pqM, pqK     uint16
//	entry        6 bytes
//	quantizerPtr 6 bytes
//	liveCount    uint64
//	bitmapLen    uint32
//	bitmap       roaring64 serialization of tombstoned pointer keys
//	crc          uint32 over everything above
type indexMeta struct {
	Dimension     int
	Metric        uint8
	Quantized     bool
	HalfPrecision bool
	MaxNeighbors  int
	PQSubvectors  int
	PQCentroids   int
	Entry         core.ItemPointer
	QuantizerPtr  core.ItemPointer
	LiveCount     uint64
	Deleted       *roaring64.Bitmap
}

const (
	metaMagic       uint32 = 0x5454414D // "TTAM"
	metaVersion     uint32 = 1
	metaFixedLen           = 4 + 4 + 4 + 1 + 1 + 2 + 2 + 2 + 6 + 6 + 8 + 4
	metaFlagQuant          = 0x01
	metaFlagHalf           = 0x02
)

func (m *indexMeta) encode() ([]byte, error) {
	bitmap, err := m.Deleted.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("tapeann: serialize tombstone set: %w", err)
	}

	buf := make([]byte, metaFixedLen+len(bitmap)+4)
	binary.LittleEndian.PutUint32(buf[0:], metaMagic)
	binary.LittleEndian.PutUint32(buf[4:], metaVersion)
	binary.LittleEndian.PutUint32(buf[8:], uint32(m.Dimension))
	buf[12] = m.Metric
	if m.Quantized {
		buf[13] |= metaFlagQuant
	}
	if m.HalfPrecision {
		buf[13] |= metaFlagHalf
	}
	binary.LittleEndian.PutUint16(buf[14:], uint16(m.MaxNeighbors))
	binary.LittleEndian.PutUint16(buf[16:], uint16(m.PQSubvectors))
	binary.LittleEndian.PutUint16(buf[18:], uint16(m.PQCentroids))
	core.PutItemPointer(buf[20:], m.Entry)
	core.PutItemPointer(buf[26:], m.QuantizerPtr)
	binary.LittleEndian.PutUint64(buf[32:], m.LiveCount)
	binary.LittleEndian.PutUint32(buf[40:], uint32(len(bitmap)))
	copy(buf[metaFixedLen:], bitmap)

	crcOff := metaFixedLen + len(bitmap)
	binary.LittleEndian.PutUint32(buf[crcOff:], crc32.ChecksumIEEE(buf[:crcOff]))
	return buf, nil
}

func decodeMeta(buf []byte) (*indexMeta, error) {
	if len(buf) < metaFixedLen+4 {
		return nil, fmt.Errorf("%w: short record", ErrBadMeta)
	}
	if binary.LittleEndian.Uint32(buf[0:]) != metaMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadMeta)
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != metaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadMeta, v)
	}

	bitmapLen := int(binary.LittleEndian.Uint32(buf[40:]))
	crcOff := metaFixedLen + bitmapLen
	if len(buf) != crcOff+4 {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrBadMeta, len(buf), crcOff+4)
	}
	if crc32.ChecksumIEEE(buf[:crcOff]) != binary.LittleEndian.Uint32(buf[crcOff:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadMeta)
	}

	deleted := roaring64.New()
	if bitmapLen > 0 {
		if err := deleted.UnmarshalBinary(buf[metaFixedLen:crcOff]); err != nil {
			return nil, fmt.Errorf("%w: tombstone set: %v", ErrBadMeta, err)
		}
	}

	return &indexMeta{
		Dimension:     int(binary.LittleEndian.Uint32(buf[8:])),
		Metric:        buf[12],
		Quantized:     buf[13]&metaFlagQuant != 0,
		HalfPrecision: buf[13]&metaFlagHalf != 0,
		MaxNeighbors:  int(binary.LittleEndian.Uint16(buf[14:])),
		PQSubvectors:  int(binary.LittleEndian.Uint16(buf[16:])),
		PQCentroids:   int(binary.LittleEndian.Uint16(buf[18:])),
		Entry:         core.GetItemPointer(buf[20:]),
		QuantizerPtr:  core.GetItemPointer(buf[26:]),
		LiveCount:     binary.LittleEndian.Uint64(buf[32:]),
		Deleted:       deleted,
	}, nil
}
