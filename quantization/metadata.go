package quantization

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Metadata blob format:
//
//	magic   uint32  "TAPQ"
//	version uint32
//	crc     uint32  CRC32 of the compressed payload
//	paylen  uint32  compressed payload length
//	payload []byte  zstd-compressed codebook body
//
// body (uncompressed):
//
//	dimension     uint32
//	numSubvectors uint32
//	numCentroids  uint32
//	centroids     [M][K][D/M]float32, little endian
const (
	metadataMagic   uint32 = 0x54415051 // "TAPQ"
	metadataVersion uint32 = 1
	metadataHeader         = 16
)

// ErrBadMetadata is returned when a quantizer metadata blob fails
// validation.
var ErrBadMetadata = errors.New("quantization: corrupt quantizer metadata")

// EncodeMetadata serializes the trained codebook into a self-validating,
// zstd-compressed blob suitable for the index metadata tape.
func EncodeMetadata(pq *ProductQuantizer) ([]byte, error) {
	if !pq.Trained() {
		return nil, ErrNotTrained
	}

	body := make([]byte, 12+4*pq.dimension*pq.numCentroids)
	binary.LittleEndian.PutUint32(body[0:4], uint32(pq.dimension))
	binary.LittleEndian.PutUint32(body[4:8], uint32(pq.numSubvectors))
	binary.LittleEndian.PutUint32(body[8:12], uint32(pq.numCentroids))

	off := 12
	for _, cb := range pq.codebooks {
		for _, centroid := range cb {
			for _, v := range centroid {
				binary.LittleEndian.PutUint32(body[off:], math.Float32bits(v))
				off += 4
			}
		}
	}

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("quantization: create encoder: %w", err)
	}
	if _, err := enc.Write(body[:off]); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("quantization: compress metadata: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("quantization: compress metadata: %w", err)
	}

	payload := compressed.Bytes()
	blob := make([]byte, metadataHeader+len(payload))
	binary.LittleEndian.PutUint32(blob[0:4], metadataMagic)
	binary.LittleEndian.PutUint32(blob[4:8], metadataVersion)
	binary.LittleEndian.PutUint32(blob[8:12], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(blob[12:16], uint32(len(payload)))
	copy(blob[metadataHeader:], payload)
	return blob, nil
}

// DecodeMetadata reconstructs a trained quantizer from a metadata blob
// written by EncodeMetadata.
func DecodeMetadata(blob []byte) (*ProductQuantizer, error) {
	if len(blob) < metadataHeader {
		return nil, ErrBadMetadata
	}
	if binary.LittleEndian.Uint32(blob[0:4]) != metadataMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadMetadata)
	}
	if v := binary.LittleEndian.Uint32(blob[4:8]); v != metadataVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadMetadata, v)
	}
	crc := binary.LittleEndian.Uint32(blob[8:12])
	payLen := int(binary.LittleEndian.Uint32(blob[12:16]))
	if len(blob) < metadataHeader+payLen {
		return nil, fmt.Errorf("%w: truncated payload", ErrBadMetadata)
	}
	payload := blob[metadataHeader : metadataHeader+payLen]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBadMetadata)
	}

	dec, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("quantization: create decoder: %w", err)
	}
	defer dec.Close()

	body, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMetadata, err)
	}
	if len(body) < 12 {
		return nil, fmt.Errorf("%w: short body", ErrBadMetadata)
	}

	dimension := int(binary.LittleEndian.Uint32(body[0:4]))
	numSubvectors := int(binary.LittleEndian.Uint32(body[4:8]))
	numCentroids := int(binary.LittleEndian.Uint32(body[8:12]))

	pq, err := New(dimension, numSubvectors, numCentroids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMetadata, err)
	}

	want := 12 + 4*dimension*numCentroids
	if len(body) != want {
		return nil, fmt.Errorf("%w: body length %d, want %d", ErrBadMetadata, len(body), want)
	}

	subDim := dimension / numSubvectors
	codebooks := make([][][]float32, numSubvectors)
	off := 12
	for m := range codebooks {
		codebooks[m] = make([][]float32, numCentroids)
		for k := range codebooks[m] {
			centroid := make([]float32, subDim)
			for d := range centroid {
				centroid[d] = math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
				off += 4
			}
			codebooks[m][k] = centroid
		}
	}

	if err := pq.SetCodebooks(codebooks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMetadata, err)
	}
	return pq, nil
}
