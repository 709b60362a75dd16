package page

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// ErrKeyTooLong is returned when a key exceeds MaxKeyLength bytes.
var ErrKeyTooLong = errors.New("page: key exceeds maximum length")

// crc32Table is the IEEE polynomial table used for all entry checksums.
// CRC32 is used purely for corruption detection, never for tamper-proofing.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// Item is the atomic unit persisted on a Page. It is encoded as one header
// entry (EntrySize bytes) followed by Span-1 raw payload entries for
// variable-length types.
type Item struct {
	NSIndex    uint8
	Datatype   DataType
	Span       uint8
	ChunkIndex uint8
	Key        string
	CRC32      uint32

	// DataSize is the payload length in bytes for variable-length types
	// (Str, BlobData) and the BLOB_IDX's dataSize field meaning.
	DataSize uint32
	// Value holds the inline payload for fixed-width scalar types, LE-encoded.
	Value uint64

	// BlobChunkCount / BlobChunkStart are populated for TypeBlobIdx items.
	// BlobChunkStart is also set for TypeBlobData items, decoded from the
	// generation bit of ChunkIndex.
	BlobChunkCount uint8
	BlobChunkStart VerOffset

	// Payload is the raw variable-length bytes for Str/BlobData items. It
	// is set by WriteItem's caller; headers decoded by Page.Load carry no
	// payload, which is read separately with Page.ReadPayload.
	Payload []byte
}

// SpanFor computes the number of contiguous entries an item with the given
// datatype and payload length occupies.
func SpanFor(t DataType, payloadLen int) uint8 {
	if _, ok := t.FixedSize(); ok {
		return 1
	}
	// header entry carries no payload bytes of its own for var-length items;
	// every byte of payload needs a full data entry.
	n := (payloadLen + EntrySize - 1) / EntrySize
	if n == 0 {
		n = 1
	}
	return uint8(1 + n)
}

// encodeHeader writes the EntrySize-byte header entry for item into buf.
func encodeHeader(buf []byte, it *Item) error {
	if len(it.Key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := range buf[:EntrySize] {
		buf[i] = 0
	}
	buf[0] = it.NSIndex
	buf[1] = byte(it.Datatype)
	buf[2] = it.Span
	buf[3] = it.ChunkIndex
	binary.LittleEndian.PutUint32(buf[4:8], it.CRC32)
	copy(buf[8:8+MaxKeyLength], it.Key)
	// buf[8+len(it.Key)] is already zero (NUL terminator)

	switch it.Datatype {
	case TypeBlobIdx:
		binary.LittleEndian.PutUint32(buf[24:28], it.DataSize)
		buf[28] = it.BlobChunkCount
		buf[29] = byte(it.BlobChunkStart)
	case TypeStr, TypeBlobData, TypeBlob:
		binary.LittleEndian.PutUint32(buf[24:28], it.DataSize)
	default:
		binary.LittleEndian.PutUint64(buf[24:32], it.Value)
	}
	return nil
}

// decodeHeader parses an EntrySize-byte header entry into an Item. It does
// not validate the CRC; callers verify that separately against the payload.
func decodeHeader(buf []byte) Item {
	var it Item
	it.NSIndex = buf[0]
	it.Datatype = DataType(buf[1])
	it.Span = buf[2]
	it.ChunkIndex = buf[3]
	it.CRC32 = binary.LittleEndian.Uint32(buf[4:8])

	keyEnd := 8
	for keyEnd < 8+MaxKeyLength+1 && buf[keyEnd] != 0 {
		keyEnd++
	}
	it.Key = string(buf[8:keyEnd])

	switch it.Datatype {
	case TypeBlobIdx:
		it.DataSize = binary.LittleEndian.Uint32(buf[24:28])
		it.BlobChunkCount = buf[28]
		it.BlobChunkStart = VerOffset(buf[29])
	case TypeBlobData:
		it.DataSize = binary.LittleEndian.Uint32(buf[24:28])
		it.BlobChunkStart = VerOffset(it.ChunkIndex & uint8(Ver1))
	case TypeStr, TypeBlob:
		it.DataSize = binary.LittleEndian.Uint32(buf[24:28])
	default:
		it.Value = binary.LittleEndian.Uint64(buf[24:32])
	}
	return it
}

// ChecksumPayload computes the CRC32 used to detect torn/corrupted writes.
func ChecksumPayload(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}
