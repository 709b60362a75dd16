// Package page implements the per-sector bookkeeping layer of the NVS
// storage core: entry layout, item placement, and the Page state machine.
package page

import "fmt"

// DataType tags the payload carried by an Item.
type DataType uint8

const (
	TypeU8 DataType = iota + 1
	TypeI8
	TypeU16
	TypeI16
	TypeU32
	TypeI32
	TypeU64
	TypeI64
	TypeStr
	TypeBlob     // legacy single-chunk blob, stored without an index
	TypeBlobData // one chunk of a multi-page blob
	TypeBlobIdx  // blob index record {dataSize, chunkCount, chunkStart}
	// TypeAny is a wildcard used only in lookups/erasure; it is never persisted.
	TypeAny DataType = 0xff
)

func (t DataType) String() string {
	switch t {
	case TypeU8:
		return "u8"
	case TypeI8:
		return "i8"
	case TypeU16:
		return "u16"
	case TypeI16:
		return "i16"
	case TypeU32:
		return "u32"
	case TypeI32:
		return "i32"
	case TypeU64:
		return "u64"
	case TypeI64:
		return "i64"
	case TypeStr:
		return "str"
	case TypeBlob:
		return "blob"
	case TypeBlobData:
		return "blob_data"
	case TypeBlobIdx:
		return "blob_idx"
	case TypeAny:
		return "any"
	default:
		return fmt.Sprintf("datatype(%d)", uint8(t))
	}
}

// FixedSize returns the inline payload size for fixed-width scalar types,
// and false for variable-length/blob types.
func (t DataType) FixedSize() (int, bool) {
	switch t {
	case TypeU8, TypeI8:
		return 1, true
	case TypeU16, TypeI16:
		return 2, true
	case TypeU32, TypeI32:
		return 4, true
	case TypeU64, TypeI64:
		return 8, true
	default:
		return 0, false
	}
}

// VerOffset is the two-state blob generation tag embedded into chunkStart,
// allowing a (namespace,key) blob to have two concurrently observable
// generations during an atomic swap.
type VerOffset uint8

const (
	Ver0 VerOffset = 0
	Ver1 VerOffset = 0x80
	// VerAny is a sentinel used only in lookups, matching either generation.
	VerAny VerOffset = 0xff
	// ChunkAny is a wildcard chunk index used only in lookups.
	ChunkAny uint8 = 0xff
)

// Toggle is a pure function mapping Ver0<->Ver1. It panics on VerAny, which
// has no toggle — callers must resolve VerAny to a concrete generation
// before toggling.
func (v VerOffset) Toggle() VerOffset {
	switch v {
	case Ver0:
		return Ver1
	case Ver1:
		return Ver0
	default:
		panic("page: Toggle called on non-concrete VerOffset")
	}
}

// Reserved namespace indices.
const (
	NSIndex uint8 = 0   // NS_INDEX: holds name->index mappings
	NSAny   uint8 = 0   // equals NSIndex, so not a usable wildcard; FindItem matches any namespace on NSRsvd
	NSMax   uint8 = 254 // highest assignable namespace index
	NSRsvd  uint8 = 255 // reserved, never issued
)

const (
	// MaxKeyLength is the maximum key length in bytes, excluding the
	// trailing NUL (storage reserves MaxKeyLength+1 bytes for the key).
	MaxKeyLength = 15

	// EntrySize is the fixed size, in bytes, of one entry slot.
	EntrySize = 32

	// HeaderSize is the fixed size, in bytes, of the page header.
	HeaderSize = 32

	// There is no ChunkMaxSize constant: the maximum payload of one
	// BLOB_DATA chunk depends on the sector size and is computed from
	// EntryCountFor by the root package's Storage.chunkMaxSize.
)

// EntryCountFor returns how many fixed-size entries fit in a sector of the
// given size after the header and the per-entry state bitmap (see
// EntryBitmap for why it spends three bits per entry rather than two).
//
// bitmapBytes = ceil(entryCount*flagsPerEntry/8); the result is the
// largest entryCount with entryCount*EntrySize + bitmapBytes + HeaderSize
// <= sectorSize. Solved iteratively since bitmapBytes depends on
// entryCount's rounding.
func EntryCountFor(sectorSize int) int {
	n := (sectorSize - HeaderSize) / EntrySize
	for {
		bitmapBytes := (n*flagsPerEntry + 7) / 8
		if HeaderSize+bitmapBytes+n*EntrySize <= sectorSize {
			return n
		}
		n--
		if n <= 0 {
			return 0
		}
	}
}
