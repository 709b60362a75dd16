package page

import "github.com/bits-and-blooms/bitset"

// EntryState is the lifecycle state of one entry slot.
type EntryState uint8

const (
	StateEmpty EntryState = iota
	StateWriting
	StateWritten
	StateErased
)

func (s EntryState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateWriting:
		return "writing"
	case StateWritten:
		return "written"
	case StateErased:
		return "erased"
	default:
		return "unknown"
	}
}

// EntryBitmap tracks the per-entry lifecycle state of a Page.
//
// A strict two-bit encoding cannot represent four states under a
// clear-only (program-only-clears-bits) write discipline: the submask
// lattice of a 2-bit field has a longest strictly-decreasing chain of
// three elements (11->10->00), one short of the four lifecycle states
// {Empty,Writing,Written,Erased}. EntryBitmap instead uses three
// independent flags per entry (writing, written, erased), each set at
// most once and never cleared back to zero — which is exactly the
// clear-only discipline, just spent on three bits instead of two. See
// DESIGN.md for the corresponding Open Question resolution.
//
// On-page, a flag's bit is 1 (matching the erased-sector default) while
// unset and 0 once set — see MarshalBinary.
type EntryBitmap struct {
	bits  *bitset.BitSet
	count uint
}

const flagsPerEntry = 3

func flagWriting(i uint) uint { return i*flagsPerEntry + 0 }
func flagWritten(i uint) uint { return i*flagsPerEntry + 1 }
func flagErased(i uint) uint  { return i*flagsPerEntry + 2 }

// NewEntryBitmap allocates a bitmap for count entries, all initially Empty.
func NewEntryBitmap(count int) *EntryBitmap {
	return &EntryBitmap{
		bits:  bitset.New(uint(count) * flagsPerEntry),
		count: uint(count),
	}
}

// State returns the current lifecycle state of entry i.
func (b *EntryBitmap) State(i int) EntryState {
	idx := uint(i)
	switch {
	case b.bits.Test(flagErased(idx)):
		return StateErased
	case b.bits.Test(flagWritten(idx)):
		return StateWritten
	case b.bits.Test(flagWriting(idx)):
		return StateWriting
	default:
		return StateEmpty
	}
}

// MarkWriting transitions entry i from Empty to Writing.
func (b *EntryBitmap) MarkWriting(i int) {
	b.bits.Set(flagWriting(uint(i)))
}

// MarkWritten transitions entry i from Writing to Written.
func (b *EntryBitmap) MarkWritten(i int) {
	b.bits.Set(flagWritten(uint(i)))
}

// MarkErased transitions entry i (Written or Writing) to Erased.
func (b *EntryBitmap) MarkErased(i int) {
	b.bits.Set(flagErased(uint(i)))
}

// Count returns the number of entries tracked.
func (b *EntryBitmap) Count() int { return int(b.count) }

// CountInState returns how many entries currently hold the given state.
func (b *EntryBitmap) CountInState(s EntryState) int {
	n := 0
	for i := uint(0); i < b.count; i++ {
		if b.State(int(i)) == s {
			n++
		}
	}
	return n
}

// MarshalBinary packs the bitmap into its on-page byte representation
// (ceil(count*3/8) bytes), used when persisting the page header region.
//
// A freshly erased sector reads back as all 0xFF, so a flag's on-page
// bit is 1 when unset and 0 once set: going Empty->Writing->Written
// only ever clears bits, never sets one back to 1, which is the only
// transition partition.Partition.Write allows.
func (b *EntryBitmap) MarshalBinary() []byte {
	_, out := b.MarshalRange(0, int(b.count))
	return out
}

// MarshalRange packs only the bytes covering entries [startEntry,
// endEntry) into their on-page representation, returning the byte
// offset from the start of the bitmap region alongside the packed
// bytes. Used by flushBitmap to persist the delta a single
// MarkWriting/MarkWritten/MarkErased call produced instead of
// rewriting the whole region: since flags are only ever set, never
// cleared, the byte recomputed here for entries outside [startEntry,
// endEntry) that happen to share a byte matches whatever is already
// physically on flash, so this never re-requests a bit that was
// already committed.
func (b *EntryBitmap) MarshalRange(startEntry, endEntry int) (int, []byte) {
	total := b.count * flagsPerEntry
	startByte := uint(startEntry) * flagsPerEntry / 8
	endBit := uint(endEntry) * flagsPerEntry
	endByte := (endBit + 7) / 8
	out := make([]byte, endByte-startByte)
	for i := startByte * 8; i < endByte*8 && i < total; i++ {
		if !b.bits.Test(i) {
			out[i/8-startByte] |= 1 << (i % 8)
		}
	}
	return int(startByte), out
}

// UnmarshalEntryBitmap reconstructs an EntryBitmap from its persisted
// bytes, using the same 1-is-unset convention as MarshalBinary.
func UnmarshalEntryBitmap(data []byte, count int) *EntryBitmap {
	b := NewEntryBitmap(count)
	nbits := uint(count) * flagsPerEntry
	for i := uint(0); i < nbits; i++ {
		if data[i/8]&(1<<(i%8)) == 0 {
			b.bits.Set(i)
		}
	}
	return b
}

// ByteSize returns the number of bytes MarshalBinary produces.
func (b *EntryBitmap) ByteSize() int {
	return int((b.count*flagsPerEntry + 7) / 8)
}
