package page

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/nvsflash/nvs/partition"
)

// PageState is the lifecycle state of a whole sector.
type PageState uint32

const (
	StateUninitialized PageState = iota
	StateActive
	StateFull
	StateFreeing
	// stateCorrupt is never persisted; it's returned by Load when the
	// header CRC doesn't match and the page must be treated as unusable
	// until the next EraseSector.
	stateCorrupt
)

func (s PageState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateFull:
		return "full"
	case StateFreeing:
		return "freeing"
	default:
		return "corrupt"
	}
}

const pageMagic uint32 = 0x4e565331 // "NVS1"

var (
	// ErrPageFull is returned by writeItem when no contiguous run of
	// entries large enough for the item's span remains.
	ErrPageFull = errors.New("page: insufficient free entries")
	// ErrItemNotFound is returned by findItem/eraseItem when no live
	// entry matches the lookup.
	ErrItemNotFound = errors.New("page: item not found")
	// ErrCorruptHeader is returned by Load when the page header CRC
	// does not match its contents.
	ErrCorruptHeader = errors.New("page: corrupt header")
)

// Page is the in-memory view of one erase-sector's worth of bookkeeping:
// its header, its entry-state bitmap, and the decoded headers of every
// entry currently in the Written or Writing state. Payload bytes for
// variable-length items are read from the partition lazily.
type Page struct {
	part   partition.Partition
	sector int

	state PageState
	seqNo uint32

	entryCount int
	bitmap     *EntryBitmap
	// headers[i] is the decoded header of entry i if its bitmap state is
	// Writing or Written; zero Item otherwise. Only index 0 of each
	// item's span holds a populated header.
	headers []Item

	bitmapOff int
	entryOff  int
}

// NewPage initializes the in-memory structures for a page occupying the
// given sector, sized for part's sector size. It does not touch the
// partition; call Format or Load next.
func NewPage(part partition.Partition, sector int) *Page {
	n := EntryCountFor(part.SectorSize())
	p := &Page{
		part:       part,
		sector:     sector,
		state:      StateUninitialized,
		entryCount: n,
		bitmap:     NewEntryBitmap(n),
		headers:    make([]Item, n),
	}
	p.bitmapOff = HeaderSize
	p.entryOff = HeaderSize + p.bitmap.ByteSize()
	return p
}

func (p *Page) Sector() int        { return p.sector }
func (p *Page) State() PageState   { return p.state }
func (p *Page) SeqNo() uint32      { return p.seqNo }
func (p *Page) EntryCount() int    { return p.entryCount }

// Format erases the page's sector and writes a fresh ACTIVE header with
// the given sequence number. Used both for brand-new pages and for pages
// being recycled out of FREEING by the page manager's GC path.
func (p *Page) Format(ctx context.Context, seqNo uint32) error {
	if err := p.part.EraseSector(ctx, p.sector); err != nil {
		return err
	}
	p.state = StateActive
	p.seqNo = seqNo
	p.bitmap = NewEntryBitmap(p.entryCount)
	p.headers = make([]Item, p.entryCount)
	return p.writeHeader(ctx)
}

func (p *Page) writeHeader(ctx context.Context) error {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], pageMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.state))
	binary.LittleEndian.PutUint32(buf[8:12], p.seqNo)
	buf[12] = 1 // format version
	for i := 13; i < 28; i++ {
		buf[i] = 0xFF
	}
	crc := crc32.Checksum(buf[0:28], crc32Table)
	binary.LittleEndian.PutUint32(buf[28:32], crc)
	return p.part.Write(ctx, int64(p.sector)*int64(p.part.SectorSize()), buf)
}

// setState persists a new page state by overwriting just the state word
// and header CRC. Because PageState values only ever progress forward
// (Uninitialized<Active<Full<Freeing, as bit patterns chosen below), this
// is representable as a pure bit-clear over the previous header.
func (p *Page) setState(ctx context.Context, s PageState) error {
	p.state = s
	base := int64(p.sector) * int64(p.part.SectorSize())
	buf := make([]byte, HeaderSize)
	if err := p.part.Read(ctx, base, buf); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s))
	crc := crc32.Checksum(buf[0:28], crc32Table)
	binary.LittleEndian.PutUint32(buf[28:32], crc)
	return p.part.Write(ctx, base, buf)
}

// Reset erases the page's sector and returns it to Uninitialized,
// ready to be formatted again. Used by the page manager during garbage
// collection, after caching a Full page's live items in memory and
// before reformatting the sector and rewriting those items into it.
func (p *Page) Reset(ctx context.Context) error {
	if err := p.part.EraseSector(ctx, p.sector); err != nil {
		return err
	}
	p.state = StateUninitialized
	p.seqNo = 0
	p.bitmap = NewEntryBitmap(p.entryCount)
	p.headers = make([]Item, p.entryCount)
	return nil
}

// MarkFull transitions an Active page to Full. Called by the page
// manager once an item write fails with ErrPageFull or the caller wants
// to stop allocating into this page.
func (p *Page) MarkFull(ctx context.Context) error {
	if p.state != StateActive {
		return fmt.Errorf("page: MarkFull called on %s page", p.state)
	}
	return p.setState(ctx, StateFull)
}

// MarkFreeing transitions a Full page to Freeing, the last step before
// its live entries are relocated and its sector erased by the page
// manager's GC path.
func (p *Page) MarkFreeing(ctx context.Context) error {
	if p.state != StateFull {
		return fmt.Errorf("page: MarkFreeing called on %s page", p.state)
	}
	return p.setState(ctx, StateFreeing)
}

// Load reads the header, bitmap and entry headers back from the
// partition, reconstructing in-memory state after a mount. Entries found
// in the Writing state are reclassified as Erased per the power-loss
// recovery rule: a write that never reached Written never committed.
func (p *Page) Load(ctx context.Context) error {
	base := int64(p.sector) * int64(p.part.SectorSize())
	hdr := make([]byte, HeaderSize)
	if err := p.part.Read(ctx, base, hdr); err != nil {
		return err
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != pageMagic {
		p.state = StateUninitialized
		return nil
	}
	crc := crc32.Checksum(hdr[0:28], crc32Table)
	if crc != binary.LittleEndian.Uint32(hdr[28:32]) {
		p.state = stateCorrupt
		return ErrCorruptHeader
	}
	p.state = PageState(binary.LittleEndian.Uint32(hdr[4:8]))
	p.seqNo = binary.LittleEndian.Uint32(hdr[8:12])

	bitmapBuf := make([]byte, p.bitmap.ByteSize())
	if err := p.part.Read(ctx, base+int64(p.bitmapOff), bitmapBuf); err != nil {
		return err
	}
	p.bitmap = UnmarshalEntryBitmap(bitmapBuf, p.entryCount)

	entBuf := make([]byte, EntrySize)
	for i := 0; i < p.entryCount; {
		st := p.bitmap.State(i)
		if st == StateEmpty {
			i++
			continue
		}
		if st == StateWriting {
			// torn write: never reached Written, so it never committed.
			// Its span is unknown without a valid header; treat just
			// this one entry as erased and continue scanning, since a
			// torn write leaves at most one header entry unreadable.
			p.bitmap.MarkErased(i)
			i++
			continue
		}
		off := base + int64(p.entryOff) + int64(i)*EntrySize
		if err := p.part.Read(ctx, off, entBuf); err != nil {
			return err
		}
		hdr := decodeHeader(entBuf)
		if st == StateWritten {
			p.headers[i] = hdr
		}
		span := int(hdr.Span)
		if span < 1 {
			span = 1
		}
		i += span
	}
	return nil
}

// findFreeRun locates the first run of `span` contiguous Empty entries.
func (p *Page) findFreeRun(span uint8) (int, bool) {
	run := 0
	for i := 0; i < p.entryCount; i++ {
		if p.bitmap.State(i) == StateEmpty {
			run++
			if run == int(span) {
				return i - run + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// WriteItem places it (whose Span/CRC32 must already be set by the
// caller) at the first sufficiently large free run, writing the payload
// before the header and the header entry's state bits in the
// power-loss-safe order: mark Writing, write payload entries, write the
// header entry, mark Written.
func (p *Page) WriteItem(ctx context.Context, it Item) (int, error) {
	if p.state != StateActive {
		return 0, fmt.Errorf("page: WriteItem called on %s page", p.state)
	}
	start, ok := p.findFreeRun(it.Span)
	if !ok {
		return 0, ErrPageFull
	}
	base := int64(p.sector) * int64(p.part.SectorSize())

	for i := start; i < start+int(it.Span); i++ {
		p.bitmap.MarkWriting(i)
	}
	if err := p.flushBitmap(ctx, start, start+int(it.Span)); err != nil {
		return 0, err
	}

	if len(it.Payload) > 0 {
		off := base + int64(p.entryOff) + int64(start+1)*EntrySize
		if err := p.part.Write(ctx, off, it.Payload); err != nil {
			return 0, err
		}
	}

	hdrBuf := make([]byte, EntrySize)
	if err := encodeHeader(hdrBuf, &it); err != nil {
		return 0, err
	}
	off := base + int64(p.entryOff) + int64(start)*EntrySize
	if err := p.part.Write(ctx, off, hdrBuf); err != nil {
		return 0, err
	}

	for i := start; i < start+int(it.Span); i++ {
		p.bitmap.MarkWritten(i)
	}
	if err := p.flushBitmap(ctx, start, start+int(it.Span)); err != nil {
		return 0, err
	}
	p.headers[start] = it
	return start, nil
}

// flushBitmap persists the on-page bytes covering entries
// [startEntry, endEntry), the range a single MarkWriting/MarkWritten/
// MarkErased call just touched. Rewriting only that range, rather than
// the whole bitmap, keeps every other entry's already-committed bits
// untouched on flash.
func (p *Page) flushBitmap(ctx context.Context, startEntry, endEntry int) error {
	base := int64(p.sector) * int64(p.part.SectorSize())
	off, data := p.bitmap.MarshalRange(startEntry, endEntry)
	return p.part.Write(ctx, base+int64(p.bitmapOff)+int64(off), data)
}

// FindItem scans for a live (Written) entry matching the given filter.
// Wildcards: NSRsvd for nsIndex, TypeAny for datatype, "" for key,
// ChunkAny for chunkIndex and VerAny for ver. ver is only compared
// against TypeBlobData entries.
func (p *Page) FindItem(nsIndex uint8, dt DataType, key string, chunkIndex uint8, ver VerOffset) (int, Item, bool) {
	for i := 0; i < p.entryCount; i++ {
		if p.bitmap.State(i) != StateWritten {
			continue
		}
		it := p.headers[i]
		if it.Key == "" && it.Datatype == 0 {
			continue // not a header slot (mid-span payload entry)
		}
		if nsIndex != NSRsvd && it.NSIndex != nsIndex {
			continue
		}
		if dt != TypeAny && it.Datatype != dt {
			continue
		}
		if key != "" && it.Key != key {
			continue
		}
		if chunkIndex != ChunkAny && it.ChunkIndex != chunkIndex {
			continue
		}
		if ver != VerAny && it.Datatype == TypeBlobData && it.BlobChunkStart != ver {
			continue
		}
		return i, it, true
	}
	return 0, Item{}, false
}

// ReadPayload reads the variable-length payload bytes for the item whose
// header entry starts at index start.
func (p *Page) ReadPayload(ctx context.Context, start int, size uint32) ([]byte, error) {
	base := int64(p.sector) * int64(p.part.SectorSize())
	off := base + int64(p.entryOff) + int64(start+1)*EntrySize
	buf := make([]byte, size)
	if err := p.part.Read(ctx, off, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EraseItem flips every entry of the span starting at start from
// Written to Erased.
func (p *Page) EraseItem(ctx context.Context, start int) error {
	it := p.headers[start]
	span := it.Span
	if span == 0 {
		span = 1
	}
	end := start + int(span)
	if end > p.entryCount {
		end = p.entryCount
	}
	for i := start; i < end; i++ {
		p.bitmap.MarkErased(i)
	}
	if err := p.flushBitmap(ctx, start, end); err != nil {
		return err
	}
	p.headers[start] = Item{}
	return nil
}

// CmpItem reports whether the live entry matching the filter has payload
// bytes equal to want, used by the multi-page blob protocol to avoid a
// redundant rewrite when a chunk's content has not changed.
func (p *Page) CmpItem(ctx context.Context, nsIndex uint8, dt DataType, key string, chunkIndex uint8, ver VerOffset, want []byte) (bool, error) {
	start, it, ok := p.FindItem(nsIndex, dt, key, chunkIndex, ver)
	if !ok {
		return false, ErrItemNotFound
	}
	got, err := p.ReadPayload(ctx, start, it.DataSize)
	if err != nil {
		return false, err
	}
	if uint32(len(want)) != it.DataSize {
		return false, nil
	}
	for i := range want {
		if want[i] != got[i] {
			return false, nil
		}
	}
	return true, nil
}

// UsedEntries returns the count of entries in the Writing or Written
// state, used by the page manager to compute GC victim scores.
func (p *Page) UsedEntries() int {
	return p.bitmap.CountInState(StateWriting) + p.bitmap.CountInState(StateWritten)
}

// ErasedEntries returns the count of entries in the Erased state.
func (p *Page) ErasedEntries() int {
	return p.bitmap.CountInState(StateErased)
}

// FreeEntries returns the count of entries still Empty.
func (p *Page) FreeEntries() int {
	return p.bitmap.CountInState(StateEmpty)
}

// Tailroom returns the entries available for payload bytes of a
// hypothetical new item on this page, i.e. the free entries minus the
// one reserved for that item's own header entry.
func (p *Page) Tailroom() int {
	free := p.FreeEntries()
	if free == 0 {
		return 0
	}
	return free - 1
}

// LiveItems returns the header of every Written entry that starts an
// item (i.e. excludes mid-span payload slots), used by the page manager
// during duplicate detection at mount and by GC relocation.
func (p *Page) LiveItems() []struct {
	Index int
	Item  Item
} {
	var out []struct {
		Index int
		Item  Item
	}
	for i := 0; i < p.entryCount; i++ {
		if p.bitmap.State(i) != StateWritten {
			continue
		}
		it := p.headers[i]
		if it.Key == "" && it.Datatype == 0 {
			continue
		}
		out = append(out, struct {
			Index int
			Item  Item
		}{i, it})
	}
	return out
}
