package nvs

import (
	"github.com/nvsflash/nvs/internal/page"
)

// Entry is one item surfaced by an Iterator.
type Entry struct {
	NSIndex  uint8
	Datatype page.DataType
	Key      string
	Sector   int
	Index    int
}

// Iterator produces the ordered sequence of user items across every
// page: BLOB_IDX records are hidden (an in-progress or superseded blob
// generation is an implementation detail), and only the first chunk of
// each BLOB_DATA generation (the one whose chunk index is exactly
// VER_0_OFFSET or VER_1_OFFSET) stands in for the whole blob.
//
// An Iterator is invalidated by any mutating Storage operation called
// while it is in use; Storage does not track iterators, so using one
// past such a call is undefined behavior, matching the single-threaded
// cooperative model the rest of the package assumes.
type Iterator struct {
	storage  *Storage
	nsFilter uint8
	hasNS    bool
	typeFilt page.DataType

	pageIdx  int
	entryIdx int
	cur      *Entry
}

// FindEntry returns an Iterator over every user item, optionally
// restricted to one namespace and/or one datatype. Pass hasNS=false to
// match any namespace; pass page.TypeAny to match any datatype.
func (s *Storage) FindEntry(nsIndex uint8, hasNS bool, dt page.DataType) *Iterator {
	it := &Iterator{storage: s, nsFilter: nsIndex, hasNS: hasNS, typeFilt: dt}
	it.Reset()
	return it
}

// Reset rewinds the iterator to the beginning of the sequence.
func (it *Iterator) Reset() {
	it.pageIdx = 0
	it.entryIdx = 0
	it.cur = nil
}

func (it *Iterator) included(i page.Item) bool {
	if i.NSIndex == page.NSIndex {
		return false
	}
	if it.hasNS && i.NSIndex != it.nsFilter {
		return false
	}
	if i.Datatype == page.TypeBlobIdx {
		return false
	}
	if i.Datatype == page.TypeBlobData && i.ChunkIndex != uint8(page.Ver0) && i.ChunkIndex != uint8(page.Ver1) {
		return false
	}
	if it.typeFilt != page.TypeAny && i.Datatype != it.typeFilt {
		return false
	}
	return true
}

// Next advances to the next matching item, returning false once the
// sequence is exhausted.
func (it *Iterator) Next() bool {
	pages := it.storage.mgr.Pages()
	for it.pageIdx < len(pages) {
		p := pages[it.pageIdx]
		live := p.LiveItems()
		for it.entryIdx < len(live) {
			li := live[it.entryIdx]
			it.entryIdx++
			if it.included(li.Item) {
				it.cur = &Entry{
					NSIndex:  li.Item.NSIndex,
					Datatype: li.Item.Datatype,
					Key:      li.Item.Key,
					Sector:   p.Sector(),
					Index:    li.Index,
				}
				return true
			}
		}
		it.pageIdx++
		it.entryIdx = 0
	}
	it.cur = nil
	return false
}

// Entry returns the current item. Only valid after Next returns true.
func (it *Iterator) Entry() Entry {
	if it.cur == nil {
		return Entry{}
	}
	return *it.cur
}
