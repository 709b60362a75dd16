package nvs

import (
	"context"
	"fmt"

	roaring "github.com/RoaringBitmap/roaring/v2"

	"github.com/nvsflash/nvs/internal/page"
)

// namespaceEntry is one row of the in-memory name->index map rebuilt
// from NS_INDEX items at mount.
type namespaceEntry struct {
	Name  string
	Index uint8
}

// namespaceTable tracks every registered namespace name and a dense
// bitmap of which of the 254 assignable indices are in use.
type namespaceTable struct {
	entries []namespaceEntry
	inUse   *roaring.Bitmap
}

func newNamespaceTable() *namespaceTable {
	t := &namespaceTable{inUse: roaring.New()}
	// NS_INDEX (0) and the reserved top index (255) are never assignable.
	t.inUse.Add(uint32(page.NSIndex))
	t.inUse.Add(uint32(page.NSRsvd))
	return t
}

func (t *namespaceTable) lookup(name string) (uint8, bool) {
	for _, e := range t.entries {
		if e.Name == name {
			return e.Index, true
		}
	}
	return 0, false
}

func (t *namespaceTable) lookupIndex(idx uint8) (string, bool) {
	for _, e := range t.entries {
		if e.Index == idx {
			return e.Name, true
		}
	}
	return "", false
}

// allocate picks the lowest free index in [1,254], marking it in use.
// It does not persist anything; the caller does that via writeItem.
func (t *namespaceTable) allocate(name string) (uint8, error) {
	for i := uint32(1); i <= uint32(page.NSMax); i++ {
		if !t.inUse.Contains(i) {
			t.inUse.Add(i)
			t.entries = append(t.entries, namespaceEntry{Name: name, Index: uint8(i)})
			return uint8(i), nil
		}
	}
	return 0, ErrNotEnoughSpace
}

func (t *namespaceTable) register(name string, idx uint8) {
	t.inUse.Add(uint32(idx))
	t.entries = append(t.entries, namespaceEntry{Name: name, Index: idx})
}

// rebuildFromPages scans every page's NS_INDEX items to reconstruct the
// name->index map and in-use bitmap. Called once at mount.
func (t *namespaceTable) rebuildFromPages(pages []*page.Page) {
	for _, p := range pages {
		for _, li := range p.LiveItems() {
			if li.Item.NSIndex != page.NSIndex || li.Item.Datatype != page.TypeU8 {
				continue
			}
			t.register(li.Item.Key, uint8(li.Item.Value))
		}
	}
}

func (s *Storage) createOrOpenNamespace(ctx context.Context, name string, canCreate bool) (uint8, error) {
	if idx, ok := s.namespaces.lookup(name); ok {
		return idx, nil
	}
	if !canCreate {
		return 0, &ErrNamespaceNotFound{Name: name}
	}
	idx, err := s.namespaces.allocate(name)
	if err != nil {
		return 0, err
	}
	it := page.Item{
		NSIndex:  page.NSIndex,
		Datatype: page.TypeU8,
		Key:      name,
		Span:     1,
		Value:    uint64(idx),
	}
	if _, err := s.writeItemLow(ctx, it, nil); err != nil {
		return 0, fmt.Errorf("nvs: persisting namespace %q: %w", name, err)
	}
	return idx, nil
}
