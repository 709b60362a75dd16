// Package pagemgr owns the ordered collection of pages backing one
// Storage mount: scanning them at load time, allocating fresh pages, and
// garbage-collecting the Full page with the most reclaimable space.
package pagemgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvsflash/nvs/internal/page"
	"github.com/nvsflash/nvs/partition"
)

// ErrNoFreePages is returned by Load when the partition cannot host at
// least two pages (one Active, one spare for GC headroom).
var ErrNoFreePages = errors.New("pagemgr: partition cannot host at least two pages")

// ErrOutOfSpace is returned by requestNewPage when no Freeing,
// Uninitialized, or GC-reclaimable Full page is available.
var ErrOutOfSpace = errors.New("pagemgr: no free page available")

// DuplicateKey identifies one version of an item for the mount-time
// duplicate-elimination pass.
type DuplicateKey struct {
	NSIndex    uint8
	Datatype   page.DataType
	Key        string
	ChunkIndex uint8
}

// GCObserver is notified after every garbage-collection cycle
// RequestNewPage runs, letting a caller log and record metrics without
// this package importing the root package's Logger/MetricsCollector
// types (which would create an import cycle, since the root package
// imports pagemgr).
type GCObserver interface {
	ObserveGC(ctx context.Context, sector int, reclaimedEntries int, duration time.Duration, err error)
}

// Manager owns every page of one partition, ordered oldest-Active-first.
type Manager struct {
	part     partition.Partition
	pages    []*page.Page
	seq      uint32
	observer GCObserver
}

// SetObserver registers o to be notified after every GC cycle. A nil
// observer (the default) disables notification.
func (m *Manager) SetObserver(o GCObserver) {
	m.observer = o
}

// Load scans every sector, classifies its page, deduplicates items
// written to two pages across a mid-write power loss, demotes extra
// Active pages, and ensures exactly one Active page exists on return.
func Load(ctx context.Context, part partition.Partition) (*Manager, error) {
	n := part.SectorCount()
	if n < 2 {
		return nil, ErrNoFreePages
	}
	m := &Manager{part: part, pages: make([]*page.Page, n)}

	for s := 0; s < n; s++ {
		p := page.NewPage(part, s)
		if err := p.Load(ctx); err != nil && !errors.Is(err, page.ErrCorruptHeader) {
			return nil, fmt.Errorf("pagemgr: load sector %d: %w", s, err)
		}
		m.pages[s] = p
		if p.SeqNo() > m.seq {
			m.seq = p.SeqNo()
		}
	}

	m.orderBySeqNo()
	m.deduplicate(ctx)

	actives := m.pagesInState(page.StateActive)
	if len(actives) > 1 {
		// Power loss during GC left more than one Active page; the
		// newest (highest seqNo, last in order) stays, the rest demote.
		for _, p := range actives[:len(actives)-1] {
			if err := p.MarkFull(ctx); err != nil {
				return nil, err
			}
		}
	} else if len(actives) == 0 {
		if err := m.allocateActive(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) orderBySeqNo() {
	// Stable insertion sort by seqNo: sector counts are small (tens to
	// low hundreds), and after mount only freshly formatted pages are
	// out of place.
	for i := 1; i < len(m.pages); i++ {
		for j := i; j > 0 && m.pages[j-1].SeqNo() > m.pages[j].SeqNo(); j-- {
			m.pages[j-1], m.pages[j] = m.pages[j], m.pages[j-1]
		}
	}
}

func (m *Manager) pageBySector(sector int) *page.Page {
	for _, p := range m.pages {
		if p.Sector() == sector {
			return p
		}
	}
	return nil
}

func (m *Manager) pagesInState(s page.PageState) []*page.Page {
	var out []*page.Page
	for _, p := range m.pages {
		if p.State() == s {
			out = append(out, p)
		}
	}
	return out
}

// deduplicate marks the older copy of any (ns,datatype,key,chunkIdx)
// duplicate as erased, keeping only the newest version: the one on the
// higher-seqNo page, or the later entry when both copies share a page.
// A duplicate arises when an update wrote the new version and power was
// lost before the old copy was erased.
func (m *Manager) deduplicate(ctx context.Context) {
	seen := make(map[DuplicateKey]*page.Page)
	for _, p := range m.pages {
		if p.State() != page.StateFull && p.State() != page.StateActive {
			continue
		}
		for _, li := range p.LiveItems() {
			k := DuplicateKey{li.Item.NSIndex, li.Item.Datatype, li.Item.Key, li.Item.ChunkIndex}
			prior, ok := seen[k]
			if !ok {
				seen[k] = p
				continue
			}
			// prior has a lower or equal seqNo since m.pages is ordered;
			// erase the copy on prior and keep the one on p. When prior == p,
			// FindItem returns the earlier (older) entry of the two.
			if idx, it, ok := prior.FindItem(li.Item.NSIndex, li.Item.Datatype, li.Item.Key, li.Item.ChunkIndex, page.VerAny); ok && it.Key == li.Item.Key {
				_ = prior.EraseItem(ctx, idx)
			}
			seen[k] = p
		}
	}
}

func (m *Manager) allocateActive(ctx context.Context) error {
	for _, p := range m.pages {
		if p.State() == page.StateUninitialized {
			m.seq++
			return p.Format(ctx, m.seq)
		}
	}
	return ErrOutOfSpace
}

// Current returns the page currently accepting writes.
func (m *Manager) Current() *page.Page {
	actives := m.pagesInState(page.StateActive)
	if len(actives) == 0 {
		return nil
	}
	return actives[0]
}

// Pages returns every page, oldest-Active-first, for iteration and stats.
// Uninitialized pages (seqNo 0) sort ahead of every formatted page.
func (m *Manager) Pages() []*page.Page {
	m.orderBySeqNo()
	return m.pages
}

// RequestNewPage marks the current Active page Full, then promotes a
// Freeing or Uninitialized page to Active. If none is free, it garbage
// collects the Full page with the largest erased fraction: the page's
// live items are cached in memory, its sector is erased and reformatted
// as the new Active page, and the cached items are rewritten into it.
func (m *Manager) RequestNewPage(ctx context.Context) (*page.Page, error) {
	if cur := m.Current(); cur != nil {
		if err := cur.MarkFull(ctx); err != nil {
			return nil, err
		}
	}

	for _, p := range m.pages {
		if p.State() == page.StateFreeing || p.State() == page.StateUninitialized {
			m.seq++
			if err := p.Format(ctx, m.seq); err != nil {
				return nil, err
			}
			return p, nil
		}
	}

	start := time.Now()
	p, reclaimed, sector, err := m.gcReclaim(ctx)
	if m.observer != nil {
		m.observer.ObserveGC(ctx, sector, reclaimed, time.Since(start), err)
	}
	return p, err
}

// gcReclaim runs one garbage-collection cycle, returning the reclaimed
// page, the number of entries it freed up, and the sector it operated
// on (-1 if no victim could be chosen).
func (m *Manager) gcReclaim(ctx context.Context) (*page.Page, int, int, error) {
	var candidates []*gcCandidate
	for _, p := range m.pages {
		if p.State() != page.StateFull {
			continue
		}
		total := p.EntryCount()
		if total == 0 {
			continue
		}
		candidates = append(candidates, &gcCandidate{
			Sector:     p.Sector(),
			ErasedFrac: float64(p.ErasedEntries()) / float64(total),
		})
	}
	victimSector := bestGCVictim(candidates)
	if victimSector < 0 {
		return nil, 0, -1, ErrOutOfSpace
	}
	victim := m.pageBySector(victimSector)
	totalEntries := victim.EntryCount()

	// Cache every live item (header + payload) off-flash before touching
	// the sector, since relocation targets the victim's own freshly
	// erased sector when no other page is free — the common case for a
	// two-sector partition.
	live := victim.LiveItems()
	items := make([]page.Item, 0, len(live))
	usedEntries := 0
	for _, li := range live {
		it := li.Item
		// A BLOB_IDX's DataSize is the whole blob's length; it has no
		// payload entries of its own.
		if it.DataSize > 0 && it.Datatype != page.TypeBlobIdx {
			payload, err := victim.ReadPayload(ctx, li.Index, it.DataSize)
			if err != nil {
				return nil, 0, victimSector, err
			}
			it.Payload = payload
		}
		span := int(it.Span)
		if span == 0 {
			span = 1
		}
		usedEntries += span
		items = append(items, it)
	}
	reclaimed := totalEntries - usedEntries

	if err := victim.MarkFreeing(ctx); err != nil {
		return nil, 0, victimSector, err
	}
	if err := victim.Reset(ctx); err != nil {
		return nil, 0, victimSector, err
	}

	m.seq++
	if err := victim.Format(ctx, m.seq); err != nil {
		return nil, 0, victimSector, err
	}
	for _, it := range items {
		if _, err := victim.WriteItem(ctx, it); err != nil {
			return nil, 0, victimSector, err
		}
	}
	return victim, reclaimed, victimSector, nil
}

// Stats aggregates entry counts across every page.
type Stats struct {
	TotalEntries  int
	UsedEntries   int
	FreeEntries   int
	ErasedEntries int
}

// FillStats computes aggregate entry counts across all pages.
func (m *Manager) FillStats() Stats {
	var s Stats
	for _, p := range m.pages {
		s.TotalEntries += p.EntryCount()
		s.UsedEntries += p.UsedEntries()
		s.FreeEntries += p.FreeEntries()
		s.ErasedEntries += p.ErasedEntries()
	}
	return s
}
