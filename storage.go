// Package nvs implements the storage core of an embedded non-volatile
// key-value store for NOR-flash-like media: namespace assignment,
// single-item placement, multi-page blob writing with dual-version
// atomic swap, orphan reclamation at mount, and the iterator.
package nvs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nvsflash/nvs/internal/page"
	"github.com/nvsflash/nvs/internal/pagemgr"
	"github.com/nvsflash/nvs/partition"
)

// State is the lifecycle state of a Storage instance.
type State int

const (
	StateNotInitialized State = iota
	StateActive
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInvalid:
		return "invalid"
	default:
		return "not_initialized"
	}
}

// Storage is the mounted view of one Partition: the namespace table,
// the page manager, and every read/write/erase/iterate operation.
//
// Storage is not safe for concurrent use. Callers invoke its operations
// serially, matching the single-threaded cooperative model of the
// device it emulates; see the Handle type for a namespace-scoped view.
type Storage struct {
	part       partition.Partition
	mgr        *pagemgr.Manager
	namespaces *namespaceTable

	state       State
	lastErr     error
	handleCount int32

	opts *options
}

// Open mounts a Storage instance over part: it loads the page manager,
// rebuilds the namespace table, and reclaims orphaned blob chunks left
// behind by a crash between writing a new blob version and erasing the
// old one.
func Open(ctx context.Context, part partition.Partition, opts ...Option) (*Storage, error) {
	s := &Storage{}
	if err := s.mount(ctx, part, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// Reinit remounts this Storage instance over part, discarding whatever
// it was previously mounted over. It refuses while any Handle obtained
// from this instance is still open, returning ErrHandlesOpen, mirroring
// the original firmware's init() guard against re-initializing storage
// a caller still holds handles into.
func (s *Storage) Reinit(ctx context.Context, part partition.Partition, opts ...Option) error {
	if s.HandleCount() > 0 {
		return s.setErr(ErrHandlesOpen)
	}
	return s.mount(ctx, part, opts)
}

// mount performs the actual load-pages/rebuild-namespaces/reclaim-orphans
// sequence shared by Open and Reinit, leaving s in StateActive on
// success or StateInvalid (with lastErr set) on failure.
func (s *Storage) mount(ctx context.Context, part partition.Partition, opts []Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	s.part = part
	s.opts = o
	s.namespaces = newNamespaceTable()
	s.handleCount = 0

	mgr, err := pagemgr.Load(ctx, part)
	if err != nil {
		s.state = StateInvalid
		s.lastErr = err
		o.logger.LogMount(ctx, part.SectorCount(), err)
		return err
	}
	s.mgr = mgr
	s.mgr.SetObserver(gcObserver{logger: o.logger, metrics: o.metricsCollector})
	s.namespaces.rebuildFromPages(mgr.Pages())

	reclaimed, err := s.reclaimOrphans(ctx)
	if err != nil {
		s.state = StateInvalid
		s.lastErr = err
		o.logger.LogMount(ctx, part.SectorCount(), err)
		return err
	}
	o.metricsCollector.RecordOrphanReclaim(reclaimed)

	s.state = StateActive
	o.logger.LogMount(ctx, part.SectorCount(), nil)

	if o.selfCheckOnMount {
		if err := s.SelfCheck(); err != nil {
			s.state = StateInvalid
			s.lastErr = err
			return err
		}
	}
	return nil
}

// IsValid reports whether Storage mounted successfully and has not since
// transitioned to Invalid.
func (s *Storage) IsValid() bool { return s.state == StateActive }

// LastError returns the most recent error recorded by a failing
// operation, kept for API parity with external callers that poll for
// status instead of checking every return value. Every operation also
// returns its error directly.
func (s *Storage) LastError() error { return s.lastErr }

func (s *Storage) setErr(err error) error {
	if err != nil {
		s.lastErr = err
	}
	return err
}

func (s *Storage) requireActive() error {
	if s.state != StateActive {
		return s.setErr(ErrNotInitialized)
	}
	return nil
}

// CreateOrOpenNamespace resolves name to a namespace index, creating it
// if canCreate is true and it does not already exist.
func (s *Storage) CreateOrOpenNamespace(ctx context.Context, name string, canCreate bool) (uint8, error) {
	if err := s.requireActive(); err != nil {
		return 0, err
	}
	idx, err := s.createOrOpenNamespace(ctx, name, canCreate)
	return idx, s.setErr(err)
}

// writeItemLow places it on the current page, handling a single
// PAGE_FULL retry against a freshly requested page. existing, if
// non-nil, is erased after a successful write (the atomic "new version
// visible, then old erased" update pattern).
func (s *Storage) writeItemLow(ctx context.Context, it page.Item, existing *foundItem) (int, error) {
	cur := s.mgr.Current()
	start, err := cur.WriteItem(ctx, it)
	if err != nil {
		if err != page.ErrPageFull {
			return 0, err
		}
		if err := cur.MarkFull(ctx); err != nil {
			return 0, err
		}
		next, rerr := s.mgr.RequestNewPage(ctx)
		if rerr != nil {
			return 0, fmt.Errorf("%w: %v", ErrNotEnoughSpace, rerr)
		}
		start, err = next.WriteItem(ctx, it)
		if err != nil {
			if err == page.ErrPageFull {
				return 0, ErrNotEnoughSpace
			}
			return 0, err
		}
	}
	if existing != nil {
		if err := existing.page.EraseItem(ctx, existing.index); err != nil {
			return 0, err
		}
	}
	return start, nil
}

// foundItem locates a live entry and the page it lives on.
type foundItem struct {
	page  *page.Page
	index int
	item  page.Item
}

func (s *Storage) findItem(nsIndex uint8, dt page.DataType, key string, chunkIndex uint8, ver page.VerOffset) (*foundItem, bool) {
	for _, p := range s.mgr.Pages() {
		if idx, it, ok := p.FindItem(nsIndex, dt, key, chunkIndex, ver); ok {
			return &foundItem{page: p, index: idx, item: it}, true
		}
	}
	return nil, false
}

// WriteItem writes a fixed-width scalar or string value under
// (nsIndex, key). Writing an identical existing value is elided (no
// program/erase cycle spent).
func (s *Storage) WriteItem(ctx context.Context, nsIndex uint8, dt page.DataType, key string, value uint64, payload []byte) error {
	start := time.Now()
	err := s.writeItem(ctx, nsIndex, dt, key, value, payload)
	s.opts.metricsCollector.RecordWrite(time.Since(start), err)
	return s.setErr(err)
}

func (s *Storage) writeItem(ctx context.Context, nsIndex uint8, dt page.DataType, key string, value uint64, payload []byte) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	if len(key) == 0 || len(key) > page.MaxKeyLength {
		return ErrInvalidKey
	}

	existing, hasExisting := s.findItem(nsIndex, dt, key, page.ChunkAny, page.VerAny)
	it := page.Item{
		NSIndex:  nsIndex,
		Datatype: dt,
		Key:      key,
		Span:     page.SpanFor(dt, len(payload)),
		Value:    value,
	}
	if len(payload) > 0 {
		it.DataSize = uint32(len(payload))
		it.CRC32 = page.ChecksumPayload(payload)
		it.Payload = payload
	}

	if hasExisting {
		match, err := equalExisting(ctx, existing, it, payload)
		if err != nil {
			return err
		}
		if match {
			return nil // write elision
		}
	}

	var ef *foundItem
	if hasExisting {
		ef = existing
	}
	_, err := s.writeItemLow(ctx, it, ef)
	return err
}

// equalExisting reports whether existing already holds next's value: for
// a Value-carrying scalar (no payload) this is a plain header comparison,
// otherwise it defers to page.CmpItem for a byte-exact comparison against
// the payload already on flash.
func equalExisting(ctx context.Context, existing *foundItem, next page.Item, payload []byte) (bool, error) {
	if existing.item.Datatype != next.Datatype {
		return false, nil
	}
	if len(payload) == 0 {
		return existing.item.Value == next.Value, nil
	}
	if existing.item.DataSize != next.DataSize {
		return false, nil
	}
	return existing.page.CmpItem(ctx, next.NSIndex, next.Datatype, next.Key, page.ChunkAny, page.VerAny, payload)
}

// ReadItem reads a fixed-width scalar's value.
func (s *Storage) ReadItem(nsIndex uint8, dt page.DataType, key string) (uint64, error) {
	start := time.Now()
	v, err := s.readItemValue(nsIndex, dt, key)
	s.opts.metricsCollector.RecordRead(time.Since(start), err)
	return v, s.setErr(err)
}

func (s *Storage) readItemValue(nsIndex uint8, dt page.DataType, key string) (uint64, error) {
	if err := s.requireActive(); err != nil {
		return 0, err
	}
	f, ok := s.findItem(nsIndex, dt, key, page.ChunkAny, page.VerAny)
	if !ok {
		return 0, ErrNotFound
	}
	return f.item.Value, nil
}

// ReadString reads a STR item's payload.
func (s *Storage) ReadString(ctx context.Context, nsIndex uint8, key string) (string, error) {
	start := time.Now()
	v, err := s.readString(ctx, nsIndex, key)
	s.opts.metricsCollector.RecordRead(time.Since(start), err)
	return v, s.setErr(err)
}

func (s *Storage) readString(ctx context.Context, nsIndex uint8, key string) (string, error) {
	if err := s.requireActive(); err != nil {
		return "", err
	}
	f, ok := s.findItem(nsIndex, page.TypeStr, key, page.ChunkAny, page.VerAny)
	if !ok {
		return "", ErrNotFound
	}
	buf, err := f.page.ReadPayload(ctx, f.index, f.item.DataSize)
	if err != nil {
		return "", err
	}
	if page.ChecksumPayload(buf) != f.item.CRC32 {
		return "", &ErrCorruptItem{NSIndex: nsIndex, Key: key, Sector: f.page.Sector()}
	}
	return string(buf), nil
}

// EraseItem erases a fixed-width/STR item. Non-blob datatypes only; use
// EraseBlob for BLOB.
func (s *Storage) EraseItem(ctx context.Context, nsIndex uint8, dt page.DataType, key string) error {
	start := time.Now()
	err := s.eraseItem(ctx, nsIndex, dt, key)
	s.opts.metricsCollector.RecordErase(time.Since(start), err)
	return s.setErr(err)
}

func (s *Storage) eraseItem(ctx context.Context, nsIndex uint8, dt page.DataType, key string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	f, ok := s.findItem(nsIndex, dt, key, page.ChunkAny, page.VerAny)
	if !ok {
		return ErrNotFound
	}
	return f.page.EraseItem(ctx, f.index)
}

// GetItemDataSize returns the payload length of a STR/BLOB item without
// reading it, falling back to the legacy single-chunk BLOB datatype
// when no BLOB_IDX is found.
func (s *Storage) GetItemDataSize(nsIndex uint8, dt page.DataType, key string) (uint32, error) {
	if err := s.requireActive(); err != nil {
		return 0, s.setErr(err)
	}
	switch dt {
	case page.TypeBlob:
		if idx, ok := s.findItem(nsIndex, page.TypeBlobIdx, key, page.ChunkAny, page.VerAny); ok {
			return idx.item.DataSize, nil
		}
		if legacy, ok := s.findItem(nsIndex, page.TypeBlob, key, page.ChunkAny, page.VerAny); ok {
			return legacy.item.DataSize, nil
		}
		return 0, s.setErr(ErrNotFound)
	default:
		f, ok := s.findItem(nsIndex, dt, key, page.ChunkAny, page.VerAny)
		if !ok {
			return 0, s.setErr(ErrNotFound)
		}
		return f.item.DataSize, nil
	}
}

// EraseNamespace erases every item bearing nsIndex across all pages. It
// does not release the namespace index itself: the NS_INDEX entry is
// left in place, so the name->index mapping and bitmap bit stay in use,
// and every later mount registers them again.
func (s *Storage) EraseNamespace(ctx context.Context, nsIndex uint8) error {
	if err := s.requireActive(); err != nil {
		return s.setErr(err)
	}
	for _, p := range s.mgr.Pages() {
		for {
			idx, _, ok := p.FindItem(nsIndex, page.TypeAny, "", page.ChunkAny, page.VerAny)
			if !ok {
				break
			}
			if err := p.EraseItem(ctx, idx); err != nil {
				return s.setErr(err)
			}
		}
	}
	return nil
}

// Stats aggregates entry counts across all pages plus the number of
// registered namespaces.
type Stats struct {
	TotalEntries  int
	UsedEntries   int
	FreeEntries   int
	ErasedEntries int
	NamespaceCount int
}

// FillStats reports aggregate page entry counts.
func (s *Storage) FillStats() (Stats, error) {
	if err := s.requireActive(); err != nil {
		return Stats{}, s.setErr(err)
	}
	pm := s.mgr.FillStats()
	return Stats{
		TotalEntries:   pm.TotalEntries,
		UsedEntries:    pm.UsedEntries,
		FreeEntries:    pm.FreeEntries,
		ErasedEntries:  pm.ErasedEntries,
		NamespaceCount: len(s.namespaces.entries),
	}, nil
}

// CalcEntriesInNamespace counts the written entries belonging to nsIndex.
func (s *Storage) CalcEntriesInNamespace(nsIndex uint8) (int, error) {
	if err := s.requireActive(); err != nil {
		return 0, s.setErr(err)
	}
	n := 0
	for _, p := range s.mgr.Pages() {
		for _, li := range p.LiveItems() {
			if li.Item.NSIndex == nsIndex {
				n += int(li.Item.Span)
			}
		}
	}
	return n, nil
}

// acquireHandle/releaseHandle track the outstanding handle count that
// Reinit checks before remounting.
func (s *Storage) acquireHandle() { atomic.AddInt32(&s.handleCount, 1) }
func (s *Storage) releaseHandle() { atomic.AddInt32(&s.handleCount, -1) }

// HandleCount returns the number of currently open Handles.
func (s *Storage) HandleCount() int { return int(atomic.LoadInt32(&s.handleCount)) }

// gcObserver adapts a Storage's Logger/MetricsCollector to the
// pagemgr.GCObserver interface, so every GC cycle the page manager
// runs is logged and recorded the same way mount, blob-swap, and
// orphan-reclamation already are.
type gcObserver struct {
	logger  *Logger
	metrics MetricsCollector
}

func (g gcObserver) ObserveGC(ctx context.Context, sector int, reclaimedEntries int, duration time.Duration, err error) {
	g.logger.LogGC(ctx, sector, reclaimedEntries, err)
	g.metrics.RecordGC(reclaimedEntries, duration, err)
}
