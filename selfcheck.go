package nvs

import (
	"fmt"
	"strings"

	"github.com/nvsflash/nvs/internal/page"
)

// SelfCheck walks every page asserting that no duplicate
// (nsIndex,datatype,key,chunkIndex) tuple survives across the mounted
// set of pages, and that each page's live-entry count is consistent
// with the sum of its items' spans. Exposed as an ordinary exported
// method rather than gated behind a build tag, since Go has no
// equivalent of a host-only compilation target for this kind of check.
func (s *Storage) SelfCheck() error {
	type key struct {
		ns  uint8
		dt  page.DataType
		key string
		chk uint8
	}
	seen := make(map[key]int)

	for _, p := range s.mgr.Pages() {
		spanSum := 0
		for _, li := range p.LiveItems() {
			spanSum += int(li.Item.Span)
			k := key{li.Item.NSIndex, li.Item.Datatype, li.Item.Key, li.Item.ChunkIndex}
			if _, dup := seen[k]; dup {
				return fmt.Errorf("nvs: self-check failed: duplicate live item ns=%d type=%s key=%q chunk=%d",
					li.Item.NSIndex, li.Item.Datatype, li.Item.Key, li.Item.ChunkIndex)
			}
			seen[k] = p.Sector()
		}
		if spanSum != p.UsedEntries() {
			return fmt.Errorf("nvs: self-check failed: sector %d span sum %d != used entries %d",
				p.Sector(), spanSum, p.UsedEntries())
		}
	}
	return nil
}

// DebugDump renders a per-page entry table for diagnostics.
func (s *Storage) DebugDump() string {
	var b strings.Builder
	for _, p := range s.mgr.Pages() {
		fmt.Fprintf(&b, "sector %d: state=%s seq=%d used=%d free=%d erased=%d\n",
			p.Sector(), p.State(), p.SeqNo(), p.UsedEntries(), p.FreeEntries(), p.ErasedEntries())
		for _, li := range p.LiveItems() {
			fmt.Fprintf(&b, "  [%3d] ns=%-3d %-10s key=%-16q chunk=%-3d span=%d\n",
				li.Index, li.Item.NSIndex, li.Item.Datatype, li.Item.Key, li.Item.ChunkIndex, li.Item.Span)
		}
	}
	return b.String()
}
