package pagemgr

import "container/heap"

// Compile time check to ensure gcQueue satisfies the heap interface.
var _ heap.Interface = (*gcQueue)(nil)

// gcCandidate is one Full page considered for garbage collection.
type gcCandidate struct {
	Sector       int     // Sector identifies the page.
	ErasedFrac   float64 // ErasedFrac is the fraction of entries in the Erased state.
	Index        int     // Index is the candidate's heap position, maintained by the heap.Interface methods.
}

// gcQueue implements heap.Interface as a max-heap over ErasedFrac, so the
// Full page with the largest reclaimable fraction pops first.
type gcQueue struct {
	Items []*gcCandidate
}

func (q *gcQueue) Len() int { return len(q.Items) }

func (q *gcQueue) Less(i, j int) bool {
	return q.Items[i].ErasedFrac > q.Items[j].ErasedFrac
}

func (q *gcQueue) Swap(i, j int) {
	q.Items[i], q.Items[j] = q.Items[j], q.Items[i]
	q.Items[i].Index, q.Items[j].Index = i, j
}

func (q *gcQueue) Push(x any) {
	item, _ := x.(*gcCandidate)
	item.Index = len(q.Items)
	q.Items = append(q.Items, item)
}

func (q *gcQueue) Pop() any {
	if len(q.Items) == 0 {
		return nil
	}
	old := q.Items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	q.Items = old[:n-1]
	return item
}

// bestGCVictim returns the sector of the Full page with the largest
// erased fraction among candidates, or -1 if candidates is empty.
func bestGCVictim(candidates []*gcCandidate) int {
	if len(candidates) == 0 {
		return -1
	}
	q := &gcQueue{Items: candidates}
	heap.Init(q)
	best := heap.Pop(q).(*gcCandidate)
	return best.Sector
}
