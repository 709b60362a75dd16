package partition

import (
	"context"
	"errors"
	"sync"
)

// ErrInjectedFault is returned by Faulty's wrapped operations once the
// configured byte/operation budget is exhausted.
var ErrInjectedFault = errors.New("partition: injected fault")

// Fault describes one failure rule: an operation fails, without touching
// the wrapped partition, when it would take the cumulative bytes written
// (for Write) or sectors erased (for EraseSector) since the last Reset
// past the threshold. A threshold of 0 or -1 disables that rule.
type Fault struct {
	FailAfterWriteBytes  int64
	FailAfterEraseCount  int64
	Err                  error
}

// Faulty wraps a Partition and injects failures according to Fault,
// letting crash/power-loss tests deterministically interrupt a write or
// erase mid-sequence. Grounded on the same "wrap, count, fail past a
// threshold" shape used for file-backed fault injection elsewhere in
// this corpus.
type Faulty struct {
	Partition
	mu           sync.Mutex
	fault        Fault
	writtenBytes int64
	eraseCount   int64
}

// NewFaulty wraps part with the given fault rule.
func NewFaulty(part Partition, fault Fault) *Faulty {
	if fault.FailAfterWriteBytes == 0 {
		fault.FailAfterWriteBytes = -1
	}
	if fault.FailAfterEraseCount == 0 {
		fault.FailAfterEraseCount = -1
	}
	return &Faulty{Partition: part, fault: fault}
}

// Reset clears the accumulated byte/operation counters, letting a test
// rearm the same Faulty for a second injected failure.
func (p *Faulty) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writtenBytes = 0
	p.eraseCount = 0
}

func (p *Faulty) err() error {
	if p.fault.Err != nil {
		return p.fault.Err
	}
	return ErrInjectedFault
}

func (p *Faulty) Write(ctx context.Context, offset int64, data []byte) error {
	p.mu.Lock()
	limit := p.fault.FailAfterWriteBytes
	if limit >= 0 && p.writtenBytes+int64(len(data)) > limit {
		p.mu.Unlock()
		return p.err()
	}
	p.writtenBytes += int64(len(data))
	p.mu.Unlock()
	return p.Partition.Write(ctx, offset, data)
}

func (p *Faulty) EraseSector(ctx context.Context, sector int) error {
	p.mu.Lock()
	limit := p.fault.FailAfterEraseCount
	if limit >= 0 && p.eraseCount+1 > limit {
		p.mu.Unlock()
		return p.err()
	}
	p.eraseCount++
	p.mu.Unlock()
	return p.Partition.EraseSector(ctx, sector)
}
