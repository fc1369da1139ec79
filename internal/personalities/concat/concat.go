// Package concat implements the simple-concatenation RAID personality named
// in spec.md §1: logical block addresses map onto exactly one backing slot,
// in slot order, with no striping or redundancy. It is the one personality
// this module ships a concrete implementation of (the others are specified
// only through the hostapi.Personality capability interface, per spec.md
// §1's explicit out-of-scope list); it exists so cmd/raidd has something
// real to register and exercise end-to-end.
package concat

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/types"
)

// Personality implements hostapi.Personality for RAID level "concat".
type Personality struct {
	mu sync.RWMutex

	slots []slotRange
}

type slotRange struct {
	dev   hostapi.BlockDevice
	start uint64 // first logical block this slot owns
	size  uint64 // blocks owned
}

func New() *Personality { return &Personality{} }

func (p *Personality) Level() types.Level { return types.Level("concat") }

// Start lays out the logical address space by concatenating each slot's
// data region in slot order.
func (p *Personality) Start(ctx context.Context, slots []hostapi.BlockDevice, stripSizeBlocks, blockSize uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = p.slots[:0]
	var cursor uint64
	for _, dev := range slots {
		size := dev.NumBlocks()
		p.slots = append(p.slots, slotRange{dev: dev, start: cursor, size: size})
		cursor += size
	}
	return nil
}

func (p *Personality) Stop(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = nil
	return true, nil
}

// SupportsResize is true: growing by one slot just appends another range.
func (p *Personality) SupportsResize() bool { return true }

func (p *Personality) Resize(ctx context.Context, slots []hostapi.BlockDevice) error {
	return p.Start(context.Background(), slots, 0, 0)
}

func (p *Personality) GetChannel() interface{} { return nil }

// SubmitRW maps one logical READ/WRITE onto the single slot that owns the
// whole requested range; concatenation never splits an I/O across slots, so
// spanning a boundary is rejected rather than silently truncated.
func (p *Personality) SubmitRW(ctx context.Context, op types.IOType, offsetBlocks, numBlocks uint64, iovecs [][]byte,
	onSubmit func(), completeChild hostapi.CompletionFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, err := p.find(offsetBlocks, numBlocks)
	if err != nil {
		return err
	}
	local := offsetBlocks - r.start
	ch, err := r.dev.OpenChannel()
	if err != nil {
		return errors.Wrap(err, "concat: open channel")
	}
	onSubmit()
	switch op {
	case types.IORead:
		return ch.SubmitRead(ctx, local, numBlocks, iovecs, completeChild)
	case types.IOWrite:
		return ch.SubmitWrite(ctx, local, numBlocks, iovecs, completeChild)
	default:
		return errors.Errorf("concat: SubmitRW called with non-RW op %s", op)
	}
}

func (p *Personality) SupportsNullPayload() bool { return true }

func (p *Personality) SubmitNullPayload(ctx context.Context, op types.IOType, offsetBlocks, numBlocks uint64,
	onSubmit func(), completeChild hostapi.CompletionFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, err := p.find(offsetBlocks, numBlocks)
	if err != nil {
		return err
	}
	local := offsetBlocks - r.start
	ch, err := r.dev.OpenChannel()
	if err != nil {
		return errors.Wrap(err, "concat: open channel")
	}
	onSubmit()
	switch op {
	case types.IOFlush:
		return ch.SubmitFlush(ctx, completeChild)
	case types.IOUnmap:
		return ch.SubmitUnmap(ctx, local, numBlocks, completeChild)
	default:
		return errors.Errorf("concat: SubmitNullPayload called with op %s", op)
	}
}

func (p *Personality) MemoryDomainsSupported() bool { return false }

func (p *Personality) find(offsetBlocks, numBlocks uint64) (slotRange, error) {
	for _, r := range p.slots {
		if offsetBlocks >= r.start && offsetBlocks+numBlocks <= r.start+r.size {
			return r, nil
		}
	}
	return slotRange{}, errors.Errorf("concat: range [%d,%d) spans a slot boundary or is out of bounds", offsetBlocks, offsetBlocks+numBlocks)
}
