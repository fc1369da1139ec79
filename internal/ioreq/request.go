// Package ioreq implements C6: the per-I/O accounting context, its
// partial-completion accumulator, and the direct core handling of RESET and
// transient-ENOMEM retry described in spec.md §4.3.
package ioreq

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openraid/raidbdev/internal/device"
	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/iochannel"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/types"
)

// CompletionFunc is the logical-I/O completion the submitter ultimately
// receives, invoked exactly once.
type CompletionFunc func(status types.IOStatus)

// Request is the per-logical-I/O accounting context (spec.md §3 "I/O
// Request").
type Request struct {
	Array   *raidarray.Array
	Channel *iochannel.Channel

	Op           types.IOType
	OffsetBlocks uint64
	NumBlocks    uint64
	Iovecs       [][]byte
	Meta         []byte

	remaining int64 // atomic
	submitted int

	status int32 // atomic, holds types.IOStatus

	// InterceptFunc, when set by a personality, is called instead of
	// onComplete when remaining reaches zero; it decides whether/when to
	// finally call onComplete itself.
	InterceptFunc CompletionFunc

	onComplete CompletionFunc

	log logrus.FieldLogger
}

// New constructs a Request bound to an array and the submitting thread's
// channel.
func New(arr *raidarray.Array, ch *iochannel.Channel, op types.IOType, offsetBlocks, numBlocks uint64, iovecs [][]byte, onComplete CompletionFunc, log logrus.FieldLogger) *Request {
	return &Request{
		Array:        arr,
		Channel:      ch,
		Op:           op,
		OffsetBlocks: offsetBlocks,
		NumBlocks:    numBlocks,
		Iovecs:       iovecs,
		onComplete:   onComplete,
		status:       int32(types.StatusSuccess),
		log:          log,
	}
}

// SetRemaining initializes the accumulator before any child is dispatched;
// the personality computes this count for READ/WRITE, the core itself sets
// it to NumSlots for RESET.
func (r *Request) SetRemaining(n int) { atomic.StoreInt64(&r.remaining, int64(n)) }

func (r *Request) Remaining() int64 { return atomic.LoadInt64(&r.remaining) }

func (r *Request) Status() types.IOStatus { return types.IOStatus(atomic.LoadInt32(&r.status)) }

// CompleteChild is the partial-completion accumulator (spec.md §4.3):
//  1. assert remaining >= delta and subtract
//  2. roll the child status up (first non-SUCCESS wins)
//  3. if remaining == 0, invoke the completion-interception callback if
//     set, else complete the logical I/O.
func (r *Request) CompleteChild(delta int, status types.IOStatus) {
	remaining := atomic.AddInt64(&r.remaining, -int64(delta))
	if remaining < 0 {
		panic(errors.Errorf("ioreq: remaining underflowed by %d", -remaining))
	}

	if status != types.StatusSuccess {
		atomic.CompareAndSwapInt32(&r.status, int32(types.StatusSuccess), int32(status))
	}

	if remaining == 0 {
		final := r.Status()
		if r.InterceptFunc != nil {
			r.InterceptFunc(final)
			return
		}
		r.onComplete(final)
	}
}

// IOTypeSupported is the opcode-support intersection from spec.md §4.3: true
// only if every configured slot's backing device supports t, and, for
// FLUSH/UNMAP, the personality provides a null-payload submitter.
func IOTypeSupported(arr *raidarray.Array, t types.IOType) bool {
	for _, s := range arr.ConfiguredSlots() {
		sup := s.Device().SupportedIOTypes()
		switch t {
		case types.IORead:
			if !sup.Read {
				return false
			}
		case types.IOWrite:
			if !sup.Write {
				return false
			}
		case types.IOFlush:
			if !sup.Flush {
				return false
			}
		case types.IOUnmap:
			if !sup.Unmap {
				return false
			}
		case types.IOReset:
			if !sup.Reset {
				return false
			}
		}
	}
	if (t == types.IOFlush || t == types.IOUnmap) && !arr.Personality.SupportsNullPayload() {
		return false
	}
	return true
}

// Submit dispatches a logical I/O according to spec.md §4.3's routing table.
func Submit(ctx context.Context, r *Request) error {
	if !r.Array.AcceptsIO() {
		return errors.Errorf("array %s: not ONLINE, no logical I/O accepted", r.Array.Name)
	}
	if !IOTypeSupported(r.Array, r.Op) {
		return errors.Errorf("array %s: opcode %s unsupported", r.Array.Name, r.Op)
	}

	switch r.Op {
	case types.IORead, types.IOWrite:
		if r.Op == types.IOWrite && r.Array.Bitmap != nil && r.Array.Degraded() {
			// Delta bitmap (spec.md §9 Open Question): a write while the
			// array is missing a member must mark the affected region
			// dirty so the background resync process (internal/process)
			// rebuilds it once the member rejoins.
			r.Array.Bitmap.MarkDirty(r.OffsetBlocks, r.NumBlocks, r.Array.StripSizeBlocks)
		}
		return r.Array.Personality.SubmitRW(ctx, r.Op, r.OffsetBlocks, r.NumBlocks, r.Iovecs,
			func() { r.submitted++ },
			func(status types.IOStatus) { r.CompleteChild(1, status) })
	case types.IOFlush, types.IOUnmap:
		return r.Array.Personality.SubmitNullPayload(ctx, r.Op, r.OffsetBlocks, r.NumBlocks,
			func() { r.submitted++ },
			func(status types.IOStatus) { r.CompleteChild(1, status) })
	case types.IOReset:
		return submitReset(ctx, r)
	default:
		return errors.Errorf("unknown op %s", r.Op)
	}
}

// submitReset is handled directly by the core, not delegated to the
// personality (spec.md §4.3): it sets remaining = num_slots, counts
// empty/failed slots as immediate successes, and submits a reset to every
// other slot's backing channel, parking on transient ENOMEM.
func submitReset(ctx context.Context, r *Request) error {
	slots := r.Array.Slots()
	r.SetRemaining(len(slots))
	return resumeReset(ctx, r, slots, 0)
}

// resumeReset continues a RESET's child submission from index `from`,
// exactly as spec.md §4.3's "submission continues from the saved submitted
// index" requires after a capacity signal.
func resumeReset(ctx context.Context, r *Request, slots []*device.Slot, from int) error {
	for i := from; i < len(slots); i++ {
		s := slots[i]
		ch := r.Channel.Slot(s.Index)
		if ch == nil {
			r.submitted = i + 1
			r.CompleteChild(1, types.StatusSuccess)
			continue
		}

		idx := i
		err := ch.SubmitReset(ctx, func(status types.IOStatus) { r.CompleteChild(1, status) })
		if err == nil {
			r.submitted = idx + 1
			continue
		}
		if errors.Is(err, hostapi.ErrNoMem) {
			parkOnWaitEntry(ctx, r, slots, idx, ch)
			return nil
		}
		r.log.WithError(err).Error("reset child submission failed")
		r.CompleteChild(len(slots)-idx, types.StatusFailed)
		return nil
	}
	return nil
}

// parkOnWaitEntry is the single-slot wait queue described in spec.md §4.3 and
// §5: the request is resumed by the host layer once it signals capacity on
// the device that returned ErrNoMem.
func parkOnWaitEntry(ctx context.Context, r *Request, slots []*device.Slot, idx int, ch hostapi.Channel) {
	dev := ch.Device()
	r.log.WithField("slot", idx).Warn("transient ENOMEM on child submission, parking on wait entry")
	// The host layer is expected to invoke this closure on the thread that
	// owns r.Channel once capacity frees up.
	waitForCapacityOn(dev, func() {
		_ = resumeReset(ctx, r, slots, idx)
	})
}

// waitForCapacityOn is overridden in tests; cmd/raidd plugs its
// hostapi.HostLayer.WaitForCapacity through here via SetCapacityWaiter.
var waitForCapacityOn = func(dev hostapi.BlockDevice, retry func()) {
	retry()
}

// SetCapacityWaiter lets cmd/raidd install its host layer's
// WaitForCapacity once at startup.
func SetCapacityWaiter(fn func(dev hostapi.BlockDevice, retry func())) {
	waitForCapacityOn = fn
}
