// Package device implements C3: the per-slot base-device record owned by an
// Array.
package device

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/openraid/raidbdev/internal/hostapi"
)

// RemoveCompletionFunc is stashed on a slot scheduled for removal and
// invoked once the teardown sequence finishes (spec.md §4.5 Remove).
type RemoveCompletionFunc func(status int)

// Slot is one fixed slot position in an Array's slot array.
type Slot struct {
	Index int

	name string // assigned logical name; "" until bound
	id   uuid.UUID
	hasID bool

	dev     hostapi.BlockDevice // nil iff slot is empty or released
	channel hostapi.Channel     // application-thread channel, used for superblock I/O

	capacityBlocks uint64
	dataOffset     uint64
	dataSize       uint64

	configured bool

	// evicted is the data-path-visible tombstone: once set, per-thread
	// channel entries pointing at this slot have already been nulled and
	// the descriptor must not be dereferenced again (spec.md §9).
	evicted atomic.Bool

	removeScheduled bool
	removeCb        RemoveCompletionFunc
}

// NewSlot constructs an empty slot at the given position.
func NewSlot(index int) *Slot {
	return &Slot{Index: index}
}

func (s *Slot) Name() string { return s.name }
func (s *Slot) SetName(name string) { s.name = name }

func (s *Slot) UUID() (uuid.UUID, bool) { return s.id, s.hasID }
func (s *Slot) SetUUID(id uuid.UUID) {
	s.id = id
	s.hasID = true
}

func (s *Slot) Device() hostapi.BlockDevice { return s.dev }
func (s *Slot) Channel() hostapi.Channel    { return s.channel }

func (s *Slot) IsConfigured() bool { return s.configured }

func (s *Slot) CapacityBlocks() uint64 { return s.capacityBlocks }
func (s *Slot) DataOffset() uint64     { return s.dataOffset }
func (s *Slot) DataSize() uint64       { return s.dataSize }

// SetDataRange seeds the slot's data offset/size ahead of a full Bind, e.g.
// from a superblock slot entry read during examine before the backing
// device's channel has been opened.
func (s *Slot) SetDataRange(offset, size uint64) {
	s.dataOffset = offset
	s.dataSize = size
}

func (s *Slot) IsEvicted() bool { return s.evicted.Load() }

func (s *Slot) IsRemoveScheduled() bool   { return s.removeScheduled }
func (s *Slot) RemoveCallback() RemoveCompletionFunc { return s.removeCb }

// ScheduleRemove marks the slot for removal and stashes its completion
// callback. Idempotent: a second call is a no-op and returns already=true
// (nothing changed), letting callers implement the "second
// Remove call returns 0 immediately" rule (spec.md §4.5).
func (s *Slot) ScheduleRemove(cb RemoveCompletionFunc) (already bool) {
	if s.removeScheduled {
		return true
	}
	s.removeScheduled = true
	s.removeCb = cb
	return false
}

// ClearRemoveSchedule undoes ScheduleRemove; used when a removal attempt
// aborts (e.g. quiesce failure, spec.md boundary behaviour list) so the
// operation can be retried.
func (s *Slot) ClearRemoveSchedule() {
	s.removeScheduled = false
	s.removeCb = nil
}

// Bind attaches a backing device and its application-thread channel to the
// slot and marks it configured. The invariant "descriptor is non-null iff
// is_configured is true" (spec.md §3) is established here and nowhere else.
func (s *Slot) Bind(dev hostapi.BlockDevice, channel hostapi.Channel, capacityBlocks, dataOffset, dataSize uint64) {
	s.dev = dev
	s.channel = channel
	s.capacityBlocks = capacityBlocks
	s.dataOffset = dataOffset
	s.dataSize = dataSize
	s.configured = true
	s.evicted.Store(false)
}

// Evict marks the slot's data-path visibility as gone (step 2 of the
// three-step tombstone protocol, spec.md §9); it does not yet release the
// descriptor, which Release does afterwards on the application thread.
func (s *Slot) Evict() {
	s.evicted.Store(true)
}

// Release drops the backing device descriptor and channel, leaving the slot
// empty but still named/UUID'd so a future examine can rebind it.
func (s *Slot) Release() {
	if s.dev != nil {
		_ = s.dev.Close()
	}
	s.dev = nil
	s.channel = nil
	s.configured = false
	s.evicted.Store(true)
}
