// Package raidarray implements C4: the per-array record and the invariants
// spec.md §3 places on it.
package raidarray

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openraid/raidbdev/internal/bitmap"
	"github.com/openraid/raidbdev/internal/device"
	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/types"
)

// Array is the in-memory record for one RAID virtual block device.
type Array struct {
	Name  string
	UUID  uuid.UUID
	Level types.Level

	StripSizeKB     uint64
	StripSizeBlocks uint64 // computed during Configuration
	BlockSize       uint32

	NumSlots      int
	MinOperational int

	SuperblockEnabled bool
	DeltaBitmap       bool

	Personality hostapi.Personality

	// mu is the Array's spinlock: it protects the slot slice during reads
	// by worker threads and mutations by the application thread. It is
	// held only for the duration of a slot-array scan or a single-slot
	// pointer swap (spec.md §5).
	mu    sync.Mutex
	slots []*device.Slot

	state State

	discoveredCount int
	operationalCount int

	destroyStarted bool

	// superblock bookkeeping
	SBSeq uint64 // last sequence number written or accepted from disk

	// SBBlockSize and SBTotalBlocks are the block size and total block
	// count recorded in the on-disk superblock this array was assembled
	// from (spec.md §4.6e). They are left at zero for a fresh, not-yet-
	// configured array and are compared against the freshly measured
	// values during Configuration (spec.md §4.4 step 5) — unlike
	// BlockSize, which Configuration overwrites with the live measurement
	// on every run, these hold the value actually committed to disk.
	SBBlockSize   uint32
	SBTotalBlocks uint64

	// Bitmap tracks dirty strips while the array operates degraded
	// (spec.md §9 Open Question: delta bitmap). Nil unless DeltaBitmap was
	// requested at creation and Configuration has allocated it.
	Bitmap *bitmap.Bitmap
}

// State is re-exported as its own type so callers get compile-time checking
// distinct from arbitrary strings while still matching spec.md's three
// lifecycle states.
type State = types.State

const (
	StateConfiguring = types.StateConfiguring
	StateOnline      = types.StateOnline
	StateOffline     = types.StateOffline
)

// New constructs an Array in CONFIGURING state with an empty slot array.
// operationalCount is set by the caller immediately afterwards depending on
// whether this is a fresh creation (= numSlots) or an assembly from
// superblock (= count of CONFIGURED entries), per spec.md §4.4.
func New(name string, id uuid.UUID, level types.Level, numSlots int, stripSizeKB uint64, superblockEnabled bool) *Array {
	a := &Array{
		Name:              name,
		UUID:              id,
		Level:             level,
		StripSizeKB:       stripSizeKB,
		NumSlots:          numSlots,
		SuperblockEnabled: superblockEnabled,
		state:             StateConfiguring,
		slots:             make([]*device.Slot, numSlots),
	}
	for i := range a.slots {
		a.slots[i] = device.NewSlot(i)
	}
	return a
}

func (a *Array) State() State { return a.state }

func (a *Array) setState(s State) { a.state = s }

func (a *Array) DiscoveredCount() int { return a.discoveredCount }
func (a *Array) OperationalCount() int { return a.operationalCount }

func (a *Array) SetOperationalCount(n int) { a.operationalCount = n }

func (a *Array) DestroyStarted() bool { return a.destroyStarted }
func (a *Array) MarkDestroyStarted()  { a.destroyStarted = true }

// WithSlotsLocked runs fn with the slot-array spinlock held. Worker threads
// use this for read-only scans; the application thread uses it for mutation.
func (a *Array) WithSlotsLocked(fn func(slots []*device.Slot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.slots)
}

// Slot returns the slot at index i without taking the lock; callers on the
// application thread that already serialize slot mutation use this for
// single-slot pointer swaps, per spec.md §5 ("held only for the duration of
// ... a single-slot pointer swap").
func (a *Array) Slot(i int) *device.Slot {
	if i < 0 || i >= len(a.slots) {
		return nil
	}
	return a.slots[i]
}

func (a *Array) Slots() []*device.Slot { return a.slots }

// AppendSlot extends the slot array by one (Member Grow, spec.md §4.5).
func (a *Array) AppendSlot() *device.Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := device.NewSlot(len(a.slots))
	a.slots = append(a.slots, s)
	a.NumSlots = len(a.slots)
	return s
}

// BindSlot marks a slot configured and bumps discovered_count. It returns
// true when the array has now seen every slot it expects
// (discovered_count == operational_count), the trigger for Configuration
// (spec.md §4.6 Bind).
func (a *Array) BindSlot(idx int, dev hostapi.BlockDevice, ch hostapi.Channel, capacityBlocks, dataOffset, dataSize uint64) (readyForConfigure bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.slots) {
		return false, errors.Errorf("array %s: slot %d does not exist", a.Name, idx)
	}
	s := a.slots[idx]
	if s == nil {
		return false, errors.Errorf("array %s: slot %d does not exist", a.Name, idx)
	}
	s.Bind(dev, ch, capacityBlocks, dataOffset, dataSize)
	a.discoveredCount++
	if err := a.checkInvariantsLocked(); err != nil {
		return false, err
	}
	return a.discoveredCount == a.operationalCount, nil
}

// checkInvariantsLocked enforces spec.md §3's counting invariant. Callers
// must hold mu.
func (a *Array) checkInvariantsLocked() error {
	if a.discoveredCount > a.operationalCount {
		return errors.Errorf("array %s: discovered_count %d exceeds operational_count %d", a.Name, a.discoveredCount, a.operationalCount)
	}
	if a.operationalCount > a.NumSlots {
		return errors.Errorf("array %s: operational_count %d exceeds num_slots %d", a.Name, a.operationalCount, a.NumSlots)
	}
	return nil
}

// TransitionOnline moves the array from CONFIGURING to ONLINE.
func (a *Array) TransitionOnline() error {
	if a.state != StateConfiguring {
		return errors.Errorf("array %s: cannot go ONLINE from state %s", a.Name, a.state)
	}
	a.setState(StateOnline)
	return nil
}

// TransitionOffline moves the array from ONLINE to OFFLINE. OFFLINE is
// terminal for this Array instance (spec.md §3).
func (a *Array) TransitionOffline() error {
	if a.state != StateOnline {
		return errors.Errorf("array %s: cannot go OFFLINE from state %s", a.Name, a.state)
	}
	a.setState(StateOffline)
	return nil
}

// BackToConfiguring reverts a failed online-registration attempt
// (spec.md §4.4 step 6: "revert to CONFIGURING").
func (a *Array) BackToConfiguring() error {
	if a.state != StateOnline {
		return errors.Errorf("array %s: cannot revert to CONFIGURING from state %s", a.Name, a.state)
	}
	a.setState(StateConfiguring)
	return nil
}

// AcceptsIO reports whether the array may accept a logical I/O
// (spec.md §3: "While state != ONLINE, no logical I/O is accepted").
func (a *Array) AcceptsIO() bool { return a.state == StateOnline }

// Degraded reports whether the array is online but missing one or more
// members, the condition under which the write path must mark strips dirty
// in the delta bitmap so a rejoined member can be resynced.
func (a *Array) Degraded() bool {
	return a.state == StateOnline && a.operationalCount < a.NumSlots
}

// DecrementOperational lowers operational_count by one, e.g. on Remove, and
// reports whether the array is now below min_operational.
func (a *Array) DecrementOperational() (belowMinimum bool) {
	a.operationalCount--
	return a.operationalCount < a.MinOperational
}

// ConfiguredSlots returns the subset of slots currently bound to a backing
// device, in slot-index order.
func (a *Array) ConfiguredSlots() []*device.Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*device.Slot, 0, len(a.slots))
	for _, s := range a.slots {
		if s != nil && s.IsConfigured() {
			out = append(out, s)
		}
	}
	return out
}
