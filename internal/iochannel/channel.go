// Package iochannel implements C5: the per-thread fan-out holder that gives
// one host thread a backing channel per slot plus the personality's private
// channel.
package iochannel

import (
	"sync"

	"github.com/openraid/raidbdev/internal/hostapi"
)

// Channel is the per-thread handle a host thread obtains once for an array.
// It is never shared across threads (spec.md §5).
type Channel struct {
	mu sync.RWMutex

	// slotChannels[i] is nil for an empty/failed slot.
	slotChannels []hostapi.Channel

	personalityChannel interface{}
}

// New allocates a Channel sized to numSlots, with every entry nil.
func New(numSlots int) *Channel {
	return &Channel{slotChannels: make([]hostapi.Channel, numSlots)}
}

// SetSlot installs (or clears, with nil) the backing channel for one slot.
// Used both when a slot is bound (examine/bind) and when it is evicted
// (member remove, spec.md §9 step 1).
func (c *Channel) SetSlot(idx int, ch hostapi.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.slotChannels) {
		return
	}
	c.slotChannels[idx] = ch
}

// Slot returns the backing channel for slot idx, or nil if the slot is
// empty/failed.
func (c *Channel) Slot(idx int) hostapi.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if idx < 0 || idx >= len(c.slotChannels) {
		return nil
	}
	return c.slotChannels[idx]
}

// NumSlots reports the fan-out width.
func (c *Channel) NumSlots() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slotChannels)
}

// Grow extends the channel to accommodate one more slot (Member Grow).
func (c *Channel) Grow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slotChannels = append(c.slotChannels, nil)
}

func (c *Channel) PersonalityChannel() interface{} { return c.personalityChannel }
func (c *Channel) SetPersonalityChannel(p interface{}) { c.personalityChannel = p }

// Set is the registry of all per-thread Channels for one array, keyed by an
// opaque thread id assigned by the host layer. Quiesce-driven slot eviction
// (spec.md §4.5 Remove) nulls a slot in every entry through
// NullSlotEverywhere.
type Set struct {
	mu       sync.Mutex
	byThread map[int]*Channel
	numSlots int
}

func NewSet(numSlots int) *Set {
	return &Set{byThread: make(map[int]*Channel), numSlots: numSlots}
}

// GetOrCreate returns the Channel for threadID, allocating one on first use.
func (s *Set) GetOrCreate(threadID int) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.byThread[threadID]
	if !ok {
		ch = New(s.numSlots)
		s.byThread[threadID] = ch
	}
	return ch
}

// NullSlotEverywhere clears slot idx across every thread's Channel. This is
// the concrete "per-thread channel iteration" primitive spec.md §4.5
// performs under quiesce before the slot's descriptor is released.
func (s *Set) NullSlotEverywhere(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.byThread {
		ch.SetSlot(idx, nil)
	}
}

// GrowAll extends every thread's Channel by one slot.
func (s *Set) GrowAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numSlots++
	for _, ch := range s.byThread {
		ch.Grow()
	}
}
