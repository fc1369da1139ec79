// Package member implements C9: slot preassignment (Add), quiesce-fenced
// removal (Remove), slot-count growth (Grow), and capacity-change handling
// (Resize), per spec.md §4.5.
package member

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openraid/raidbdev/internal/device"
	"github.com/openraid/raidbdev/internal/examine"
	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/lifecycle"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/registry"
	"github.com/openraid/raidbdev/internal/superblock"
	"github.com/openraid/raidbdev/internal/types"
)

// Engine runs Add/Remove/Grow/Resize. Like internal/examine, every
// mutation is submitted to the lifecycle engine's application thread.
type Engine struct {
	Lifecycle *lifecycle.Engine
	Examine   *examine.Engine
	Registry  *registry.Registry
	Host      hostapi.HostLayer
	log       logrus.FieldLogger
}

func New(lc *lifecycle.Engine, ex *examine.Engine, reg *registry.Registry, host hostapi.HostLayer, log logrus.FieldLogger) *Engine {
	return &Engine{Lifecycle: lc, Examine: ex, Registry: reg, Host: host, log: log.WithField("component", "member")}
}

// Add implements spec.md §4.5 Add: slot preassignment followed by the
// bind-base-device flow.
func (e *Engine) Add(ctx context.Context, arr *raidarray.Array, slotIndex int, devName string) error {
	return e.Lifecycle.Submit("member-add:"+arr.Name, func() error { return e.addLocked(ctx, arr, slotIndex, devName) })
}

func (e *Engine) addLocked(ctx context.Context, arr *raidarray.Array, slotIndex int, devName string) error {
	slot := arr.Slot(slotIndex)
	if slot == nil {
		return &types.ValidationError{Msg: "member add: slot index out of range"}
	}
	if slot.Name() != "" {
		return &types.ExistsError{Kind: "slot", ID: devName}
	}
	if _, hasID := slot.UUID(); hasID {
		return &types.ExistsError{Kind: "slot", ID: devName}
	}
	slot.SetName(devName)

	dev, err := e.Host.OpenDevice(devName)
	if err != nil {
		return errors.Wrapf(err, "member add: open %s", devName)
	}
	return e.Examine.Bind(ctx, arr, slot, dev, false)
}

// Remove implements spec.md §4.5 Remove.
func (e *Engine) Remove(ctx context.Context, devName string, done func(status int)) error {
	return e.Lifecycle.Submit("member-remove:"+devName, func() error { return e.removeLocked(ctx, devName, done) })
}

func (e *Engine) removeLocked(ctx context.Context, devName string, done func(status int)) error {
	arr, slotIndex, found := e.Registry.FindSlotByDeviceName(devName)
	if !found {
		return &types.NotFoundError{Kind: "device", ID: devName}
	}
	slot := arr.Slot(slotIndex)

	cb := func(status int) {
		if done != nil {
			done(status)
		}
	}
	if already := slot.ScheduleRemove(cb); already {
		cb(0)
		return nil
	}

	if arr.State() != raidarray.StateOnline {
		slot.Release()
		e.releaseArrayIfEmpty(arr)
		cb(0)
		return nil
	}

	if arr.DecrementOperational() {
		e.log.WithField("array", arr.Name).Warn("member remove drops array below min_operational, deconfiguring")
		return e.Lifecycle.DeconfigureLocked(arr, func(err error) {
			status := 0
			if err != nil {
				status = -1
			}
			cb(status)
		})
	}

	e.Host.Quiesce(arr.Name, func(err error) {
		if err != nil {
			e.log.WithError(err).WithField("array", arr.Name).Error("quiesce failed, remove aborted")
			slot.ClearRemoveSchedule()
			cb(-1)
			return
		}
		e.afterQuiesce(ctx, arr, slot, cb)
	})
	return nil
}

// afterQuiesce runs the rest of spec.md §4.5 Remove's continuation chain:
// per-thread channel nulling, unquiesce, descriptor release, and the
// superblock update that transitions the slot entry to FAILED.
func (e *Engine) afterQuiesce(ctx context.Context, arr *raidarray.Array, slot *device.Slot, cb func(status int)) {
	e.Lifecycle.ChannelSet(arr).NullSlotEverywhere(slot.Index)
	slot.Evict()
	e.Host.Unquiesce(arr.Name)

	arr.WithSlotsLocked(func(_ []*device.Slot) {
		slot.Release()
	})

	if !arr.SuperblockEnabled {
		cb(0)
		return
	}
	if err := e.writeFailedSlotSuperblock(ctx, arr, slot.Index); err != nil {
		e.log.WithError(err).WithField("array", arr.Name).Error("superblock update after remove failed")
		cb(-1)
		return
	}
	cb(0)
}

func (e *Engine) writeFailedSlotSuperblock(ctx context.Context, arr *raidarray.Array, removedIdx int) error {
	extra := superblock.SlotEntry{SlotIndex: removedIdx, State: types.SlotFailed}
	return e.writeSuperblockSnapshot(ctx, arr, extra)
}

// writeSuperblockSnapshot rewrites the superblock on every currently
// configured slot from the array's live state, optionally appending
// additional slot entries (e.g. a just-failed slot that Release already
// dropped from ConfiguredSlots).
func (e *Engine) writeSuperblockSnapshot(ctx context.Context, arr *raidarray.Array, extra ...superblock.SlotEntry) error {
	slots := arr.ConfiguredSlots()
	var totalBlocks uint64
	for _, s := range slots {
		totalBlocks += s.DataSize()
	}
	rec := &superblock.Record{
		ArrayUUID:       arr.UUID,
		ArrayName:       arr.Name,
		Level:           arr.Level,
		StripSizeBlocks: arr.StripSizeBlocks,
		BlockSize:       arr.BlockSize,
		TotalBlocks:     totalBlocks,
	}
	for _, s := range slots {
		id, _ := s.UUID()
		rec.Slots = append(rec.Slots, superblock.SlotEntry{
			UUID: id, SlotIndex: s.Index, State: types.SlotConfigured,
			DataOffset: s.DataOffset(), DataSize: s.DataSize(),
		})
	}
	rec.Slots = append(rec.Slots, extra...)

	targets := make([]superblock.WriteTarget, len(slots))
	for i, s := range slots {
		targets[i] = superblock.WriteTarget{Name: s.Name(), Dev: s.Device()}
	}
	seq, err := superblock.WriteAll(ctx, targets, rec, arr.SBSeq)
	if err != nil {
		return err
	}
	arr.SBSeq = seq
	arr.SBBlockSize = arr.BlockSize
	arr.SBTotalBlocks = totalBlocks
	return nil
}

func (e *Engine) releaseArrayIfEmpty(arr *raidarray.Array) {
	remaining := 0
	arr.WithSlotsLocked(func(slots []*device.Slot) {
		for _, s := range slots {
			if s != nil && s.IsConfigured() {
				remaining++
			}
		}
	})
	if remaining == 0 {
		e.Registry.Remove(arr)
		e.Lifecycle.DropChannelSet(arr.Name)
		e.log.WithField("array", arr.Name).Info("last slot removed, array record freed")
	}
}

// Grow implements spec.md §4.5 Grow.
func (e *Engine) Grow(ctx context.Context, arr *raidarray.Array, devName string) error {
	return e.Lifecycle.Submit("member-grow:"+arr.Name, func() error { return e.growLocked(ctx, arr, devName) })
}

func (e *Engine) growLocked(ctx context.Context, arr *raidarray.Array, devName string) error {
	if arr.Personality == nil || !arr.Personality.SupportsResize() {
		return &types.ValidationError{Msg: "member grow: personality does not support resize"}
	}

	slot := arr.AppendSlot()
	e.Lifecycle.ChannelSet(arr).GrowAll()
	slot.SetName(devName)

	dev, err := e.Host.OpenDevice(devName)
	if err != nil {
		return errors.Wrapf(err, "member grow: open %s", devName)
	}
	arr.SetOperationalCount(arr.OperationalCount() + 1)
	if err := e.Examine.Bind(ctx, arr, slot, dev, false); err != nil {
		return err
	}

	if arr.SuperblockEnabled {
		// Written before the resize hook runs: a crash in between leaves a
		// superblock describing the grown layout, which assembly-from-
		// superblock can safely re-bind; the reverse order risks a
		// superblock that disagrees with already-resized personality
		// geometry.
		if err := e.writeSuperblockSnapshot(ctx, arr); err != nil {
			return errors.Wrapf(err, "member grow: write superblock for array %s", arr.Name)
		}
	}

	devs := make([]hostapi.BlockDevice, 0, len(arr.ConfiguredSlots()))
	for _, s := range arr.ConfiguredSlots() {
		devs = append(devs, s.Device())
	}
	if err := arr.Personality.Resize(ctx, devs); err != nil {
		return errors.Wrapf(err, "member grow: personality resize for array %s", arr.Name)
	}
	e.log.WithFields(logrus.Fields{"array": arr.Name, "device": devName}).Info("array grown by one slot")
	return nil
}

// Resize implements spec.md §4.5 Resize: a host-reported capacity increase
// on an existing slot's backing device.
func (e *Engine) Resize(ctx context.Context, devName string, newCapacityBlocks uint64) error {
	return e.Lifecycle.Submit("member-resize:"+devName, func() error { return e.resizeLocked(ctx, devName, newCapacityBlocks) })
}

func (e *Engine) resizeLocked(ctx context.Context, devName string, newCapacityBlocks uint64) error {
	arr, slotIndex, found := e.Registry.FindSlotByDeviceName(devName)
	if !found {
		return &types.NotFoundError{Kind: "device", ID: devName}
	}
	slot := arr.Slot(slotIndex)
	dataSize := newCapacityBlocks - slot.DataOffset()
	slot.SetDataRange(slot.DataOffset(), dataSize)

	if arr.Personality == nil || !arr.Personality.SupportsResize() {
		return nil
	}
	devs := make([]hostapi.BlockDevice, 0, len(arr.ConfiguredSlots()))
	for _, s := range arr.ConfiguredSlots() {
		devs = append(devs, s.Device())
	}
	return arr.Personality.Resize(ctx, devs)
}

// HandleEvent implements spec.md §4.7: host-level RESIZE/REMOVE events on a
// slot's backing device.
func (e *Engine) HandleEvent(ctx context.Context, devName string, kind EventKind, newCapacityBlocks uint64) {
	switch kind {
	case EventResize:
		if err := e.Resize(ctx, devName, newCapacityBlocks); err != nil {
			e.log.WithError(err).WithField("device", devName).Warn("resize event handling failed")
		}
	case EventRemove:
		if err := e.Remove(ctx, devName, nil); err != nil {
			e.log.WithError(err).WithField("device", devName).Warn("remove event handling failed")
		}
	default:
		e.log.WithField("device", devName).WithField("event", kind).Debug("unknown device event, ignoring")
	}
}

// EventKind enumerates the host-level device events member.HandleEvent
// dispatches.
type EventKind int

const (
	EventResize EventKind = iota
	EventRemove
	EventUnknown
)
