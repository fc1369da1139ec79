// Package examine implements C8: the new-base-device discovery protocol
// described in spec.md §4.6 — matching a newly presented backing device to
// an existing or new array, by name or by superblock UUID.
package examine

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openraid/raidbdev/internal/device"
	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/lifecycle"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/registry"
	"github.com/openraid/raidbdev/internal/superblock"
	"github.com/openraid/raidbdev/internal/types"
)

// minDataOffsetBytes is the fixed constant spec.md §4.6 Bind divides by
// block size to get the minimum data offset in blocks.
const minDataOffsetBytes = 1 << 20 // 1 MiB

// Engine runs the examine decision tree. It is a thin layer over
// lifecycle.Engine: every mutation it performs on an Array runs inside a
// job submitted to the lifecycle engine's application thread, per spec.md
// §5 ("When a control-plane operation is triggered from a worker thread ...
// it is posted as a message to the application thread").
type Engine struct {
	Lifecycle *lifecycle.Engine
	Registry  *registry.Registry
	Host      hostapi.HostLayer
	log       logrus.FieldLogger
}

func New(lc *lifecycle.Engine, reg *registry.Registry, host hostapi.HostLayer, log logrus.FieldLogger) *Engine {
	return &Engine{Lifecycle: lc, Registry: reg, Host: host, log: log.WithField("component", "examine")}
}

// Examine is invoked by the host layer whenever a new backing device
// becomes visible.
func (e *Engine) Examine(ctx context.Context, devName string) error {
	return e.Lifecycle.Submit("examine:"+devName, func() error { return e.examineLocked(ctx, devName) })
}

func (e *Engine) examineLocked(ctx context.Context, devName string) error {
	dev, err := openWithRetry(ctx, e.Host, devName)
	if err != nil {
		return errors.Wrapf(err, "examine %s: open", devName)
	}

	var outcome superblock.Outcome
	var rec *superblock.Record
	var readErr error
	superblock.ReadAsync(ctx, dev, func(r *superblock.Record, o superblock.Outcome, err error) {
		rec, outcome, readErr = r, o, err
	})
	if readErr != nil {
		_ = dev.Close()
		return errors.Wrapf(readErr, "examine %s: read superblock", devName)
	}

	switch outcome {
	case superblock.OutcomeAbsent:
		return e.examineNoSuperblock(ctx, dev, devName)
	case superblock.OutcomeValid:
		return e.examineValidSuperblock(ctx, dev, devName, rec)
	default:
		_ = dev.Close()
		return errors.Errorf("examine %s: unexpected superblock outcome", devName)
	}
}

// examineNoSuperblock covers spec.md §4.6 step 3: walk all arrays; for every
// slot whose name matches this device and has no descriptor, bind it. This
// services pre-configured arrays without on-disk metadata.
func (e *Engine) examineNoSuperblock(ctx context.Context, dev hostapi.BlockDevice, devName string) error {
	bound := false
	e.Registry.Iter(func(arr *raidarray.Array) {
		if bound {
			return
		}
		for _, s := range arr.Slots() {
			if s.Name() == devName && !s.IsConfigured() {
				if err := e.Bind(ctx, arr, s, dev, false); err != nil {
					e.log.WithError(err).WithFields(logrus.Fields{"array": arr.Name, "slot": s.Index}).Warn("bind failed for nameless-superblock device")
				}
				bound = true
				return
			}
		}
	})
	if !bound {
		_ = dev.Close()
		e.log.WithField("device", devName).Debug("no superblock and no matching pre-configured slot, ignoring")
	}
	return nil
}

// examineValidSuperblock covers spec.md §4.6 step 4.
func (e *Engine) examineValidSuperblock(ctx context.Context, dev hostapi.BlockDevice, devName string, rec *superblock.Record) error {
	if rec.BlockSize != dev.BlockSize() {
		_ = dev.Close()
		return errors.Errorf("examine %s: superblock block size %d disagrees with device %d", devName, rec.BlockSize, dev.BlockSize())
	}
	if rec.ArrayUUID == uuid.Nil {
		_ = dev.Close()
		e.log.WithField("device", devName).Debug("superblock UUID is null-sentinel, ignoring")
		return nil
	}

	arr, existed := e.Registry.FindByUUID(rec.ArrayUUID)
	if existed {
		if rec.Seq > arr.SBSeq {
			if arr.State() != raidarray.StateConfiguring {
				_ = dev.Close()
				e.log.WithFields(logrus.Fields{"array": arr.Name, "device": devName}).Warn("higher-sequence superblock seen on non-CONFIGURING array, ignoring")
				return nil
			}
			// Delete and recreate from the new superblock.
			if err := e.Lifecycle.DeleteLocked(ctx, arr); err != nil {
				_ = dev.Close()
				return errors.Wrapf(err, "examine %s: rebuild array %s", devName, arr.Name)
			}
			newArr, err := e.Lifecycle.AssembleFromSuperblock(rec)
			if err != nil {
				_ = dev.Close()
				return errors.Wrapf(err, "examine %s: reassemble array", devName)
			}
			arr = newArr
		} else if rec.Seq < arr.SBSeq {
			// The in-memory array, not this stale record, is authoritative
			// from here on: rec is only consulted below to find this
			// device's slot entry, never to overwrite arr's already-higher
			// SBSeq/UUID/level/strip fields.
			e.log.WithField("array", arr.Name).Debug("presented superblock sequence lower than known, using existing")
		}
	} else {
		var err error
		arr, err = e.Lifecycle.AssembleFromSuperblock(rec)
		if err != nil {
			_ = dev.Close()
			return errors.Wrapf(err, "examine %s: assemble array", devName)
		}
	}

	var entry *superblock.SlotEntry
	for i := range rec.Slots {
		if rec.Slots[i].UUID == dev.UUID() {
			entry = &rec.Slots[i]
			break
		}
	}
	if entry == nil {
		_ = dev.Close()
		e.log.WithField("device", devName).Debug("device UUID not present in superblock slot list, ignoring")
		return nil
	}
	if entry.State != types.SlotConfigured {
		_ = dev.Close()
		e.log.WithField("device", devName).Debug("device is a failed member per superblock, ignoring")
		return nil
	}

	slot := arr.Slot(entry.SlotIndex)
	if slot == nil {
		_ = dev.Close()
		return errors.Errorf("examine %s: superblock slot index %d out of range", devName, entry.SlotIndex)
	}
	slot.SetName(devName)
	slot.SetUUID(entry.UUID)
	if slot.DataOffset() == 0 && slot.DataSize() == 0 {
		// Seed from the superblock entry; Bind's offset computation below
		// will keep these if they are already non-zero and differ from the
		// optimal boundary (spec.md §4.6 Bind: "preferring the slot's
		// stored offset if already set").
		slot.SetDataRange(entry.DataOffset, entry.DataSize)
	}
	return e.Bind(ctx, arr, slot, dev, true)
}

// Bind is spec.md §4.6's Bind sub-flow, exported for internal/member's
// Add and Grow, which hand it a slot that already has a name (and
// possibly a UUID) but no backing device yet.
func (e *Engine) Bind(ctx context.Context, arr *raidarray.Array, slot *device.Slot, dev hostapi.BlockDevice, fromSuperblock bool) error {
	if !fromSuperblock {
		foreign, err := hasForeignSuperblock(ctx, dev)
		if err != nil {
			_ = dev.Close()
			return errors.Wrap(err, "bind: check foreign superblock")
		}
		if foreign {
			_ = dev.Close()
			// Open Question resolution (DESIGN.md): report EEXIST rather
			// than silently declining.
			return &types.ExistsError{Kind: "device", ID: dev.Name()}
		}
	}

	if id, ok := slot.UUID(); ok {
		if id != dev.UUID() {
			_ = dev.Close()
			return errors.Errorf("bind: device %s UUID disagrees with slot %d's expected UUID", dev.Name(), slot.Index)
		}
	} else {
		slot.SetUUID(dev.UUID())
	}

	if err := e.Host.ClaimDevice(dev); err != nil {
		_ = dev.Close()
		return errors.Wrapf(err, "bind: claim device %s", dev.Name())
	}

	hostChannel, err := dev.OpenChannel()
	if err != nil {
		e.Host.ReleaseClaim(dev)
		_ = dev.Close()
		return errors.Wrapf(err, "bind: get channel for %s", dev.Name())
	}

	capacity := dev.NumBlocks()
	dataOffset := slot.DataOffset()
	dataSize := slot.DataSize()
	if arr.SuperblockEnabled {
		minOffset := uint64(minDataOffsetBytes) / uint64(dev.BlockSize())
		optimal := roundUp(minOffset, dev.OptimalIOBoundary())
		if dataOffset != 0 && dataOffset != optimal {
			e.log.WithFields(logrus.Fields{"device": dev.Name(), "stored": dataOffset, "optimal": optimal}).
				Warn("slot data offset differs from optimal boundary, keeping stored value")
		} else {
			dataOffset = optimal
		}
	}
	if dataOffset >= capacity || dataOffset+dataSize > capacity {
		e.Host.ReleaseClaim(dev)
		_ = dev.Close()
		return errors.Errorf("bind: device %s too small for data offset %d size %d (capacity %d)", dev.Name(), dataOffset, dataSize, capacity)
	}
	if dataSize == 0 {
		dataSize = capacity - dataOffset
	}

	ready, err := arr.BindSlot(slot.Index, dev, hostChannel, capacity, dataOffset, dataSize)
	if err != nil {
		e.Host.ReleaseClaim(dev)
		_ = dev.Close()
		return err
	}
	e.Lifecycle.ChannelSet(arr).GetOrCreate(0).SetSlot(slot.Index, hostChannel)
	e.log.WithFields(logrus.Fields{"array": arr.Name, "slot": slot.Index, "device": dev.Name()}).Info("slot bound")

	// Configuration only fires the first time an array's slots are all
	// discovered, while it is still CONFIGURING; a Grow bind against an
	// already-ONLINE array can also land discovered_count ==
	// operational_count and must not re-run it.
	if ready && arr.State() == raidarray.StateConfiguring {
		return e.Lifecycle.ConfigureLocked(ctx, arr)
	}
	return nil
}

func roundUp(v, boundary uint64) uint64 {
	if boundary == 0 {
		return v
	}
	rem := v % boundary
	if rem == 0 {
		return v
	}
	return v + (boundary - rem)
}

func openWithRetry(ctx context.Context, host hostapi.HostLayer, devName string) (hostapi.BlockDevice, error) {
	var dev hostapi.BlockDevice
	err := retry.Do(
		func() error {
			d, err := host.OpenDevice(devName)
			if err != nil {
				return err
			}
			dev = d
			return nil
		},
		retry.Attempts(3),
		retry.Delay(10*time.Millisecond),
		retry.Context(ctx),
	)
	return dev, err
}

// hasForeignSuperblock scans a freshly added (non-superblock-sourced) device
// for an existing superblock before committing its bind, so an in-use
// device is not accidentally absorbed (spec.md §4.6 Bind, last paragraph).
func hasForeignSuperblock(ctx context.Context, dev hostapi.BlockDevice) (bool, error) {
	var found bool
	var readErr error
	superblock.ReadAsync(ctx, dev, func(_ *superblock.Record, o superblock.Outcome, err error) {
		if o == superblock.OutcomeError {
			readErr = err
			return
		}
		found = o == superblock.OutcomeValid
	})
	return found, readErr
}
