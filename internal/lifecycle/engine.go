// Package lifecycle implements C7: the create / assemble / configure /
// deconfigure / destruct / delete orchestration described in spec.md §4.4,
// dispatched through the single "application thread" worker spec.md §5
// requires every control-plane transition to run on.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"k8s.io/client-go/util/workqueue"

	"github.com/openraid/raidbdev/internal/bitmap"
	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/iochannel"
	"github.com/openraid/raidbdev/internal/personality"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/registry"
	"github.com/openraid/raidbdev/internal/superblock"
	"github.com/openraid/raidbdev/internal/types"
)

const MaxNameLen = 64

// Engine is the array lifecycle engine. One Engine instance owns the single
// goroutine control-plane transitions run on, matching spec.md §5's
// designated "application thread."
//
// Unlike the teacher's base_controller, jobs submitted here are one-shot
// closures driven by an RPC call or an examine callback, not reconciliation
// of a level-triggered key — so unlike controller/base_controller.go this
// engine never re-adds a failed job with backoff; the workqueue is used
// purely as the single-writer dispatch primitive, and every error is
// returned straight to the caller that submitted the job.
type Engine struct {
	Registry     *registry.Registry
	Personalities *personality.Registry
	Host         hostapi.HostLayer
	log          logrus.FieldLogger

	// OnArrayOnline, if set, is invoked synchronously at the end of a
	// successful ConfigureLocked, on the application thread. cmd/raidd uses
	// it to schedule a per-array internal/process.Resync once an array with
	// a delta bitmap comes online.
	OnArrayOnline func(arr *raidarray.Array)

	queue workqueue.RateLimitingInterface

	jobsMu sync.Mutex
	jobs   map[string]*job

	channelsMu sync.Mutex
	channels   map[string]*iochannel.Set

	stopCh chan struct{}
}

type job struct {
	fn   func() error
	done chan error
}

// New constructs an Engine. Run must be called once before Submit is used.
func New(reg *registry.Registry, personalities *personality.Registry, host hostapi.HostLayer, log logrus.FieldLogger) *Engine {
	return &Engine{
		Registry:      reg,
		Personalities: personalities,
		Host:          host,
		log:           log.WithField("component", "lifecycle-engine"),
		queue:         workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "raid-array-lifecycle"),
		jobs:          make(map[string]*job),
		channels:      make(map[string]*iochannel.Set),
		stopCh:        make(chan struct{}),
	}
}

// Run starts the single application-thread worker goroutine. It returns
// immediately; call Stop to shut the worker down.
func (e *Engine) Run() {
	go e.worker()
}

func (e *Engine) Stop() {
	close(e.stopCh)
	e.queue.ShutDown()
}

func (e *Engine) worker() {
	for e.processNext() {
	}
}

func (e *Engine) processNext() bool {
	keyItem, shutdown := e.queue.Get()
	if shutdown {
		return false
	}
	key := keyItem.(string)
	defer e.queue.Done(key)

	e.jobsMu.Lock()
	j, ok := e.jobs[key]
	delete(e.jobs, key)
	e.jobsMu.Unlock()
	if !ok {
		e.queue.Forget(key)
		return true
	}

	err := j.fn()
	e.queue.Forget(key)
	j.done <- err
	return true
}

// Submit posts fn to the application thread and blocks until it has run to
// completion, per spec.md §5: "When a control-plane operation is triggered
// from a worker thread ... it is posted as a message to the application
// thread and then runs to completion there."
func (e *Engine) Submit(name string, fn func() error) error {
	key := fmt.Sprintf("%s-%s", name, uuid.New())
	j := &job{fn: fn, done: make(chan error, 1)}
	e.jobsMu.Lock()
	e.jobs[key] = j
	e.jobsMu.Unlock()
	e.queue.Add(key)
	return <-j.done
}

// ChannelSet returns (allocating if necessary) the per-array set of
// per-thread I/O channels (C5).
func (e *Engine) ChannelSet(arr *raidarray.Array) *iochannel.Set {
	e.channelsMu.Lock()
	defer e.channelsMu.Unlock()
	cs, ok := e.channels[arr.Name]
	if !ok {
		cs = iochannel.NewSet(arr.NumSlots)
		e.channels[arr.Name] = cs
	}
	return cs
}

func (e *Engine) dropChannelSet(name string) {
	e.channelsMu.Lock()
	defer e.channelsMu.Unlock()
	delete(e.channels, name)
}

// DropChannelSet is dropChannelSet exported for internal/member, whose
// Remove flow frees an Array record directly (spec.md §4.5) rather than
// through DestructLocked.
func (e *Engine) DropChannelSet(name string) {
	e.dropChannelSet(name)
}

// CreateParams are the validated inputs to Create (spec.md §4.4 Creation).
type CreateParams struct {
	Name              string
	UUID              uuid.UUID // uuid.Nil means "generate one" when SuperblockEnabled
	Level             types.Level
	NumSlots          int
	StripSizeKB       uint64
	SuperblockEnabled bool
	DeltaBitmap       bool
}

// Create validates params and allocates a new Array record in CONFIGURING
// state, with operational_count = num_slots (spec.md §4.4 Creation).
func (e *Engine) Create(p CreateParams) (*raidarray.Array, error) {
	if len(p.Name) == 0 || len(p.Name) > MaxNameLen {
		return nil, &types.ValidationError{Msg: fmt.Sprintf("array name length must be 1..%d", MaxNameLen)}
	}
	if _, err := e.Registry.FindByName(p.Name); err == nil {
		return nil, &types.ExistsError{Kind: "array", ID: p.Name}
	}

	desc, err := e.Personalities.Lookup(p.Level)
	if err != nil {
		return nil, err
	}
	if p.NumSlots < desc.MinSlots {
		return nil, &types.ValidationError{Msg: fmt.Sprintf("array %s: %d slots below personality minimum %d", p.Name, p.NumSlots, desc.MinSlots)}
	}
	minOp, err := desc.MinOperational(p.NumSlots)
	if err != nil {
		return nil, err
	}

	if err := validateStripSize(desc, p.StripSizeKB); err != nil {
		return nil, err
	}

	id := p.UUID
	if p.SuperblockEnabled && id == uuid.Nil {
		id = uuid.New()
	}

	arr := raidarray.New(p.Name, id, p.Level, p.NumSlots, p.StripSizeKB, p.SuperblockEnabled)
	arr.MinOperational = minOp
	arr.Personality = desc.Impl
	arr.DeltaBitmap = p.DeltaBitmap
	arr.SetOperationalCount(p.NumSlots)

	if err := e.Registry.Insert(arr); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"array": arr.Name, "uuid": arr.UUID, "level": arr.Level}).Info("array created, awaiting slot discovery")
	return arr, nil
}

// AssembleFromSuperblock creates an Array from an already-read superblock
// record (spec.md §4.6e), with operational_count equal to the number of
// CONFIGURED entries.
func (e *Engine) AssembleFromSuperblock(rec *superblock.Record) (*raidarray.Array, error) {
	desc, err := e.Personalities.Lookup(rec.Level)
	if err != nil {
		return nil, err
	}
	numSlots := len(rec.Slots)
	minOp, err := desc.MinOperational(numSlots)
	if err != nil {
		return nil, err
	}

	arr := raidarray.New(rec.ArrayName, rec.ArrayUUID, rec.Level, numSlots, rec.StripSizeBlocks*uint64(rec.BlockSize)/1024, true)
	arr.MinOperational = minOp
	arr.Personality = desc.Impl
	arr.StripSizeBlocks = rec.StripSizeBlocks
	arr.BlockSize = rec.BlockSize
	arr.SBSeq = rec.Seq
	arr.SBBlockSize = rec.BlockSize
	arr.SBTotalBlocks = rec.TotalBlocks

	operational := 0
	for _, se := range rec.Slots {
		slot := arr.Slot(se.SlotIndex)
		if slot == nil {
			continue
		}
		if se.State == types.SlotConfigured {
			operational++
		}
	}
	arr.SetOperationalCount(operational)

	if err := e.Registry.Insert(arr); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"array": arr.Name, "uuid": arr.UUID}).Info("array assembled from superblock, awaiting slot discovery")
	return arr, nil
}

func validateStripSize(desc *personality.Descriptor, stripKB uint64) error {
	if desc.MirrorLevel {
		if stripKB != 0 {
			return &types.ValidationError{Msg: "mirroring personality requires strip size 0"}
		}
		return nil
	}
	if stripKB == 0 || stripKB&(stripKB-1) != 0 {
		return &types.ValidationError{Msg: "strip size must be a nonzero power of two (KiB) for this personality"}
	}
	return nil
}

// Configure transitions an Array from CONFIGURING to ONLINE (spec.md §4.4
// Configuration). Precondition: discovered_count == operational_count. It
// submits ConfigureLocked to the application thread; callers already
// running inside a Submit'ed job (examine, member) call ConfigureLocked
// directly to avoid re-entering the queue from the worker goroutine itself.
func (e *Engine) Configure(ctx context.Context, arr *raidarray.Array) error {
	return e.Submit("configure:"+arr.Name, func() error { return e.ConfigureLocked(ctx, arr) })
}

// ConfigureLocked runs the Configuration steps assuming the caller is
// already executing on the application thread.
func (e *Engine) ConfigureLocked(ctx context.Context, arr *raidarray.Array) error {
	if arr.DiscoveredCount() != arr.OperationalCount() {
		return errors.Errorf("array %s: configure called before all slots discovered (%d/%d)", arr.Name, arr.DiscoveredCount(), arr.OperationalCount())
	}

	slots := arr.ConfiguredSlots()
	if len(slots) == 0 {
		return errors.Errorf("array %s: no configured slots", arr.Name)
	}

	// Step 1: block size agreement.
	blockSize := slots[0].Device().BlockSize()
	for _, s := range slots[1:] {
		if s.Device().BlockSize() != blockSize {
			return &types.IncompatibleMetadataError{Msg: fmt.Sprintf("array %s: slot %d block size %d disagrees with %d", arr.Name, s.Index, s.Device().BlockSize(), blockSize)}
		}
	}
	arr.BlockSize = blockSize

	// Step 2: strip size in blocks.
	stripBlocks := uint64(0)
	if arr.StripSizeKB > 0 {
		stripBlocks = (arr.StripSizeKB * 1024) / uint64(blockSize)
		if stripBlocks == 0 {
			return &types.ValidationError{Msg: fmt.Sprintf("array %s: strip size %d KiB too small for block size %d", arr.Name, arr.StripSizeKB, blockSize)}
		}
	}
	arr.StripSizeBlocks = stripBlocks

	var totalBlocks uint64
	for _, s := range slots {
		totalBlocks += s.DataSize()
	}

	// Step 3: metadata-format uniformity.
	ref := slots[0].Device()
	for _, s := range slots[1:] {
		d := s.Device()
		if d.DIFEnabled() || d.MetadataLen() != ref.MetadataLen() || d.MetadataInterleaved() != ref.MetadataInterleaved() {
			return &types.IncompatibleMetadataError{Msg: fmt.Sprintf("array %s: slot %d metadata format disagrees with slot 0", arr.Name, s.Index)}
		}
	}
	if ref.DIFEnabled() {
		return &types.IncompatibleMetadataError{Msg: fmt.Sprintf("array %s: DIF/DIX passthrough is not supported", arr.Name)}
	}

	// Step 4: start the personality.
	devs := make([]hostapi.BlockDevice, len(slots))
	for i, s := range slots {
		devs[i] = s.Device()
	}
	if err := arr.Personality.Start(ctx, devs, stripBlocks, uint64(blockSize)); err != nil {
		return errors.Wrapf(err, "array %s: personality start", arr.Name)
	}

	stopOnError := func(cause error) error {
		if _, serr := arr.Personality.Stop(ctx); serr != nil {
			e.log.WithError(serr).Error("personality stop after configuration failure failed")
		}
		return cause
	}

	// Delta bitmap: allocate once the array's extent is known, sized one
	// bit per strip (spec.md §9 Open Question, resolved in DESIGN.md). Only
	// on the first Configure for this array instance — a Grow never calls
	// back through here, so there is no resize-in-place case to handle.
	if arr.DeltaBitmap && arr.Bitmap == nil {
		unit := stripBlocks
		if unit == 0 {
			unit = totalBlocks
		}
		numStrips := uint64(1)
		if unit > 0 {
			numStrips = (totalBlocks + unit - 1) / unit
			if numStrips == 0 {
				numStrips = 1
			}
		}
		arr.Bitmap = bitmap.New(numStrips)
	}

	// Step 5: superblock init/validate.
	if arr.SuperblockEnabled {
		if arr.SBSeq == 0 {
			// No on-disk superblock exists yet: this is a fresh array, not
			// one assembled from a previously read record.
			if arr.UUID == uuid.Nil {
				arr.UUID = uuid.New()
			}
		} else if arr.SBBlockSize != blockSize || arr.SBTotalBlocks != totalBlocks {
			// Assembled from an on-disk superblock: the live measurement
			// must match what was actually recorded there.
			return stopOnError(&types.IncompatibleMetadataError{Msg: fmt.Sprintf(
				"array %s: superblock block size/total blocks (%d/%d) disagree with measured values (%d/%d)",
				arr.Name, arr.SBBlockSize, arr.SBTotalBlocks, blockSize, totalBlocks)})
		}

		rec := &superblock.Record{
			ArrayUUID:       arr.UUID,
			ArrayName:       arr.Name,
			Level:           arr.Level,
			StripSizeBlocks: stripBlocks,
			BlockSize:       blockSize,
			TotalBlocks:     totalBlocks,
		}
		for _, s := range slots {
			id, _ := s.UUID()
			rec.Slots = append(rec.Slots, superblock.SlotEntry{
				UUID: id, SlotIndex: s.Index, State: types.SlotConfigured,
				DataOffset: s.DataOffset(), DataSize: s.DataSize(),
			})
		}

		targets := make([]superblock.WriteTarget, len(slots))
		for i, s := range slots {
			targets[i] = superblock.WriteTarget{Name: s.Name(), Dev: s.Device()}
		}

		seq, err := superblock.WriteAll(ctx, targets, rec, arr.SBSeq)
		if err != nil {
			return stopOnError(errors.Wrapf(err, "array %s: write superblock", arr.Name))
		}
		arr.SBSeq = seq
		arr.SBBlockSize = blockSize
		arr.SBTotalBlocks = totalBlocks
	}

	if err := e.Host.RegisterFrontend(arr.Name, arr.BlockSize, totalBlocks); err != nil {
		return stopOnError(errors.Wrapf(err, "array %s: register frontend", arr.Name))
	}

	if err := arr.TransitionOnline(); err != nil {
		return err
	}
	e.log.WithField("array", arr.Name).Info("array online")

	if e.OnArrayOnline != nil {
		e.OnArrayOnline(arr)
	}
	return nil
}
