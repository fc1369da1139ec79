// Package hostapitest provides in-memory fakes for hostapi's collaborator
// interfaces, the way util/fake/fake.go backs the teacher's own tests.
package hostapitest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/types"
)

// Device is an in-memory hostapi.BlockDevice backed by a byte slice.
type Device struct {
	mu sync.Mutex

	name         string
	id           uuid.UUID
	blockSize    uint32
	numBlocks    uint64
	optimalIO    uint64
	ioTypes      types.SupportedIOTypes
	metadataLen  uint32
	metaInterlvd bool
	difEnabled   bool

	data []byte

	// noMemOnce, if > 0, makes the next that many Submit* calls (any
	// opcode) on any Channel opened from this device return ErrNoMem, for
	// exercising the transient-ENOMEM retry path.
	noMemOnce int

	closed bool
}

// NewDevice allocates a zero-filled in-memory device of the given geometry.
// IO types default to read/write/flush/unmap/reset all supported.
func NewDevice(name string, blockSize uint32, numBlocks uint64) *Device {
	return &Device{
		name:      name,
		id:        uuid.New(),
		blockSize: blockSize,
		numBlocks: numBlocks,
		optimalIO: 8,
		ioTypes:   types.SupportedIOTypes{Read: true, Write: true, Flush: true, Unmap: true, Reset: true},
		data:      make([]byte, blockSize*uint32(numBlocks)),
	}
}

func (d *Device) Name() string              { return d.name }
func (d *Device) UUID() uuid.UUID           { return d.id }
func (d *Device) BlockSize() uint32         { return d.blockSize }
func (d *Device) NumBlocks() uint64         { return d.numBlocks }
func (d *Device) OptimalIOBoundary() uint64 { return d.optimalIO }
func (d *Device) SupportedIOTypes() types.SupportedIOTypes { return d.ioTypes }
func (d *Device) MetadataLen() uint32       { return d.metadataLen }
func (d *Device) MetadataInterleaved() bool { return d.metaInterlvd }
func (d *Device) DIFEnabled() bool          { return d.difEnabled }

func (d *Device) SetOptimalIOBoundary(v uint64) { d.optimalIO = v }
func (d *Device) SetDIFEnabled(v bool)          { d.difEnabled = v }
func (d *Device) SetMetadata(length uint32, interleaved bool) {
	d.metadataLen = length
	d.metaInterlvd = interleaved
}

// Grow extends the device's backing capacity in place, simulating a
// host-reported RESIZE event (spec.md §4.5 Resize).
func (d *Device) Grow(newNumBlocks uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.numBlocks = newNumBlocks
	need := int(d.blockSize) * int(newNumBlocks)
	if need > len(d.data) {
		d.data = append(d.data, make([]byte, need-len(d.data))...)
	}
}

// FailNextSubmits arms n subsequent Submit calls on any channel over this
// device to return hostapi.ErrNoMem.
func (d *Device) FailNextSubmits(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noMemOnce = n
}

func (d *Device) takeNoMem() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noMemOnce > 0 {
		d.noMemOnce--
		return true
	}
	return false
}

func (d *Device) ReadAt(ctx context.Context, p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(d.data) {
		return errors.Errorf("device %s: read out of bounds at %d len %d", d.name, off, len(p))
	}
	copy(p, d.data[off:int(off)+len(p)])
	return nil
}

func (d *Device) WriteAt(ctx context.Context, p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(d.data) {
		return errors.Errorf("device %s: write out of bounds at %d len %d", d.name, off, len(p))
	}
	copy(d.data[off:int(off)+len(p)], p)
	return nil
}

func (d *Device) OpenChannel() (hostapi.Channel, error) {
	if d.closed {
		return nil, errors.Errorf("device %s: closed", d.name)
	}
	return &Channel{dev: d}, nil
}

func (d *Device) Close() error {
	d.closed = true
	return nil
}

// Channel is the fake hostapi.Channel returned by Device.OpenChannel. All
// Submit* calls complete synchronously, calling back before returning, which
// keeps the continuation-style control-plane code exercisable without a
// real event loop.
type Channel struct {
	dev *Device
}

func (c *Channel) Device() hostapi.BlockDevice { return c.dev }

func (c *Channel) SubmitRead(ctx context.Context, offsetBlocks, numBlocks uint64, iovecs [][]byte, cb hostapi.CompletionFunc) error {
	if c.dev.takeNoMem() {
		return hostapi.ErrNoMem
	}
	off := int64(offsetBlocks) * int64(c.dev.blockSize)
	for _, iov := range iovecs {
		if err := c.dev.ReadAt(ctx, iov, off); err != nil {
			cb(types.StatusFailed)
			return nil
		}
		off += int64(len(iov))
	}
	cb(types.StatusSuccess)
	return nil
}

func (c *Channel) SubmitWrite(ctx context.Context, offsetBlocks, numBlocks uint64, iovecs [][]byte, cb hostapi.CompletionFunc) error {
	if c.dev.takeNoMem() {
		return hostapi.ErrNoMem
	}
	off := int64(offsetBlocks) * int64(c.dev.blockSize)
	for _, iov := range iovecs {
		if err := c.dev.WriteAt(ctx, iov, off); err != nil {
			cb(types.StatusFailed)
			return nil
		}
		off += int64(len(iov))
	}
	cb(types.StatusSuccess)
	return nil
}

func (c *Channel) SubmitFlush(ctx context.Context, cb hostapi.CompletionFunc) error {
	if c.dev.takeNoMem() {
		return hostapi.ErrNoMem
	}
	cb(types.StatusSuccess)
	return nil
}

func (c *Channel) SubmitUnmap(ctx context.Context, offsetBlocks, numBlocks uint64, cb hostapi.CompletionFunc) error {
	if c.dev.takeNoMem() {
		return hostapi.ErrNoMem
	}
	cb(types.StatusSuccess)
	return nil
}

func (c *Channel) SubmitReset(ctx context.Context, cb hostapi.CompletionFunc) error {
	if c.dev.takeNoMem() {
		return hostapi.ErrNoMem
	}
	cb(types.StatusSuccess)
	return nil
}

// Personality is a minimal hostapi.Personality fake: Start succeeds
// immediately, Stop's completion is controlled by StopDone (set false and
// drive lifecycle.Engine.ResumePersonalityStop manually to exercise the
// asynchronous-stop suspension point), and the data-path hooks are no-ops
// sufficient for control-plane tests.
type Personality struct {
	Lvl             types.Level
	ResizeSupported bool
	StopDone        bool
	NullPayload     bool

	StartCalls  int
	ResizeCalls int
}

func NewPersonality(level types.Level) *Personality {
	return &Personality{Lvl: level, ResizeSupported: true, StopDone: true}
}

func (p *Personality) Level() types.Level { return p.Lvl }

func (p *Personality) Start(ctx context.Context, slots []hostapi.BlockDevice, stripSizeBlocks, blockSize uint64) error {
	p.StartCalls++
	return nil
}

func (p *Personality) Stop(ctx context.Context) (bool, error) {
	return p.StopDone, nil
}

func (p *Personality) SupportsResize() bool { return p.ResizeSupported }

func (p *Personality) Resize(ctx context.Context, slots []hostapi.BlockDevice) error {
	p.ResizeCalls++
	return nil
}

func (p *Personality) GetChannel() interface{} { return nil }

func (p *Personality) SubmitRW(ctx context.Context, op types.IOType, offsetBlocks, numBlocks uint64, iovecs [][]byte,
	onSubmit func(), completeChild hostapi.CompletionFunc) error {
	onSubmit()
	completeChild(types.StatusSuccess)
	return nil
}

func (p *Personality) SupportsNullPayload() bool { return p.NullPayload }

func (p *Personality) SubmitNullPayload(ctx context.Context, op types.IOType, offsetBlocks, numBlocks uint64,
	onSubmit func(), completeChild hostapi.CompletionFunc) error {
	onSubmit()
	completeChild(types.StatusSuccess)
	return nil
}

func (p *Personality) MemoryDomainsSupported() bool { return false }

// HostLayer is an in-memory hostapi.HostLayer fake. Quiesce/Unquiesce and
// frontend register/unregister all complete synchronously on the calling
// goroutine, matching how a single-process test exercises the lifecycle
// engine without a real SPDK event loop underneath it.
type HostLayer struct {
	mu sync.Mutex

	devices   map[string]*Device
	claimed   map[string]bool
	frontends map[string]bool

	// waiters is used by WaitForCapacity/ReleaseCapacity to simulate the
	// ENOMEM retry path without a real allocator.
	waiters []func()
}

func NewHostLayer() *HostLayer {
	return &HostLayer{
		devices:   make(map[string]*Device),
		claimed:   make(map[string]bool),
		frontends: make(map[string]bool),
	}
}

// Register makes a Device discoverable by OpenDevice, as if the host had
// already scanned it onto the bus.
func (h *HostLayer) Register(d *Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[d.name] = d
}

func (h *HostLayer) OpenDevice(name string) (hostapi.BlockDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[name]
	if !ok {
		return nil, &types.NotFoundError{Kind: "device", ID: name}
	}
	return d, nil
}

func (h *HostLayer) ClaimDevice(dev hostapi.BlockDevice) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.claimed[dev.Name()] {
		return &types.ExistsError{Kind: "claim", ID: dev.Name()}
	}
	h.claimed[dev.Name()] = true
	return nil
}

func (h *HostLayer) ReleaseClaim(dev hostapi.BlockDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.claimed, dev.Name())
}

func (h *HostLayer) RegisterFrontend(arrayName string, blockSize uint32, numBlocks uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frontends[arrayName] = true
	return nil
}

func (h *HostLayer) UnregisterFrontend(arrayName string, done func(err error)) {
	h.mu.Lock()
	delete(h.frontends, arrayName)
	h.mu.Unlock()
	done(nil)
}

func (h *HostLayer) Quiesce(arrayName string, done hostapi.QuiesceDoneFunc) {
	done(nil)
}

func (h *HostLayer) Unquiesce(arrayName string) {}

// IterateThreadChannels simulates a two-thread host, calling walk once per
// thread and then done, matching the per-thread iteration primitive
// spec.md §5 describes.
func (h *HostLayer) IterateThreadChannels(arrayName string, walk func(threadID int, nullSlot func()), done func()) {
	for t := 0; t < 2; t++ {
		walk(t, func() {})
	}
	done()
}

func (h *HostLayer) WaitForCapacity(dev hostapi.BlockDevice, retry func()) {
	h.mu.Lock()
	h.waiters = append(h.waiters, retry)
	h.mu.Unlock()
}

// ReleaseCapacity invokes every parked WaitForCapacity callback, simulating
// the host signalling that ENOMEM pressure has cleared.
func (h *HostLayer) ReleaseCapacity() {
	h.mu.Lock()
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()
	for _, w := range waiters {
		w()
	}
}
