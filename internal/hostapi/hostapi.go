// Package hostapi defines the contracts the array core consumes from its two
// external collaborators (spec.md §6 Non-goals / §1 scope): the host block
// layer that actually dispatches I/O, and the RAID personality modules that
// map logical I/O onto base-device I/O. Neither is implemented here — only
// the capability interfaces the core calls through. internal/hostapi/hostapitest
// supplies in-memory fakes for the rest of this module's tests.
package hostapi

import (
	"context"

	"github.com/google/uuid"

	"github.com/openraid/raidbdev/internal/types"
)

// CompletionFunc is how a child (base-device) I/O reports back to the core.
type CompletionFunc func(status types.IOStatus)

// BlockDevice is a backing device descriptor bound into a slot.
type BlockDevice interface {
	Name() string
	UUID() uuid.UUID
	BlockSize() uint32
	NumBlocks() uint64
	// OptimalIOBoundary is the device's preferred alignment, in blocks.
	OptimalIOBoundary() uint64
	SupportedIOTypes() types.SupportedIOTypes

	// Metadata format describes DIF/DIX passthrough capability, checked
	// for uniformity across slots during Configuration (spec.md §4.4).
	MetadataLen() uint32
	MetadataInterleaved() bool
	DIFEnabled() bool

	// ReadAt/WriteAt perform synchronous superblock I/O at a byte offset,
	// used by internal/superblock. They run on the caller's own thread and
	// never yield to the application-thread dispatcher.
	ReadAt(ctx context.Context, p []byte, off int64) error
	WriteAt(ctx context.Context, p []byte, off int64) error

	// OpenChannel allocates the caller's per-thread Channel handle. Examine's
	// Bind sub-flow opens one on the application thread; the concat
	// personality opens one per submitted I/O.
	OpenChannel() (Channel, error)

	Close() error
}

// Channel is a per-thread handle to a BlockDevice, analogous to an SPDK I/O
// channel: it is never shared across threads.
type Channel interface {
	Device() BlockDevice

	// SubmitRead/SubmitWrite/SubmitFlush/SubmitUnmap/SubmitReset dispatch
	// one child I/O. They return ErrNoMem on transient resource exhaustion
	// (spec.md §4.3); any other non-nil error is a hard submission failure.
	SubmitRead(ctx context.Context, offsetBlocks, numBlocks uint64, iovecs [][]byte, cb CompletionFunc) error
	SubmitWrite(ctx context.Context, offsetBlocks, numBlocks uint64, iovecs [][]byte, cb CompletionFunc) error
	SubmitFlush(ctx context.Context, cb CompletionFunc) error
	SubmitUnmap(ctx context.Context, offsetBlocks, numBlocks uint64, cb CompletionFunc) error
	SubmitReset(ctx context.Context, cb CompletionFunc) error
}

// ErrNoMem is returned by a Channel Submit* call on transient resource
// exhaustion; the caller parks the request on a wait entry and retries from
// the saved submitted-index once HostLayer signals capacity.
var ErrNoMem = errNoMem{}

type errNoMem struct{}

func (errNoMem) Error() string { return "no memory available for I/O submission" }

// Personality is the capability object a RAID level registers (spec.md
// §4.1/§9). The array core holds one such handle for the lifetime of an
// Array; it never inspects the personality's internal state.
type Personality interface {
	Level() types.Level

	// Start/Stop/Resize are invoked during Configuration, Destruct and
	// Member-Grow/Resize respectively. Stop may return done=false to
	// signal asynchronous shutdown; the teardown is then finished by a later
	// call to lifecycle.Engine.ResumePersonalityStop.
	Start(ctx context.Context, slots []BlockDevice, stripSizeBlocks, blockSize uint64) error
	Stop(ctx context.Context) (done bool, err error)

	// SupportsResize reports whether Resize does anything useful for this
	// personality; Member Grow is rejected outright when it returns false
	// (spec.md §4.5 Grow).
	SupportsResize() bool
	Resize(ctx context.Context, slots []BlockDevice) error

	// GetChannel returns a personality-private per-thread handle, stored
	// alongside the per-slot channels in internal/iochannel.
	GetChannel() interface{}

	// SubmitRW maps one logical READ/WRITE onto zero or more child I/Os. It
	// must call onSubmit once per child it dispatches (so the core can
	// track submitted/remaining) and completeChild exactly once per
	// dispatched child.
	SubmitRW(ctx context.Context, op types.IOType, offsetBlocks, numBlocks uint64, iovecs [][]byte,
		onSubmit func(), completeChild CompletionFunc) error

	// SubmitNullPayload services FLUSH/UNMAP. A false return from
	// SupportsNullPayload means the opcode is unsupported (spec.md §4.3).
	SupportsNullPayload() bool
	SubmitNullPayload(ctx context.Context, op types.IOType, offsetBlocks, numBlocks uint64,
		onSubmit func(), completeChild CompletionFunc) error

	MemoryDomainsSupported() bool
}

// QuiesceDoneFunc resumes a suspended control-plane chain
// (spec.md §5 suspension points).
type QuiesceDoneFunc func(err error)

// ChannelWalkFunc is invoked once per host thread during the per-thread
// channel iteration primitive; it must be safe to call from any thread.
type ChannelWalkFunc func(threadID int, fn func())

// HostLayer is the block-layer collaborator: device registration, quiesce
// fencing, per-thread channel iteration and claim exclusivity.
type HostLayer interface {
	RegisterFrontend(arrayName string, blockSize uint32, numBlocks uint64) error
	UnregisterFrontend(arrayName string, done func(err error))

	Quiesce(arrayName string, done QuiesceDoneFunc)
	Unquiesce(arrayName string)

	// IterateThreadChannels walks every host thread exactly once, calling
	// walk with a closure the caller must invoke on that thread; done is
	// called after every thread has been visited (spec.md §5's
	// "continuing via a completion token").
	IterateThreadChannels(arrayName string, walk func(threadID int, nullSlot func()), done func())

	ClaimDevice(dev BlockDevice) error
	ReleaseClaim(dev BlockDevice)

	// WaitForCapacity parks a retry callback on the given device's wait
	// queue; it is invoked once capacity is available.
	WaitForCapacity(dev BlockDevice, retry func())

	OpenDevice(name string) (BlockDevice, error)
}
