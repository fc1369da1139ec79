package ioreq

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openraid/raidbdev/internal/bitmap"
	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/hostapi/hostapitest"
	"github.com/openraid/raidbdev/internal/iochannel"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/types"
)

func newOnlineArray(t *testing.T, numSlots int) (*raidarray.Array, *iochannel.Channel, []*hostapitest.Device) {
	t.Helper()
	a := raidarray.New("r0", uuid.New(), types.LevelConcat, numSlots, 64, false)
	a.SetOperationalCount(numSlots)
	a.MinOperational = 1
	a.Personality = hostapitest.NewPersonality(types.LevelConcat)

	ch := iochannel.New(numSlots)
	devs := make([]*hostapitest.Device, numSlots)
	for i := 0; i < numSlots; i++ {
		dev := hostapitest.NewDevice("d", 4096, 256)
		devs[i] = dev
		hc, err := dev.OpenChannel()
		require.NoError(t, err)
		_, err = a.BindSlot(i, dev, hc, 256, 0, 256)
		require.NoError(t, err)
		ch.SetSlot(i, hc)
	}
	require.NoError(t, a.TransitionOnline())
	return a, ch, devs
}

func TestCompleteChildRollsUpFirstNonSuccess(t *testing.T) {
	r := require.New(t)
	a, ch, _ := newOnlineArray(t, 2)

	var got types.IOStatus
	req := New(a, ch, types.IORead, 0, 1, nil, func(s types.IOStatus) { got = s }, logrus.StandardLogger())
	req.SetRemaining(2)

	req.CompleteChild(1, types.StatusFailed)
	r.Equal(types.IOStatus(0), got, "must not complete until remaining reaches zero")

	req.CompleteChild(1, types.StatusSuccess)
	r.Equal(types.StatusFailed, got, "first non-SUCCESS status must win over a later SUCCESS")
}

func TestCompleteChildPanicsOnUnderflow(t *testing.T) {
	a, ch, _ := newOnlineArray(t, 1)
	req := New(a, ch, types.IORead, 0, 1, nil, func(types.IOStatus) {}, logrus.StandardLogger())
	req.SetRemaining(1)
	req.CompleteChild(1, types.StatusSuccess)

	require.Panics(t, func() {
		req.CompleteChild(1, types.StatusSuccess)
	})
}

func TestSubmitRejectsWhenArrayNotOnline(t *testing.T) {
	r := require.New(t)
	a := raidarray.New("r0", uuid.New(), types.LevelConcat, 1, 64, false)
	a.Personality = hostapitest.NewPersonality(types.LevelConcat)
	ch := iochannel.New(1)
	req := New(a, ch, types.IORead, 0, 1, nil, func(types.IOStatus) {}, logrus.StandardLogger())
	err := Submit(context.Background(), req)
	r.Error(err)
}

func TestSubmitReadWiresThroughPersonality(t *testing.T) {
	r := require.New(t)
	a, ch, _ := newOnlineArray(t, 1)
	done := make(chan types.IOStatus, 1)
	req := New(a, ch, types.IORead, 0, 1, nil, func(s types.IOStatus) { done <- s }, logrus.StandardLogger())
	req.SetRemaining(1)

	err := Submit(context.Background(), req)
	r.NoError(err)
	r.Equal(types.StatusSuccess, <-done)
}

func TestIOTypeSupportedRequiresNullPayloadForFlush(t *testing.T) {
	r := require.New(t)
	a, _, _ := newOnlineArray(t, 1)
	r.False(IOTypeSupported(a, types.IOFlush), "hostapitest.Personality defaults NullPayload to false")

	a.Personality.(*hostapitest.Personality).NullPayload = true
	r.True(IOTypeSupported(a, types.IOFlush))
}

// TestResetTransientENOMEMRetry exercises concrete scenario #6: a RESET whose
// child submission to one slot returns ErrNoMem must park on the host
// layer's wait entry and resume from the saved index once capacity frees up,
// rather than failing the whole logical I/O.
func TestResetTransientENOMEMRetry(t *testing.T) {
	r := require.New(t)
	a, ch, devs := newOnlineArray(t, 3)

	host := hostapitest.NewHostLayer()
	SetCapacityWaiter(host.WaitForCapacity)
	defer SetCapacityWaiter(func(dev hostapi.BlockDevice, retry func()) { retry() })

	devs[1].FailNextSubmits(1)

	done := make(chan types.IOStatus, 1)
	req := New(a, ch, types.IOReset, 0, 0, nil, func(s types.IOStatus) { done <- s }, logrus.StandardLogger())

	err := Submit(context.Background(), req)
	r.NoError(err)

	select {
	case <-done:
		t.Fatal("reset must not complete while parked on the ENOMEM wait entry")
	default:
	}

	host.ReleaseCapacity()

	status := <-done
	r.Equal(types.StatusSuccess, status)
}

// TestSubmitWriteMarksDirtyOnDegradedArray exercises the delta-bitmap write
// path: a WRITE against a degraded, bitmap-enabled array must mark the
// strip(s) it touches dirty so internal/process's resync walk later finds
// them.
func TestSubmitWriteMarksDirtyOnDegradedArray(t *testing.T) {
	r := require.New(t)
	a, ch, _ := newOnlineArray(t, 2)
	a.StripSizeBlocks = 8
	a.Bitmap = bitmap.New(4)
	a.SetOperationalCount(1)
	r.True(a.Degraded())

	done := make(chan types.IOStatus, 1)
	req := New(a, ch, types.IOWrite, a.StripSizeBlocks*2, 1, [][]byte{make([]byte, 4096)}, func(s types.IOStatus) { done <- s }, logrus.StandardLogger())
	req.SetRemaining(1)

	err := Submit(context.Background(), req)
	r.NoError(err)
	r.Equal(types.StatusSuccess, <-done)
	dirty, ok := a.Bitmap.NextDirty(0)
	r.True(ok, "write must mark some strip dirty")
	r.Equal(uint64(2), dirty, "write at block 16 with strip size 8 must mark strip 2")
}

// TestSubmitReadDoesNotMarkDirty exercises the converse: a READ against a
// degraded, bitmap-enabled array must never mark anything dirty, since reads
// do not desynchronize a rejoining member.
func TestSubmitReadDoesNotMarkDirty(t *testing.T) {
	r := require.New(t)
	a, ch, _ := newOnlineArray(t, 2)
	a.Bitmap = bitmap.New(4)
	a.SetOperationalCount(1)

	done := make(chan types.IOStatus, 1)
	req := New(a, ch, types.IORead, 0, 1, [][]byte{make([]byte, 4096)}, func(s types.IOStatus) { done <- s }, logrus.StandardLogger())
	req.SetRemaining(1)

	err := Submit(context.Background(), req)
	r.NoError(err)
	r.Equal(types.StatusSuccess, <-done)
	_, ok := a.Bitmap.NextDirty(0)
	r.False(ok, "a read must never mark any strip dirty")
}
