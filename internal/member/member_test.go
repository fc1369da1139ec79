package member

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openraid/raidbdev/internal/examine"
	"github.com/openraid/raidbdev/internal/hostapi/hostapitest"
	"github.com/openraid/raidbdev/internal/lifecycle"
	"github.com/openraid/raidbdev/internal/personality"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/registry"
	"github.com/openraid/raidbdev/internal/types"
)

// degradableArray builds a 3-slot array whose personality tolerates one
// removed member (min_operational = num_slots - 1), bound and ONLINE, with
// each slot named d0/d1/d2 for Remove's reverse device-name lookup.
func degradableArray(t *testing.T) (*lifecycle.Engine, *Engine, *raidarray.Array, *hostapitest.HostLayer) {
	t.Helper()
	r := require.New(t)

	personalities := personality.New(logrus.StandardLogger())
	r.NoError(personalities.Register(&personality.Descriptor{
		Level:      types.LevelRaid5f,
		MinSlots:   3,
		Constraint: types.Constraint{Kind: types.ConstraintMaxRemoved, Value: 1},
		Impl:       hostapitest.NewPersonality(types.LevelRaid5f),
	}))

	host := hostapitest.NewHostLayer()
	reg := registry.New()
	lc := lifecycle.New(reg, personalities, host, logrus.StandardLogger())
	lc.Run()
	t.Cleanup(lc.Stop)
	ex := examine.New(lc, reg, host, logrus.StandardLogger())
	mem := New(lc, ex, reg, host, logrus.StandardLogger())

	arr, err := lc.Create(lifecycle.CreateParams{Name: "r0", Level: types.LevelRaid5f, NumSlots: 3, StripSizeKB: 64})
	r.NoError(err)
	r.Equal(2, arr.MinOperational)

	for i := 0; i < 3; i++ {
		name := []string{"d0", "d1", "d2"}[i]
		dev := hostapitest.NewDevice(name, 4096, 1024)
		host.Register(dev)
		ch, err := dev.OpenChannel()
		r.NoError(err)
		arr.Slot(i).SetName(name)
		_, err = arr.BindSlot(i, dev, ch, 1024, 0, 1024)
		r.NoError(err)
	}
	r.NoError(lc.Configure(context.Background(), arr))
	r.Equal(types.StateOnline, arr.State())

	return lc, mem, arr, host
}

// TestRemoveToleratedByDegradation exercises concrete scenario #4: removing
// one member from a 3-slot, tolerate-one-removed array must keep the array
// ONLINE and release the slot through the quiesce-fenced path.
func TestRemoveToleratedByDegradation(t *testing.T) {
	r := require.New(t)
	_, mem, arr, _ := degradableArray(t)

	status := -99
	done := make(chan struct{})
	r.NoError(mem.Remove(context.Background(), "d0", func(s int) { status = s; close(done) }))
	<-done

	r.Equal(0, status)
	r.Equal(types.StateOnline, arr.State(), "array must stay ONLINE when still at or above min_operational")
	r.Equal(2, arr.OperationalCount())
	r.False(arr.Slot(0).IsConfigured())
}

// TestRemoveBelowMinimumDeconfigures exercises concrete scenario #5: removing
// a second member, once operational_count would drop below min_operational,
// must deconfigure the array instead of just releasing the slot.
func TestRemoveBelowMinimumDeconfigures(t *testing.T) {
	r := require.New(t)
	_, mem, arr, _ := degradableArray(t)

	done1 := make(chan struct{})
	r.NoError(mem.Remove(context.Background(), "d0", func(int) { close(done1) }))
	<-done1
	r.Equal(types.StateOnline, arr.State())

	done2 := make(chan struct{})
	status := -99
	r.NoError(mem.Remove(context.Background(), "d1", func(s int) { status = s; close(done2) }))
	<-done2

	r.Equal(0, status)
	r.Equal(types.StateOffline, arr.State(), "dropping below min_operational must deconfigure the array")
}

func TestRemoveUnknownDeviceReturnsNotFound(t *testing.T) {
	r := require.New(t)
	_, mem, _, _ := degradableArray(t)
	err := mem.Remove(context.Background(), "nonexistent", nil)
	r.Error(err)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := require.New(t)
	_, mem, _, _ := degradableArray(t)

	done1 := make(chan struct{})
	r.NoError(mem.Remove(context.Background(), "d0", func(int) { close(done1) }))
	<-done1

	done2 := make(chan struct{})
	status := -99
	r.NoError(mem.Remove(context.Background(), "d0", func(s int) { status = s; close(done2) }))
	<-done2
	r.Equal(0, status, "a second Remove on an already-scheduled slot must report success immediately")
}
