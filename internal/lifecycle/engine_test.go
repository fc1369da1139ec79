package lifecycle

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openraid/raidbdev/internal/hostapi/hostapitest"
	"github.com/openraid/raidbdev/internal/personality"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/registry"
	"github.com/openraid/raidbdev/internal/superblock"
	"github.com/openraid/raidbdev/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *personality.Registry, *hostapitest.HostLayer) {
	t.Helper()
	personalities := personality.New(logrus.StandardLogger())
	require.NoError(t, personalities.Register(&personality.Descriptor{
		Level:    types.LevelConcat,
		MinSlots: 1,
		Impl:     hostapitest.NewPersonality(types.LevelConcat),
	}))
	host := hostapitest.NewHostLayer()
	reg := registry.New()
	e := New(reg, personalities, host, logrus.StandardLogger())
	e.Run()
	t.Cleanup(e.Stop)
	return e, personalities, host
}

func TestCreateRejectsBadName(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Create(CreateParams{Name: "", Level: types.LevelConcat, NumSlots: 1, StripSizeKB: 64})
	require.Error(t, err)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	r := require.New(t)
	e, _, _ := newTestEngine(t)
	_, err := e.Create(CreateParams{Name: "r0", Level: types.LevelConcat, NumSlots: 1, StripSizeKB: 64})
	r.NoError(err)
	_, err = e.Create(CreateParams{Name: "r0", Level: types.LevelConcat, NumSlots: 1, StripSizeKB: 64})
	r.Error(err)
}

func TestCreateRejectsBelowPersonalityMinSlots(t *testing.T) {
	r := require.New(t)
	personalities := personality.New(logrus.StandardLogger())
	r.NoError(personalities.Register(&personality.Descriptor{
		Level: types.LevelRaid1, MinSlots: 2, Impl: hostapitest.NewPersonality(types.LevelRaid1),
	}))
	e := New(registry.New(), personalities, hostapitest.NewHostLayer(), logrus.StandardLogger())
	_, err := e.Create(CreateParams{Name: "r0", Level: types.LevelRaid1, NumSlots: 1})
	r.Error(err)
}

func TestCreateRejectsOddStripSize(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Create(CreateParams{Name: "r0", Level: types.LevelConcat, NumSlots: 1, StripSizeKB: 3})
	require.Error(t, err)
}

// TestConfigureTransitionsOnline exercises concrete scenario #1: once every
// expected slot has been bound, Configure must bring the array ONLINE.
func TestConfigureTransitionsOnline(t *testing.T) {
	r := require.New(t)
	e, _, host := newTestEngine(t)

	arr, err := e.Create(CreateParams{Name: "r0", Level: types.LevelConcat, NumSlots: 2, StripSizeKB: 64})
	r.NoError(err)
	r.Equal(2, arr.OperationalCount())

	for i := 0; i < 2; i++ {
		dev := hostapitest.NewDevice("d", 4096, 1024)
		host.Register(dev)
		ch, err := dev.OpenChannel()
		r.NoError(err)
		ready, err := arr.BindSlot(i, dev, ch, 1024, 0, 1024)
		r.NoError(err)
		if i == 1 {
			r.True(ready)
		} else {
			r.False(ready)
		}
	}

	r.NoError(e.Configure(context.Background(), arr))
	r.Equal(arr.State(), types.StateOnline)
	r.True(arr.AcceptsIO())
	r.Equal(uint32(4096), arr.BlockSize)
}

func TestConfigureRejectsBeforeAllSlotsDiscovered(t *testing.T) {
	r := require.New(t)
	e, _, host := newTestEngine(t)

	arr, err := e.Create(CreateParams{Name: "r0", Level: types.LevelConcat, NumSlots: 2, StripSizeKB: 64})
	r.NoError(err)

	dev := hostapitest.NewDevice("d0", 4096, 1024)
	host.Register(dev)
	ch, err := dev.OpenChannel()
	r.NoError(err)
	_, err = arr.BindSlot(0, dev, ch, 1024, 0, 1024)
	r.NoError(err)

	err = e.Configure(context.Background(), arr)
	r.Error(err)
	r.Equal(arr.State(), types.StateConfiguring)
}

func TestConfigureRejectsDisagreeingBlockSizes(t *testing.T) {
	r := require.New(t)
	e, _, host := newTestEngine(t)

	arr, err := e.Create(CreateParams{Name: "r0", Level: types.LevelConcat, NumSlots: 2, StripSizeKB: 64})
	r.NoError(err)

	dev0 := hostapitest.NewDevice("d0", 4096, 1024)
	dev1 := hostapitest.NewDevice("d1", 512, 1024)
	host.Register(dev0)
	host.Register(dev1)
	ch0, _ := dev0.OpenChannel()
	ch1, _ := dev1.OpenChannel()
	_, err = arr.BindSlot(0, dev0, ch0, 1024, 0, 1024)
	r.NoError(err)
	_, err = arr.BindSlot(1, dev1, ch1, 1024, 0, 1024)
	r.NoError(err)

	err = e.Configure(context.Background(), arr)
	r.Error(err)
}

// TestConfigureRejectsSuperblockBlockSizeMismatch exercises spec.md §4.4
// step 5's "otherwise assert UUID match and validate block size and total
// block count; on mismatch, stop the personality and fail" for an array
// assembled from an on-disk superblock whose recorded block size disagrees
// with what the live devices actually measure.
func TestConfigureRejectsSuperblockBlockSizeMismatch(t *testing.T) {
	r := require.New(t)
	e, _, host := newTestEngine(t)

	rec := &superblock.Record{
		Seq:             3,
		ArrayUUID:       uuid.New(),
		ArrayName:       "r0",
		Level:           types.LevelConcat,
		StripSizeBlocks: 16,
		BlockSize:       512, // disagrees with the 4096-byte devices below
		TotalBlocks:     2048,
		Slots: []superblock.SlotEntry{
			{SlotIndex: 0, State: types.SlotConfigured, DataOffset: 0, DataSize: 1024},
			{SlotIndex: 1, State: types.SlotConfigured, DataOffset: 0, DataSize: 1024},
		},
	}
	arr, err := e.AssembleFromSuperblock(rec)
	r.NoError(err)
	r.Equal(uint32(512), arr.SBBlockSize)
	r.Equal(uint64(2048), arr.SBTotalBlocks)

	for i := 0; i < 2; i++ {
		dev := hostapitest.NewDevice("d", 4096, 1024)
		host.Register(dev)
		ch, err := dev.OpenChannel()
		r.NoError(err)
		_, err = arr.BindSlot(i, dev, ch, 1024, 0, 1024)
		r.NoError(err)
	}

	err = e.Configure(context.Background(), arr)
	r.Error(err)
	r.IsType(&types.IncompatibleMetadataError{}, err)
	r.Equal(types.StateConfiguring, arr.State(), "a failed Configure must leave the array in CONFIGURING")
}

// TestConfigureAllocatesDeltaBitmap exercises the delta-bitmap Open
// Question resolution: an array created with DeltaBitmap set must come out
// of Configure with a non-nil Bitmap sized to the array's strip count.
func TestConfigureAllocatesDeltaBitmap(t *testing.T) {
	r := require.New(t)
	e, _, host := newTestEngine(t)

	arr, err := e.Create(CreateParams{Name: "r0", Level: types.LevelConcat, NumSlots: 2, StripSizeKB: 64, DeltaBitmap: true})
	r.NoError(err)
	r.Nil(arr.Bitmap, "bitmap must not be allocated before the array's extent is known")

	for i := 0; i < 2; i++ {
		dev := hostapitest.NewDevice("d", 4096, 1024)
		host.Register(dev)
		ch, err := dev.OpenChannel()
		r.NoError(err)
		_, err = arr.BindSlot(i, dev, ch, 1024, 0, 1024)
		r.NoError(err)
	}

	r.NoError(e.Configure(context.Background(), arr))
	r.NotNil(arr.Bitmap)
	r.Equal(uint64(2048)/arr.StripSizeBlocks, arr.Bitmap.NumStrips())
}

// TestOnArrayOnlineHookFires exercises the cmd/raidd wiring point: Configure
// must invoke Engine.OnArrayOnline exactly once, after TransitionOnline,
// for array.set_options to ever have something to register.
func TestOnArrayOnlineHookFires(t *testing.T) {
	r := require.New(t)
	e, _, host := newTestEngine(t)

	arr, err := e.Create(CreateParams{Name: "r0", Level: types.LevelConcat, NumSlots: 1, StripSizeKB: 64})
	r.NoError(err)

	var fired *raidarray.Array
	e.OnArrayOnline = func(a *raidarray.Array) { fired = a }

	dev := hostapitest.NewDevice("d", 4096, 1024)
	host.Register(dev)
	ch, err := dev.OpenChannel()
	r.NoError(err)
	_, err = arr.BindSlot(0, dev, ch, 1024, 0, 1024)
	r.NoError(err)

	r.NoError(e.Configure(context.Background(), arr))
	r.Same(arr, fired, "OnArrayOnline must fire with the array that just went online")
}
