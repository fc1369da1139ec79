package process

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openraid/raidbdev/internal/bitmap"
)

func markDirtyStrips(bm *bitmap.Bitmap, n uint64) {
	for i := uint64(0); i < n; i++ {
		bm.MarkDirty(i, 1, 1)
	}
}

func TestNewResyncAppliesDefaultOptions(t *testing.T) {
	r := require.New(t)
	res := NewResync("r0", bitmap.New(8), 1, 4096, func(context.Context, uint64) error { return nil }, logrus.StandardLogger())
	opts := res.CurrentOptions()
	r.Equal(uint64(512), opts.WindowSizeKB)
	r.Equal(uint64(50), opts.MaxBandwidthMBPerSec)
}

func TestSetOptionsOverridesAndZeroFallsBackToDefault(t *testing.T) {
	r := require.New(t)
	res := NewResync("r0", bitmap.New(8), 1, 4096, func(context.Context, uint64) error { return nil }, logrus.StandardLogger())

	res.SetOptions(Options{WindowSizeKB: 128, MaxBandwidthMBPerSec: 10})
	opts := res.CurrentOptions()
	r.Equal(uint64(128), opts.WindowSizeKB)
	r.Equal(uint64(10), opts.MaxBandwidthMBPerSec)

	res.SetOptions(Options{})
	opts = res.CurrentOptions()
	r.Equal(uint64(512), opts.WindowSizeKB, "zero WindowSizeKB must fall back to the built-in default")
	r.Equal(uint64(50), opts.MaxBandwidthMBPerSec)
}

func TestRunStopsAtWindowBudget(t *testing.T) {
	r := require.New(t)
	bm := bitmap.New(8)
	markDirtyStrips(bm, 4)

	var resynced []uint64
	res := NewResync("r0", bm, 1, 1024, func(_ context.Context, strip uint64) error {
		resynced = append(resynced, strip)
		return nil
	}, logrus.StandardLogger())
	res.SetOptions(Options{WindowSizeKB: 2, MaxBandwidthMBPerSec: 1000}) // budget = 2 strips at 1024B each

	res.Run()

	r.Equal([]uint64{0, 1}, resynced)
	next, ok := bm.NextDirty(0)
	r.True(ok)
	r.Equal(uint64(2), next, "strips beyond the per-tick window budget must stay dirty for the next tick")
}

func TestRunBreaksOnResyncFailureWithoutClearingBit(t *testing.T) {
	r := require.New(t)
	bm := bitmap.New(8)
	markDirtyStrips(bm, 2)

	res := NewResync("r0", bm, 1, 1024, func(context.Context, uint64) error {
		return errors.New("strip device temporarily unavailable")
	}, logrus.StandardLogger())
	res.SetOptions(Options{WindowSizeKB: 64, MaxBandwidthMBPerSec: 1000})

	res.Run()

	_, ok := bm.NextDirty(0)
	r.True(ok, "a failed resync must leave the strip dirty for retry")
}

func TestRunStopsWhenRateLimiterExhausted(t *testing.T) {
	r := require.New(t)
	bm := bitmap.New(8)
	markDirtyStrips(bm, 1)

	var called bool
	res := NewResync("r0", bm, 1, 1024, func(context.Context, uint64) error {
		called = true
		return nil
	}, logrus.StandardLogger())
	res.SetOptions(Options{WindowSizeKB: 10, MaxBandwidthMBPerSec: 1})
	res.limiter.AllowN(timeNow(), int(10*1024)) // drain the tick's burst ahead of time

	res.Run()

	r.False(called, "Run must not resync a strip once the rate limiter has no tokens left")
	_, ok := bm.NextDirty(0)
	r.True(ok)
}

func TestStartAndStopSchedule(t *testing.T) {
	r := require.New(t)
	res := NewResync("r0", bitmap.New(8), 1, 4096, func(context.Context, uint64) error { return nil }, logrus.StandardLogger())

	c := cron.New()
	r.NoError(res.Start(c))
	r.True(res.running)

	res.Stop(c)
	r.False(res.running)

	res.Stop(c) // idempotent
}
