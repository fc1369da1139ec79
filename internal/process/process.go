// Package process implements the background, rate-limited resync walk that
// clears delta-bitmap dirty regions once a degraded array regains a member,
// tunable via the array.set_options process_window_size_kb and
// process_max_bandwidth_mb_sec settings.
package process

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/openraid/raidbdev/internal/bitmap"
)

const defaultScheduleSpec = "@every 1s"

// timeNow is indirected so tests can drive the rate limiter deterministically
// without sleeping.
var timeNow = time.Now

// Options are the tunables array.set_options exposes for the background
// process.
type Options struct {
	WindowSizeKB         uint64
	MaxBandwidthMBPerSec uint64
}

// StripResyncFunc rebuilds one dirty strip onto the rejoined member. It
// returns an error if the strip could not be resynced this tick; the
// process leaves the bit set and retries on the next tick.
type StripResyncFunc func(ctx context.Context, strip uint64) error

// Resync drives one array's delta-bitmap walk. It is registered with a
// *cron.Cron the way the teacher's manager.ManagedVolume registers a
// *CronJob per volume.
type Resync struct {
	mu sync.Mutex

	arrayName       string
	bm              *bitmap.Bitmap
	stripSizeBlocks uint64
	blockSize       uint32
	resync          StripResyncFunc
	log             logrus.FieldLogger

	limiter     *rate.Limiter
	windowKB    uint64
	maxBWMBPerSec uint64

	entryID cron.EntryID
	running bool
}

// NewResync builds a Resync process for one array's bitmap. Call SetOptions
// before Start to apply non-default tuning.
func NewResync(arrayName string, bm *bitmap.Bitmap, stripSizeBlocks uint64, blockSize uint32, resyncFn StripResyncFunc, log logrus.FieldLogger) *Resync {
	r := &Resync{
		arrayName:       arrayName,
		bm:              bm,
		stripSizeBlocks: stripSizeBlocks,
		blockSize:       blockSize,
		resync:          resyncFn,
		log:             log.WithFields(logrus.Fields{"component": "resync-process", "array": arrayName}),
	}
	r.SetOptions(Options{WindowSizeKB: 512, MaxBandwidthMBPerSec: 50})
	return r
}

// SetOptions reconfigures the bandwidth limiter and the per-tick window
// size; safe to call while the process is scheduled.
func (r *Resync) SetOptions(opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if opts.WindowSizeKB == 0 {
		opts.WindowSizeKB = 512
	}
	if opts.MaxBandwidthMBPerSec == 0 {
		opts.MaxBandwidthMBPerSec = 50
	}
	r.windowKB = opts.WindowSizeKB
	r.maxBWMBPerSec = opts.MaxBandwidthMBPerSec
	burstBytes := int(opts.WindowSizeKB * 1024)
	r.limiter = rate.NewLimiter(rate.Limit(opts.MaxBandwidthMBPerSec*1024*1024), burstBytes)
}

// CurrentOptions reports the tunables last applied by SetOptions, letting a
// caller (internal/rpc's array.set_options) apply a partial update without
// resetting the field it didn't specify back to the built-in default.
func (r *Resync) CurrentOptions() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Options{WindowSizeKB: r.windowKB, MaxBandwidthMBPerSec: r.maxBWMBPerSec}
}

// Start schedules the walk on c, ticking once per second while any strip is
// dirty.
func (r *Resync) Start(c *cron.Cron) error {
	id, err := c.AddJob(defaultScheduleSpec, r)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.entryID = id
	r.running = true
	r.mu.Unlock()
	return nil
}

// Stop unschedules the walk; idempotent.
func (r *Resync) Stop(c *cron.Cron) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	c.Remove(r.entryID)
	r.running = false
}

// Run implements cron.Job. It walks dirty strips, spending only as much of
// the window-sized byte budget as the rate limiter currently allows,
// picking up where it left off on the next tick.
func (r *Resync) Run() {
	r.mu.Lock()
	limiter := r.limiter
	windowKB := r.windowKB
	r.mu.Unlock()

	strip, ok := r.bm.NextDirty(0)
	if !ok {
		return
	}

	budget := int(windowKB * 1024)
	stripBytes := int(r.stripSizeBlocks) * int(r.blockSize)
	ctx := context.Background()

	for ok && budget >= stripBytes {
		if !limiter.AllowN(timeNow(), stripBytes) {
			break
		}
		if err := r.resync(ctx, strip); err != nil {
			r.log.WithError(err).WithField("strip", strip).Warn("strip resync failed, will retry")
			break
		}
		r.bm.ClearStrip(strip)
		budget -= stripBytes
		strip, ok = r.bm.NextDirty(strip + 1)
	}
}
