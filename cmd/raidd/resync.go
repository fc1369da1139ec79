// wireResync hooks internal/process's background resync walk up to the
// lifecycle engine so array.set_options (spec.md §6) has a live process to
// tune instead of an empty registry.
package main

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/openraid/raidbdev/internal/iochannel"
	"github.com/openraid/raidbdev/internal/ioreq"
	"github.com/openraid/raidbdev/internal/lifecycle"
	"github.com/openraid/raidbdev/internal/process"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/rpc"
	"github.com/openraid/raidbdev/internal/types"
)

// wireResync registers lc.OnArrayOnline so that any array created with
// delta_bitmap set picks up its own internal/process.Resync the moment it
// reaches ONLINE, with no separate operator step.
func wireResync(lc *lifecycle.Engine, cronSched *cron.Cron, server *rpc.Server, log logrus.FieldLogger) {
	lc.OnArrayOnline = func(arr *raidarray.Array) {
		if !arr.DeltaBitmap || arr.Bitmap == nil {
			return
		}
		r := process.NewResync(arr.Name, arr.Bitmap, arr.StripSizeBlocks, arr.BlockSize, stripResyncFunc(lc, arr), log)
		if err := r.Start(cronSched); err != nil {
			log.WithError(err).WithField("array", arr.Name).Warn("failed to schedule delta-bitmap resync")
			return
		}
		server.RegisterResync(r)
		log.WithField("array", arr.Name).Info("delta-bitmap resync process scheduled")
	}
}

// stripResyncFunc rebuilds one dirty strip by reading it back through the
// array and writing it straight out again. For any personality with
// redundancy the write fans out to every currently configured member,
// including one that just rejoined after being degraded, so there is no
// separate per-personality rebuild path to maintain here.
func stripResyncFunc(lc *lifecycle.Engine, arr *raidarray.Array) process.StripResyncFunc {
	return func(ctx context.Context, strip uint64) error {
		stripBlocks := arr.StripSizeBlocks
		if stripBlocks == 0 {
			stripBlocks = arr.SBTotalBlocks
		}
		if stripBlocks == 0 {
			return fmt.Errorf("array %s: cannot resync strip %d, no strip extent known", arr.Name, strip)
		}
		offset := strip * stripBlocks
		buf := make([]byte, stripBlocks*uint64(arr.BlockSize))
		ch := lc.ChannelSet(arr).GetOrCreate(0)

		if err := resyncRoundTrip(ctx, arr, ch, types.IORead, offset, stripBlocks, buf); err != nil {
			return fmt.Errorf("resync read strip %d: %w", strip, err)
		}
		if err := resyncRoundTrip(ctx, arr, ch, types.IOWrite, offset, stripBlocks, buf); err != nil {
			return fmt.Errorf("resync write strip %d: %w", strip, err)
		}
		return nil
	}
}

func resyncRoundTrip(ctx context.Context, arr *raidarray.Array, ch *iochannel.Channel, op types.IOType, offsetBlocks, numBlocks uint64, buf []byte) error {
	done := make(chan types.IOStatus, 1)
	req := ioreq.New(arr, ch, op, offsetBlocks, numBlocks, [][]byte{buf}, func(s types.IOStatus) { done <- s }, logrus.StandardLogger())
	req.SetRemaining(1)
	if err := ioreq.Submit(ctx, req); err != nil {
		return err
	}
	if status := <-done; status != types.StatusSuccess {
		return fmt.Errorf("op %s failed with status %v", op, status)
	}
	return nil
}
