package lifecycle

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openraid/raidbdev/internal/device"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/types"
)

// Deconfigure implements spec.md §4.4 Deconfiguration, submitted to the
// application thread. DeconfigureLocked is exported for callers (examine,
// member) already running inside a Submit'ed job, so they never re-enter
// the queue from the single worker goroutine itself.
func (e *Engine) Deconfigure(arr *raidarray.Array, done func(err error)) error {
	return e.Submit("deconfigure:"+arr.Name, func() error { return e.DeconfigureLocked(arr, done) })
}

// DeconfigureLocked sets state to OFFLINE, asserts discovered_count > 0, and
// unregisters the block-device front end with a supplied completion
// callback.
func (e *Engine) DeconfigureLocked(arr *raidarray.Array, done func(err error)) error {
	if arr.DiscoveredCount() == 0 {
		return errors.Errorf("array %s: deconfigure called with discovered_count == 0", arr.Name)
	}
	if err := arr.TransitionOffline(); err != nil {
		return err
	}
	e.Host.UnregisterFrontend(arr.Name, func(unregErr error) {
		if unregErr != nil {
			e.log.WithError(unregErr).WithField("array", arr.Name).Error("frontend unregister failed")
		}
		if done != nil {
			done(unregErr)
		}
	})
	e.log.WithField("array", arr.Name).Info("array deconfigured")
	return nil
}

// Destruct implements spec.md §4.4 Destruct, invoked by the host
// unregister pipeline after DeconfigureLocked's UnregisterFrontend call
// lands.
func (e *Engine) Destruct(ctx context.Context, arr *raidarray.Array, globalShutdown bool, onFreed func()) error {
	return e.Submit("destruct:"+arr.Name, func() error { return e.DestructLocked(ctx, arr, globalShutdown, onFreed) })
}

// DestructLocked releases each slot's backing descriptor when shutdown has
// begun globally or the slot is remove_scheduled (otherwise it is left for
// examine to reattach later), then runs the personality's Stop hook; when
// Stop completes the Array is dropped from the registry and freed iff
// discovered_count == 0.
func (e *Engine) DestructLocked(ctx context.Context, arr *raidarray.Array, globalShutdown bool, onFreed func()) error {
	arr.WithSlotsLocked(func(slots []*device.Slot) {
		for _, s := range slots {
			if s == nil || !s.IsConfigured() {
				continue
			}
			if globalShutdown || s.IsRemoveScheduled() {
				s.Release()
			}
		}
	})

	done, err := arr.Personality.Stop(ctx)
	if err != nil {
		e.log.WithError(err).WithField("array", arr.Name).Error("personality stop failed during destruct")
		return err
	}
	if !done {
		e.log.WithField("array", arr.Name).Info("personality stop pending, destruct suspended")
		return nil
	}
	return e.finishDestruct(arr, onFreed)
}

func (e *Engine) finishDestruct(arr *raidarray.Array, onFreed func()) error {
	e.Registry.Remove(arr)
	e.dropChannelSet(arr.Name)
	if arr.DiscoveredCount() == 0 && onFreed != nil {
		onFreed()
	}
	e.log.WithField("array", arr.Name).Info("array destructed")
	return nil
}

// ResumePersonalityStop is called by a personality that returned done=false
// from Stop once its own asynchronous shutdown actually completes.
func (e *Engine) ResumePersonalityStop(arr *raidarray.Array, onFreed func()) error {
	return e.Submit("destruct-resume:"+arr.Name, func() error {
		return e.finishDestruct(arr, onFreed)
	})
}

// Delete implements spec.md §4.4 Delete: idempotent, marks every slot
// remove_scheduled, releases slots not currently ONLINE-bound, and either
// frees the Array (no slots left) or routes through Deconfigure.
func (e *Engine) Delete(ctx context.Context, arr *raidarray.Array) error {
	return e.Submit("delete:"+arr.Name, func() error { return e.DeleteLocked(ctx, arr) })
}

// DeleteLocked is Delete's body, assuming the caller already runs on the
// application thread.
func (e *Engine) DeleteLocked(ctx context.Context, arr *raidarray.Array) error {
	if arr.DestroyStarted() {
		return &types.AlreadyInProgressError{Name: arr.Name}
	}
	arr.MarkDestroyStarted()

	remaining := 0
	arr.WithSlotsLocked(func(slots []*device.Slot) {
		for _, s := range slots {
			if s == nil {
				continue
			}
			s.ScheduleRemove(nil)
			if arr.State() != raidarray.StateOnline || !s.IsConfigured() {
				s.Release()
			} else {
				remaining++
			}
		}
	})

	if remaining == 0 {
		return e.finishDestruct(arr, nil)
	}

	if arr.State() == raidarray.StateOnline {
		return e.DeconfigureLocked(arr, func(err error) {
			// UnregisterFrontend's completion may fire synchronously, still
			// on the application thread's call stack, so this continues
			// with DestructLocked directly rather than re-entering Submit
			// (which would deadlock the single worker goroutine against
			// itself).
			if destructErr := e.DestructLocked(ctx, arr, false, nil); destructErr != nil {
				e.log.WithError(destructErr).WithField("array", arr.Name).Error("destruct after delete-triggered deconfigure failed")
			}
		})
	}
	return nil
}
