// Package personality implements C1: the process-wide registry of installed
// RAID personalities, keyed by level, and the constraint arithmetic that
// turns a personality's degradation tolerance into a concrete
// min_operational count for a given slot count.
package personality

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/types"
)

// Descriptor is what a personality registers: its minimum slot count, its
// degradation constraint, and the capability object implementing it.
type Descriptor struct {
	Level       types.Level
	MinSlots    int
	Constraint  types.Constraint
	Impl        hostapi.Personality
	MirrorLevel bool // strip size must be zero for this level
}

// MinOperational derives min_operational from the descriptor's constraint
// for a concrete numSlots, per spec.md §4.1.
func (d *Descriptor) MinOperational(numSlots int) (int, error) {
	var min int
	switch d.Constraint.Kind {
	case types.ConstraintMaxRemoved:
		min = numSlots - d.Constraint.Value
	case types.ConstraintMinOperational:
		min = d.Constraint.Value
	case types.ConstraintUnset:
		min = numSlots
	default:
		return 0, errors.Errorf("personality %s: unknown constraint kind %d", d.Level, d.Constraint.Kind)
	}
	if min <= 0 || min > numSlots {
		return 0, errors.Errorf("personality %s: derived min_operational %d out of range for %d slots", d.Level, min, numSlots)
	}
	return min, nil
}

// Registry is the process-wide, once-populated table of installed
// personalities. Registration happens during process init, ahead of any
// array creation; it is protected by a mutex rather than a bare map because
// tests register a fresh set per-registry instance.
type Registry struct {
	mu    sync.RWMutex
	table map[types.Level]*Descriptor
	log   logrus.FieldLogger
}

// New constructs an empty registry. Production wiring (cmd/raidd) builds one
// process-wide instance and registers every compiled-in personality into it
// before any RPC server starts.
func New(log logrus.FieldLogger) *Registry {
	return &Registry{
		table: make(map[types.Level]*Descriptor),
		log:   log.WithField("component", "personality-registry"),
	}
}

// Register installs a personality. It fails if one for the level already
// exists (spec.md §4.1).
func (r *Registry) Register(d *Descriptor) error {
	if d.Impl == nil {
		return &types.ValidationError{Msg: fmt.Sprintf("personality %s: nil implementation", d.Level)}
	}
	if d.MinSlots < 1 {
		return &types.ValidationError{Msg: fmt.Sprintf("personality %s: min slots must be >= 1", d.Level)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.table[d.Level]; ok {
		return &types.ExistsError{Kind: "personality", ID: string(d.Level)}
	}
	r.table[d.Level] = d
	r.log.WithField("level", d.Level).Info("registered RAID personality")
	return nil
}

// Lookup finds a personality by level.
func (r *Registry) Lookup(level types.Level) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.table[level]
	if !ok {
		return nil, &types.NotFoundError{Kind: "personality", ID: string(level)}
	}
	return d, nil
}
