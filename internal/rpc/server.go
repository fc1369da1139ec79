// Package rpc implements the control contract described in spec.md §6: a
// JSON method dispatch surface over array.list/create/delete/add_slot/
// remove_slot/grow/set_options, translating engine errors into the
// errno-style codes §6/§7 specify. The wire transport (internal/rpc/http.go)
// is a thin gorilla/mux front end; Dispatch itself has no HTTP dependency so
// it can be driven directly from tests.
package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openraid/raidbdev/internal/examine"
	"github.com/openraid/raidbdev/internal/lifecycle"
	"github.com/openraid/raidbdev/internal/member"
	"github.com/openraid/raidbdev/internal/process"
	"github.com/openraid/raidbdev/internal/raidarray"
	"github.com/openraid/raidbdev/internal/registry"
	"github.com/openraid/raidbdev/internal/types"
)

// Server holds the engines the control contract dispatches onto.
type Server struct {
	Lifecycle *lifecycle.Engine
	Examine   *examine.Engine
	Member    *member.Engine
	Registry  *registry.Registry
	log       logrus.FieldLogger

	processesMu sync.Mutex
	processes   []*process.Resync
}

func New(lc *lifecycle.Engine, ex *examine.Engine, mem *member.Engine, reg *registry.Registry, log logrus.FieldLogger) *Server {
	return &Server{Lifecycle: lc, Examine: ex, Member: mem, Registry: reg, log: log.WithField("component", "rpc")}
}

// RegisterResync lets cmd/raidd wire a per-array background resync process
// into array.set_options' tuning surface.
func (s *Server) RegisterResync(r *process.Resync) {
	s.processesMu.Lock()
	defer s.processesMu.Unlock()
	s.processes = append(s.processes, r)
}

// Dispatch decodes params for the named method, runs it, and returns either
// a result value or a (code, message) error pair per spec.md §6.
func (s *Server) Dispatch(ctx context.Context, method string, rawParams json.RawMessage) (interface{}, int, string) {
	result, err := s.dispatch(ctx, method, rawParams)
	if err != nil {
		code, msg := errnoFor(err)
		return nil, code, msg
	}
	return result, 0, ""
}

func (s *Server) dispatch(ctx context.Context, method string, rawParams json.RawMessage) (interface{}, error) {
	switch method {
	case "array.list":
		var p ArrayListParams
		if err := decode(rawParams, &p); err != nil {
			return nil, err
		}
		return s.arrayList(p)
	case "array.create":
		var p ArrayCreateParams
		if err := decode(rawParams, &p); err != nil {
			return nil, err
		}
		return s.arrayCreate(ctx, p)
	case "array.delete":
		var p ArrayDeleteParams
		if err := decode(rawParams, &p); err != nil {
			return nil, err
		}
		return s.arrayDelete(ctx, p)
	case "array.add_slot":
		var p ArrayAddSlotParams
		if err := decode(rawParams, &p); err != nil {
			return nil, err
		}
		return s.arrayAddSlot(ctx, p)
	case "array.remove_slot":
		var p ArrayRemoveSlotParams
		if err := decode(rawParams, &p); err != nil {
			return nil, err
		}
		return s.arrayRemoveSlot(ctx, p)
	case "array.grow":
		var p ArrayGrowParams
		if err := decode(rawParams, &p); err != nil {
			return nil, err
		}
		return s.arrayGrow(ctx, p)
	case "array.set_options":
		var p ArraySetOptionsParams
		if err := decode(rawParams, &p); err != nil {
			return nil, err
		}
		return s.arraySetOptions(p)
	default:
		return nil, &types.ValidationError{Msg: "unknown method " + method}
	}
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &types.ValidationError{Msg: "malformed params: " + err.Error()}
	}
	return nil
}

func (s *Server) arrayList(p ArrayListParams) (interface{}, error) {
	var out []ArraySummary
	s.Registry.Iter(func(arr *raidarray.Array) {
		if p.Category != "" && p.Category != "all" && string(arr.State()) != p.Category {
			return
		}
		out = append(out, summarize(arr))
	})
	if out == nil {
		out = []ArraySummary{}
	}
	return out, nil
}

// summarize deep-copies the scalar fields off the live Array with
// jinzhu/copier so a caller iterating the result never races the
// application thread's in-place mutation of the same Array (DESIGN.md).
func summarize(arr *raidarray.Array) ArraySummary {
	var s ArraySummary
	_ = copier.Copy(&s, arr)
	s.UUID = arr.UUID.String()
	s.State = string(arr.State())
	s.Level = string(arr.Level)
	for _, slot := range arr.Slots() {
		s.Slots = append(s.Slots, SlotSummary{
			Index: slot.Index, Name: slot.Name(), Configured: slot.IsConfigured(),
			DataOffset: slot.DataOffset(), DataSize: slot.DataSize(),
		})
	}
	return s
}

func (s *Server) arrayCreate(ctx context.Context, p ArrayCreateParams) (interface{}, error) {
	if p.Name == "" || len(p.BaseBdevs) == 0 {
		return nil, &types.ValidationError{Msg: "array.create: name and base_bdevs are required"}
	}
	id := uuid.Nil
	if p.UUID != "" {
		parsed, err := uuid.Parse(p.UUID)
		if err != nil {
			return nil, &types.ValidationError{Msg: "array.create: malformed uuid"}
		}
		id = parsed
	}
	sbEnabled := true
	if p.Superblock != nil {
		sbEnabled = *p.Superblock
	}

	arr, err := s.Lifecycle.Create(lifecycle.CreateParams{
		Name:              p.Name,
		UUID:              id,
		Level:             types.Level(p.RaidLevel),
		NumSlots:          len(p.BaseBdevs),
		StripSizeKB:       p.StripSizeKB,
		SuperblockEnabled: sbEnabled,
		DeltaBitmap:       p.DeltaBitmap,
	})
	if err != nil {
		return nil, err
	}

	// Bind each slot asynchronously; Configuration (and thus ONLINE) fires
	// on its own once every slot has been bound (spec.md §6 array.create
	// "commit when all bound").
	for i, name := range p.BaseBdevs {
		go func(idx int, devName string) {
			if err := s.Member.Add(ctx, arr, idx, devName); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{"array": arr.Name, "slot": idx, "device": devName}).Warn("array.create: slot bind failed")
			}
		}(i, name)
	}
	return true, nil
}

func (s *Server) arrayDelete(ctx context.Context, p ArrayDeleteParams) (interface{}, error) {
	arr, err := s.Registry.FindByName(p.Name)
	if err != nil {
		return nil, err
	}
	if err := s.Lifecycle.Delete(ctx, arr); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) arrayAddSlot(ctx context.Context, p ArrayAddSlotParams) (interface{}, error) {
	arr, err := s.Registry.FindByName(p.RaidBdev)
	if err != nil {
		return nil, err
	}
	idx := firstEmptySlot(arr)
	if idx < 0 {
		return nil, &types.ValidationError{Msg: "array.add_slot: no empty slot available"}
	}
	if err := s.Member.Add(ctx, arr, idx, p.BaseBdev); err != nil {
		return nil, err
	}
	return true, nil
}

func firstEmptySlot(arr *raidarray.Array) int {
	for _, s := range arr.Slots() {
		if s.Name() == "" {
			return s.Index
		}
	}
	return -1
}

func (s *Server) arrayRemoveSlot(ctx context.Context, p ArrayRemoveSlotParams) (interface{}, error) {
	done := make(chan int, 1)
	if err := s.Member.Remove(ctx, p.Name, func(status int) { done <- status }); err != nil {
		return nil, err
	}
	status := <-done
	if status != 0 {
		return nil, errors.Errorf("array.remove_slot: remove of %s failed with status %d", p.Name, status)
	}
	return true, nil
}

func (s *Server) arrayGrow(ctx context.Context, p ArrayGrowParams) (interface{}, error) {
	arr, err := s.Registry.FindByName(p.RaidName)
	if err != nil {
		return nil, err
	}
	if err := s.Member.Grow(ctx, arr, p.BaseName); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) arraySetOptions(p ArraySetOptionsParams) (interface{}, error) {
	s.processesMu.Lock()
	defer s.processesMu.Unlock()
	for _, r := range s.processes {
		opts := r.CurrentOptions()
		if p.ProcessWindowSizeKB != nil {
			opts.WindowSizeKB = *p.ProcessWindowSizeKB
		}
		if p.ProcessMaxBandwidthMBPerSec != nil {
			opts.MaxBandwidthMBPerSec = *p.ProcessMaxBandwidthMBPerSec
		}
		r.SetOptions(opts)
	}
	return true, nil
}
