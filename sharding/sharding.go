// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sharding keeps parameters partitioned across devices at rest and
// reconstructs them on demand.
//
// A Sharder owns a set of Parameters. Sharding a dense tensor carves its flat
// data into one contiguous chunk per device rank and finalizes the dense
// original, so at-rest memory per rank drops to roughly 1/world of the full
// model. A Parameter is reconstructed only for the brief window a forward or
// backward step reads it: Acquire all-gathers the chunks into a scratch dense
// tensor and hands back a release closure that frees it immediately after
// use. Peak extra memory per device is therefore one full parameter, not the
// sum of all of them.
//
// Acquire is a collective: it must be called by every rank of the plan, from
// inside the task a Backend runs, in the same order on every rank.
package sharding

import (
	"iter"
	"slices"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/devices"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
)

// Span is the half-open range of flat elements one rank owns.
type Span struct {
	Start, End int
}

// Len returns the number of elements in the span.
func (s Span) Len() int { return s.End - s.Start }

// Spans partitions size flat elements into world contiguous spans. The spans
// are balanced: every span has either ⌊size/world⌋ or ⌈size/world⌉ elements,
// the larger ones first, so no span is ever empty when size >= world.
func Spans(size, world int) []Span {
	if size <= 0 || world <= 0 {
		Panicf("Spans(%d, %d): size and world must be positive", size, world)
	}
	quo, rem := size/world, size%world
	spans := make([]Span, world)
	start := 0
	for rank := range spans {
		length := quo
		if rank < rem {
			length++
		}
		spans[rank] = Span{Start: start, End: start + length}
		start += length
	}
	return spans
}

// Sharder partitions parameters across the devices of a plan and tracks them
// by path.
type Sharder struct {
	plan *devices.Plan

	mu     sync.Mutex
	params map[string]*Parameter
	order  []string
}

// NewSharder returns an empty Sharder for the given device plan.
func NewSharder(plan *devices.Plan) *Sharder {
	if plan == nil {
		Panicf("NewSharder: plan is nil")
	}
	return &Sharder{
		plan:   plan,
		params: make(map[string]*Parameter),
	}
}

// Plan returns the device plan the Sharder partitions across.
func (s *Sharder) Plan() *devices.Plan { return s.plan }

// Shard partitions the dense tensor across the plan's devices under the given
// path and returns the managed Parameter. It takes ownership of full: on
// success the dense tensor is finalized and only the per-rank chunks remain.
//
// It fails with a Shape error if the tensor has fewer elements than there are
// devices, and with a Config error if the path is already sharded.
func (s *Sharder) Shard(path string, full *tensors.Tensor) (*Parameter, error) {
	if path == "" {
		Panicf("Sharder.Shard: empty parameter path")
	}
	full.AssertValid()
	world := s.plan.WorldSize()
	size := full.Size()
	if size < world {
		return nil, tperr.Shapef(path, "parameter has %d elements, too few to shard across %d devices",
			size, world)
	}

	s.mu.Lock()
	if _, found := s.params[path]; found {
		s.mu.Unlock()
		return nil, tperr.Configf("parameter %q is already sharded", path)
	}
	s.mu.Unlock()

	spans := Spans(size, world)
	shards := make([]*tensors.Tensor, world)
	for rank, span := range spans {
		shards[rank] = full.SliceFlat(span.Start, span.End)
	}
	p := &Parameter{
		path:     path,
		shape:    full.Shape().Clone(),
		spans:    spans,
		shards:   shards,
		inFlight: make([]bool, world),
	}
	full.Finalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.params[path]; found {
		for _, shard := range shards {
			shard.Finalize()
		}
		return nil, tperr.Configf("parameter %q is already sharded", path)
	}
	s.params[path] = p
	s.order = append(s.order, path)
	return p, nil
}

// Parameter returns the managed parameter registered under path.
func (s *Sharder) Parameter(path string) (*Parameter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.params[path]
	return p, found
}

// Len returns the number of managed parameters.
func (s *Sharder) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params)
}

// Parameters iterates over the managed parameters in the order they were
// sharded.
func (s *Sharder) Parameters() iter.Seq2[string, *Parameter] {
	return func(yield func(string, *Parameter) bool) {
		s.mu.Lock()
		order := slices.Clone(s.order)
		s.mu.Unlock()
		for _, path := range order {
			p, found := s.Parameter(path)
			if !found {
				continue
			}
			if !yield(path, p) {
				return
			}
		}
	}
}

// Update gathers the parameter registered under path, applies fn to the dense
// tensor and re-scatters the result. See Parameter.Update.
func (s *Sharder) Update(w *backends.Worker, path string, fn func(full *tensors.Tensor) error) error {
	p, found := s.Parameter(path)
	if !found {
		return tperr.Configf("no sharded parameter %q", path)
	}
	return p.Update(w, fn)
}

// AtRestMemory returns the bytes the given rank's chunks occupy while no
// parameter is materialized.
func (s *Sharder) AtRestMemory(rank int) uintptr {
	var total uintptr
	for _, p := range s.Parameters() {
		total += uintptr(p.Span(rank).Len()) * p.shape.DType.Memory()
	}
	return total
}

// FullMemory returns the bytes the managed parameters would occupy if every
// one were dense.
func (s *Sharder) FullMemory() uintptr {
	var total uintptr
	for _, p := range s.Parameters() {
		total += p.shape.Memory()
	}
	return total
}

// Parameter is one tensor kept sharded at rest: each rank owns one contiguous
// chunk of the flattened value. The dense value exists only between Acquire
// and the release it returns.
type Parameter struct {
	path  string
	shape shapes.Shape
	spans []Span

	mu       sync.Mutex
	shards   []*tensors.Tensor
	inFlight []bool
	live     int
}

// Path returns the parameter path the tensor was sharded under.
func (p *Parameter) Path() string { return p.path }

// Shape returns the shape of the dense parameter.
func (p *Parameter) Shape() shapes.Shape { return p.shape }

// Span returns the flat element range the given rank owns.
func (p *Parameter) Span(rank int) Span { return p.spans[rank] }

// Shard returns the given rank's at-rest chunk, a rank-1 tensor of Span(rank)
// elements. Callers must treat it as read-only; writes go through Update.
func (p *Parameter) Shard(rank int) *tensors.Tensor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shards[rank]
}

// Materialized reports whether any rank currently holds a live dense
// reconstruction of the parameter.
func (p *Parameter) Materialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live > 0
}

// Acquire reconstructs the dense parameter for the calling rank: it
// all-gathers every rank's chunk into a scratch tensor of the original shape
// and returns it together with a release closure. The caller must invoke
// release as soon as the consuming operation is done -- the scratch tensor is
// finalized there, which is what keeps peak extra memory at one parameter.
//
// Acquire is a collective: every rank of the plan must call it for the same
// parameter at the same point of its task. A second Acquire on the same rank
// before release is a programmer error and panics.
func (p *Parameter) Acquire(w *backends.Worker) (full *tensors.Tensor, release func(), err error) {
	rank := w.Rank()
	p.mu.Lock()
	if rank < 0 || rank >= len(p.spans) {
		p.mu.Unlock()
		Panicf("Acquire of %q: rank %d outside the plan's %d devices", p.path, rank, len(p.spans))
	}
	if p.inFlight[rank] {
		p.mu.Unlock()
		Panicf("Acquire of %q on rank %d while a previous acquisition is still live; "+
			"forward and backward materializations must be sequenced", p.path, rank)
	}
	p.inFlight[rank] = true
	p.live++
	chunk := p.shards[rank]
	p.mu.Unlock()

	unguard := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.inFlight[rank] = false
		p.live--
	}

	flat, err := w.AllGather(chunk, 0)
	if err != nil {
		unguard()
		return nil, nil, err
	}
	full = flat.Reshape(p.shape.Dimensions...)

	released := false
	release = func() {
		if released {
			return
		}
		released = true
		full.Finalize()
		unguard()
	}
	return full, release, nil
}

// Update reconstructs the dense parameter, applies fn to it and re-scatters:
// after fn returns, the calling rank carves its chunk out of the updated
// tensor and replaces its at-rest shard. The scratch dense tensor is released
// before Update returns.
//
// Update is a collective like Acquire. fn runs on every rank with an
// identical dense tensor and must mutate it deterministically, so all ranks
// end with consistent chunks.
func (p *Parameter) Update(w *backends.Worker, fn func(full *tensors.Tensor) error) error {
	full, release, err := p.Acquire(w)
	if err != nil {
		return err
	}
	defer release()
	if err := fn(full); err != nil {
		return errors.WithMessagef(err, "updating parameter %q", p.path)
	}
	if !full.Shape().Equal(p.shape) {
		return tperr.Shapef(p.path, "update changed the parameter shape from %s to %s",
			p.shape, full.Shape())
	}

	rank := w.Rank()
	span := p.spans[rank]
	chunk := full.SliceFlat(span.Start, span.End)
	p.mu.Lock()
	old := p.shards[rank]
	p.shards[rank] = chunk
	p.mu.Unlock()
	old.Finalize()
	return nil
}
