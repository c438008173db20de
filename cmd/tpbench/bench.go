package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/tensorparallel/devices"
	"github.com/gomlx/tensorparallel/parallel"
	"github.com/gomlx/tensorparallel/slicing"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// experiment is one benchmark run: a model identifier plus the wrapping and
// timing knobs taken from the command line.
type experiment struct {
	spec     *modelSpec
	batch    int
	seqLen   int
	iters    int
	backward bool
	world    int
	backend  string
	sharded  bool
	cfg      *slicing.Config
}

// result holds the timings of a finished experiment.
type result struct {
	name      string
	world     int
	backend   string
	numParams int

	// atRest is the largest per-device at-rest parameter storage.
	atRest uintptr

	mean        time.Duration
	best        time.Duration
	stepsPerSec float64
}

const warmupSteps = 2

func (e *experiment) run() (*result, error) {
	ids := make([]devices.ID, e.world)
	for rank := range ids {
		ids[rank] = devices.MakeID("cpu", rank)
	}
	builder := parallel.New(e.spec.build()).Devices(ids...)
	if e.backend != "" {
		builder = builder.Backend(e.backend)
	}
	if e.sharded {
		builder = builder.Sharded(true)
	}
	if e.cfg != nil {
		builder = builder.Config(e.cfg)
	}
	model, err := builder.Done()
	if err != nil {
		return nil, err
	}
	defer func() { _ = model.Close() }()

	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 13))
	x := e.spec.input(e.batch, e.seqLen, rng)

	// Warm up and capture the output shape for the backward pass.
	var outputGrad *tensors.Tensor
	for range warmupSteps {
		out, err := model.Forward(ctx, x)
		if err != nil {
			return nil, err
		}
		if e.backward {
			if outputGrad == nil {
				outputGrad = tensors.Ones(out.Shape())
			}
			if _, err := model.BackwardFrom(ctx, outputGrad); err != nil {
				return nil, err
			}
			if err := model.ZeroGrads(); err != nil {
				return nil, err
			}
		}
	}

	bar := progressbar.NewOptions(e.iters,
		progressbar.OptionSetDescription(e.spec.name),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	best := time.Duration(0)
	var total time.Duration
	for range e.iters {
		start := time.Now()
		if _, err := model.Forward(ctx, x); err != nil {
			return nil, err
		}
		if e.backward {
			if _, err := model.BackwardFrom(ctx, outputGrad); err != nil {
				return nil, err
			}
			if err := model.ZeroGrads(); err != nil {
				return nil, err
			}
		}
		step := time.Since(start)
		total += step
		if best == 0 || step < best {
			best = step
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Println()

	res := &result{
		name:      e.spec.name,
		world:     model.Plan().WorldSize(),
		backend:   e.backend,
		numParams: model.NumParams(),
		mean:      total / time.Duration(e.iters),
		best:      best,
	}
	if res.backend == "" {
		res.backend = "threaded"
	}
	for rank := range res.world {
		if m := model.AtRestMemory(rank); m > res.atRest {
			res.atRest = m
		}
	}
	res.stepsPerSec = float64(e.iters) / total.Seconds()
	return res, nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond).String()
	case d >= time.Microsecond:
		return d.Round(10 * time.Nanosecond).String()
	}
	return d.String()
}
