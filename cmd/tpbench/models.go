package main

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// modelSpec builds one benchmark model and its synthetic inputs from a
// model identifier string.
type modelSpec struct {
	name string

	// build constructs a fresh model. Called once per experiment.
	build func() nn.Module

	// input draws a synthetic batch for the model.
	input func(batch, seqLen int, rng *rand.Rand) *tensors.Tensor
}

// parseModelSpec understands two families of identifiers:
//
//	mlp:INxH1x...xOUT       a chain of Linear+ReLU layers, e.g. "mlp:256x1024x256"
//	tokens:VOCABxDIMxHIDDEN an embedding feeding a two-layer MLP with a final
//	                        LayerNorm, e.g. "tokens:32000x512x2048"
//
// The mlp family takes float32 inputs of shape [batch, IN]; the tokens family
// takes int32 token ids of shape [batch, seqlen].
func parseModelSpec(s string) (*modelSpec, error) {
	kind, rest, found := strings.Cut(s, ":")
	if !found {
		return nil, fmt.Errorf("model %q: want kind:dims, e.g. mlp:256x1024x256", s)
	}
	dims, err := parseDims(rest)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", s, err)
	}
	switch kind {
	case "mlp":
		if len(dims) < 2 {
			return nil, fmt.Errorf("model %q: an mlp needs at least an input and an output dimension", s)
		}
		return &modelSpec{
			name:  s,
			build: func() nn.Module { return buildMLP(dims) },
			input: func(batch, _ int, rng *rand.Rand) *tensors.Tensor {
				return denseInput(batch, dims[0], rng)
			},
		}, nil
	case "tokens":
		if len(dims) != 3 {
			return nil, fmt.Errorf("model %q: tokens wants exactly VOCABxDIMxHIDDEN", s)
		}
		vocab, dim, hidden := dims[0], dims[1], dims[2]
		return &modelSpec{
			name:  s,
			build: func() nn.Module { return buildTokens(vocab, dim, hidden) },
			input: func(batch, seqLen int, rng *rand.Rand) *tensors.Tensor {
				return tokenInputBatch(batch, seqLen, vocab, rng)
			},
		}, nil
	}
	return nil, fmt.Errorf("model %q: unknown kind %q (want mlp or tokens)", s, kind)
}

func parseDims(s string) ([]int, error) {
	parts := strings.Split(s, "x")
	dims := make([]int, len(parts))
	for i, part := range parts {
		d, err := strconv.Atoi(part)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("bad dimension %q", part)
		}
		dims[i] = d
	}
	return dims, nil
}

func buildMLP(dims []int) nn.Module {
	var layers []nn.Module
	for i := 0; i+1 < len(dims); i++ {
		layers = append(layers, nn.NewLinear(dtypes.Float32, dims[i], dims[i+1], true))
		if i+2 < len(dims) {
			layers = append(layers, nn.NewReLU())
		}
	}
	return nn.NewSequential(layers...)
}

func buildTokens(vocab, dim, hidden int) nn.Module {
	return nn.NewSequential(
		nn.NewEmbedding(dtypes.Float32, vocab, dim),
		nn.NewLinear(dtypes.Float32, dim, hidden, true),
		nn.NewReLU(),
		nn.NewLinear(dtypes.Float32, hidden, dim, true),
		nn.NewLayerNorm(dtypes.Float32, dim),
	)
}

func denseInput(batch, dim int, rng *rand.Rand) *tensors.Tensor {
	flat := make([]float32, batch*dim)
	for i := range flat {
		flat[i] = float32(rng.Float64()*2 - 1)
	}
	return tensors.FromFlatDataAndDimensions(flat, batch, dim)
}

func tokenInputBatch(batch, seqLen, vocab int, rng *rand.Rand) *tensors.Tensor {
	flat := make([]int32, batch*seqLen)
	for i := range flat {
		flat[i] = int32(rng.IntN(vocab))
	}
	return tensors.FromFlatDataAndDimensions(flat, batch, seqLen)
}
