package nn

import (
	"math"
	"math/rand/v2"
	"sync/atomic"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// Seed seeds parameter initialization. Set it before building modules for a
// reproducible model; every freshly constructed parameter draws from its own
// PCG stream keyed on Seed and a process-wide construction counter, so a
// fixed Seed and a fixed construction order give identical parameters.
var Seed uint64 = 42

var initCounter atomic.Uint64

func newInitRNG() *rand.Rand {
	return rand.New(rand.NewPCG(Seed, initCounter.Add(1)))
}

// initHeNormal fills t with He initialization: normal values with stddev
// sqrt(2/fanIn). The usual choice for weights feeding a ReLU.
func initHeNormal(t *tensors.Tensor, fanIn int) {
	initNormal(t, math.Sqrt(2.0/float64(fanIn)))
}

// initNormal fills t with normal values of the given standard deviation.
func initNormal(t *tensors.Tensor, stddev float64) {
	rng := newInitRNG()
	switch t.DType() {
	case dtypes.Float32:
		tensors.MutableFlatData(t, func(flat []float32) {
			for i := range flat {
				flat[i] = float32(rng.NormFloat64() * stddev)
			}
		})
	case dtypes.Float64:
		tensors.MutableFlatData(t, func(flat []float64) {
			for i := range flat {
				flat[i] = rng.NormFloat64() * stddev
			}
		})
	default:
		Panicf("initNormal: unsupported dtype %s", t.DType())
	}
}
