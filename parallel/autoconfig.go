package parallel

import (
	"regexp"

	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/slicing"
)

// AutoConfig derives a slicing config from the model's structure, the layout
// a Megatron-style block wants:
//
//   - Linear layers go column parallel: the weights split along the output
//     features and the per-device activations reassemble by concat.
//   - Embedding layers go dimension parallel, splitting the table along the
//     embedding dimension.
//   - LayerNorm parameters replicate; they are too small to be worth a
//     collective.
//   - Parameters of any other module fall back to ZeRO-3 flat sharding.
//
// The returned config keeps the strict divisibility policy; chain WithPadding
// to accept feature dimensions the world size does not divide.
func AutoConfig(model nn.Module) *slicing.Config {
	var rules []slicing.Rule
	for path, m := range nn.IterModules(model) {
		switch m.(type) {
		case *nn.Linear:
			rules = append(rules, slicing.ColumnParallel("^"+regexp.QuoteMeta(path)+"/weights$"))
		case *nn.Embedding:
			rules = append(rules, slicing.ColumnParallel("^"+regexp.QuoteMeta(path)+"/embeddings$"))
		case *nn.LayerNorm:
			rules = append(rules, slicing.Replicated("^"+regexp.QuoteMeta(path)+"/(scale|offset)$"))
		}
	}
	return slicing.NewConfig(rules...).WithDefault(slicing.DefaultShard)
}
