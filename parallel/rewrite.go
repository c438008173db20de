package parallel

import (
	"regexp"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/devices"
	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/sharding"
	"github.com/gomlx/tensorparallel/slicing"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// runtime carries the per-rank execution context into the tensor-parallel
// modules of one replica tree. The engine sets worker for the duration of
// each run; it is nil in between.
type runtime struct {
	worker *backends.Worker
}

// require returns the worker of the active run, or a Lifecycle error when the
// module is invoked outside one.
func (rt *runtime) require(op string) (*backends.Worker, error) {
	if rt.worker == nil {
		return nil, tperr.Lifecyclef(
			"%s outside an engine run: tensor-parallel modules only execute through their wrapped model", op)
	}
	return rt.worker, nil
}

// replica is one device's rewritten copy of the wrapped model.
type replica struct {
	rank int
	rt   *runtime
	root nn.Module
}

// denseRebuilder is implemented by the tensor-parallel modules that know how
// to reassemble the dense module they replaced.
type denseRebuilder interface {
	rebuildDense(w *backends.Worker) (nn.Module, error)
}

// rebuildModule walks a replica tree and reassembles the dense original.
// The walk order is the same on every rank, so the collectives the rebuilds
// issue stay in lockstep.
func rebuildModule(w *backends.Worker, m nn.Module) (nn.Module, error) {
	if r, ok := m.(denseRebuilder); ok {
		return r.rebuildDense(w)
	}
	if container, ok := m.(nn.Container); ok {
		var children []nn.Module
		for _, child := range container.Children() {
			rebuilt, err := rebuildModule(w, child)
			if err != nil {
				return nil, err
			}
			children = append(children, rebuilt)
		}
		return container.WithChildren(children)
	}
	return m.Clone(), nil
}

// paramKind says how a parameter's at-rest storage is distributed.
type paramKind int

const (
	// paramReplicated parameters keep a full dense copy on every rank.
	paramReplicated paramKind = iota
	// paramSplit parameters are cut along an axis, one contiguous slice per
	// rank.
	paramSplit
	// paramRowBias is the bias of a row-parallel Linear, held by rank 0 only
	// so the all-reduce applies it exactly once.
	paramRowBias
	// paramZero3 parameters are flat-sharded through the sharding package.
	paramZero3
	// paramCustom parameters are cut and reassembled by rule-supplied
	// functions.
	paramCustom
)

// paramInfo is the engine's bookkeeping for one parameter of the wrapped
// model: how it is distributed and where each rank's piece lives.
type paramInfo struct {
	path      string
	kind      paramKind
	shape     shapes.Shape // dense shape
	trainable bool

	// Axis splits.
	axis     int
	fullDim  int             // unpadded dimension of axis
	spans    []sharding.Span // per-rank slices of the (possibly padded) axis
	sentinel bool            // shard carries a trailing sentinel row (vocabulary parallel)

	// ZeRO-3 flat sharding.
	sp *sharding.Parameter

	// Custom rules.
	custom *customParam

	// Live per-rank parameters inside the replica trees. Entries are nil
	// where a rank holds no copy (paramRowBias beyond rank 0).
	perRank []*nn.Param

	// For paramRowBias: the weights of the same layer, whose gradient
	// presence mirrors the bias's on every rank.
	weightsSibling *paramInfo
}

func (info *paramInfo) paddedDim() int { return info.spans[len(info.spans)-1].End }

// carve cuts rank's at-rest shard out of the full dense value, applying
// deterministic padding and the sentinel row as needed. full is only read.
func (info *paramInfo) carve(full *tensors.Tensor, rank int) *tensors.Tensor {
	src := full
	if padded := info.paddedDim(); padded != info.fullDim {
		src = full.PadAxis(info.axis, padded)
	}
	span := info.spans[rank]
	shard := src.SliceAxis(info.axis, span.Start, span.End)
	if src != full {
		src.Finalize()
	}
	if info.sentinel {
		extended := shard.PadAxis(0, span.Len()+1)
		shard.Finalize()
		shard = extended
	}
	return shard
}

// gather reconstructs the full dense value, and the gradient if one has
// accumulated, on the calling rank. Every rank must call gather for the same
// parameter in the same run: most kinds gather through collectives.
func (info *paramInfo) gather(w *backends.Worker) (value, grad *tensors.Tensor, err error) {
	switch info.kind {
	case paramReplicated:
		p := info.perRank[w.Rank()]
		value = p.Value.Clone()
		if p.Grad != nil {
			grad = p.Grad.Clone()
		}
	case paramRowBias:
		var own, ownGrad *tensors.Tensor
		if p := info.perRank[w.Rank()]; p != nil {
			own, ownGrad = p.Value, p.Grad
		}
		value, err = w.Broadcast(own, 0)
		if err != nil {
			return nil, nil, err
		}
		// Gradient presence is in lockstep with the sibling weights shard,
		// which every rank holds: the local Backward accumulates into both or
		// neither.
		if info.trainable && info.weightsSibling.perRank[w.Rank()].Grad != nil {
			grad, err = w.Broadcast(ownGrad, 0)
			if err != nil {
				value.Finalize()
				return nil, nil, err
			}
		}
	case paramSplit:
		p := info.perRank[w.Rank()]
		value, err = info.gatherSplit(w, p.Value)
		if err != nil {
			return nil, nil, err
		}
		if p.Grad != nil {
			grad, err = info.gatherSplit(w, p.Grad)
			if err != nil {
				value.Finalize()
				return nil, nil, err
			}
		}
	case paramZero3:
		full, release, aerr := info.sp.Acquire(w)
		if aerr != nil {
			return nil, nil, aerr
		}
		value = full.Clone()
		release()
		if p := info.perRank[w.Rank()]; p.Grad != nil {
			grad = p.Grad.Clone()
		}
	case paramCustom:
		value, err = info.custom.combiner(info.custom.shards)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "combining custom shards of %q", info.path)
		}
		if p := info.perRank[w.Rank()]; p.Grad != nil {
			grad = p.Grad.Clone()
		}
	}
	return value, grad, nil
}

// gatherSplit all-gathers one split tensor (value or gradient), stripping the
// sentinel row and the deterministic padding.
func (info *paramInfo) gatherSplit(w *backends.Worker, shard *tensors.Tensor) (*tensors.Tensor, error) {
	if info.sentinel {
		owned := shard.SliceAxis(0, 0, info.spans[w.Rank()].Len())
		full, err := gatherStrip(w, owned, info.axis, info.fullDim)
		owned.Finalize()
		return full, err
	}
	return gatherStrip(w, shard, info.axis, info.fullDim)
}

// scatter installs newValue as the parameter's dense value, re-cutting the
// calling rank's shard. It consumes newValue. ZeRO-3 parameters have their
// own write path through sharding.Parameter.Update.
func (info *paramInfo) scatter(w *backends.Worker, newValue *tensors.Tensor) error {
	switch info.kind {
	case paramReplicated:
		p := info.perRank[w.Rank()]
		p.Value.Finalize()
		p.Value = newValue
	case paramRowBias:
		if p := info.perRank[w.Rank()]; p != nil {
			p.Value.Finalize()
			p.Value = newValue
			return nil
		}
		newValue.Finalize()
	case paramSplit:
		shard := info.carve(newValue, w.Rank())
		p := info.perRank[w.Rank()]
		p.Value.Finalize()
		p.Value = shard
		newValue.Finalize()
	case paramCustom:
		// A single writer re-cuts the shared shards.
		if w.Rank() != 0 {
			newValue.Finalize()
			return nil
		}
		world := len(info.perRank)
		shards, err := info.custom.splitter(newValue, world)
		if err != nil {
			newValue.Finalize()
			return errors.WithMessagef(err, "splitting %q", info.path)
		}
		if len(shards) != world {
			newValue.Finalize()
			return tperr.Configf("custom splitter for %q produced %d shards for %d devices",
				info.path, len(shards), world)
		}
		for _, old := range info.custom.shards {
			old.Finalize()
		}
		info.custom.shards = shards
		newValue.Finalize()
	default:
		Panicf("scatter on %q: kind %d has no dense write path", info.path, info.kind)
	}
	return nil
}

// rewriter builds the per-rank replica trees and the parameter bookkeeping
// from the original model and a validated slicing config.
type rewriter struct {
	plan      *devices.Plan
	cfg       *slicing.Config
	shardOnly []*regexp.Regexp
	sharder   *sharding.Sharder
	infos     map[string]*paramInfo
	order     []string
}

// newRewriter prepares a rewriter for the plan and validated config. A
// non-empty shardOnly restricts the DefaultShard policy to the parameters
// whose path one of the patterns matches.
func newRewriter(plan *devices.Plan, cfg *slicing.Config, shardOnly []*regexp.Regexp) *rewriter {
	return &rewriter{
		plan:      plan,
		cfg:       cfg,
		shardOnly: shardOnly,
		infos:     make(map[string]*paramInfo),
	}
}

func (rw *rewriter) world() int { return rw.plan.WorldSize() }

// shardEligible reports whether the DefaultShard policy may claim the
// parameter at path. With no shardOnly patterns every parameter is eligible.
func (rw *rewriter) shardEligible(path string) bool {
	if len(rw.shardOnly) == 0 {
		return true
	}
	for _, re := range rw.shardOnly {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (rw *rewriter) addInfo(info *paramInfo) *paramInfo {
	info.perRank = make([]*nn.Param, rw.world())
	rw.infos[info.path] = info
	rw.order = append(rw.order, info.path)
	return info
}

func (rw *rewriter) sharderFor() *sharding.Sharder {
	if rw.sharder == nil {
		rw.sharder = sharding.NewSharder(rw.plan)
	}
	return rw.sharder
}

// usesSingleProcessState reports whether any parameter's at-rest storage
// lives outside the replica trees (ZeRO-3 chunks, custom shards). Such
// storage is only reachable by every rank when all ranks share one process.
func (rw *rewriter) usesSingleProcessState() bool {
	if rw.sharder != nil {
		return true
	}
	for _, info := range rw.infos {
		if info.kind == paramCustom {
			return true
		}
	}
	return false
}

// releaseShards finalizes the at-rest storage held outside the replica trees.
func (rw *rewriter) releaseShards() {
	if rw.sharder != nil {
		world := rw.world()
		for _, sp := range rw.sharder.Parameters() {
			for rank := 0; rank < world; rank++ {
				if chunk := sp.Shard(rank); chunk.Ok() {
					chunk.Finalize()
				}
			}
		}
	}
	for _, info := range rw.infos {
		if info.kind != paramCustom {
			continue
		}
		for _, shard := range info.custom.shards {
			if shard.Ok() {
				shard.Finalize()
			}
		}
	}
}

// build rewrites model into one replica tree per rank and fills the
// per-parameter bookkeeping. The original model is only read.
func (rw *rewriter) build(model nn.Module) ([]*replica, error) {
	rts := make([]*runtime, rw.world())
	for r := range rts {
		rts[r] = &runtime{}
	}
	roots, err := rw.rewrite("", model, rts)
	if err != nil {
		return nil, err
	}
	replicas := make([]*replica, rw.world())
	for r, root := range roots {
		for path, p := range nn.IterParams(root) {
			if info, ok := rw.infos[path]; ok {
				info.perRank[r] = p
			}
		}
		replicas[r] = &replica{rank: r, rt: rts[r], root: root}
	}
	return replicas, nil
}

func (rw *rewriter) rewrite(path string, m nn.Module, rts []*runtime) ([]nn.Module, error) {
	if container, ok := m.(nn.Container); ok {
		if _, owns := m.(nn.HasParams); owns {
			return nil, tperr.Configf("container %T at %q owns parameters of its own; move them into a leaf module", m, path)
		}
		perRank := make([][]nn.Module, rw.world())
		for name, child := range container.Children() {
			rewritten, err := rw.rewrite(nn.JoinPath(path, name), child, rts)
			if err != nil {
				return nil, err
			}
			for r := range perRank {
				perRank[r] = append(perRank[r], rewritten[r])
			}
		}
		out := make([]nn.Module, rw.world())
		for r := range out {
			rebuilt, err := container.WithChildren(perRank[r])
			if err != nil {
				return nil, err
			}
			out[r] = rebuilt
		}
		return out, nil
	}
	switch leaf := m.(type) {
	case *nn.Linear:
		return rw.rewriteLinear(path, leaf, rts)
	case *nn.Embedding:
		return rw.rewriteEmbedding(path, leaf, rts)
	}
	return rw.rewriteLeaf(path, m, rts)
}

func (rw *rewriter) rewriteLinear(path string, l *nn.Linear, rts []*runtime) ([]nn.Module, error) {
	wPath := nn.JoinPath(path, "weights")
	var bPath string
	if l.Biases() != nil {
		bPath = nn.JoinPath(path, "biases")
	}
	rule, matched := rw.cfg.Resolve(wPath)
	if !matched {
		if bPath != "" {
			if br, ok := rw.cfg.Resolve(bPath); ok {
				return nil, tperr.Configf("rule %s matches %q but no rule matches %q: a Linear's layout follows its weights",
					br, bPath, wPath)
			}
		}
		return rw.rewriteLeaf(path, l, rts)
	}
	switch rule.Action {
	case slicing.Replicate:
		return rw.replicateModule(path, l), nil
	case slicing.Custom:
		return rw.rewriteLeaf(path, l, rts)
	case slicing.SplitAxis1:
		if rule.Combine != slicing.CombineConcat {
			return nil, tperr.Configf("rule %s cannot drive %q: a Linear split on axis 1 combines by concat (column parallel)",
				rule, wPath)
		}
		if err := rw.checkFollowerRule(bPath, slicing.SplitAxis0, slicing.CombineConcat, wPath, "column parallel"); err != nil {
			return nil, err
		}
		return rw.buildColumnLinear(path, wPath, l, rts)
	case slicing.SplitAxis0:
		if rule.Combine != slicing.CombineSum {
			return nil, tperr.Configf("rule %s cannot drive %q: a Linear split on axis 0 combines by sum (row parallel)",
				rule, wPath)
		}
		if err := rw.checkFollowerRule(bPath, slicing.Replicate, slicing.CombineIdentity, wPath, "row parallel"); err != nil {
			return nil, err
		}
		return rw.buildRowLinear(path, wPath, l, rts)
	}
	return nil, tperr.Configf("rule %s has an unsupported action for %q", rule, wPath)
}

// checkFollowerRule verifies that an explicit rule matching a follower
// parameter (a Linear bias) agrees with the layout its weights imply.
func (rw *rewriter) checkFollowerRule(path string, action slicing.Action, combine slicing.CombineOp, leaderPath, layout string) error {
	if path == "" {
		return nil
	}
	r, ok := rw.cfg.Resolve(path)
	if !ok {
		return nil
	}
	if r.Action != action || r.Combine != combine {
		return tperr.Configf("rule %s conflicts with the %s layout of %q: the bias follows the weights",
			r, layout, leaderPath)
	}
	return nil
}

// splitSpans partitions an axis of the given dimension across the world,
// padding deterministically when enabled and failing with a Shape error when
// the dimension doesn't divide and padding is off.
func (rw *rewriter) splitSpans(path string, dim int) ([]sharding.Span, error) {
	world := rw.world()
	padded := (dim + world - 1) / world * world
	if padded != dim && rw.cfg.Padding != slicing.PadDeterministic {
		return nil, tperr.Shapef(path, "dimension %d does not divide across %d devices; enable deterministic padding or adjust the plan",
			dim, world)
	}
	return sharding.Spans(padded, world), nil
}

func (rw *rewriter) buildColumnLinear(path, wPath string, l *nn.Linear, rts []*runtime) ([]nn.Module, error) {
	spans, err := rw.splitSpans(wPath, l.OutputDim())
	if err != nil {
		return nil, err
	}
	wInfo := rw.addInfo(&paramInfo{
		path: wPath, kind: paramSplit, shape: l.Weights().Shape().Clone(),
		trainable: l.Weights().Trainable,
		axis:      1, fullDim: l.OutputDim(), spans: spans,
	})
	var bInfo *paramInfo
	if l.Biases() != nil {
		bInfo = rw.addInfo(&paramInfo{
			path: nn.JoinPath(path, "biases"), kind: paramSplit, shape: l.Biases().Shape().Clone(),
			trainable: l.Biases().Trainable,
			axis:      0, fullDim: l.OutputDim(), spans: spans,
		})
	}
	out := make([]nn.Module, rw.world())
	for r := range out {
		wShard := wInfo.carve(l.Weights().Value, r)
		var bShard *tensors.Tensor
		if bInfo != nil {
			bShard = bInfo.carve(l.Biases().Value, r)
		}
		local := nn.NewLinearFromParams(wShard, bShard)
		adoptTrainable(local, l)
		out[r] = &columnLinear{
			rt:    rts[r],
			local: local,
			span:  spans[r],
			outDim: l.OutputDim(), paddedOut: wInfo.paddedDim(),
		}
	}
	klog.V(2).Infof("%q: column parallel over %d devices, %d output features -> %d per device",
		path, rw.world(), l.OutputDim(), spans[0].Len())
	return out, nil
}

func (rw *rewriter) buildRowLinear(path, wPath string, l *nn.Linear, rts []*runtime) ([]nn.Module, error) {
	spans, err := rw.splitSpans(wPath, l.InputDim())
	if err != nil {
		return nil, err
	}
	wInfo := rw.addInfo(&paramInfo{
		path: wPath, kind: paramSplit, shape: l.Weights().Shape().Clone(),
		trainable: l.Weights().Trainable,
		axis:      0, fullDim: l.InputDim(), spans: spans,
	})
	hasBias := l.Biases() != nil
	if hasBias {
		rw.addInfo(&paramInfo{
			path: nn.JoinPath(path, "biases"), kind: paramRowBias, shape: l.Biases().Shape().Clone(),
			trainable:      l.Biases().Trainable,
			weightsSibling: wInfo,
		})
	}
	out := make([]nn.Module, rw.world())
	for r := range out {
		wShard := wInfo.carve(l.Weights().Value, r)
		var bShard *tensors.Tensor
		if hasBias && r == 0 {
			bShard = l.Biases().Value.Clone()
		}
		local := nn.NewLinearFromParams(wShard, bShard)
		adoptTrainable(local, l)
		out[r] = &rowLinear{
			rt:    rts[r],
			local: local,
			span:  spans[r],
			inDim: l.InputDim(), paddedIn: wInfo.paddedDim(),
			hasBias: hasBias,
		}
	}
	klog.V(2).Infof("%q: row parallel over %d devices, %d input features -> %d per device",
		path, rw.world(), l.InputDim(), spans[0].Len())
	return out, nil
}

func (rw *rewriter) rewriteEmbedding(path string, e *nn.Embedding, rts []*runtime) ([]nn.Module, error) {
	tPath := nn.JoinPath(path, "embeddings")
	rule, matched := rw.cfg.Resolve(tPath)
	if !matched {
		return rw.rewriteLeaf(path, e, rts)
	}
	switch rule.Action {
	case slicing.Replicate:
		return rw.replicateModule(path, e), nil
	case slicing.Custom:
		return rw.rewriteLeaf(path, e, rts)
	case slicing.SplitAxis1:
		if rule.Combine != slicing.CombineConcat {
			return nil, tperr.Configf("rule %s cannot drive %q: an Embedding split on axis 1 combines by concat (dimension parallel)",
				rule, tPath)
		}
		return rw.buildDimEmbedding(path, tPath, e, rts)
	case slicing.SplitAxis0:
		if rule.Combine != slicing.CombineSum {
			return nil, tperr.Configf("rule %s cannot drive %q: an Embedding split on axis 0 combines by sum (vocabulary parallel)",
				rule, tPath)
		}
		return rw.buildVocabEmbedding(path, tPath, e, rts)
	}
	return nil, tperr.Configf("rule %s has an unsupported action for %q", rule, tPath)
}

func (rw *rewriter) buildDimEmbedding(path, tPath string, e *nn.Embedding, rts []*runtime) ([]nn.Module, error) {
	spans, err := rw.splitSpans(tPath, e.Dimension())
	if err != nil {
		return nil, err
	}
	tInfo := rw.addInfo(&paramInfo{
		path: tPath, kind: paramSplit, shape: e.Table().Shape().Clone(),
		trainable: e.Table().Trainable,
		axis:      1, fullDim: e.Dimension(), spans: spans,
	})
	out := make([]nn.Module, rw.world())
	for r := range out {
		local := nn.NewEmbeddingFromParams(tInfo.carve(e.Table().Value, r))
		adoptTrainable(local, e)
		out[r] = &dimEmbedding{
			rt:    rts[r],
			local: local,
			span:  spans[r],
			dim:   e.Dimension(), paddedDim: tInfo.paddedDim(),
		}
	}
	klog.V(2).Infof("%q: dimension parallel over %d devices, %d columns -> %d per device",
		path, rw.world(), e.Dimension(), spans[0].Len())
	return out, nil
}

func (rw *rewriter) buildVocabEmbedding(path, tPath string, e *nn.Embedding, rts []*runtime) ([]nn.Module, error) {
	spans, err := rw.splitSpans(tPath, e.VocabSize())
	if err != nil {
		return nil, err
	}
	tInfo := rw.addInfo(&paramInfo{
		path: tPath, kind: paramSplit, shape: e.Table().Shape().Clone(),
		trainable: e.Table().Trainable,
		axis:      0, fullDim: e.VocabSize(), spans: spans,
		sentinel: true,
	})
	out := make([]nn.Module, rw.world())
	for r := range out {
		local := nn.NewEmbeddingFromParams(tInfo.carve(e.Table().Value, r))
		adoptTrainable(local, e)
		out[r] = &vocabEmbedding{
			rt:    rts[r],
			local: local,
			span:  spans[r],
			vocab: e.VocabSize(),
		}
	}
	klog.V(2).Infof("%q: vocabulary parallel over %d devices, %d rows -> %d per device",
		path, rw.world(), e.VocabSize(), spans[0].Len())
	return out, nil
}

// adoptTrainable carries the original layer's trainable flags onto a
// shard-local copy, whose constructor defaults every parameter to trainable.
func adoptTrainable(local, original nn.HasParams) {
	flags := make(map[string]bool)
	for name, p := range original.Params() {
		flags[name] = p.Trainable
	}
	for name, p := range local.Params() {
		if trainable, ok := flags[name]; ok {
			p.Trainable = trainable
		}
	}
}

// replicateModule keeps a full copy of the module on every rank.
func (rw *rewriter) replicateModule(path string, m nn.Module) []nn.Module {
	if owner, ok := m.(nn.HasParams); ok {
		for name, p := range owner.Params() {
			rw.addInfo(&paramInfo{
				path: nn.JoinPath(path, name), kind: paramReplicated,
				shape: p.Shape().Clone(), trainable: p.Trainable,
			})
		}
	}
	out := make([]nn.Module, rw.world())
	for r := range out {
		out[r] = m.Clone()
	}
	return out
}

// rewriteLeaf distributes an arbitrary leaf module parameter by parameter:
// replicate and custom rules apply to any module, unmatched parameters follow
// the default policy. Axis splits have no execution here and are rejected.
func (rw *rewriter) rewriteLeaf(path string, m nn.Module, rts []*runtime) ([]nn.Module, error) {
	world := rw.world()
	owner, hasParams := m.(nn.HasParams)
	if !hasParams {
		return rw.replicateModule(path, m), nil
	}

	type decision struct {
		name string
		p    *nn.Param
		kind paramKind
		rule *slicing.Rule
	}
	var decisions []decision
	for name, p := range owner.Params() {
		pPath := nn.JoinPath(path, name)
		rule, ok := rw.cfg.Resolve(pPath)
		switch {
		case ok && rule.Action == slicing.Replicate:
			decisions = append(decisions, decision{name: name, p: p, kind: paramReplicated})
		case ok && rule.Action == slicing.Custom:
			decisions = append(decisions, decision{name: name, p: p, kind: paramCustom, rule: rule})
		case ok:
			return nil, tperr.Configf("rule %s cannot split %q: axis splits apply to the weights of Linear and the table of Embedding modules",
				rule, pPath)
		case rw.cfg.Default == slicing.DefaultShard && p.Trainable && rw.shardEligible(pPath) && p.Value.Size() >= world:
			decisions = append(decisions, decision{name: name, p: p, kind: paramZero3})
		default:
			if rw.cfg.Default == slicing.DefaultShard && p.Trainable && rw.shardEligible(pPath) {
				klog.V(1).Infof("%q: %d elements is too small to shard across %d devices, replicating",
					pPath, p.Value.Size(), world)
			}
			decisions = append(decisions, decision{name: name, p: p, kind: paramReplicated})
		}
	}

	// Register the bookkeeping and set up the at-rest storage of the managed
	// parameters.
	mats := make(map[string]materializer) // parameter name -> at-rest storage
	for _, d := range decisions {
		pPath := nn.JoinPath(path, d.name)
		info := &paramInfo{path: pPath, kind: d.kind, shape: d.p.Shape().Clone(), trainable: d.p.Trainable}
		switch d.kind {
		case paramZero3:
			sp, err := rw.sharderFor().Shard(pPath, d.p.Value.Clone())
			if err != nil {
				return nil, err
			}
			info.sp = sp
			mats[d.name] = zero3Param{sp: sp}
			klog.V(2).Infof("%q: flat-sharded over %d devices", pPath, world)
		case paramCustom:
			cp, err := rw.splitCustom(pPath, d.p, d.rule)
			if err != nil {
				return nil, err
			}
			info.custom = cp
			mats[d.name] = cp
			klog.V(2).Infof("%q: custom-sharded over %d devices", pPath, world)
		}
		rw.addInfo(info)
	}
	if len(mats) == 0 {
		out := make([]nn.Module, world)
		for r := range out {
			out[r] = m.Clone()
		}
		return out, nil
	}

	// Clone with the managed values detached so the clones don't copy them,
	// then restore the original.
	detached := make(map[*nn.Param]*tensors.Tensor)
	for _, d := range decisions {
		if _, managed := mats[d.name]; managed {
			detached[d.p] = d.p.Value
			d.p.Value = nil
		}
	}
	clones := make([]nn.Module, world)
	for r := range clones {
		clones[r] = m.Clone()
	}
	for p, value := range detached {
		p.Value = value
	}

	out := make([]nn.Module, world)
	for r := range out {
		var managed []managedParam
		for name, p := range clones[r].(nn.HasParams).Params() {
			if mat, ok := mats[name]; ok {
				managed = append(managed, managedParam{param: p, mat: mat})
			}
		}
		out[r] = &shardedModule{rt: rts[r], inner: clones[r], managed: managed}
	}
	return out, nil
}

// splitCustom runs the rule's splitter over the parameter and verifies the
// combiner reassembles it exactly.
func (rw *rewriter) splitCustom(pPath string, p *nn.Param, rule *slicing.Rule) (*customParam, error) {
	world := rw.world()
	scratch := p.Value.Clone()
	shards, err := rule.Splitter(scratch, world)
	// The splitter may adopt the scratch tensor or return it among the
	// shards; only finalize it when it did neither.
	if scratch.Ok() && !slices.Contains(shards, scratch) {
		scratch.Finalize()
	}
	if err != nil {
		return nil, tperr.Configf("custom splitter for %q failed: %v", pPath, err)
	}
	if len(shards) != world {
		return nil, tperr.Configf("custom splitter for %q produced %d shards for %d devices",
			pPath, len(shards), world)
	}
	combined, err := rule.Combiner(shards)
	if err != nil {
		return nil, tperr.Configf("custom combiner for %q failed: %v", pPath, err)
	}
	reassembles := combined.Equal(p.Value)
	combined.Finalize()
	if !reassembles {
		return nil, tperr.Configf("custom combiner for %q does not reproduce the parameter from its shards", pPath)
	}
	return &customParam{path: pPath, shards: shards, splitter: rule.Splitter, combiner: rule.Combiner}, nil
}
