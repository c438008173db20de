// Package nn implements the small eager module zoo the tensor-parallel
// engine wraps: linear layers, embeddings, layer normalization, activations
// and sequential containers, all with explicit backward passes.
//
// A Module is a stateful compute node: Forward records whatever activations
// its Backward needs, Backward consumes them, accumulates parameter gradients
// and returns the input gradient. Modules form trees through the Container
// interface; parameters are addressed by stable "/"-separated paths (e.g.
// "/3/weights" for the weights of the 4th child of a Sequential), which is
// the vocabulary slicing rules match against.
//
// Kernels are plain row-major loops over float32 or float64 flat data; there
// is no graph compiler and no BLAS binding behind them.
package nn

import (
	"iter"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// Module is a stateful compute node with an explicit backward pass.
//
// The calling convention is strict: Backward consumes the activations
// recorded by the latest Forward, so calls must alternate
// Forward-then-Backward per pass, and the input tensor must not be mutated in
// between.
type Module interface {
	// Forward computes the module's output for x, recording the activations
	// Backward will need.
	Forward(x *tensors.Tensor) (*tensors.Tensor, error)

	// Backward takes the gradient of the loss with respect to the latest
	// Forward's output, accumulates each parameter's gradient into its Grad
	// tensor, and returns the gradient with respect to that Forward's input.
	// It fails with a Lifecycle error if no Forward pass is recorded.
	Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error)

	// Clone returns a deep copy of the module: same structure, parameter
	// values copied, gradients and recorded activations dropped.
	Clone() Module
}

// Container is implemented by modules composed of named child modules.
type Container interface {
	Module

	// Children yields the direct children in a fixed order, keyed by their
	// local name ("0", "1", ... for Sequential).
	Children() iter.Seq2[string, Module]

	// WithChildren returns a copy of the container with its children
	// replaced, in Children order. It fails with a Config error if the count
	// doesn't match.
	WithChildren(children []Module) (Module, error)
}

// HasParams is implemented by modules that own parameters.
type HasParams interface {
	Module

	// Params yields the module's own parameters (not its children's) in a
	// fixed order, keyed by their local name ("weights", "biases", ...).
	// The yielded pointers are live: mutating a Param mutates the module.
	Params() iter.Seq2[string, *Param]
}

// Param is a named, trainable tensor owned by a module.
type Param struct {
	// Name is the parameter's local name within its module, e.g. "weights".
	Name string

	// Value is the parameter's current value. The engine swaps this pointer
	// when re-sharding, so hold the Param, not the tensor.
	Value *tensors.Tensor

	// Grad accumulates the parameter's gradient across Backward calls. It is
	// nil until the first Backward; use ZeroGrad to reset between steps.
	Grad *tensors.Tensor

	// Trainable tells whether Backward accumulates a gradient for this
	// parameter.
	Trainable bool
}

// Shape is a shortcut for p.Value.Shape().
func (p *Param) Shape() shapes.Shape {
	return p.Value.Shape()
}

// clone deep-copies the parameter value; the gradient is dropped. A nil Value
// (a parameter whose storage lives elsewhere, e.g. sharded) stays nil.
func (p *Param) clone() *Param {
	clone := &Param{Name: p.Name, Trainable: p.Trainable}
	if p.Value != nil {
		clone.Value = p.Value.Clone()
	}
	return clone
}

// accumulateGrad adds grad into p.Grad, allocating it on first use.
// It is a no-op for non-trainable parameters.
func (p *Param) accumulateGrad(grad *tensors.Tensor) {
	if !p.Trainable {
		return
	}
	if p.Grad == nil {
		p.Grad = grad
		return
	}
	p.Grad.AddAssign(grad)
	grad.Finalize()
}

// JoinPath joins path components with "/". Empty components are skipped, so
// JoinPath("", "weights") is "/weights".
func JoinPath(parts ...string) string {
	var sb strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		sb.WriteString("/")
		sb.WriteString(part)
	}
	return sb.String()
}

// IterModules yields every module of the tree rooted at m in depth-first
// pre-order, keyed by its path. The root's path is "".
func IterModules(m Module) iter.Seq2[string, Module] {
	return func(yield func(string, Module) bool) {
		iterModulesRecursive(m, "", yield)
	}
}

func iterModulesRecursive(m Module, path string, yield func(string, Module) bool) bool {
	if !yield(path, m) {
		return false
	}
	container, ok := m.(Container)
	if !ok {
		return true
	}
	for name, child := range container.Children() {
		if !iterModulesRecursive(child, JoinPath(path, name), yield) {
			return false
		}
	}
	return true
}

// IterParams yields every parameter of the tree rooted at m, keyed by its
// full path, in depth-first module order. The yielded pointers are live.
func IterParams(m Module) iter.Seq2[string, *Param] {
	return func(yield func(string, *Param) bool) {
		for modulePath, module := range IterModules(m) {
			owner, ok := module.(HasParams)
			if !ok {
				continue
			}
			for name, param := range owner.Params() {
				if !yield(JoinPath(modulePath, name), param) {
					return
				}
			}
		}
	}
}

// ParamByPath returns the parameter at the given full path, or false if the
// tree has no such parameter.
func ParamByPath(m Module, path string) (*Param, bool) {
	for candidate, param := range IterParams(m) {
		if candidate == path {
			return param, true
		}
	}
	return nil, false
}

// NumParams returns the total element count over all parameters of the tree.
func NumParams(m Module) int {
	total := 0
	for _, param := range IterParams(m) {
		total += param.Value.Size()
	}
	return total
}

// ParamsMemory returns the total bytes held by parameter values of the tree.
func ParamsMemory(m Module) uintptr {
	var total uintptr
	for _, param := range IterParams(m) {
		total += param.Value.Memory()
	}
	return total
}

// ZeroGrad drops the accumulated gradients of every parameter in the tree.
func ZeroGrad(m Module) {
	for _, param := range IterParams(m) {
		if param.Grad != nil {
			param.Grad.Finalize()
			param.Grad = nil
		}
	}
}

// assertKernelDType panics if dtype is not one of the dtypes the nn kernels
// support. Model construction is programmer-driven, so this is a panic, not
// an error.
func assertKernelDType(dtype dtypes.DType) {
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		Panicf("nn kernels support Float32 and Float64, got %s", dtype)
	}
}

// checkForwardInput validates a forward input against the module's dtype.
func checkForwardInput(moduleName string, x *tensors.Tensor, want dtypes.DType) error {
	if x == nil {
		return tperr.Shapef(moduleName, "Forward got a nil input")
	}
	if x.DType() != want {
		return tperr.Shapef(moduleName, "Forward got dtype %s, module is built for %s", x.DType(), want)
	}
	return nil
}

// checkBackwardGrad validates an output gradient against the shape recorded
// from the latest Forward.
func checkBackwardGrad(moduleName string, grad, lastX *tensors.Tensor) error {
	if lastX == nil {
		return tperr.Lifecyclef("%s.Backward called without a recorded Forward pass", moduleName)
	}
	if grad == nil {
		return tperr.Shapef(moduleName, "Backward got a nil output gradient")
	}
	return nil
}
