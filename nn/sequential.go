package nn

import (
	"iter"
	"strconv"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/pkg/errors"
)

// Sequential chains child modules: the output of each is the input of the
// next. Children are named by their index, so the weights of the second
// child of a root Sequential live at path "/1/weights".
type Sequential struct {
	children []Module
}

// NewSequential creates a Sequential over the given children.
func NewSequential(children ...Module) *Sequential {
	if len(children) == 0 {
		Panicf("NewSequential: at least one child module is required")
	}
	return &Sequential{children: children}
}

// Len returns the number of children.
func (s *Sequential) Len() int { return len(s.children) }

// Child returns the i-th child module.
func (s *Sequential) Child(i int) Module { return s.children[i] }

// Children implements Container.
func (s *Sequential) Children() iter.Seq2[string, Module] {
	return func(yield func(string, Module) bool) {
		for i, child := range s.children {
			if !yield(strconv.Itoa(i), child) {
				return
			}
		}
	}
}

// WithChildren implements Container.
func (s *Sequential) WithChildren(children []Module) (Module, error) {
	if len(children) != len(s.children) {
		return nil, tperr.Configf("Sequential.WithChildren got %d children, want %d",
			len(children), len(s.children))
	}
	replaced := make([]Module, len(children))
	copy(replaced, children)
	return &Sequential{children: replaced}, nil
}

// Forward implements Module, chaining the children in order.
func (s *Sequential) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	var err error
	for i, child := range s.children {
		x, err = child.Forward(x)
		if err != nil {
			return nil, errors.WithMessagef(err, "Sequential child %d", i)
		}
	}
	return x, nil
}

// Backward implements Module, chaining the children in reverse. A child that
// returns a nil input gradient (Embedding) ends propagation: children before
// it see no backward pass.
func (s *Sequential) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	grad := outputGrad
	var err error
	for i := len(s.children) - 1; i >= 0; i-- {
		grad, err = s.children[i].Backward(grad)
		if err != nil {
			return nil, errors.WithMessagef(err, "Sequential child %d", i)
		}
		if grad == nil {
			break
		}
	}
	return grad, nil
}

// Clone implements Module.
func (s *Sequential) Clone() Module {
	children := make([]Module, len(s.children))
	for i, child := range s.children {
		children[i] = child.Clone()
	}
	return &Sequential{children: children}
}
