// Package tensor is a small CPU tensor engine with reverse-mode autodiff,
// covering the operations used by the encoder, decoder and loss terms.
package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Tensor is a dense row-major float64 array that can take part in a
// reverse-mode autodiff graph.
type Tensor struct {
	Data []float64
	Grad []float64

	shape []int

	// requiresGrad marks tensors whose gradient is needed, either because
	// they are parameters or because they were computed from one.
	requiresGrad bool
	param        bool

	parents  []*Tensor
	backward func()
}

// New allocates a zero tensor.
func New(shape ...int) *Tensor {
	checkShape("new", shape)
	return &Tensor{Data: make([]float64, numel(shape)), shape: cloneInts(shape)}
}

// FromSlice wraps data without copying it.
func FromSlice(data []float64, shape ...int) *Tensor {
	checkShape("from slice", shape)
	if len(data) != numel(shape) {
		panic(&ShapeError{Op: "from slice", Shapes: [][]int{shape}, Msg: fmt.Sprintf("%d values", len(data))})
	}
	return &Tensor{Data: data, shape: cloneInts(shape)}
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float64) *Tensor {
	return &Tensor{Data: []float64{v}, shape: []int{}}
}

// NewParameter wraps data as a trainable leaf. Gradients accumulate into it
// until ZeroGrad is called.
func NewParameter(data []float64, shape ...int) *Tensor {
	t := FromSlice(data, shape...)
	t.requiresGrad = true
	t.param = true
	return t
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return cloneInts(t.shape) }

// Dim returns the size of dimension i. Negative indices count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	if i < 0 || i >= len(t.shape) {
		panic(&ShapeError{Op: "dim", Shapes: [][]int{t.shape}, Msg: fmt.Sprintf("no dimension %d", i)})
	}
	return t.shape[i]
}

func (t *Tensor) Rank() int  { return len(t.shape) }
func (t *Tensor) Numel() int { return len(t.Data) }

// RequiresGrad reports whether backward will produce a gradient for t.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// IsParameter reports whether t is a trainable leaf.
func (t *Tensor) IsParameter() bool { return t.param }

// Item returns the single value of a one element tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(&ShapeError{Op: "item", Shapes: [][]int{t.shape}, Msg: "tensor has more than one element"})
	}
	return t.Data[0]
}

// Detach returns a tensor sharing t's data with no graph history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{Data: t.Data, shape: cloneInts(t.shape)}
}

// Clone deep-copies the data into a detached tensor.
func (t *Tensor) Clone() *Tensor {
	d := make([]float64, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Data: d, shape: cloneInts(t.shape)}
}

// Finite reports whether every element is neither NaN nor ±Inf.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// ShapeError is raised (as a panic value) by ops whose operands do not fit.
type ShapeError struct {
	Op     string
	Shapes [][]int
	Msg    string
}

func (e *ShapeError) Error() string {
	parts := make([]string, len(e.Shapes))
	for i, s := range e.Shapes {
		parts[i] = fmt.Sprint(s)
	}
	msg := fmt.Sprintf("tensor: %s: shape mismatch %s", e.Op, strings.Join(parts, " vs "))
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func shapeErr(op, msg string, ts ...*Tensor) *ShapeError {
	shapes := make([][]int, len(ts))
	for i, t := range ts {
		shapes[i] = cloneInts(t.shape)
	}
	return &ShapeError{Op: op, Shapes: shapes, Msg: msg}
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	return equalInts(a.shape, b.shape)
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func checkShape(op string, shape []int) {
	for _, s := range shape {
		if s < 0 {
			panic(&ShapeError{Op: op, Shapes: [][]int{shape}, Msg: "negative dimension"})
		}
	}
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
