package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// result builds an op output. The backward closure is only kept when some
// parent needs a gradient.
func result(data []float64, shape []int, parents ...*Tensor) *Tensor {
	out := &Tensor{Data: data, shape: shape}
	for _, p := range parents {
		if p != nil && p.requiresGrad {
			out.requiresGrad = true
			out.parents = parents
			break
		}
	}
	return out
}

// grad returns t's gradient buffer, allocating it on first use.
func (t *Tensor) grad() []float64 {
	if t.Grad == nil {
		t.Grad = make([]float64, len(t.Data))
	}
	return t.Grad
}

// accumulate adds g into t's gradient when t is part of the graph.
func (t *Tensor) accumulate(g []float64) {
	if t == nil || !t.requiresGrad {
		return
	}
	floats.Add(t.grad(), g)
}

// Backward computes d(root)/d(x) for every tensor x in root's graph that
// requires a gradient. Parameter gradients accumulate across calls.
func Backward(root *Tensor) {
	if len(root.Data) != 1 {
		panic(shapeErr("backward", "root must hold a single value", root))
	}
	if !root.requiresGrad {
		return
	}

	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if t == nil || visited[t] || !t.requiresGrad {
			return
		}
		visited[t] = true
		for _, p := range t.parents {
			visit(p)
		}
		order = append(order, t)
	}
	visit(root)

	root.grad()[0] += 1
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if t.backward != nil && t.Grad != nil {
			t.backward()
		}
	}
	// Intermediate buffers are not needed after the pass; dropping them lets
	// the graph be collected while parameters keep their gradients.
	for _, t := range order {
		if !t.param {
			t.Grad = nil
			t.parents = nil
			t.backward = nil
		}
	}
}

// ZeroGrad clears the accumulated gradient of each parameter.
func ZeroGrad(params []*Tensor) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// GradNorm is the L2 norm over all parameter gradients.
func GradNorm(params []*Tensor) float64 {
	sum := 0.0
	for _, p := range params {
		if p.Grad != nil {
			sum += floats.Dot(p.Grad, p.Grad)
		}
	}
	return math.Sqrt(sum)
}

// CountParameters returns the number of scalar values across params.
func CountParameters(params []*Tensor) int {
	n := 0
	for _, p := range params {
		n += p.Numel()
	}
	return n
}

// MustSameShape panics with a ShapeError unless a and b match.
func MustSameShape(op string, a, b *Tensor) {
	if !SameShape(a, b) {
		panic(shapeErr(op, fmt.Sprintf("%d vs %d elements", a.Numel(), b.Numel()), a, b))
	}
}
