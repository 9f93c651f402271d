package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Reshape returns a view of t with a new shape. One dimension may be -1.
func Reshape(t *Tensor, shape ...int) *Tensor {
	shape = cloneInts(shape)
	infer := -1
	known := 1
	for i, s := range shape {
		switch {
		case s == -1 && infer < 0:
			infer = i
		case s < 0:
			panic(shapeErr("reshape", fmt.Sprintf("bad target %v", shape), t))
		default:
			known *= s
		}
	}
	if infer >= 0 {
		if known == 0 || t.Numel()%known != 0 {
			panic(shapeErr("reshape", fmt.Sprintf("cannot infer %v", shape), t))
		}
		shape[infer] = t.Numel() / known
	}
	if numel(shape) != t.Numel() {
		panic(shapeErr("reshape", fmt.Sprintf("target %v", shape), t))
	}
	out := result(t.Data, shape, t)
	if out.requiresGrad {
		out.backward = func() { t.accumulate(out.Grad) }
	}
	return out
}

// Flatten keeps the leading dimension and folds the rest.
func Flatten(t *Tensor) *Tensor {
	return Reshape(t, t.Dim(0), -1)
}

// TransposeLast2 swaps the two innermost dimensions.
func TransposeLast2(t *Tensor) *Tensor {
	if t.Rank() < 2 {
		panic(shapeErr("transpose", "need rank >= 2", t))
	}
	r := t.Rank()
	rows, cols := t.shape[r-2], t.shape[r-1]
	batch := t.Numel() / (rows * cols)
	data := make([]float64, t.Numel())
	transposeBlocks(data, t.Data, batch, rows, cols)

	shape := cloneInts(t.shape)
	shape[r-2], shape[r-1] = cols, rows
	out := result(data, shape, t)
	if out.requiresGrad {
		out.backward = func() {
			g := make([]float64, len(out.Grad))
			transposeBlocks(g, out.Grad, batch, cols, rows)
			t.accumulate(g)
		}
	}
	return out
}

func transposeBlocks(dst, src []float64, batch, rows, cols int) {
	size := rows * cols
	for b := 0; b < batch; b++ {
		s := src[b*size : (b+1)*size]
		d := dst[b*size : (b+1)*size]
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				d[j*rows+i] = s[i*cols+j]
			}
		}
	}
}

// Add is elementwise a+b.
func Add(a, b *Tensor) *Tensor {
	MustSameShape("add", a, b)
	data := make([]float64, a.Numel())
	floats.AddTo(data, a.Data, b.Data)
	out := result(data, cloneInts(a.shape), a, b)
	if out.requiresGrad {
		out.backward = func() {
			a.accumulate(out.Grad)
			b.accumulate(out.Grad)
		}
	}
	return out
}

// Sub is elementwise a-b.
func Sub(a, b *Tensor) *Tensor {
	MustSameShape("sub", a, b)
	data := make([]float64, a.Numel())
	floats.SubTo(data, a.Data, b.Data)
	out := result(data, cloneInts(a.shape), a, b)
	if out.requiresGrad {
		out.backward = func() {
			a.accumulate(out.Grad)
			if b.requiresGrad {
				floats.AddScaled(b.grad(), -1, out.Grad)
			}
		}
	}
	return out
}

// Mul is the elementwise product.
func Mul(a, b *Tensor) *Tensor {
	MustSameShape("mul", a, b)
	data := make([]float64, a.Numel())
	floats.MulTo(data, a.Data, b.Data)
	out := result(data, cloneInts(a.shape), a, b)
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				g := a.grad()
				for i, v := range out.Grad {
					g[i] += v * b.Data[i]
				}
			}
			if b.requiresGrad {
				g := b.grad()
				for i, v := range out.Grad {
					g[i] += v * a.Data[i]
				}
			}
		}
	}
	return out
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float64) *Tensor {
	data := make([]float64, t.Numel())
	floats.ScaleTo(data, s, t.Data)
	out := result(data, cloneInts(t.shape), t)
	if out.requiresGrad {
		out.backward = func() { floats.AddScaled(t.grad(), s, out.Grad) }
	}
	return out
}

// AddScalar adds s to every element.
func AddScalar(t *Tensor, s float64) *Tensor {
	data := make([]float64, t.Numel())
	for i, v := range t.Data {
		data[i] = v + s
	}
	out := result(data, cloneInts(t.shape), t)
	if out.requiresGrad {
		out.backward = func() { t.accumulate(out.Grad) }
	}
	return out
}

// Sum reduces every element to a scalar.
func Sum(t *Tensor) *Tensor {
	out := result([]float64{floats.Sum(t.Data)}, []int{}, t)
	if out.requiresGrad {
		out.backward = func() {
			g := t.grad()
			d := out.Grad[0]
			for i := range g {
				g[i] += d
			}
		}
	}
	return out
}

// Mean is Sum divided by the element count.
func Mean(t *Tensor) *Tensor {
	if t.Numel() == 0 {
		panic(shapeErr("mean", "empty tensor", t))
	}
	return Scale(Sum(t), 1/float64(t.Numel()))
}

// MeanRows averages a [n, d] matrix over its rows, giving [d].
func MeanRows(t *Tensor) *Tensor {
	if t.Rank() != 2 || t.shape[0] == 0 {
		panic(shapeErr("mean rows", "need non-empty [n, d]", t))
	}
	n, d := t.shape[0], t.shape[1]
	data := make([]float64, d)
	for i := 0; i < n; i++ {
		floats.Add(data, t.Data[i*d:(i+1)*d])
	}
	floats.Scale(1/float64(n), data)
	out := result(data, []int{d}, t)
	if out.requiresGrad {
		out.backward = func() {
			g := t.grad()
			for i := 0; i < n; i++ {
				floats.AddScaled(g[i*d:(i+1)*d], 1/float64(n), out.Grad)
			}
		}
	}
	return out
}

// unary applies f elementwise; df receives the input and output value.
func unary(t *Tensor, f func(float64) float64, df func(x, y float64) float64) *Tensor {
	data := make([]float64, t.Numel())
	for i, v := range t.Data {
		data[i] = f(v)
	}
	out := result(data, cloneInts(t.shape), t)
	if out.requiresGrad {
		out.backward = func() {
			g := t.grad()
			for i, v := range out.Grad {
				g[i] += v * df(t.Data[i], data[i])
			}
		}
	}
	return out
}

func ReLU(t *Tensor) *Tensor {
	return unary(t,
		func(x float64) float64 { return math.Max(x, 0) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

func Exp(t *Tensor) *Tensor {
	return unary(t, math.Exp, func(_, y float64) float64 { return y })
}

func Abs(t *Tensor) *Tensor {
	return unary(t, math.Abs, func(x, _ float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	})
}

// Softplus is log(1+e^x), computed without overflow.
func Softplus(t *Tensor) *Tensor {
	return unary(t,
		func(x float64) float64 { return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x))) },
		func(x, _ float64) float64 { return sigmoid(x) })
}

// Reciprocal is 1/x.
func Reciprocal(t *Tensor) *Tensor {
	return unary(t,
		func(x float64) float64 { return 1 / x },
		func(_, y float64) float64 { return -y * y })
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// OffDiagonalSum sums a square matrix excluding its diagonal.
func OffDiagonalSum(t *Tensor) *Tensor {
	if t.Rank() != 2 || t.shape[0] != t.shape[1] {
		panic(shapeErr("off-diagonal sum", "need square matrix", t))
	}
	n := t.shape[0]
	sum := floats.Sum(t.Data)
	for i := 0; i < n; i++ {
		sum -= t.Data[i*n+i]
	}
	out := result([]float64{sum}, []int{}, t)
	if out.requiresGrad {
		out.backward = func() {
			g := t.grad()
			d := out.Grad[0]
			for i := range g {
				if i/n != i%n {
					g[i] += d
				}
			}
		}
	}
	return out
}
