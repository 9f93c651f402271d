package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// gemm computes c = alpha*op(a)*op(b) + beta*c for row-major slices, where
// op(a) is m×k and op(b) is k×n.
func gemm(transA, transB bool, m, n, k int, alpha float64, a, b []float64, beta float64, c []float64) {
	if m == 0 || n == 0 {
		return
	}
	ta, tb := blas.NoTrans, blas.NoTrans
	ga := blas64.General{Rows: m, Cols: k, Stride: k, Data: a}
	if transA {
		ta = blas.Trans
		ga = blas64.General{Rows: k, Cols: m, Stride: m, Data: a}
	}
	gb := blas64.General{Rows: k, Cols: n, Stride: n, Data: b}
	if transB {
		tb = blas.Trans
		gb = blas64.General{Rows: n, Cols: k, Stride: k, Data: b}
	}
	gc := blas64.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas64.Gemm(ta, tb, alpha, ga, gb, beta, gc)
}

// MatMul multiplies [m, k] by [k, n].
func MatMul(a, b *Tensor) *Tensor {
	if a.Rank() != 2 || b.Rank() != 2 || a.shape[1] != b.shape[0] {
		panic(shapeErr("matmul", "", a, b))
	}
	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	data := make([]float64, m*n)
	gemm(false, false, m, n, k, 1, a.Data, b.Data, 0, data)
	out := result(data, []int{m, n}, a, b)
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				gemm(false, true, m, k, n, 1, out.Grad, b.Data, 1, a.grad())
			}
			if b.requiresGrad {
				gemm(true, false, k, n, m, 1, a.Data, out.Grad, 1, b.grad())
			}
		}
	}
	return out
}

// Linear computes x·wᵀ + bias for x [batch, in], w [out, in] and an optional
// bias [out].
func Linear(x, w, bias *Tensor) *Tensor {
	if x.Rank() != 2 || w.Rank() != 2 || x.shape[1] != w.shape[1] {
		panic(shapeErr("linear", fmt.Sprintf("input features must equal %d", w.Dim(-1)), x, w))
	}
	batch, in, outDim := x.shape[0], x.shape[1], w.shape[0]
	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != outDim) {
		panic(shapeErr("linear", "bias", w, bias))
	}
	data := make([]float64, batch*outDim)
	gemm(false, true, batch, outDim, in, 1, x.Data, w.Data, 0, data)
	if bias != nil {
		for r := 0; r < batch; r++ {
			row := data[r*outDim : (r+1)*outDim]
			for o, b := range bias.Data {
				row[o] += b
			}
		}
	}
	out := result(data, []int{batch, outDim}, x, w, bias)
	if out.requiresGrad {
		out.backward = func() {
			if x.requiresGrad {
				gemm(false, false, batch, in, outDim, 1, out.Grad, w.Data, 1, x.grad())
			}
			if w.requiresGrad {
				gemm(true, false, outDim, in, batch, 1, out.Grad, x.Data, 1, w.grad())
			}
			if bias != nil && bias.requiresGrad {
				g := bias.grad()
				for r := 0; r < batch; r++ {
					for o := 0; o < outDim; o++ {
						g[o] += out.Grad[r*outDim+o]
					}
				}
			}
		}
	}
	return out
}

// PairwiseSqDist returns the [n, m] matrix of squared euclidean distances
// between the rows of x [n, d] and y [m, d].
func PairwiseSqDist(x, y *Tensor) *Tensor {
	if x.Rank() != 2 || y.Rank() != 2 || x.shape[1] != y.shape[1] {
		panic(shapeErr("pairwise distance", "", x, y))
	}
	n, m, d := x.shape[0], y.shape[0], x.shape[1]
	data := make([]float64, n*m)
	gemm(false, true, n, m, d, -2, x.Data, y.Data, 0, data)
	xn := rowSqNorms(x.Data, n, d)
	yn := rowSqNorms(y.Data, m, d)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			v := data[i*m+j] + xn[i] + yn[j]
			if v < 0 {
				// rounding can push coincident rows slightly negative
				v = 0
			}
			data[i*m+j] = v
		}
	}
	out := result(data, []int{n, m}, x, y)
	if out.requiresGrad {
		out.backward = func() {
			g := out.Grad
			if x.requiresGrad {
				// dx_i = 2·(Σ_j g_ij)·x_i − 2·Σ_j g_ij·y_j
				gx := x.grad()
				for i := 0; i < n; i++ {
					s := 0.0
					for j := 0; j < m; j++ {
						s += g[i*m+j]
					}
					for k := 0; k < d; k++ {
						gx[i*d+k] += 2 * s * x.Data[i*d+k]
					}
				}
				gemm(false, false, n, d, m, -2, g, y.Data, 1, gx)
			}
			if y.requiresGrad {
				gy := y.grad()
				for j := 0; j < m; j++ {
					s := 0.0
					for i := 0; i < n; i++ {
						s += g[i*m+j]
					}
					for k := 0; k < d; k++ {
						gy[j*d+k] += 2 * s * y.Data[j*d+k]
					}
				}
				gemm(true, false, m, d, n, -2, g, x.Data, 1, gy)
			}
		}
	}
	return out
}

func rowSqNorms(data []float64, rows, cols int) []float64 {
	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		s := 0.0
		for _, v := range row {
			s += v * v
		}
		out[i] = s
	}
	return out
}
