package tensor

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// BatchNorm2d normalizes x [N, C, H, W] per channel with the batch
// statistics, then applies gamma and beta [C]. It also returns the batch mean
// and biased variance so callers can maintain running estimates.
func BatchNorm2d(x, gamma, beta *Tensor, eps float64) (out *Tensor, mean, variance []float64) {
	n, c, spatial := checkNorm("batch norm", x, gamma, beta)
	m := n * spatial
	mean = make([]float64, c)
	variance = make([]float64, c)
	invStd := make([]float64, c)
	xhat := make([]float64, x.Numel())
	data := make([]float64, x.Numel())

	buf := make([]float64, m)
	for ch := 0; ch < c; ch++ {
		gatherChannel(buf, x.Data, n, c, ch, spatial)
		mean[ch], variance[ch] = stat.PopMeanVariance(buf, nil)
		invStd[ch] = 1 / math.Sqrt(variance[ch]+eps)
		g, b := gamma.Data[ch], beta.Data[ch]
		forChannel(n, c, ch, spatial, func(idx int) {
			xhat[idx] = (x.Data[idx] - mean[ch]) * invStd[ch]
			data[idx] = g*xhat[idx] + b
		})
	}

	out = result(data, cloneInts(x.shape), x, gamma, beta)
	if out.requiresGrad {
		out.backward = func() {
			dy := out.Grad
			for ch := 0; ch < c; ch++ {
				sumDy, sumDyXhat := 0.0, 0.0
				forChannel(n, c, ch, spatial, func(idx int) {
					sumDy += dy[idx]
					sumDyXhat += dy[idx] * xhat[idx]
				})
				if gamma.requiresGrad {
					gamma.grad()[ch] += sumDyXhat
				}
				if beta.requiresGrad {
					beta.grad()[ch] += sumDy
				}
				if x.requiresGrad {
					gx := x.grad()
					k := gamma.Data[ch] * invStd[ch] / float64(m)
					forChannel(n, c, ch, spatial, func(idx int) {
						gx[idx] += k * (float64(m)*dy[idx] - sumDy - xhat[idx]*sumDyXhat)
					})
				}
			}
		}
	}
	return out, mean, variance
}

// Normalize2d applies fixed per-channel statistics, as batch norm does at
// inference time.
func Normalize2d(x, gamma, beta *Tensor, mean, variance []float64, eps float64) *Tensor {
	n, c, spatial := checkNorm("normalize", x, gamma, beta)
	if len(mean) != c || len(variance) != c {
		panic(shapeErr("normalize", "statistics length", x, gamma))
	}
	invStd := make([]float64, c)
	xhat := make([]float64, x.Numel())
	data := make([]float64, x.Numel())
	for ch := 0; ch < c; ch++ {
		invStd[ch] = 1 / math.Sqrt(variance[ch]+eps)
		g, b := gamma.Data[ch], beta.Data[ch]
		forChannel(n, c, ch, spatial, func(idx int) {
			xhat[idx] = (x.Data[idx] - mean[ch]) * invStd[ch]
			data[idx] = g*xhat[idx] + b
		})
	}
	out := result(data, cloneInts(x.shape), x, gamma, beta)
	if out.requiresGrad {
		out.backward = func() {
			for ch := 0; ch < c; ch++ {
				forChannel(n, c, ch, spatial, func(idx int) {
					d := out.Grad[idx]
					if gamma.requiresGrad {
						gamma.grad()[ch] += d * xhat[idx]
					}
					if beta.requiresGrad {
						beta.grad()[ch] += d
					}
					if x.requiresGrad {
						x.grad()[idx] += d * gamma.Data[ch] * invStd[ch]
					}
				})
			}
		}
	}
	return out
}

func checkNorm(op string, x, gamma, beta *Tensor) (n, c, spatial int) {
	if x.Rank() != 4 {
		panic(shapeErr(op, "need [N, C, H, W]", x))
	}
	n, c = x.shape[0], x.shape[1]
	spatial = x.shape[2] * x.shape[3]
	if gamma.Numel() != c || beta.Numel() != c {
		panic(shapeErr(op, "affine parameters must match channels", x, gamma, beta))
	}
	if n*spatial == 0 {
		panic(shapeErr(op, "empty batch", x))
	}
	return n, c, spatial
}

func gatherChannel(dst, src []float64, n, c, ch, spatial int) {
	for i := 0; i < n; i++ {
		copy(dst[i*spatial:(i+1)*spatial], src[(i*c+ch)*spatial:(i*c+ch+1)*spatial])
	}
}

func forChannel(n, c, ch, spatial int, fn func(idx int)) {
	for i := 0; i < n; i++ {
		off := (i*c + ch) * spatial
		for s := 0; s < spatial; s++ {
			fn(off + s)
		}
	}
}
