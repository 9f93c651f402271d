package trainer

import (
	"wae-forge/internal/model"
	"wae-forge/internal/optim"
	"wae-forge/internal/tensor"
)

// CostFunc scores a reconstruction. It returns a scalar summed over the batch.
type CostFunc func(y, yPred *tensor.Tensor) *tensor.Tensor

// SquaredL2Cost is Σ (y − ŷ)².
func SquaredL2Cost(y, yPred *tensor.Tensor) *tensor.Tensor {
	d := tensor.Sub(yPred, y)
	return tensor.Sum(tensor.Mul(d, d))
}

// L1Cost is Σ |y − ŷ|.
func L1Cost(y, yPred *tensor.Tensor) *tensor.Tensor {
	return tensor.Sum(tensor.Abs(tensor.Sub(yPred, y)))
}

// KernelFunc sums k(x_i, y_j) over all pairs of rows. When x and y are the
// same tensor the diagonal is left out.
type KernelFunc func(x, y *tensor.Tensor) *tensor.Tensor

func kernelSum(x, y, k *tensor.Tensor) *tensor.Tensor {
	if x == y {
		return tensor.OffDiagonalSum(k)
	}
	return tensor.Sum(k)
}

// RBFKernel is exp(−‖x−y‖² / (2σ²)).
func RBFKernel(sigma2 float64) KernelFunc {
	return func(x, y *tensor.Tensor) *tensor.Tensor {
		d := tensor.PairwiseSqDist(x, y)
		return kernelSum(x, y, tensor.Exp(tensor.Scale(d, -1/(2*sigma2))))
	}
}

// IMQKernel is the inverse multiquadratic c / (c + ‖x−y‖²).
func IMQKernel(c float64) KernelFunc {
	return func(x, y *tensor.Tensor) *tensor.Tensor {
		d := tensor.PairwiseSqDist(x, y)
		return kernelSum(x, y, tensor.Scale(tensor.Reciprocal(tensor.AddScalar(d, c)), c))
	}
}

// MultiScaleIMQKernel sums IMQ kernels over c·s for each scale s, which is
// less sensitive to a badly chosen c.
func MultiScaleIMQKernel(c float64, scales ...float64) KernelFunc {
	if len(scales) == 0 {
		scales = []float64{0.1, 0.2, 0.5, 1, 2, 5, 10}
	}
	kernels := make([]KernelFunc, len(scales))
	for i, s := range scales {
		kernels[i] = IMQKernel(c * s)
	}
	return func(x, y *tensor.Tensor) *tensor.Tensor {
		total := kernels[0](x, y)
		for _, k := range kernels[1:] {
			total = tensor.Add(total, k(x, y))
		}
		return total
	}
}

// DefaultKernelScale is the usual IMQ/RBF scale for a standard normal prior
// in zDim dimensions: 2·zDim.
func DefaultKernelScale(zDim int) float64 { return 2 * float64(zDim) }

// DivergenceFunc scores the distance between prior and encoded codes. It must
// be differentiable in zCond.
type DivergenceFunc func(zPrior, zCond *tensor.Tensor) *tensor.Tensor

// MomentDivergence is the squared distance between the per-dimension means
// and variances of the two populations.
func MomentDivergence(zPrior, zCond *tensor.Tensor) *tensor.Tensor {
	mp, vp := moments(zPrior)
	mc, vc := moments(zCond)
	dm := tensor.Sub(mp, mc)
	dv := tensor.Sub(vp, vc)
	return tensor.Add(tensor.Sum(tensor.Mul(dm, dm)), tensor.Sum(tensor.Mul(dv, dv)))
}

func moments(z *tensor.Tensor) (mean, variance *tensor.Tensor) {
	mean = tensor.MeanRows(z)
	variance = tensor.Sub(tensor.MeanRows(tensor.Mul(z, z)), tensor.Mul(mean, mean))
	return mean, variance
}

// AdversarialDivergence estimates the divergence with a latent
// discriminator trained alongside the autoencoder. Each Score call takes one
// discriminator step on detached codes, then returns the encoder's
// non-saturating loss mean(softplus(−D(zCond))), which is never negative.
type AdversarialDivergence struct {
	D   *model.Discriminator
	Opt optim.Optimizer

	lastLoss float64
}

func NewAdversarialDivergence(d *model.Discriminator, opt optim.Optimizer) *AdversarialDivergence {
	return &AdversarialDivergence{D: d, Opt: opt}
}

func (a *AdversarialDivergence) Score(zPrior, zCond *tensor.Tensor) *tensor.Tensor {
	// Clears what the previous encoder-side backward left in D.
	a.Opt.ZeroGrad()
	real := a.D.Forward(zPrior.Detach(), true)
	fake := a.D.Forward(zCond.Detach(), true)
	dLoss := tensor.Add(
		tensor.Mean(tensor.Softplus(tensor.Scale(real, -1))),
		tensor.Mean(tensor.Softplus(fake)),
	)
	a.lastLoss = dLoss.Item()
	tensor.Backward(dLoss)
	a.Opt.Step()
	a.Opt.ZeroGrad()

	return tensor.Mean(tensor.Softplus(tensor.Scale(a.D.Forward(zCond, true), -1)))
}

// DiscriminatorLoss is the loss of the most recent discriminator step.
func (a *AdversarialDivergence) DiscriminatorLoss() float64 { return a.lastLoss }
