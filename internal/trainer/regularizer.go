package trainer

import (
	"fmt"

	"wae-forge/internal/tensor"
)

// Layout is the orientation in which images are handed to the encoder.
type Layout int

const (
	// LayoutDefault defers to the regularizer's preference.
	LayoutDefault Layout = iota
	// LayoutNCHW feeds batches unchanged.
	LayoutNCHW
	// LayoutTransposed swaps the two innermost dimensions before encoding.
	LayoutTransposed
)

func (l Layout) String() string {
	switch l {
	case LayoutNCHW:
		return "nchw"
	case LayoutTransposed:
		return "transposed"
	}
	return "default"
}

// Regularizer supplies the latent penalty that distinguishes WAE variants.
type Regularizer interface {
	// Penalty scores how far zCond is from zPrior for a batch of n codes. It
	// is scaled by lambda in the total loss.
	Penalty(zPrior, zCond *tensor.Tensor, n int) *tensor.Tensor
	// ReconstructionWeight multiplies cost/n in the total loss.
	ReconstructionWeight() float64
	InputLayout() Layout
}

// Divergence is the adversarial-divergence variant: penalty =
// divergence(zPrior, zCond), reconstruction weight 1.
type Divergence struct {
	Func DivergenceFunc
	// Layout overrides the NCHW default.
	Layout Layout
}

func (d Divergence) Penalty(zPrior, zCond *tensor.Tensor, _ int) *tensor.Tensor {
	return d.Func(zPrior, zCond)
}

func (Divergence) ReconstructionWeight() float64 { return 1 }

func (d Divergence) InputLayout() Layout {
	if d.Layout != LayoutDefault {
		return d.Layout
	}
	return LayoutNCHW
}

// DefaultMMDWeight is the reconstruction weight of the MMD variant.
const DefaultMMDWeight = 100

// MMD is the kernel variant. The penalty is the unbiased MMD² estimate
//
//	(k(p,p) + k(c,c)) / (n(n−1)) − 2·k(p,c) / n²
//
// where k sums kernel values over pairs.
type MMD struct {
	Kernel KernelFunc
	// Weight overrides DefaultMMDWeight when > 0.
	Weight float64
	// Layout overrides the transposed default.
	Layout Layout
}

func (m MMD) Penalty(zPrior, zCond *tensor.Tensor, n int) *tensor.Tensor {
	if n < 2 {
		panic(fmt.Errorf("%w: mmd needs at least 2 codes, got %d", ErrBatchTooSmall, n))
	}
	nf := float64(n)
	within := tensor.Add(m.Kernel(zPrior, zPrior), m.Kernel(zCond, zCond))
	cross := m.Kernel(zPrior, zCond)
	return tensor.Sub(
		tensor.Scale(within, 1/(nf*(nf-1))),
		tensor.Scale(cross, 2/(nf*nf)),
	)
}

func (m MMD) ReconstructionWeight() float64 {
	if m.Weight > 0 {
		return m.Weight
	}
	return DefaultMMDWeight
}

func (m MMD) InputLayout() Layout {
	if m.Layout != LayoutDefault {
		return m.Layout
	}
	return LayoutTransposed
}
