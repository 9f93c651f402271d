package model

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"wae-forge/internal/tensor"
)

const (
	bnMomentum = 0.1
	bnEps      = 1e-5
)

// uniformParam draws a parameter from U(-bound, bound).
func uniformParam(src rand.Source, bound float64, shape ...int) *tensor.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	data := make([]float64, n)
	for i := range data {
		data[i] = dist.Rand()
	}
	return tensor.NewParameter(data, shape...)
}

func fillParam(v float64, shape ...int) *tensor.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = v
	}
	return tensor.NewParameter(data, shape...)
}

// Linear is a fully connected layer, y = x·Wᵀ + b.
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewLinear initializes weights and bias from U(-1/√in, 1/√in).
func NewLinear(src rand.Source, in, out int) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	return &Linear{
		Weight: uniformParam(src, bound, out, in),
		Bias:   uniformParam(src, bound, out),
	}
}

func (l *Linear) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	return tensor.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.Weight, l.Bias}
}

// ConvTranspose is a transposed convolution with an optional bias.
type ConvTranspose struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Stride int
	Pad    int
}

func NewConvTranspose(src rand.Source, in, out, kernel, stride, pad int, bias bool) *ConvTranspose {
	bound := 1 / math.Sqrt(float64(out*kernel*kernel))
	c := &ConvTranspose{
		Weight: uniformParam(src, bound, in, out, kernel, kernel),
		Stride: stride,
		Pad:    pad,
	}
	if bias {
		c.Bias = uniformParam(src, bound, out)
	}
	return c
}

func (c *ConvTranspose) Forward(x *tensor.Tensor, _ bool) *tensor.Tensor {
	return tensor.ConvTranspose2d(x, c.Weight, c.Bias, c.Stride, c.Pad)
}

func (c *ConvTranspose) Parameters() []*tensor.Tensor {
	if c.Bias == nil {
		return []*tensor.Tensor{c.Weight}
	}
	return []*tensor.Tensor{c.Weight, c.Bias}
}

// BatchNorm normalizes per channel. Running statistics are updated on every
// training forward pass and used in inference.
type BatchNorm struct {
	Gamma *tensor.Tensor
	Beta  *tensor.Tensor

	RunningMean []float64
	RunningVar  []float64
}

func NewBatchNorm(channels int) *BatchNorm {
	bn := &BatchNorm{
		Gamma:       fillParam(1, channels),
		Beta:        fillParam(0, channels),
		RunningMean: make([]float64, channels),
		RunningVar:  make([]float64, channels),
	}
	for i := range bn.RunningVar {
		bn.RunningVar[i] = 1
	}
	return bn
}

func (b *BatchNorm) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	if !train {
		return tensor.Normalize2d(x, b.Gamma, b.Beta, b.RunningMean, b.RunningVar, bnEps)
	}
	out, mean, variance := tensor.BatchNorm2d(x, b.Gamma, b.Beta, bnEps)
	count := float64(x.Numel() / x.Dim(1))
	unbias := 1.0
	if count > 1 {
		unbias = count / (count - 1)
	}
	for c := range mean {
		b.RunningMean[c] = (1-bnMomentum)*b.RunningMean[c] + bnMomentum*mean[c]
		b.RunningVar[c] = (1-bnMomentum)*b.RunningVar[c] + bnMomentum*variance[c]*unbias
	}
	return out
}

func (b *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{b.Gamma, b.Beta}
}

func collect(mods ...Module) []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range mods {
		params = append(params, m.Parameters()...)
	}
	return params
}
