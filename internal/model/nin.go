package model

import (
	"math"

	"golang.org/x/exp/rand"

	"wae-forge/internal/tensor"
)

// Direction selects whether a NiNBlock halves or doubles spatial resolution.
type Direction int

const (
	Down Direction = iota
	Up
)

// NiNBlock is the repeating unit of the encoder and decoder: a bias-free
// strided convolution (Down) or transposed convolution (Up), then batch
// norm, then ReLU.
type NiNBlock struct {
	Direction Direction
	Weight    *tensor.Tensor
	Norm      *BatchNorm
	Stride    int
	Pad       int
}

func NewNiNBlock(src rand.Source, dir Direction, in, out, kernel, stride, pad int) *NiNBlock {
	b := &NiNBlock{Direction: dir, Norm: NewBatchNorm(out), Stride: stride, Pad: pad}
	switch dir {
	case Down:
		b.Weight = uniformParam(src, 1/math.Sqrt(float64(in*kernel*kernel)), out, in, kernel, kernel)
	case Up:
		b.Weight = uniformParam(src, 1/math.Sqrt(float64(out*kernel*kernel)), in, out, kernel, kernel)
	}
	return b
}

func (b *NiNBlock) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	var h *tensor.Tensor
	if b.Direction == Down {
		h = tensor.Conv2d(x, b.Weight, nil, b.Stride, b.Pad)
	} else {
		h = tensor.ConvTranspose2d(x, b.Weight, nil, b.Stride, b.Pad)
	}
	return tensor.ReLU(b.Norm.Forward(h, train))
}

func (b *NiNBlock) Parameters() []*tensor.Tensor {
	return append([]*tensor.Tensor{b.Weight}, b.Norm.Parameters()...)
}

// OutputSize is the spatial size this block produces from in.
func (b *NiNBlock) OutputSize(in int) int {
	k := b.Weight.Dim(-1)
	if b.Direction == Down {
		return tensor.ConvOutputSize(in, k, b.Stride, b.Pad)
	}
	return tensor.ConvTransposeOutputSize(in, k, b.Stride, b.Pad)
}

// OutChannels is the channel count this block produces.
func (b *NiNBlock) OutChannels() int {
	if b.Direction == Down {
		return b.Weight.Dim(0)
	}
	return b.Weight.Dim(1)
}
