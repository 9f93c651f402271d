package model

import "wae-forge/internal/tensor"

// Batch is a minibatch pair. X is the model input and Y the reconstruction
// target; both are [batch, channels, height, width].
type Batch struct {
	X *tensor.Tensor
	Y *tensor.Tensor
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	if b.X == nil || b.X.Rank() == 0 {
		return 0
	}
	return b.X.Dim(0)
}

// Module is a network component with trainable parameters. train selects
// batch statistics for normalization layers and lets them update their
// running estimates.
type Module interface {
	Forward(x *tensor.Tensor, train bool) *tensor.Tensor
	Parameters() []*tensor.Tensor
}
