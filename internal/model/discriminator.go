package model

import (
	"fmt"

	"golang.org/x/exp/rand"

	"wae-forge/internal/tensor"
)

// DiscriminatorConfig sizes the latent-space critic used by the adversarial
// divergence.
type DiscriminatorConfig struct {
	ZDim   int
	Hidden int
	Layers int
	Seed   int64
}

// Discriminator is an MLP scoring latent codes with one logit each. A high
// logit means the code looks like a prior sample.
type Discriminator struct {
	Hidden []*Linear
	Out    *Linear
}

func NewDiscriminator(cfg DiscriminatorConfig) (*Discriminator, error) {
	if cfg.ZDim <= 0 {
		return nil, fmt.Errorf("discriminator: z_dim must be > 0 (got %d)", cfg.ZDim)
	}
	if cfg.Hidden <= 0 {
		cfg.Hidden = 512
	}
	if cfg.Layers <= 0 {
		cfg.Layers = 4
	}
	src := rand.NewSource(uint64(cfg.Seed))
	d := &Discriminator{}
	in := cfg.ZDim
	for i := 0; i < cfg.Layers; i++ {
		d.Hidden = append(d.Hidden, NewLinear(src, in, cfg.Hidden))
		in = cfg.Hidden
	}
	d.Out = NewLinear(src, in, 1)
	return d, nil
}

// Forward returns logits [B, 1].
func (d *Discriminator) Forward(z *tensor.Tensor, train bool) *tensor.Tensor {
	h := z
	for _, l := range d.Hidden {
		h = tensor.ReLU(l.Forward(h, train))
	}
	return d.Out.Forward(h, train)
}

func (d *Discriminator) Parameters() []*tensor.Tensor {
	mods := make([]Module, 0, len(d.Hidden)+1)
	for _, l := range d.Hidden {
		mods = append(mods, l)
	}
	return collect(append(mods, d.Out)...)
}
