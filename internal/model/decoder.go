package model

import (
	"fmt"

	"golang.org/x/exp/rand"

	"wae-forge/internal/tensor"
)

// DecoderConfig sizes a Decoder.
type DecoderConfig struct {
	ZDim     int
	Channels int
	// FirstDim is the spatial size of the feature map the linear layer
	// produces. The output is 4·FirstDim on each side.
	FirstDim int
	// FirstWidth is the horizontal size of that feature map for non-square
	// outputs. Zero means FirstDim.
	FirstWidth int
	// Width matches EncoderConfig.Width; the decoder's channel ladder is
	// 8·Width → 4·Width → 2·Width. Zero means DefaultWidth.
	Width int
	Seed  int64
}

// Decoder maps [B, z_dim] codes to [B, C, 4·first_dim, 4·first_width] images.
type Decoder struct {
	cfg    DecoderConfig
	Proj   *Linear
	Blocks []*NiNBlock
	Out    *ConvTranspose
}

func (c DecoderConfig) firstWidth() int {
	if c.FirstWidth <= 0 {
		return c.FirstDim
	}
	return c.FirstWidth
}

func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if cfg.ZDim <= 0 || cfg.Channels <= 0 || cfg.FirstDim <= 0 {
		return nil, fmt.Errorf("decoder: z_dim, channels and first_dim must be > 0 (got %d, %d, %d)", cfg.ZDim, cfg.Channels, cfg.FirstDim)
	}
	w := cfg.Width
	if w <= 0 {
		w = DefaultWidth
	}
	src := rand.NewSource(uint64(cfg.Seed))
	d := &Decoder{cfg: cfg}
	d.Proj = NewLinear(src, cfg.ZDim, 8*w*cfg.FirstDim*cfg.firstWidth())
	d.Blocks = []*NiNBlock{
		NewNiNBlock(src, Up, 8*w, 4*w, 4, 2, 1),
		NewNiNBlock(src, Up, 4*w, 2*w, 4, 2, 1),
	}
	d.Out = NewConvTranspose(src, 2*w, cfg.Channels, 3, 1, 1, true)
	return d, nil
}

func (d *Decoder) Config() DecoderConfig { return d.cfg }

func (d *Decoder) Forward(z *tensor.Tensor, train bool) *tensor.Tensor {
	h := d.Proj.Forward(z, train)
	h = tensor.Reshape(h, z.Dim(0), d.Blocks[0].Weight.Dim(0), d.cfg.FirstDim, d.cfg.firstWidth())
	for _, b := range d.Blocks {
		h = b.Forward(h, train)
	}
	return d.Out.Forward(h, train)
}

func (d *Decoder) Parameters() []*tensor.Tensor {
	return collect(d.Proj, d.Blocks[0], d.Blocks[1], d.Out)
}

// OutputShape is the image shape produced for a batch of n codes.
func (d *Decoder) OutputShape(n int) []int {
	h, w := d.cfg.FirstDim, d.cfg.firstWidth()
	for _, b := range d.Blocks {
		h, w = b.OutputSize(h), b.OutputSize(w)
	}
	k := d.Out.Weight.Dim(-1)
	h = tensor.ConvTransposeOutputSize(h, k, d.Out.Stride, d.Out.Pad)
	w = tensor.ConvTransposeOutputSize(w, k, d.Out.Stride, d.Out.Pad)
	return []int{n, d.cfg.Channels, h, w}
}
