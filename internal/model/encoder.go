package model

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"

	"wae-forge/internal/tensor"
)

// DefaultWidth is the channel count of the first encoder block. Deeper blocks
// double it: 128, 256, 512, 1024.
const DefaultWidth = 128

// EncoderConfig sizes an Encoder.
type EncoderConfig struct {
	ZDim     int
	Channels int
	// LastDim is the spatial size after the four downsampling blocks, i.e.
	// the input size divided by 16.
	LastDim int
	// LastWidth is the horizontal size after downsampling when the input is
	// not square. Zero means LastDim.
	LastWidth int
	// Width is the first block's channel count; zero means DefaultWidth.
	Width int
	Seed  int64
}

func (c EncoderConfig) lastWidth() int {
	if c.LastWidth <= 0 {
		return c.LastDim
	}
	return c.LastWidth
}

func (c EncoderConfig) width() int {
	if c.Width <= 0 {
		return DefaultWidth
	}
	return c.Width
}

// Encoder maps [B, C, H, W] images to [B, z_dim] latent codes through four
// downsampling NiN blocks and a linear projection.
type Encoder struct {
	cfg    EncoderConfig
	Blocks []*NiNBlock
	Proj   *Linear
}

// NewEncoder builds an encoder with seeded initialization.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.ZDim <= 0 || cfg.Channels <= 0 || cfg.LastDim <= 0 {
		return nil, fmt.Errorf("encoder: z_dim, channels and last_dim must be > 0 (got %d, %d, %d)", cfg.ZDim, cfg.Channels, cfg.LastDim)
	}
	src := rand.NewSource(uint64(cfg.Seed))
	w := cfg.width()
	widths := []int{cfg.Channels, w, 2 * w, 4 * w, 8 * w}
	e := &Encoder{cfg: cfg}
	for i := 0; i < 4; i++ {
		e.Blocks = append(e.Blocks, NewNiNBlock(src, Down, widths[i], widths[i+1], 4, 2, 1))
	}
	e.Proj = NewLinear(src, widths[4]*cfg.LastDim*cfg.lastWidth(), cfg.ZDim)
	return e, nil
}

// Config returns the configuration the encoder was built with.
func (e *Encoder) Config() EncoderConfig { return e.cfg }

func (e *Encoder) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	h := x
	for _, b := range e.Blocks {
		h = b.Forward(h, train)
	}
	return e.Proj.Forward(tensor.Flatten(h), train)
}

func (e *Encoder) Parameters() []*tensor.Tensor {
	mods := make([]Module, 0, len(e.Blocks)+1)
	for _, b := range e.Blocks {
		mods = append(mods, b)
	}
	return collect(append(mods, e.Proj)...)
}

// ErrInputShape reports an input the encoder cannot consume.
var ErrInputShape = errors.New("encoder: input shape")

// OutputShape checks an input shape [B, C, H, W] against the architecture
// without running the network.
func (e *Encoder) OutputShape(in []int) ([]int, error) {
	if len(in) != 4 {
		return nil, fmt.Errorf("%w: want [B, C, H, W], got %v", ErrInputShape, in)
	}
	if in[1] != e.cfg.Channels {
		return nil, fmt.Errorf("%w: %d channels, encoder takes %d", ErrInputShape, in[1], e.cfg.Channels)
	}
	h, w := in[2], in[3]
	for _, b := range e.Blocks {
		h, w = b.OutputSize(h), b.OutputSize(w)
	}
	if h != e.cfg.LastDim || w != e.cfg.lastWidth() {
		return nil, fmt.Errorf("%w: %dx%d input reaches %dx%d, linear layer expects %dx%d",
			ErrInputShape, in[2], in[3], h, w, e.cfg.LastDim, e.cfg.lastWidth())
	}
	return []int{in[0], e.cfg.ZDim}, nil
}
