// Package prior draws latent codes from the fixed distribution the encoder is
// regularized toward.
package prior

import (
	"fmt"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"wae-forge/internal/tensor"
)

// Sampler returns n latent vectors as an [n, z_dim] tensor.
type Sampler interface {
	Sample(n int) *tensor.Tensor
	ZDim() int
}

type distribution interface {
	Rand() float64
}

// seeded draws i.i.d. values from dist. The mutex makes repeated calls safe
// from any goroutine; the stream is fully determined by the seed.
type seeded struct {
	mu   sync.Mutex
	zDim int
	dist distribution
}

func (s *seeded) ZDim() int { return s.zDim }

func (s *seeded) Sample(n int) *tensor.Tensor {
	if n < 0 {
		panic(fmt.Sprintf("prior: negative sample count %d", n))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([]float64, n*s.zDim)
	for i := range data {
		data[i] = s.dist.Rand()
	}
	return tensor.FromSlice(data, n, s.zDim)
}

// NewGaussian samples N(0, sigma²) in every dimension.
func NewGaussian(zDim int, sigma float64, seed uint64) (Sampler, error) {
	if zDim <= 0 {
		return nil, fmt.Errorf("prior: z_dim must be > 0 (got %d)", zDim)
	}
	if sigma <= 0 {
		return nil, fmt.Errorf("prior: sigma must be > 0 (got %f)", sigma)
	}
	return &seeded{
		zDim: zDim,
		dist: distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewSource(seed)},
	}, nil
}

// NewUniform samples U(lo, hi) in every dimension.
func NewUniform(zDim int, lo, hi float64, seed uint64) (Sampler, error) {
	if zDim <= 0 {
		return nil, fmt.Errorf("prior: z_dim must be > 0 (got %d)", zDim)
	}
	if hi <= lo {
		return nil, fmt.Errorf("prior: empty interval [%f, %f)", lo, hi)
	}
	return &seeded{
		zDim: zDim,
		dist: distuv.Uniform{Min: lo, Max: hi, Src: rand.NewSource(seed)},
	}, nil
}

// New builds a prior by name. "gaussian" is N(0, scale²); "uniform" is
// U(-scale, scale).
func New(name string, zDim int, scale float64, seed uint64) (Sampler, error) {
	switch name {
	case "", "gaussian":
		return NewGaussian(zDim, scale, seed)
	case "uniform":
		return NewUniform(zDim, -scale, scale, seed)
	default:
		return nil, fmt.Errorf("prior: unknown distribution %q", name)
	}
}
