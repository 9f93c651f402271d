// Package optim updates parameter tensors from their accumulated gradients.
package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"wae-forge/internal/tensor"
)

// Optimizer applies accumulated gradients to the parameters it was built
// with. It holds references to the parameters, never copies.
type Optimizer interface {
	Step()
	ZeroGrad()
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	params   []*tensor.Tensor
	lr       float64
	momentum float64
	velocity [][]float64
	// ClipNorm rescales the global gradient norm before the update when > 0.
	ClipNorm float64
}

func NewSGD(params []*tensor.Tensor, lr, momentum float64) *SGD {
	s := &SGD{params: params, lr: lr, momentum: momentum}
	if momentum > 0 {
		s.velocity = make([][]float64, len(params))
		for i, p := range params {
			s.velocity[i] = make([]float64, p.Numel())
		}
	}
	return s
}

func (s *SGD) Step() {
	clip := clipScale(s.params, s.ClipNorm)
	for i, p := range s.params {
		if p.Grad == nil {
			continue
		}
		if s.velocity == nil {
			floats.AddScaled(p.Data, -s.lr*clip, p.Grad)
			continue
		}
		v := s.velocity[i]
		floats.Scale(s.momentum, v)
		floats.AddScaled(v, clip, p.Grad)
		floats.AddScaled(p.Data, -s.lr, v)
	}
}

func (s *SGD) ZeroGrad() { tensor.ZeroGrad(s.params) }

// AdamConfig holds Adam hyperparameters. Zero fields take the usual
// defaults (0.9, 0.999, 1e-8).
type AdamConfig struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64
	// ClipNorm rescales the global gradient norm before the update when > 0.
	ClipNorm float64
}

// Adam is the Adam optimizer with bias correction.
type Adam struct {
	cfg    AdamConfig
	params []*tensor.Tensor
	m, v   [][]float64
	t      int
}

func NewAdam(params []*tensor.Tensor, cfg AdamConfig) *Adam {
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	a := &Adam{cfg: cfg, params: params}
	a.m = make([][]float64, len(params))
	a.v = make([][]float64, len(params))
	for i, p := range params {
		a.m[i] = make([]float64, p.Numel())
		a.v[i] = make([]float64, p.Numel())
	}
	return a
}

func (a *Adam) Step() {
	a.t++
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	b1Corr := 1 - math.Pow(b1, float64(a.t))
	b2Corr := 1 - math.Pow(b2, float64(a.t))

	clip := clipScale(a.params, a.cfg.ClipNorm)

	for i, p := range a.params {
		if p.Grad == nil {
			continue
		}
		mi, vi := a.m[i], a.v[i]
		for j, g := range p.Grad {
			g *= clip
			mi[j] = b1*mi[j] + (1-b1)*g
			vi[j] = b2*vi[j] + (1-b2)*g*g
			mhat := mi[j] / b1Corr
			vhat := vi[j] / b2Corr
			p.Data[j] -= a.cfg.LR * mhat / (math.Sqrt(vhat) + a.cfg.Eps)
		}
	}
}

func (a *Adam) ZeroGrad() { tensor.ZeroGrad(a.params) }

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int { return a.t }

// Options are the settings shared by every optimizer New can build.
type Options struct {
	LR float64
	// ClipNorm rescales the global gradient norm before each update when > 0.
	ClipNorm float64
}

// New builds an optimizer by name ("adam" or "sgd"). Every tensor in params
// must be a trainable parameter.
func New(name string, params []*tensor.Tensor, opts Options) (Optimizer, error) {
	for i, p := range params {
		if p == nil || !p.IsParameter() {
			return nil, fmt.Errorf("optim: tensor %d is not a parameter", i)
		}
	}
	if opts.ClipNorm < 0 {
		return nil, fmt.Errorf("optim: clip norm must be >= 0, got %g", opts.ClipNorm)
	}
	switch name {
	case "", "adam":
		return NewAdam(params, AdamConfig{LR: opts.LR, ClipNorm: opts.ClipNorm}), nil
	case "sgd":
		s := NewSGD(params, opts.LR, 0.9)
		s.ClipNorm = opts.ClipNorm
		return s, nil
	default:
		return nil, fmt.Errorf("optim: unknown optimizer %q", name)
	}
}

// clipScale is the factor that brings the global gradient norm down to
// maxNorm, or 1 when no clipping applies.
func clipScale(params []*tensor.Tensor, maxNorm float64) float64 {
	if maxNorm <= 0 {
		return 1
	}
	if norm := tensor.GradNorm(params); norm > maxNorm {
		return maxNorm / norm
	}
	return 1
}
