package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"

	"wae-forge/internal/metrics"
	"wae-forge/internal/model"
	"wae-forge/internal/optim"
	"wae-forge/internal/prior"
	"wae-forge/internal/tensor"
)

// Device names the compute target. Only DeviceCPU is implemented.
type Device string

const DeviceCPU Device = "cpu"

// Source yields one epoch of batches per call. The error channel must be
// closed after the batch channel; at most one error is delivered.
type Source interface {
	Batches(ctx context.Context) (<-chan model.Batch, <-chan error)
}

// Config wires a Controller. Encoder, Decoder, Prior, Data, Optimizer and
// Regularizer are required.
type Config struct {
	Encoder     model.Module
	Decoder     model.Module
	Prior       prior.Sampler
	Data        Source
	Optimizer   optim.Optimizer
	Regularizer Regularizer
	// SamplePrior feeds Sample. When nil Sample draws from Prior, which
	// advances the stream training reads from.
	SamplePrior prior.Sampler
	// Cost defaults to SquaredL2Cost.
	Cost   CostFunc
	Lambda float64
	Device Device

	// Autoencode trains with Y replaced by X.
	Autoencode bool
	// ValidateShapes checks the first batch against the encoder and decoder
	// output shapes before any parameter changes.
	ValidateShapes bool
	// CheckFinite stops training with ErrNonFinite on a NaN or Inf loss.
	CheckFinite bool
	// OnAbort is called once when Train stops with an error.
	OnAbort func(err error, step Step)

	Logger   *slog.Logger
	LogEvery int
}

// Step is the record of one optimization step.
type Step struct {
	Epoch   int
	Batch   int
	Size    int
	Cost    float64
	Penalty float64
	Loss    float64
}

func (s Step) loss() metrics.Loss {
	return metrics.Loss{Cost: s.Cost, Penalty: s.Penalty, Total: s.Loss}
}

// Controller trains an encoder/decoder pair under a WAE objective.
type Controller struct {
	cfg    Config
	layout Layout
	weight float64
	log    *slog.Logger

	// step serializes training steps with Sample.
	step sync.Mutex

	mu        sync.Mutex
	running   bool
	validated bool
	history   []float64
	records   []Step
}

// New validates cfg and returns a Controller ready to train.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Encoder == nil:
		return nil, errors.New("trainer: encoder is required")
	case cfg.Decoder == nil:
		return nil, errors.New("trainer: decoder is required")
	case cfg.Prior == nil:
		return nil, errors.New("trainer: prior is required")
	case cfg.Data == nil:
		return nil, errors.New("trainer: data source is required")
	case cfg.Optimizer == nil:
		return nil, errors.New("trainer: optimizer is required")
	case cfg.Regularizer == nil:
		return nil, errors.New("trainer: regularizer is required")
	}
	if cfg.Device == "" {
		cfg.Device = DeviceCPU
	}
	if cfg.Device != DeviceCPU {
		return nil, errors.Wrapf(ErrUnsupportedDevice, "device %q", cfg.Device)
	}
	if cfg.SamplePrior == nil {
		cfg.SamplePrior = cfg.Prior
	}
	if cfg.SamplePrior.ZDim() != cfg.Prior.ZDim() {
		return nil, errors.Errorf("trainer: sample prior z_dim %d differs from prior z_dim %d",
			cfg.SamplePrior.ZDim(), cfg.Prior.ZDim())
	}
	if cfg.Cost == nil {
		cfg.Cost = SquaredL2Cost
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	layout := cfg.Regularizer.InputLayout()
	if layout == LayoutDefault {
		layout = LayoutNCHW
	}
	return &Controller{
		cfg:    cfg,
		layout: layout,
		weight: cfg.Regularizer.ReconstructionWeight(),
		log:    cfg.Logger,
	}, nil
}

// Train runs epochs full passes over the data source. On error the history
// recorded so far is kept.
func (c *Controller) Train(ctx context.Context, epochs int) error {
	if epochs < 0 {
		return errors.Errorf("trainer: epochs must be >= 0, got %d", epochs)
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.log.Info("training started",
		"epochs", epochs,
		"lambda", c.cfg.Lambda,
		"reconstruction_weight", c.weight,
		"layout", c.layout.String(),
		"autoencode", c.cfg.Autoencode,
	)
	var window metrics.Window
	steps := 0
	for epoch := 1; epoch <= epochs; epoch++ {
		n, err := c.runEpoch(ctx, epoch, &window, &steps)
		if err != nil {
			return err
		}
		c.log.Info("epoch complete", "epoch", epoch, "batches", n)
	}
	return nil
}

func (c *Controller) runEpoch(ctx context.Context, epoch int, window *metrics.Window, steps *int) (int, error) {
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := c.cfg.Data.Batches(epochCtx)

	idx := 0
	for {
		startData := time.Now()
		batch, ok, err := nextBatch(epochCtx, batches, errs)
		if err != nil {
			return idx, c.abort(err, Step{Epoch: epoch, Batch: idx + 1})
		}
		if !ok {
			return idx, nil
		}
		dataTime := time.Since(startData)
		idx++

		startCompute := time.Now()
		rec, err := c.trainStep(batch, epoch, idx)
		if err != nil {
			return idx, c.abort(err, rec)
		}
		window.Record(rec.Size, dataTime, time.Since(startCompute), rec.loss())

		*steps++
		if *steps%c.cfg.LogEvery == 0 {
			snap := window.Snapshot()
			c.log.Info("train",
				"step", *steps,
				"epoch", epoch,
				"images_per_sec", fmt.Sprintf("%.1f", snap.ImagesPerSec),
				"data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS),
				"compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS),
				"cost", snap.LastLoss.Cost,
				"penalty", snap.LastLoss.Penalty,
				"loss", snap.LastLoss.Total,
				"mean_loss", snap.MeanLoss,
			)
		}
	}
}

// nextBatch returns ok=false once the source is exhausted.
func nextBatch(ctx context.Context, batches <-chan model.Batch, errs <-chan error) (model.Batch, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return model.Batch{}, false, ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return model.Batch{}, false, err
			}
		case b, ok := <-batches:
			if ok {
				return b, true, nil
			}
			if errs != nil {
				if err, ok := <-errs; ok && err != nil {
					return model.Batch{}, false, err
				}
			}
			return model.Batch{}, false, nil
		}
	}
}

func (c *Controller) trainStep(b model.Batch, epoch, idx int) (rec Step, err error) {
	c.step.Lock()
	defer c.step.Unlock()
	rec = Step{Epoch: epoch, Batch: idx, Size: b.Size()}
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()

	if b.X == nil {
		return rec, errors.New("trainer: batch has no input")
	}
	x, y := b.X, b.Y
	if c.cfg.Autoencode {
		y = x
	}
	if y == nil {
		return rec, errors.New("trainer: batch has no target and autoencode is off")
	}
	if err := c.validate(x, y); err != nil {
		return rec, err
	}
	n := x.Dim(0)

	zPrior := c.cfg.Prior.Sample(n)
	in := x
	if c.layout == LayoutTransposed {
		in = tensor.TransposeLast2(x)
	}
	zCond := c.cfg.Encoder.Forward(in, true)
	yPred := c.cfg.Decoder.Forward(zCond, true)

	cost := c.cfg.Cost(y, yPred)
	penalty := c.cfg.Regularizer.Penalty(zPrior, zCond, n)
	total := tensor.Add(
		tensor.Scale(cost, c.weight/float64(n)),
		tensor.Scale(penalty, c.cfg.Lambda),
	)

	rec.Cost, rec.Penalty, rec.Loss = cost.Item(), penalty.Item(), total.Item()
	c.mu.Lock()
	c.history = append(c.history, rec.Loss)
	c.records = append(c.records, rec)
	c.mu.Unlock()

	if c.cfg.CheckFinite && !total.Finite() {
		return rec, errors.Wrapf(ErrNonFinite, "loss=%v cost=%v penalty=%v", rec.Loss, rec.Cost, rec.Penalty)
	}

	tensor.Backward(total)
	c.cfg.Optimizer.Step()
	c.cfg.Optimizer.ZeroGrad()
	return rec, nil
}

type encoderShaper interface {
	OutputShape(in []int) ([]int, error)
}

type decoderShaper interface {
	OutputShape(n int) []int
}

// validate runs once per Controller, on the first batch.
func (c *Controller) validate(x, y *tensor.Tensor) error {
	if !c.cfg.ValidateShapes || c.validated {
		return nil
	}
	in := x.Shape()
	if c.layout == LayoutTransposed && len(in) >= 2 {
		in[len(in)-1], in[len(in)-2] = in[len(in)-2], in[len(in)-1]
	}
	if enc, ok := c.cfg.Encoder.(encoderShaper); ok {
		if _, err := enc.OutputShape(in); err != nil {
			return errors.Wrap(ErrShapeMismatch, err.Error())
		}
	}
	if dec, ok := c.cfg.Decoder.(decoderShaper); ok {
		want := dec.OutputShape(x.Dim(0))
		got := y.Shape()
		if !slices.Equal(want, got) {
			return errors.Wrapf(ErrShapeMismatch, "decoder produces %v, target is %v", want, got)
		}
	}
	c.validated = true
	return nil
}

func (c *Controller) abort(err error, step Step) error {
	err = errors.Wrapf(err, "trainer: epoch %d batch %d", step.Epoch, step.Batch)
	c.log.Error("training aborted", "epoch", step.Epoch, "batch", step.Batch, "err", err)
	if c.cfg.OnAbort != nil {
		c.cfg.OnAbort(err, step)
	}
	return err
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return errors.WithStack(err)
	}
	return errors.Errorf("trainer: panic: %v", r)
}

// Sample decodes n draws from SamplePrior in inference mode. It never
// touches the history or the parameters.
func (c *Controller) Sample(n int) (out *tensor.Tensor, err error) {
	if n < 1 {
		return nil, errors.Errorf("trainer: sample count must be >= 1, got %d", n)
	}
	c.step.Lock()
	defer c.step.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	z := c.cfg.SamplePrior.Sample(n)
	return c.cfg.Decoder.Forward(z, false).Detach(), nil
}

// History returns a copy of the per-step total losses in order.
func (c *Controller) History() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.history...)
}

// Records returns a copy of the per-step loss breakdown.
func (c *Controller) Records() []Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Step(nil), c.records...)
}

// Summary reduces the history.
func (c *Controller) Summary() metrics.Summary {
	return metrics.Summarize(c.History())
}
