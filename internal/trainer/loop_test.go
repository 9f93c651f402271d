package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"wae-forge/internal/dataset"
	"wae-forge/internal/model"
	"wae-forge/internal/optim"
	"wae-forge/internal/prior"
	"wae-forge/internal/tensor"
)

const (
	testZDim  = 4
	testSize  = 16
	testWidth = 2
)

type sliceSource struct {
	batches []model.Batch
	failAt  int
	err     error
	calls   int
}

func (s *sliceSource) Batches(ctx context.Context) (<-chan model.Batch, <-chan error) {
	s.calls++
	out := make(chan model.Batch)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for i, b := range s.batches {
			if s.err != nil && i == s.failAt {
				errs <- s.err
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs
}

func images(seed int64, shape ...int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float64()
	}
	return t
}

func makeBatches(count, size, side int) []model.Batch {
	out := make([]model.Batch, count)
	for i := range out {
		x := images(int64(i+1), size, 3, side, side)
		out[i] = model.Batch{X: x, Y: images(int64(100+i), size, 3, side, side)}
	}
	return out
}

type fixture struct {
	enc *model.Encoder
	dec *model.Decoder
	src *sliceSource
	cfg Config
}

func newFixture(t *testing.T, batches []model.Batch) *fixture {
	t.Helper()
	enc, err := model.NewEncoder(model.EncoderConfig{ZDim: testZDim, Channels: 3, LastDim: testSize / 16, Width: testWidth, Seed: 1})
	require.NoError(t, err)
	dec, err := model.NewDecoder(model.DecoderConfig{ZDim: testZDim, Channels: 3, FirstDim: testSize / 4, Width: testWidth, Seed: 2})
	require.NoError(t, err)
	pz, err := prior.NewGaussian(testZDim, 1, 3)
	require.NoError(t, err)
	params := append(enc.Parameters(), dec.Parameters()...)
	src := &sliceSource{batches: batches}
	return &fixture{
		enc: enc,
		dec: dec,
		src: src,
		cfg: Config{
			Encoder:     enc,
			Decoder:     dec,
			Prior:       pz,
			Data:        src,
			Optimizer:   optim.NewAdam(params, optim.AdamConfig{LR: 1e-3}),
			Regularizer: Divergence{Func: MomentDivergence},
			Lambda:      1,
			Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
}

func (f *fixture) adversarial(t *testing.T) *AdversarialDivergence {
	t.Helper()
	d, err := model.NewDiscriminator(model.DiscriminatorConfig{ZDim: testZDim, Hidden: 8, Layers: 2, Seed: 4})
	require.NoError(t, err)
	adv := NewAdversarialDivergence(d, optim.NewAdam(d.Parameters(), optim.AdamConfig{LR: 1e-3}))
	f.cfg.Regularizer = Divergence{Func: adv.Score}
	return adv
}

func (f *fixture) controller(t *testing.T) *Controller {
	t.Helper()
	c, err := New(f.cfg)
	require.NoError(t, err)
	return c
}

func snapshotParams(mods ...model.Module) [][]float64 {
	var out [][]float64
	for _, m := range mods {
		for _, p := range m.Parameters() {
			out = append(out, append([]float64(nil), p.Data...))
		}
	}
	return out
}

func TestHistoryLengthIsEpochsTimesBatches(t *testing.T) {
	f := newFixture(t, makeBatches(4, 2, testSize))
	c := f.controller(t)

	require.NoError(t, c.Train(context.Background(), 3))
	require.Len(t, c.History(), 12)
	require.Equal(t, 3, f.src.calls, "source must be re-iterated every epoch")

	recs := c.Records()
	require.Len(t, recs, 12)
	last := recs[11]
	require.Equal(t, []int{3, 4, 2}, []int{last.Epoch, last.Batch, last.Size})
}

func TestAdversarialTenBatchesFiniteNonNegative(t *testing.T) {
	f := newFixture(t, makeBatches(10, 4, testSize))
	adv := f.adversarial(t)
	before := snapshotParams(adv.D)
	c := f.controller(t)

	require.NoError(t, c.Train(context.Background(), 1))
	history := c.History()
	require.Len(t, history, 10)
	for i, v := range history {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0), "loss %d is %v", i, v)
		require.GreaterOrEqual(t, v, 0.0, "loss %d", i)
	}
	require.NotEqual(t, before, snapshotParams(adv.D), "discriminator was never updated")
	require.Greater(t, adv.DiscriminatorLoss(), 0.0)
}

func TestMMDVariantTrains(t *testing.T) {
	f := newFixture(t, makeBatches(3, 4, testSize))
	f.cfg.Regularizer = MMD{Kernel: IMQKernel(DefaultKernelScale(testZDim))}
	c := f.controller(t)

	require.NoError(t, c.Train(context.Background(), 2))
	for _, r := range c.Records() {
		require.InDelta(t, DefaultMMDWeight*r.Cost/4+r.Penalty, r.Loss, 1e-9)
	}
}

func TestLossComposesCostAndWeightedPenalty(t *testing.T) {
	regs := map[string]Regularizer{
		"divergence": Divergence{Func: MomentDivergence},
		"mmd":        MMD{Kernel: IMQKernel(DefaultKernelScale(testZDim))},
	}
	for name, reg := range regs {
		for _, lambda := range []float64{0, 2.5} {
			t.Run(fmt.Sprintf("%s/lambda=%g", name, lambda), func(t *testing.T) {
				f := newFixture(t, nil)
				f.cfg.Data = dataset.NewMemory(makeBatches(3, 4, testSize)...)
				f.cfg.Regularizer = reg
				f.cfg.Lambda = lambda
				c := f.controller(t)

				require.NoError(t, c.Train(context.Background(), 1))
				records := c.Records()
				require.Len(t, records, 3)
				w := reg.ReconstructionWeight()
				penalized := false
				for _, r := range records {
					require.Equal(t, 4, r.Size)
					require.InEpsilon(t, w*r.Cost/float64(r.Size)+lambda*r.Penalty, r.Loss, 1e-9)
					if r.Penalty != 0 {
						penalized = true
					}
				}
				require.True(t, penalized, "every penalty was zero, lambda is unchecked")
			})
		}
	}
}

func TestMMDRejectsSingleCodeBatch(t *testing.T) {
	f := newFixture(t, makeBatches(1, 1, testSize))
	f.cfg.Regularizer = MMD{Kernel: RBFKernel(1)}
	c := f.controller(t)

	err := c.Train(context.Background(), 1)
	require.ErrorIs(t, err, ErrBatchTooSmall)
}

func TestSampleLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, makeBatches(2, 2, testSize))
	c := f.controller(t)
	require.NoError(t, c.Train(context.Background(), 1))

	history := c.History()
	params := snapshotParams(f.enc, f.dec)
	runningMean := append([]float64(nil), f.dec.Blocks[0].Norm.RunningMean...)

	for i := 0; i < 2; i++ {
		out, err := c.Sample(4)
		require.NoError(t, err)
		require.Equal(t, []int{4, 3, testSize, testSize}, out.Shape())
		require.True(t, out.Finite())
	}
	require.Equal(t, history, c.History())
	require.Equal(t, params, snapshotParams(f.enc, f.dec))
	require.Equal(t, runningMean, f.dec.Blocks[0].Norm.RunningMean)
}

func TestSamplePriorKeepsTrainingReproducible(t *testing.T) {
	run := func(sampleBetween bool) []float64 {
		f := newFixture(t, makeBatches(2, 2, testSize))
		sp, err := prior.NewGaussian(testZDim, 1, 9)
		require.NoError(t, err)
		f.cfg.SamplePrior = sp
		c := f.controller(t)
		require.NoError(t, c.Train(context.Background(), 1))
		if sampleBetween {
			_, err := c.Sample(5)
			require.NoError(t, err)
		}
		require.NoError(t, c.Train(context.Background(), 1))
		return c.History()
	}
	require.Equal(t, run(false), run(true))
}

func TestSampleRejectsNonPositiveCount(t *testing.T) {
	c := newFixture(t, nil).controller(t)
	_, err := c.Sample(0)
	require.Error(t, err)
}

func TestShapeFailureKeepsPartialHistory(t *testing.T) {
	batches := makeBatches(2, 2, testSize)
	batches = append(batches, makeBatches(1, 2, 2*testSize)...)
	f := newFixture(t, batches)
	var aborted []Step
	f.cfg.OnAbort = func(err error, step Step) { aborted = append(aborted, step) }
	c := f.controller(t)

	err := c.Train(context.Background(), 1)
	require.Error(t, err)
	var shapeErr *tensor.ShapeError
	require.True(t, errors.As(err, &shapeErr), "expected a shape error, got %v", err)
	require.Len(t, c.History(), 2)
	require.Len(t, aborted, 1)
	require.Equal(t, 3, aborted[0].Batch)
}

func TestValidateShapesFailsBeforeAnyUpdate(t *testing.T) {
	f := newFixture(t, makeBatches(1, 2, 2*testSize))
	f.cfg.ValidateShapes = true
	before := snapshotParams(f.enc, f.dec)
	c := f.controller(t)

	err := c.Train(context.Background(), 1)
	require.ErrorIs(t, err, ErrShapeMismatch)
	require.Empty(t, c.History())
	require.Equal(t, before, snapshotParams(f.enc, f.dec))
}

func TestValidateShapesAcceptsMatchingData(t *testing.T) {
	f := newFixture(t, makeBatches(2, 2, testSize))
	f.cfg.ValidateShapes = true
	c := f.controller(t)
	require.NoError(t, c.Train(context.Background(), 1))
	require.Len(t, c.History(), 2)
}

func TestSourceErrorAborts(t *testing.T) {
	f := newFixture(t, makeBatches(3, 2, testSize))
	boom := errors.New("shard unreadable")
	f.src.err, f.src.failAt = boom, 1
	c := f.controller(t)

	err := c.Train(context.Background(), 1)
	require.ErrorIs(t, err, boom)
	require.Len(t, c.History(), 1)
}

func TestAutoencodeIgnoresTarget(t *testing.T) {
	batches := makeBatches(2, 2, testSize)
	for i := range batches {
		batches[i].Y = images(9, 2, 3, 4, 4)
	}

	f := newFixture(t, batches)
	require.Error(t, f.controller(t).Train(context.Background(), 1))

	f = newFixture(t, batches)
	f.cfg.Autoencode = true
	c := f.controller(t)
	require.NoError(t, c.Train(context.Background(), 1))
	require.Len(t, c.History(), 2)
}

func TestMissingTargetRequiresAutoencode(t *testing.T) {
	batches := makeBatches(1, 2, testSize)
	batches[0].Y = nil
	f := newFixture(t, batches)
	require.Error(t, f.controller(t).Train(context.Background(), 1))

	f = newFixture(t, batches)
	f.cfg.Autoencode = true
	require.NoError(t, f.controller(t).Train(context.Background(), 1))
}

type spyEncoder struct {
	model.Module
	inputs [][]float64
}

func (s *spyEncoder) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	s.inputs = append(s.inputs, append([]float64(nil), x.Data...))
	return s.Module.Forward(x, train)
}

func TestTransposedLayoutFeedsTransposedInput(t *testing.T) {
	batches := makeBatches(1, 2, testSize)
	f := newFixture(t, batches)
	spy := &spyEncoder{Module: f.enc}
	f.cfg.Encoder = spy
	f.cfg.Regularizer = MMD{Kernel: RBFKernel(1)}
	require.NoError(t, f.controller(t).Train(context.Background(), 1))
	require.Equal(t, tensor.TransposeLast2(batches[0].X).Data, spy.inputs[0])

	f = newFixture(t, batches)
	spy = &spyEncoder{Module: f.enc}
	f.cfg.Encoder = spy
	f.cfg.Regularizer = MMD{Kernel: RBFKernel(1), Layout: LayoutNCHW}
	require.NoError(t, f.controller(t).Train(context.Background(), 1))
	require.Equal(t, batches[0].X.Data, spy.inputs[0])
}

func TestCheckFiniteStops(t *testing.T) {
	f := newFixture(t, makeBatches(3, 2, testSize))
	f.cfg.CheckFinite = true
	f.cfg.Cost = func(y, yPred *tensor.Tensor) *tensor.Tensor {
		return tensor.Scale(SquaredL2Cost(y, yPred), math.NaN())
	}
	c := f.controller(t)

	err := c.Train(context.Background(), 1)
	require.ErrorIs(t, err, ErrNonFinite)
	require.Len(t, c.History(), 1)
}

type blockingSource struct {
	started chan struct{}
}

func (b *blockingSource) Batches(ctx context.Context) (<-chan model.Batch, <-chan error) {
	close(b.started)
	return make(chan model.Batch), make(chan error)
}

func TestTrainRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, nil)
	src := &blockingSource{started: make(chan struct{})}
	f.cfg.Data = src
	c := f.controller(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Train(ctx, 1) }()
	<-src.started

	require.ErrorIs(t, c.Train(context.Background(), 1), ErrRunning)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestZeroEpochsIsNoop(t *testing.T) {
	f := newFixture(t, makeBatches(2, 2, testSize))
	c := f.controller(t)
	require.NoError(t, c.Train(context.Background(), 0))
	require.Empty(t, c.History())
	require.Zero(t, f.src.calls)
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t, nil)
	cfg := f.cfg
	cfg.Device = "cuda"
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrUnsupportedDevice)

	cfg = f.cfg
	cfg.Prior = nil
	_, err = New(cfg)
	require.Error(t, err)

	cfg = f.cfg
	wide, err := prior.NewGaussian(testZDim+1, 1, 1)
	require.NoError(t, err)
	cfg.SamplePrior = wide
	_, err = New(cfg)
	require.Error(t, err)

	cfg = f.cfg
	cfg.Device = DeviceCPU
	_, err = New(cfg)
	require.NoError(t, err)
}
