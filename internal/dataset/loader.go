package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"runtime"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"wae-forge/internal/model"
	"wae-forge/internal/tensor"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Roots      map[string][]string
	Seed       int64
	NumWorkers int
	PendingCap int

	BatchSize int
	// ImageSize is the square side every image is resized to.
	ImageSize int
	// Channels is 1 (gray) or 3 (RGB).
	Channels int
	// SplitRow > 0 cuts every image: X is rows [0, SplitRow) of the input and
	// Y rows [SplitRow, ImageSize) of the target.
	SplitRow int
	// MinBatch drops a trailing batch with fewer samples.
	MinBatch int
	// DecodeWorkers bounds concurrent decoding; zero means GOMAXPROCS.
	DecodeWorkers int
}

// Loader turns shards into model batches. Every Batches call is a new epoch
// whose shard order derives from Seed and the epoch number.
type Loader struct {
	opts LoaderOptions

	mu    sync.Mutex
	epoch int64
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if len(opts.Roots) == 0 {
		return nil, errors.New("loader: no dataset roots provided")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.New("loader: batch size must be > 0")
	}
	if opts.ImageSize <= 0 {
		return nil, errors.New("loader: image size must be > 0")
	}
	if opts.Channels != 1 && opts.Channels != 3 {
		return nil, fmt.Errorf("loader: channels must be 1 or 3, got %d", opts.Channels)
	}
	if opts.SplitRow < 0 || opts.SplitRow >= opts.ImageSize {
		return nil, fmt.Errorf("loader: split row %d outside [0, %d)", opts.SplitRow, opts.ImageSize)
	}
	if opts.MinBatch < 1 {
		opts.MinBatch = 1
	}
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = runtime.GOMAXPROCS(0)
	}
	return &Loader{opts: opts}, nil
}

// Shapes returns the per-sample [C, H, W] shapes of X and Y.
func (l *Loader) Shapes() (x, y []int) {
	s, c := l.opts.ImageSize, l.opts.Channels
	if l.opts.SplitRow == 0 {
		return []int{c, s, s}, []int{c, s, s}
	}
	return []int{c, l.opts.SplitRow, s}, []int{c, s - l.opts.SplitRow, s}
}

func (l *Loader) Batches(ctx context.Context) (<-chan model.Batch, <-chan error) {
	l.mu.Lock()
	epoch := l.epoch
	l.epoch++
	l.mu.Unlock()

	out := make(chan model.Batch)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		if err := l.run(ctx, epoch, out); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	return out, errCh
}

func (l *Loader) run(ctx context.Context, epoch int64, out chan<- model.Batch) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, samplerErr, err := StartSampler(ctx, SamplerOptions{
		Roots:      l.opts.Roots,
		Seed:       l.opts.Seed + epoch,
		NumWorkers: l.opts.NumWorkers,
		PendingCap: l.opts.PendingCap,
	})
	if err != nil {
		return err
	}

	send := func(group []Sample) error {
		batch, err := l.decodeBatch(ctx, group)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- batch:
			return nil
		}
	}

	group := make([]Sample, 0, l.opts.BatchSize)
	for s := range samples {
		group = append(group, s)
		if len(group) == l.opts.BatchSize {
			if err := send(group); err != nil {
				return err
			}
			group = make([]Sample, 0, l.opts.BatchSize)
		}
	}
	if err := <-samplerErr; err != nil {
		return err
	}
	if len(group) >= l.opts.MinBatch {
		return send(group)
	}
	return nil
}

func (l *Loader) decodeBatch(ctx context.Context, group []Sample) (model.Batch, error) {
	xShape, yShape := l.Shapes()
	xSize, ySize := numel(xShape), numel(yShape)
	x := tensor.New(append([]int{len(group)}, xShape...)...)
	y := tensor.New(append([]int{len(group)}, yShape...)...)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.DecodeWorkers)
	for i, s := range group {
		g.Go(func() error {
			input, err := l.decode(s.Input)
			if err != nil {
				return fmt.Errorf("decode %s input: %w", s.Key, err)
			}
			target := input
			if s.Target != nil {
				if target, err = l.decode(s.Target); err != nil {
					return fmt.Errorf("decode %s target: %w", s.Key, err)
				}
			}
			// X takes the top rows of each input plane, Y the bottom rows of
			// each target plane; without a split both take whole planes.
			plane := l.opts.ImageSize * l.opts.ImageSize
			xPlane, yPlane := xSize/l.opts.Channels, ySize/l.opts.Channels
			for c := 0; c < l.opts.Channels; c++ {
				copy(x.Data[i*xSize+c*xPlane:i*xSize+(c+1)*xPlane], input[c*plane:c*plane+xPlane])
				copy(y.Data[i*ySize+c*yPlane:i*ySize+(c+1)*yPlane], target[(c+1)*plane-yPlane:(c+1)*plane])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Batch{}, err
	}
	return model.Batch{X: x, Y: y}, nil
}

// decode returns the image resized to ImageSize² as CHW floats in [0, 1].
func (l *Loader) decode(raw []byte) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, errors.New("empty image")
	}
	return imageToCHW(img, l.opts.ImageSize, l.opts.Channels), nil
}

func imageToCHW(img image.Image, size, channels int) []float64 {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float64, channels*plane)
	for p := 0; p < plane; p++ {
		r := float64(dst.Pix[4*p]) / 255
		g := float64(dst.Pix[4*p+1]) / 255
		b := float64(dst.Pix[4*p+2]) / 255
		if channels == 1 {
			out[p] = (r + g + b) / 3
			continue
		}
		out[p] = r
		out[plane+p] = g
		out[2*plane+p] = b
	}
	return out
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
