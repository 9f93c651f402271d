package dataset

import (
	"context"
	"errors"
	"maps"
	"slices"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

const defaultSamplerSeed = 42

// SamplerOptions configures the multi-root sampler.
type SamplerOptions struct {
	Roots map[string][]string
	Seed  int64
	// NumWorkers bounds how many shards are open at once.
	NumWorkers int
	PendingCap int
}

// shardRef is one entry of an epoch plan.
type shardRef struct {
	root string
	path string
}

// openShard is a shard being read. The reader holding it is released when
// done closes.
type openShard struct {
	samples <-chan Sample
	errs    <-chan error
	done    chan struct{}
}

// StartSampler streams one pass over every shard. Shards are visited in a
// seeded order that alternates between roots, and samples come out in plan
// order whatever NumWorkers is. The sample channel closes before the error
// channel.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = defaultSamplerSeed
	}
	plan := planShards(opts.Roots, rand.New(rand.NewSource(uint64(opts.Seed))))
	if len(plan) == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}

	ctx, cancel := context.WithCancel(parent)
	slots := make([]chan openShard, len(plan))
	for i := range slots {
		slots[i] = make(chan openShard, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.NumWorkers)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, ref := range plan {
			if gctx.Err() != nil {
				return
			}
			g.Go(func() error {
				samples, errs := StreamShard(gctx, ref.path, opts.PendingCap)
				s := openShard{samples: samples, errs: errs, done: make(chan struct{})}
				slots[i] <- s
				select {
				case <-s.done:
				case <-gctx.Done():
				}
				return nil
			})
		}
	}()

	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		err := mergeShards(ctx, slots, out)
		cancel()
		<-launched
		_ = g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	return out, errCh, nil
}

// mergeShards forwards every shard in plan order.
func mergeShards(ctx context.Context, slots []chan openShard, out chan<- Sample) error {
	for _, slot := range slots {
		var s openShard
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s = <-slot:
		}
		ok := drainShard(ctx, s.samples, out)
		err := <-s.errs
		close(s.done)
		if !ok {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// drainShard forwards one shard's samples. It reports false on cancellation.
func drainShard(ctx context.Context, samples <-chan Sample, out chan<- Sample) bool {
	for sample := range samples {
		select {
		case <-ctx.Done():
			return false
		case out <- sample:
		}
	}
	return ctx.Err() == nil
}

// planShards shuffles each root's shards and interleaves the roots in name
// order, one shard at a time, until every root is exhausted.
func planShards(roots map[string][]string, rng *rand.Rand) []shardRef {
	names := slices.Sorted(maps.Keys(roots))
	queues := make(map[string][]string, len(roots))
	for _, root := range names {
		q := slices.Clone(roots[root])
		if rng != nil {
			rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
		}
		queues[root] = q
	}

	var plan []shardRef
	for depth := 0; ; depth++ {
		added := false
		for _, root := range names {
			if q := queues[root]; depth < len(q) {
				plan = append(plan, shardRef{root: root, path: q[depth]})
				added = true
			}
		}
		if !added {
			return plan
		}
	}
}
