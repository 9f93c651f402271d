package dataset

import (
	"context"
	"fmt"

	"wae-forge/internal/model"
	"wae-forge/internal/tensor"
)

// Memory replays a fixed list of batches every epoch.
type Memory struct {
	batches []model.Batch
}

func NewMemory(batches ...model.Batch) *Memory {
	return &Memory{batches: batches}
}

// FromTensors slices x and y along the first dimension into batches of
// batchSize; the last batch holds the remainder. y may be nil.
func FromTensors(x, y *tensor.Tensor, batchSize int) (*Memory, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("memory: batch size must be > 0, got %d", batchSize)
	}
	if x == nil || x.Rank() < 1 {
		return nil, fmt.Errorf("memory: x must have a batch dimension")
	}
	n := x.Dim(0)
	if y != nil && (y.Rank() < 1 || y.Dim(0) != n) {
		return nil, fmt.Errorf("memory: x has %d rows, y has shape %v", n, y.Shape())
	}
	m := &Memory{}
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		b := model.Batch{X: rows(x, start, end)}
		if y != nil {
			b.Y = rows(y, start, end)
		}
		m.batches = append(m.batches, b)
	}
	return m, nil
}

func rows(t *tensor.Tensor, start, end int) *tensor.Tensor {
	shape := t.Shape()
	stride := t.Numel() / shape[0]
	shape[0] = end - start
	data := append([]float64(nil), t.Data[start*stride:end*stride]...)
	return tensor.FromSlice(data, shape...)
}

// Len is the number of batches per epoch.
func (m *Memory) Len() int { return len(m.batches) }

func (m *Memory) Batches(ctx context.Context) (<-chan model.Batch, <-chan error) {
	out := make(chan model.Batch)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		for _, b := range m.batches {
			select {
			case <-ctx.Done():
				return
			case out <- b:
			}
		}
	}()
	return out, errCh
}
