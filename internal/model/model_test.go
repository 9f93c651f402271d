package model

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"wae-forge/internal/tensor"
)

func randomImages(seed int64, shape ...int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float64()
	}
	return t
}

func smallPair(t *testing.T, zDim, channels, size int) (*Encoder, *Decoder) {
	t.Helper()
	enc, err := NewEncoder(EncoderConfig{ZDim: zDim, Channels: channels, LastDim: size / 16, Width: 4, Seed: 1})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(DecoderConfig{ZDim: zDim, Channels: channels, FirstDim: size / 4, Width: 4, Seed: 2})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	return enc, dec
}

func TestEncoderDecoderRoundTripShape(t *testing.T) {
	enc, dec := smallPair(t, 8, 3, 64)
	x := randomImages(1, 4, 3, 64, 64)

	z := enc.Forward(x, true)
	if diff := cmp.Diff([]int{4, 8}, z.Shape()); diff != "" {
		t.Fatalf("latent shape mismatch (-want +got):\n%s", diff)
	}
	y := dec.Forward(z, true)
	if diff := cmp.Diff([]int{4, 3, 64, 64}, y.Shape()); diff != "" {
		t.Fatalf("decoded shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(y.Shape(), dec.OutputShape(4)); diff != "" {
		t.Fatalf("OutputShape disagrees with Forward (-forward +static):\n%s", diff)
	}
}

func TestEncoderOutputShape(t *testing.T) {
	enc, _ := smallPair(t, 8, 3, 64)

	got, err := enc.OutputShape([]int{4, 3, 64, 64})
	if err != nil {
		t.Fatalf("OutputShape: %v", err)
	}
	if diff := cmp.Diff([]int{4, 8}, got); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range [][]int{{4, 3, 60, 60}, {4, 1, 64, 64}, {3, 64, 64}, {4, 3, 32, 32}} {
		if _, err := enc.OutputShape(bad); !errors.Is(err, ErrInputShape) {
			t.Fatalf("expected ErrInputShape for %v, got %v", bad, err)
		}
	}
}

func TestEncoderFailsAtLinearOnSpatialMismatch(t *testing.T) {
	enc, _ := smallPair(t, 8, 3, 64)
	defer func() {
		se, ok := recover().(*tensor.ShapeError)
		if !ok || se.Op != "linear" {
			t.Fatalf("expected linear ShapeError, got %v", se)
		}
	}()
	enc.Forward(randomImages(2, 2, 3, 32, 32), true)
}

func TestChannelLadder(t *testing.T) {
	enc, err := NewEncoder(EncoderConfig{ZDim: 2, Channels: 1, LastDim: 1, Width: 8})
	if err != nil {
		t.Fatal(err)
	}
	var got []int
	for _, b := range enc.Blocks {
		got = append(got, b.OutChannels())
	}
	if diff := cmp.Diff([]int{8, 16, 32, 64}, got); diff != "" {
		t.Fatalf("encoder ladder mismatch (-want +got):\n%s", diff)
	}
	if (EncoderConfig{}).width() != 128 {
		t.Fatalf("expected default width 128")
	}

	dec, err := NewDecoder(DecoderConfig{ZDim: 2, Channels: 1, FirstDim: 1, Width: 8})
	if err != nil {
		t.Fatal(err)
	}
	got = []int{dec.Blocks[0].Weight.Dim(0)}
	for _, b := range dec.Blocks {
		got = append(got, b.OutChannels())
	}
	got = append(got, dec.Out.Weight.Dim(1))
	if diff := cmp.Diff([]int{64, 32, 16, 1}, got); diff != "" {
		t.Fatalf("decoder ladder mismatch (-want +got):\n%s", diff)
	}
}

func TestInferenceLeavesRunningStatsAlone(t *testing.T) {
	_, dec := smallPair(t, 4, 1, 16)
	z := randomImages(3, 2, 4)
	bn := dec.Blocks[0].Norm
	before := append([]float64(nil), bn.RunningMean...)

	dec.Forward(z, false)
	if diff := cmp.Diff(before, bn.RunningMean); diff != "" {
		t.Fatalf("inference changed running mean (-before +after):\n%s", diff)
	}
	dec.Forward(z, true)
	if cmp.Equal(before, bn.RunningMean) {
		t.Fatal("training pass did not update running mean")
	}
}

func TestSeededInitIsDeterministic(t *testing.T) {
	a, _ := smallPair(t, 8, 3, 32)
	b, _ := smallPair(t, 8, 3, 32)
	pa, pb := a.Parameters(), b.Parameters()
	if len(pa) != len(pb) {
		t.Fatalf("parameter count mismatch %d vs %d", len(pa), len(pb))
	}
	for i := range pa {
		if diff := cmp.Diff(pa[i].Data, pb[i].Data); diff != "" {
			t.Fatalf("parameter %d differs:\n%s", i, diff)
		}
	}
}

func TestDiscriminatorLogits(t *testing.T) {
	d, err := NewDiscriminator(DiscriminatorConfig{ZDim: 8, Hidden: 16, Layers: 2, Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	out := d.Forward(randomImages(4, 5, 8), true)
	if diff := cmp.Diff([]int{5, 1}, out.Shape()); diff != "" {
		t.Fatalf("logit shape mismatch (-want +got):\n%s", diff)
	}
	if got := len(d.Parameters()); got != 6 {
		t.Fatalf("expected 6 parameter tensors, got %d", got)
	}
}

func TestRectangularSplitGeometry(t *testing.T) {
	// A 48x16 image cut at row 16: X is the 16x16 top, Y the 32x16 rest.
	enc, err := NewEncoder(EncoderConfig{ZDim: 4, Channels: 1, LastDim: 1, LastWidth: 1, Width: 2, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	dec, err := NewDecoder(DecoderConfig{ZDim: 4, Channels: 1, FirstDim: 8, FirstWidth: 4, Width: 2, Seed: 2})
	if err != nil {
		t.Fatal(err)
	}
	z := enc.Forward(randomImages(1, 2, 1, 16, 16), true)
	out := dec.Forward(z, true)
	if diff := cmp.Diff([]int{2, 1, 32, 16}, out.Shape()); diff != "" {
		t.Fatalf("decoder shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(out.Shape(), dec.OutputShape(2)); diff != "" {
		t.Fatalf("OutputShape disagrees with Forward:\n%s", diff)
	}

	wide, err := NewEncoder(EncoderConfig{ZDim: 4, Channels: 1, LastDim: 1, LastWidth: 2, Width: 2, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wide.OutputShape([]int{2, 1, 16, 32}); err != nil {
		t.Fatalf("16x32 input rejected: %v", err)
	}
	if got := wide.Forward(randomImages(2, 2, 1, 16, 32), true).Shape(); !cmp.Equal(got, []int{2, 4}) {
		t.Fatalf("unexpected code shape %v", got)
	}
}
