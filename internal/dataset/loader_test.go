package dataset

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"reflect"
	"testing"

	"wae-forge/internal/model"
)

func encodePNG(t *testing.T, w, h int, fill func(x, y int) color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func solid(c color.Color) func(x, y int) color.Color {
	return func(int, int) color.Color { return c }
}

func singleRoot(t *testing.T, members []member) map[string][]string {
	t.Helper()
	root := t.TempDir()
	shard := filepath.Join(root, "shard-000000.tar")
	writeShard(t, shard, members)
	return map[string][]string{root: {shard}}
}

func collectBatches(t *testing.T, l *Loader) []model.Batch {
	t.Helper()
	batches, errCh := l.Batches(context.Background())
	var out []model.Batch
	for b := range batches {
		out = append(out, b)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("loader error: %v", err)
	}
	return out
}

func grayMembers(t *testing.T, n int) []member {
	members := make([]member, n)
	for i := range members {
		v := uint8(40 * (i + 1))
		members[i] = member{
			name: string(rune('a'+i)) + ".png",
			data: encodePNG(t, 8, 8, solid(color.RGBA{R: v, G: v, B: v, A: 255})),
		}
	}
	return members
}

func TestLoaderBatchesAndTail(t *testing.T) {
	roots := singleRoot(t, grayMembers(t, 5))

	l, err := NewLoader(LoaderOptions{Roots: roots, BatchSize: 2, ImageSize: 4, Channels: 3})
	if err != nil {
		t.Fatal(err)
	}
	batches := collectBatches(t, l)
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = b.Size()
	}
	if !reflect.DeepEqual(sizes, []int{2, 2, 1}) {
		t.Fatalf("unexpected batch sizes %v", sizes)
	}
	if got := batches[0].X.Shape(); !reflect.DeepEqual(got, []int{2, 3, 4, 4}) {
		t.Fatalf("unexpected X shape %v", got)
	}
	if !reflect.DeepEqual(batches[0].X.Data, batches[0].Y.Data) {
		t.Fatal("standalone images must use the input as target")
	}
	for _, v := range batches[0].X.Data {
		if v < 0 || v > 1 {
			t.Fatalf("pixel %f outside [0, 1]", v)
		}
	}

	l, err = NewLoader(LoaderOptions{Roots: roots, BatchSize: 2, ImageSize: 4, Channels: 1, MinBatch: 2})
	if err != nil {
		t.Fatal(err)
	}
	batches = collectBatches(t, l)
	if len(batches) != 2 {
		t.Fatalf("expected the short tail to be dropped, got %d batches", len(batches))
	}
	if got := batches[0].X.Shape(); !reflect.DeepEqual(got, []int{2, 1, 4, 4}) {
		t.Fatalf("unexpected gray shape %v", got)
	}
}

func TestLoaderSplitsTopAndBottom(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	img := encodePNG(t, 4, 4, func(_, y int) color.Color {
		if y < 2 {
			return red
		}
		return blue
	})
	l, err := NewLoader(LoaderOptions{
		Roots:     singleRoot(t, []member{{"x.png", img}}),
		BatchSize: 1,
		ImageSize: 4,
		Channels:  3,
		SplitRow:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	xs, ys := l.Shapes()
	if !reflect.DeepEqual(xs, []int{3, 2, 4}) || !reflect.DeepEqual(ys, []int{3, 2, 4}) {
		t.Fatalf("unexpected shapes %v %v", xs, ys)
	}

	b := collectBatches(t, l)[0]
	plane := 8
	for p := 0; p < plane; p++ {
		if b.X.Data[p] != 1 || b.X.Data[2*plane+p] != 0 {
			t.Fatalf("X pixel %d is not red", p)
		}
		if b.Y.Data[p] != 0 || b.Y.Data[2*plane+p] != 1 {
			t.Fatalf("Y pixel %d is not blue", p)
		}
	}
}

func TestLoaderPairsInputAndTarget(t *testing.T) {
	white := encodePNG(t, 4, 4, solid(color.White))
	black := encodePNG(t, 4, 4, solid(color.Black))
	l, err := NewLoader(LoaderOptions{
		Roots:     singleRoot(t, []member{{"k.input.png", white}, {"k.target.png", black}}),
		BatchSize: 1,
		ImageSize: 4,
		Channels:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	b := collectBatches(t, l)[0]
	if b.X.Data[0] != 1 || b.Y.Data[0] != 0 {
		t.Fatalf("expected white input and black target, got %f and %f", b.X.Data[0], b.Y.Data[0])
	}
}

func TestLoaderDeterministicForSeed(t *testing.T) {
	temp := t.TempDir()
	roots := map[string][]string{}
	for i, m := range grayMembers(t, 4) {
		root := filepath.Join(temp, string(rune('a'+i%2)))
		shard := filepath.Join(root, "shard-00000"+string(rune('0'+i))+".tar")
		writeShard(t, shard, []member{m})
		roots[root] = append(roots[root], shard)
	}
	opts := LoaderOptions{Roots: roots, Seed: 11, NumWorkers: 2, BatchSize: 4, ImageSize: 2, Channels: 1}
	a, _ := NewLoader(opts)
	b, _ := NewLoader(opts)
	if !reflect.DeepEqual(collectBatches(t, a)[0].X.Data, collectBatches(t, b)[0].X.Data) {
		t.Fatal("same seed produced different batches")
	}
}

func TestLoaderReportsDecodeError(t *testing.T) {
	l, err := NewLoader(LoaderOptions{
		Roots:     singleRoot(t, []member{{"bad.png", []byte("not a png")}}),
		BatchSize: 1,
		ImageSize: 4,
		Channels:  3,
	})
	if err != nil {
		t.Fatal(err)
	}
	batches, errCh := l.Batches(context.Background())
	for range batches {
		t.Fatal("expected no batches")
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected a decode error")
	}
}

func TestNewLoaderValidates(t *testing.T) {
	roots := map[string][]string{"/r": {"/r/shard-000000.tar"}}
	for name, opts := range map[string]LoaderOptions{
		"no roots":   {BatchSize: 1, ImageSize: 4, Channels: 3},
		"batch":      {Roots: roots, ImageSize: 4, Channels: 3},
		"channels":   {Roots: roots, BatchSize: 1, ImageSize: 4, Channels: 2},
		"split high": {Roots: roots, BatchSize: 1, ImageSize: 4, Channels: 3, SplitRow: 4},
	} {
		if _, err := NewLoader(opts); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
