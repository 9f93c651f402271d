package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"

	"wae-forge/internal/tensor"
)

// ToImage converts a [C, H, W] tensor with values in [0, 1] to an image.
// Values outside the range are clamped.
func ToImage(t *tensor.Tensor) (image.Image, error) {
	if t.Rank() != 3 {
		return nil, fmt.Errorf("png: want [C, H, W], got %v", t.Shape())
	}
	c, h, w := t.Dim(0), t.Dim(1), t.Dim(2)
	plane := h * w
	switch c {
	case 1:
		img := image.NewGray(image.Rect(0, 0, w, h))
		for p := 0; p < plane; p++ {
			img.Pix[p] = toByte(t.Data[p])
		}
		return img, nil
	case 3:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for p := 0; p < plane; p++ {
			img.SetRGBA(p%w, p/w, color.RGBA{
				R: toByte(t.Data[p]),
				G: toByte(t.Data[plane+p]),
				B: toByte(t.Data[2*plane+p]),
				A: 255,
			})
		}
		return img, nil
	}
	return nil, fmt.Errorf("png: unsupported channel count %d", c)
}

func toByte(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

// WritePNG encodes a [C, H, W] tensor as PNG.
func WritePNG(w io.Writer, t *tensor.Tensor) error {
	img, err := ToImage(t)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// SaveBatch writes each image of a [B, C, H, W] batch to
// dir/<prefix>-NNNN.png and returns the paths.
func SaveBatch(dir, prefix string, batch *tensor.Tensor) ([]string, error) {
	if batch.Rank() != 4 {
		return nil, fmt.Errorf("png: want [B, C, H, W], got %v", batch.Shape())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	shape := batch.Shape()
	stride := batch.Numel() / shape[0]
	paths := make([]string, 0, shape[0])
	for i := 0; i < shape[0]; i++ {
		img := tensor.FromSlice(batch.Data[i*stride:(i+1)*stride], shape[1:]...)
		path := filepath.Join(dir, fmt.Sprintf("%s-%04d.png", prefix, i))
		if err := writeFile(path, img); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, t *tensor.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WritePNG(f, t); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
