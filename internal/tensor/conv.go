package tensor

import "fmt"

// ConvOutputSize is the spatial size produced by a strided convolution.
func ConvOutputSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// ConvTransposeOutputSize is the spatial size produced by a transposed
// convolution.
func ConvTransposeOutputSize(in, kernel, stride, pad int) int {
	return (in-1)*stride - 2*pad + kernel
}

// Conv2d convolves x [N, C, H, W] with w [O, C, kH, kW]. bias [O] may be nil.
func Conv2d(x, w, bias *Tensor, stride, pad int) *Tensor {
	if x.Rank() != 4 || w.Rank() != 4 || x.shape[1] != w.shape[1] {
		panic(shapeErr("conv2d", "", x, w))
	}
	n, c, h, wd := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	o, kh, kw := w.shape[0], w.shape[2], w.shape[3]
	oh, ow := ConvOutputSize(h, kh, stride, pad), ConvOutputSize(wd, kw, stride, pad)
	if oh <= 0 || ow <= 0 {
		panic(shapeErr("conv2d", fmt.Sprintf("input smaller than kernel %dx%d", kh, kw), x, w))
	}
	checkBias("conv2d", w, bias, o)

	patch := c * kh * kw
	spatial := oh * ow
	inSize := c * h * wd
	outSize := o * spatial
	data := make([]float64, n*outSize)
	col := make([]float64, patch*spatial)
	for i := 0; i < n; i++ {
		im2col(x.Data[i*inSize:(i+1)*inSize], c, h, wd, kh, kw, stride, pad, oh, ow, col)
		gemm(false, false, o, spatial, patch, 1, w.Data, col, 0, data[i*outSize:(i+1)*outSize])
	}
	addChannelBias(data, bias, n, o, spatial)

	out := result(data, []int{n, o, oh, ow}, x, w, bias)
	if out.requiresGrad {
		out.backward = func() {
			col := make([]float64, patch*spatial)
			dcol := make([]float64, patch*spatial)
			for i := 0; i < n; i++ {
				dy := out.Grad[i*outSize : (i+1)*outSize]
				if w.requiresGrad {
					im2col(x.Data[i*inSize:(i+1)*inSize], c, h, wd, kh, kw, stride, pad, oh, ow, col)
					gemm(false, true, o, patch, spatial, 1, dy, col, 1, w.grad())
				}
				if x.requiresGrad {
					gemm(true, false, patch, spatial, o, 1, w.Data, dy, 0, dcol)
					col2im(dcol, c, h, wd, kh, kw, stride, pad, oh, ow, x.grad()[i*inSize:(i+1)*inSize])
				}
			}
			accumulateChannelBias(out.Grad, bias, n, o, spatial)
		}
	}
	return out
}

// ConvTranspose2d is the adjoint of Conv2d: x [N, Cin, H, W] and
// w [Cin, Cout, kH, kW] give [N, Cout, H', W'] with
// H' = (H−1)·stride − 2·pad + kH. bias [Cout] may be nil.
func ConvTranspose2d(x, w, bias *Tensor, stride, pad int) *Tensor {
	if x.Rank() != 4 || w.Rank() != 4 || x.shape[1] != w.shape[0] {
		panic(shapeErr("conv transpose2d", "", x, w))
	}
	n, cin, h, wd := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	cout, kh, kw := w.shape[1], w.shape[2], w.shape[3]
	oh, ow := ConvTransposeOutputSize(h, kh, stride, pad), ConvTransposeOutputSize(wd, kw, stride, pad)
	if oh <= 0 || ow <= 0 {
		panic(shapeErr("conv transpose2d", "empty output", x, w))
	}
	checkBias("conv transpose2d", w, bias, cout)

	patch := cout * kh * kw
	spatial := h * wd
	inSize := cin * spatial
	outSpatial := oh * ow
	outSize := cout * outSpatial
	data := make([]float64, n*outSize)
	col := make([]float64, patch*spatial)
	for i := 0; i < n; i++ {
		gemm(true, false, patch, spatial, cin, 1, w.Data, x.Data[i*inSize:(i+1)*inSize], 0, col)
		col2im(col, cout, oh, ow, kh, kw, stride, pad, h, wd, data[i*outSize:(i+1)*outSize])
	}
	addChannelBias(data, bias, n, cout, outSpatial)

	out := result(data, []int{n, cout, oh, ow}, x, w, bias)
	if out.requiresGrad {
		out.backward = func() {
			dcol := make([]float64, patch*spatial)
			for i := 0; i < n; i++ {
				im2col(out.Grad[i*outSize:(i+1)*outSize], cout, oh, ow, kh, kw, stride, pad, h, wd, dcol)
				xi := x.Data[i*inSize : (i+1)*inSize]
				if x.requiresGrad {
					gemm(false, false, cin, spatial, patch, 1, w.Data, dcol, 1, x.grad()[i*inSize:(i+1)*inSize])
				}
				if w.requiresGrad {
					gemm(false, true, cin, patch, spatial, 1, xi, dcol, 1, w.grad())
				}
			}
			accumulateChannelBias(out.Grad, bias, n, cout, outSpatial)
		}
	}
	return out
}

func checkBias(op string, w, bias *Tensor, channels int) {
	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != channels) {
		panic(shapeErr(op, "bias", w, bias))
	}
}

func addChannelBias(data []float64, bias *Tensor, n, channels, spatial int) {
	if bias == nil {
		return
	}
	for i := 0; i < n; i++ {
		for ch, b := range bias.Data {
			off := (i*channels + ch) * spatial
			for s := 0; s < spatial; s++ {
				data[off+s] += b
			}
		}
	}
}

func accumulateChannelBias(grad []float64, bias *Tensor, n, channels, spatial int) {
	if bias == nil || !bias.requiresGrad {
		return
	}
	g := bias.grad()
	for i := 0; i < n; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * spatial
			s := 0.0
			for _, v := range grad[off : off+spatial] {
				s += v
			}
			g[ch] += s
		}
	}
}

// im2col lays out every kH×kW patch of src [c, h, w] as a column of
// dst [c·kH·kW, oh·ow]. Padding reads as zero.
func im2col(src []float64, c, h, w, kh, kw, stride, pad, oh, ow int, dst []float64) {
	cols := oh * ow
	for ci := 0; ci < c; ci++ {
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := dst[((ci*kh+ki)*kw+kj)*cols:][:cols]
				for y := 0; y < oh; y++ {
					iy := y*stride - pad + ki
					for x := 0; x < ow; x++ {
						ix := x*stride - pad + kj
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							row[y*ow+x] = 0
							continue
						}
						row[y*ow+x] = src[(ci*h+iy)*w+ix]
					}
				}
			}
		}
	}
}

// col2im scatters columns back onto dst [c, h, w], summing overlaps.
func col2im(col []float64, c, h, w, kh, kw, stride, pad, oh, ow int, dst []float64) {
	cols := oh * ow
	for ci := 0; ci < c; ci++ {
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := col[((ci*kh+ki)*kw+kj)*cols:][:cols]
				for y := 0; y < oh; y++ {
					iy := y*stride - pad + ki
					if iy < 0 || iy >= h {
						continue
					}
					for x := 0; x < ow; x++ {
						ix := x*stride - pad + kj
						if ix < 0 || ix >= w {
							continue
						}
						dst[(ci*h+iy)*w+ix] += row[y*ow+x]
					}
				}
			}
		}
	}
}
