package whep

import (
	"runtime"
	"sync"
)

// Row kernels for PixelConverter. Each kernel works on whole rows through
// re-sliced views so the compiler can drop per-pixel bounds checks, and
// large frames are split into row bands processed in parallel.

// parallelMinPixels is the frame size from which row bands run in parallel.
const parallelMinPixels = 1280 * 720

type plane struct {
	data   []byte
	stride int
}

func (p plane) row(y, n int) []byte {
	off := y * p.stride
	return p.data[off : off+n : off+n]
}

// pixelLayout gives the byte offsets of R, G, B and alpha within one packed
// pixel. A is -1 when the layout has no alpha byte.
type pixelLayout struct {
	bpp        int
	r, g, b, a int
}

var (
	layoutBGRA = pixelLayout{bpp: 4, r: 2, g: 1, b: 0, a: 3}
	layoutRGBA = pixelLayout{bpp: 4, r: 0, g: 1, b: 2, a: 3}
	layoutBGR  = pixelLayout{bpp: 3, r: 2, g: 1, b: 0, a: -1}
	layoutRGB  = pixelLayout{bpp: 3, r: 0, g: 1, b: 2, a: -1}
)

func rgbLayout(o ChannelOrder) pixelLayout {
	if o == ChannelOrderRGBA {
		return layoutRGBA
	}
	return layoutBGRA
}

func formatLayout(f PixelFormat) pixelLayout {
	switch f {
	case PixelFormatRGBA32:
		return layoutRGBA
	case PixelFormatBGR24:
		return layoutBGR
	case PixelFormatRGB24:
		return layoutRGB
	default:
		return layoutBGRA
	}
}

// yuvLayout gives the byte offsets of Y0, Y1, U and V within a 4-byte
// 4:2:2 group.
type yuvLayout struct {
	y0, y1, u, v int
}

func yuv422Layout(o YUVOrder, swapUV bool) yuvLayout {
	l := yuvLayout{y0: 1, y1: 3, u: 0, v: 2} // UYVY
	if o == YUVOrderYUY2 {
		l = yuvLayout{y0: 0, y1: 2, u: 1, v: 3}
	}
	if swapUV {
		l.u, l.v = l.v, l.u
	}
	return l
}

// parallelRows splits [0, rows) into bands and runs fn on each band. Small
// frames run inline.
func parallelRows(rows, pixels int, fn func(lo, hi int)) {
	workers := min(runtime.GOMAXPROCS(0), 8)
	if pixels < parallelMinPixels || workers < 2 || rows < 2*workers {
		fn(0, rows)
		return
	}
	band := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < rows; lo += band {
		hi := min(lo+band, rows)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(lo, hi)
		}()
	}
	wg.Wait()
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// yuvToRGB applies the integer BT.601 studio-range transform.
func yuvToRGB(y, u, v int) (r, g, b byte) {
	c := y - 16
	d := u - 128
	e := v - 128
	r = clamp8((298*c + 409*e + 128) >> 8)
	g = clamp8((298*c - 100*d - 208*e + 128) >> 8)
	b = clamp8((298*c + 516*d + 128) >> 8)
	return r, g, b
}

// rgbToYUV applies the integer BT.601 forward transform.
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	ri, gi, bi := int(r), int(g), int(b)
	y = uint8(((66*ri + 129*gi + 25*bi + 128) >> 8) + 16)
	u = uint8(((-38*ri - 74*gi + 112*bi + 128) >> 8) + 128)
	v = uint8(((112*ri - 94*gi - 18*bi + 128) >> 8) + 128)
	return y, u, v
}

// yuv422ToI420 copies luma and averages each vertical pair of chroma rows.
// An odd final luma row pairs with itself.
func yuv422ToI420(src plane, w, h int, l yuvLayout, dst *VideoFrame) {
	cw, ch := ChromaSize(w, h)
	yp, up, vp := dst.Data[0], dst.Data[1], dst.Data[2]
	rowBytes := w * 2

	parallelRows(ch, w*h, func(lo, hi int) {
		for cy := lo; cy < hi; cy++ {
			y0 := 2 * cy
			y1 := min(y0+1, h-1)
			r0 := src.row(y0, rowBytes)
			r1 := src.row(y1, rowBytes)

			unpackLuma(r0, yp[y0*w:y0*w+w], l)
			if y1 != y0 {
				unpackLuma(r1, yp[y1*w:y1*w+w], l)
			}

			u := up[cy*cw : cy*cw+cw]
			v := vp[cy*cw : cy*cw+cw]
			for i := range u {
				g0 := r0[4*i : 4*i+4]
				g1 := r1[4*i : 4*i+4]
				u[i] = byte((int(g0[l.u]) + int(g1[l.u])) >> 1)
				v[i] = byte((int(g0[l.v]) + int(g1[l.v])) >> 1)
			}
		}
	})
}

func unpackLuma(src, dst []byte, l yuvLayout) {
	for x := 0; x+1 < len(dst); x += 2 {
		g := src[2*x : 2*x+4]
		dst[x] = g[l.y0]
		dst[x+1] = g[l.y1]
	}
}

// yuv422ToPacked expands 4:2:2 groups to packed RGB via BT.601.
func yuv422ToPacked(src plane, w, h int, l yuvLayout, dst *VideoFrame) {
	out := formatLayout(dst.Format)
	dstRow := w * out.bpp
	rowBytes := w * 2

	parallelRows(h, w*h, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			s := src.row(y, rowBytes)
			d := dst.Data[0][y*dstRow : y*dstRow+dstRow]
			for x := 0; x+1 < w; x += 2 {
				g := s[2*x : 2*x+4]
				u, v := int(g[l.u]), int(g[l.v])
				p0 := d[x*out.bpp : x*out.bpp+out.bpp]
				p1 := d[(x+1)*out.bpp : (x+1)*out.bpp+out.bpp]
				p0[out.r], p0[out.g], p0[out.b] = yuvToRGB(int(g[l.y0]), u, v)
				p1[out.r], p1[out.g], p1[out.b] = yuvToRGB(int(g[l.y1]), u, v)
				if out.a >= 0 {
					p0[out.a], p1[out.a] = 0xff, 0xff
				}
			}
		}
	})
}

// packedToPacked trims stride padding and reorders channels. Rows that
// already match the output layout are copied wholesale.
func packedToPacked(src plane, w, h int, in pixelLayout, dst *VideoFrame) {
	out := formatLayout(dst.Format)
	srcRow := w * in.bpp
	dstRow := w * out.bpp

	parallelRows(h, w*h, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			s := src.row(y, srcRow)
			d := dst.Data[0][y*dstRow : y*dstRow+dstRow]
			if in == out {
				copy(d, s)
				continue
			}
			for x := 0; x < w; x++ {
				sp := s[x*in.bpp : x*in.bpp+in.bpp]
				dp := d[x*out.bpp : x*out.bpp+out.bpp]
				dp[out.r] = sp[in.r]
				dp[out.g] = sp[in.g]
				dp[out.b] = sp[in.b]
				if out.a >= 0 {
					if in.a >= 0 {
						dp[out.a] = sp[in.a]
					} else {
						dp[out.a] = 0xff
					}
				}
			}
		}
	})
}

// packedToI420 converts packed RGB to I420, averaging each 2x2 block in RGB
// before computing chroma.
func packedToI420(src plane, w, h int, in pixelLayout, dst *VideoFrame) {
	cw, ch := ChromaSize(w, h)
	yp, up, vp := dst.Data[0], dst.Data[1], dst.Data[2]
	rowBytes := w * in.bpp

	parallelRows(ch, w*h, func(lo, hi int) {
		for cy := lo; cy < hi; cy++ {
			y0 := 2 * cy
			y1 := min(y0+1, h-1)
			r0 := src.row(y0, rowBytes)
			r1 := src.row(y1, rowBytes)

			for _, yy := range [2]int{y0, y1} {
				s := r0
				if yy == y1 {
					s = r1
				}
				ly := yp[yy*w : yy*w+w]
				for x := range ly {
					p := s[x*in.bpp : x*in.bpp+in.bpp]
					ly[x], _, _ = rgbToYUV(p[in.r], p[in.g], p[in.b])
				}
			}

			for cx := 0; cx < cw; cx++ {
				x0 := 2 * cx
				x1 := min(x0+1, w-1)
				var r, g, b int
				for _, s := range [2][]byte{r0, r1} {
					for _, xx := range [2]int{x0, x1} {
						p := s[xx*in.bpp : xx*in.bpp+in.bpp]
						r += int(p[in.r])
						g += int(p[in.g])
						b += int(p[in.b])
					}
				}
				_, u, v := rgbToYUV(uint8(r>>2), uint8(g>>2), uint8(b>>2))
				up[cy*cw+cx] = u
				vp[cy*cw+cx] = v
			}
		}
	})
}

// i420ToPacked upsamples chroma by replication and converts via BT.601.
func i420ToPacked(f *VideoFrame, dst *VideoFrame) {
	w, h := f.Width, f.Height
	out := formatLayout(dst.Format)
	dstRow := w * out.bpp
	ys, us, vs := f.Stride[0], f.Stride[1], f.Stride[2]

	parallelRows(h, w*h, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			ly := f.Data[0][y*ys : y*ys+w]
			lu := f.Data[1][(y/2)*us:]
			lv := f.Data[2][(y/2)*vs:]
			d := dst.Data[0][y*dstRow : y*dstRow+dstRow]
			for x := range ly {
				p := d[x*out.bpp : x*out.bpp+out.bpp]
				p[out.r], p[out.g], p[out.b] = yuvToRGB(int(ly[x]), int(lu[x/2]), int(lv[x/2]))
				if out.a >= 0 {
					p[out.a] = 0xff
				}
			}
		}
	})
}
