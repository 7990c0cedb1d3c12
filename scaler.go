package whep

// ScaleFrame resamples frame to dstWidth x dstHeight. Width and height are
// scaled independently, so aspect ratio is not preserved. I420 planes use
// bilinear filtering; packed formats use nearest neighbour. The input is
// returned unchanged when no scaling is needed.
func ScaleFrame(frame *VideoFrame, dstWidth, dstHeight int) *VideoFrame {
	if dstWidth <= 0 || dstHeight <= 0 ||
		(frame.Width == dstWidth && frame.Height == dstHeight) {
		return frame
	}

	out := NewVideoFrame(frame.Format, dstWidth, dstHeight)
	out.Timestamp = frame.Timestamp
	out.Duration = frame.Duration

	if frame.Format != PixelFormatI420 {
		scalePacked(frame, out)
		return out
	}

	scalePlane(frame.Data[0], frame.Stride[0], frame.Width, frame.Height,
		out.Data[0], out.Stride[0], dstWidth, dstHeight)

	scw, sch := ChromaSize(frame.Width, frame.Height)
	dcw, dch := ChromaSize(dstWidth, dstHeight)
	for i := 1; i < 3; i++ {
		scalePlane(frame.Data[i], frame.Stride[i], scw, sch,
			out.Data[i], out.Stride[i], dcw, dch)
	}
	return out
}

// ScaledSize divides width and height by factor and rounds down to even
// dimensions, never below 2x2. Factors <= 1 return the input size.
func ScaledSize(width, height int, factor float64) (int, int) {
	if factor <= 1 {
		return width, height
	}
	w := int(float64(width)/factor) &^ 1
	h := int(float64(height)/factor) &^ 1
	return max(w, 2), max(h, 2)
}

// scalePlane scales a single plane using bilinear interpolation.
func scalePlane(src []byte, srcStride, srcW, srcH int,
	dst []byte, dstStride, dstW, dstH int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	// Fixed-point scaling factors (16.16)
	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	parallelRows(dstH, dstW*dstH, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			srcYFP := y * yRatio
			y0 := srcYFP >> 16
			yWeight := srcYFP & 0xFFFF
			y1 := y0 + 1
			if y1 >= srcH {
				y1 = y0
			}
			row0 := src[y0*srcStride : y0*srcStride+srcW]
			row1 := src[y1*srcStride : y1*srcStride+srcW]
			out := dst[y*dstStride : y*dstStride+dstW]

			for x := range out {
				srcXFP := x * xRatio
				x0 := srcXFP >> 16
				xWeight := srcXFP & 0xFFFF
				x1 := x0 + 1
				if x1 >= srcW {
					x1 = x0
				}

				top := (int(row0[x0])*(0x10000-xWeight) + int(row0[x1])*xWeight) >> 16
				bottom := (int(row1[x0])*(0x10000-xWeight) + int(row1[x1])*xWeight) >> 16
				out[x] = byte((top*(0x10000-yWeight) + bottom*yWeight) >> 16)
			}
		}
	})
}

func scalePacked(src, dst *VideoFrame) {
	bpp := src.Format.BytesPerPixel()
	sw, sh := src.Width, src.Height
	dw, dh := dst.Width, dst.Height

	parallelRows(dh, dw*dh, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			sy := y * sh / dh
			srow := src.Data[0][sy*src.Stride[0] : sy*src.Stride[0]+sw*bpp]
			drow := dst.Data[0][y*dst.Stride[0] : y*dst.Stride[0]+dw*bpp]
			for x := 0; x < dw; x++ {
				sx := x * sw / dw
				copy(drow[x*bpp:x*bpp+bpp], srow[sx*bpp:sx*bpp+bpp])
			}
		}
	})
}
