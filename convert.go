package whep

import (
	"fmt"
	"strings"
)

// ChannelOrder is the byte order of 4-byte packed RGB input.
type ChannelOrder int

const (
	ChannelOrderAuto ChannelOrder = iota // Use the order the FourCC declares
	ChannelOrderBGRA
	ChannelOrderRGBA
)

func (o ChannelOrder) String() string {
	switch o {
	case ChannelOrderBGRA:
		return "BGRA"
	case ChannelOrderRGBA:
		return "RGBA"
	default:
		return "auto"
	}
}

// ParseChannelOrder parses "auto", "bgra"/"bgrx" or "rgba"/"rgbx".
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ChannelOrderAuto, nil
	case "bgra", "bgrx", "bgr":
		return ChannelOrderBGRA, nil
	case "rgba", "rgbx", "rgb":
		return ChannelOrderRGBA, nil
	default:
		return 0, fmt.Errorf("unknown channel order %q", s)
	}
}

// YUVOrder is the byte order of packed 4:2:2 input.
type YUVOrder int

const (
	YUVOrderAuto YUVOrder = iota // Use the order the FourCC declares
	YUVOrderUYVY                 // Chroma first: U Y0 V Y1
	YUVOrderYUY2                 // Luma first: Y0 U Y1 V
)

func (o YUVOrder) String() string {
	switch o {
	case YUVOrderUYVY:
		return "UYVY"
	case YUVOrderYUY2:
		return "YUY2"
	default:
		return "auto"
	}
}

// ParseYUVOrder parses "auto", "uyvy" or "yuy2"/"yuyv".
func ParseYUVOrder(s string) (YUVOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return YUVOrderAuto, nil
	case "uyvy":
		return YUVOrderUYVY, nil
	case "yuy2", "yuyv":
		return YUVOrderYUY2, nil
	default:
		return 0, fmt.Errorf("unknown 4:2:2 order %q", s)
	}
}

// ConverterConfig configures a PixelConverter.
type ConverterConfig struct {
	// RGBOrder overrides the channel order of 4-byte RGB input.
	RGBOrder ChannelOrder
	// YUVOrder overrides the ordering of packed 4:2:2 input.
	YUVOrder YUVOrder
	// DefaultYUVOrder applies to unrecognized FourCCs whose stride implies
	// 4:2:2. Defaults to UYVY.
	DefaultYUVOrder YUVOrder
	// SwapUV exchanges the two chroma channels of 4:2:2 input.
	SwapUV bool
	// Output is the pixel format of converted frames. The zero value is
	// I420. Choosing a 3-byte format drops alpha.
	Output PixelFormat
}

type formatFamily int

const (
	familyUnknown formatFamily = iota
	familyRGB32
	familyYUV422
)

// PixelConverter normalizes raw captures into VideoFrames. It holds no
// mutable state and is safe for concurrent use.
type PixelConverter struct {
	cfg ConverterConfig
}

// NewPixelConverter creates a converter.
func NewPixelConverter(cfg ConverterConfig) *PixelConverter {
	if cfg.DefaultYUVOrder == YUVOrderAuto {
		cfg.DefaultYUVOrder = YUVOrderUYVY
	}
	return &PixelConverter{cfg: cfg}
}

// Config returns the converter configuration.
func (c *PixelConverter) Config() ConverterConfig {
	return c.cfg
}

// classify resolves the family and byte order of a raw frame, applying
// overrides and the stride heuristic for unknown tags.
func (c *PixelConverter) classify(r RawFrame) (formatFamily, ChannelOrder, YUVOrder) {
	var (
		fam  formatFamily
		rgb  ChannelOrder
		yuv  YUVOrder
		w    = r.width
		strd = r.stride
	)
	switch r.fourCC {
	case FourCCBGRA, FourCCBGRX:
		fam, rgb = familyRGB32, ChannelOrderBGRA
	case FourCCRGBA, FourCCRGBX:
		fam, rgb = familyRGB32, ChannelOrderRGBA
	case FourCCUYVY, FourCCUYVA:
		fam, yuv = familyYUV422, YUVOrderUYVY
	case FourCCYUY2:
		fam, yuv = familyYUV422, YUVOrderYUY2
	default:
		if strd >= 2*w && strd < 4*w {
			fam, yuv = familyYUV422, c.cfg.DefaultYUVOrder
		} else {
			fam, rgb = familyRGB32, ChannelOrderBGRA
		}
	}
	if c.cfg.RGBOrder != ChannelOrderAuto {
		rgb = c.cfg.RGBOrder
	}
	if c.cfg.YUVOrder != YUVOrderAuto {
		yuv = c.cfg.YUVOrder
	}
	return fam, rgb, yuv
}

// Convert turns a raw capture into a frame in the configured output format.
// Malformed input yields a *CaptureDecodeError.
func (c *PixelConverter) Convert(r RawFrame) (*VideoFrame, error) {
	if r.width <= 0 || r.height <= 0 {
		return nil, decodeError(r, "empty frame")
	}
	fam, rgb, yuv := c.classify(r)

	bpp := 4
	if fam == familyYUV422 {
		bpp = 2
		if r.width%2 != 0 {
			return nil, decodeError(r, "4:2:2 frame with odd width")
		}
	}
	row := r.width * bpp
	if r.stride < row {
		return nil, decodeError(r, "stride shorter than %d-byte row", row)
	}
	if need := r.stride*(r.height-1) + row; len(r.data) < need {
		return nil, decodeError(r, "buffer holds %d of %d bytes", len(r.data), need)
	}

	out := c.cfg.Output
	if out != PixelFormatI420 && !out.IsPacked() {
		return nil, decodeError(r, "unsupported output format %s", out)
	}
	dst := NewVideoFrame(out, r.width, r.height)
	dst.Timestamp = r.timestamp

	src := plane{data: r.data, stride: r.stride}
	switch fam {
	case familyYUV422:
		lay := yuv422Layout(yuv, c.cfg.SwapUV)
		if out == PixelFormatI420 {
			yuv422ToI420(src, r.width, r.height, lay, dst)
		} else {
			yuv422ToPacked(src, r.width, r.height, lay, dst)
		}
	default:
		lay := rgbLayout(rgb)
		if out == PixelFormatI420 {
			packedToI420(src, r.width, r.height, lay, dst)
		} else {
			packedToPacked(src, r.width, r.height, lay, dst)
		}
	}
	return dst, nil
}

// ConvertFrame converts a normalized frame to another pixel format. The
// input is returned unchanged when it already has the target format.
func ConvertFrame(f *VideoFrame, target PixelFormat) (*VideoFrame, error) {
	if f.Format == target {
		return f, nil
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if target != PixelFormatI420 && !target.IsPacked() {
		return nil, fmt.Errorf("unsupported target format %s", target)
	}
	dst := NewVideoFrame(target, f.Width, f.Height)
	dst.Timestamp = f.Timestamp
	dst.Duration = f.Duration

	if f.Format == PixelFormatI420 {
		i420ToPacked(f, dst)
		return dst, nil
	}
	src := plane{data: f.Data[0], stride: f.Stride[0]}
	lay := formatLayout(f.Format)
	if target == PixelFormatI420 {
		packedToI420(src, f.Width, f.Height, lay, dst)
	} else {
		packedToPacked(src, f.Width, f.Height, lay, dst)
	}
	return dst, nil
}
