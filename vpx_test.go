//go:build (darwin || linux) && !novpx

package whep

import (
	"errors"
	"testing"
	"time"
)

func gradientFrame(width, height int) *VideoFrame {
	f := NewVideoFrame(PixelFormatI420, width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f.Data[0][y*f.Stride[0]+x] = byte((x + y) % 256)
		}
	}
	for i := range f.Data[1] {
		f.Data[1][i], f.Data[2][i] = 128, 128
	}
	f.Duration = int64(33 * time.Millisecond)
	return f
}

// encodeUntilOutput feeds frame until the encoder stops buffering.
func encodeUntilOutput(t *testing.T, enc VideoEncoder, frame *VideoFrame) *EncodedFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		out, err := enc.Encode(frame)
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			return out
		}
	}
	t.Fatal("encoder produced no output")
	return nil
}

func TestVPXEncoder(t *testing.T) {
	tests := []struct {
		codec     VideoCodec
		available func() bool
	}{
		{VideoCodecVP8, IsVP8Available},
		{VideoCodecVP9, IsVP9Available},
	}
	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if !tt.available() {
				t.Skipf("%s encoder not available", tt.codec)
			}
			enc, err := NewVideoEncoder(VideoEncoderConfig{Codec: tt.codec, Width: 320, Height: 240, FPS: 30, BitrateBps: 500_000})
			if err != nil {
				t.Fatal(err)
			}
			defer enc.Close()

			if enc.Config().Codec != tt.codec || enc.Config().Width != 320 {
				t.Errorf("Config() = %+v", enc.Config())
			}

			frame := gradientFrame(320, 240)
			first := encodeUntilOutput(t, enc, frame)
			if first.FrameType != FrameTypeKey {
				t.Error("first frame is not a keyframe")
			}
			if first.Duration != frame.Duration {
				t.Errorf("Duration = %v", first.Duration)
			}
			if tt.codec == VideoCodecVP8 {
				// VP8 keyframes: P bit clear and the 9d 01 2a start code.
				d := first.Data
				if len(d) < 10 || d[0]&1 != 0 || d[3] != 0x9d || d[4] != 0x01 || d[5] != 0x2a {
					t.Errorf("not a VP8 keyframe header: % x", d[:min(len(d), 10)])
				}
			}

			for i := 0; i < 5; i++ {
				encodeUntilOutput(t, enc, frame)
			}
			enc.RequestKeyframe()
			if out := encodeUntilOutput(t, enc, frame); out.FrameType != FrameTypeKey {
				t.Error("RequestKeyframe did not force a keyframe")
			}

			stats := enc.Stats()
			if stats.FramesEncoded < 7 || stats.KeyframesEncoded < 2 || stats.BytesEncoded == 0 {
				t.Errorf("Stats() = %+v", stats)
			}

			if err := enc.SetBitrate(250_000); err != nil {
				t.Errorf("SetBitrate = %v", err)
			}
			if enc.Config().BitrateBps != 250_000 {
				t.Errorf("BitrateBps = %d", enc.Config().BitrateBps)
			}
		})
	}
}

func TestVPXEncoder_Errors(t *testing.T) {
	if !IsVP8Available() {
		t.Skip("VP8 encoder not available")
	}
	enc, err := NewVP8Encoder(VideoEncoderConfig{Width: 64, Height: 48})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := enc.Encode(gradientFrame(32, 24)); err == nil {
		t.Error("size mismatch accepted")
	}
	if _, err := enc.Encode(NewVideoFrame(PixelFormatRGB24, 64, 48)); err == nil {
		t.Error("non-I420 frame accepted")
	}

	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, err := enc.Encode(gradientFrame(64, 48)); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("Encode after Close = %v", err)
	}
	if err := enc.SetBitrate(1000); !errors.Is(err, ErrEncoderClosed) {
		t.Errorf("SetBitrate after Close = %v", err)
	}

	if _, err := NewVP8Encoder(VideoEncoderConfig{}); err == nil {
		t.Error("zero size accepted")
	}
}

func BenchmarkVP8Encode720p(b *testing.B) {
	if !IsVP8Available() {
		b.Skip("VP8 encoder not available")
	}
	enc, err := NewVP8Encoder(VideoEncoderConfig{Width: 1280, Height: 720, FPS: 30, BitrateBps: 2_000_000})
	if err != nil {
		b.Fatal(err)
	}
	defer enc.Close()
	frame := gradientFrame(1280, 720)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := enc.Encode(frame); err != nil {
			b.Fatal(err)
		}
	}
}
