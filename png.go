package whep

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// PNG IHDR fields for 8-bit truecolor.
const (
	pngBitDepth     = 8
	pngColorRGB     = 2
	pngFilterNone   = 0
	pngIHDRLength   = 13
	pngChunkMaxSize = 1<<31 - 1
)

// EncodePNG writes frame as an 8-bit RGB PNG with unfiltered scanlines
// in a single IDAT chunk.
func EncodePNG(w io.Writer, frame *VideoFrame) error {
	rgb, err := ConvertFrame(frame, PixelFormatRGB24)
	if err != nil {
		return fmt.Errorf("png: %w", err)
	}
	width, height := rgb.Width, rgb.Height
	if width <= 0 || height <= 0 {
		return fmt.Errorf("png: invalid size %dx%d", width, height)
	}

	var idat bytes.Buffer
	zw := zlib.NewWriter(&idat)
	row := make([]byte, 1+width*3)
	row[0] = pngFilterNone
	for y := 0; y < height; y++ {
		copy(row[1:], rgb.Data[0][y*rgb.Stride[0]:])
		if _, err := zw.Write(row); err != nil {
			return fmt.Errorf("png: compress: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("png: compress: %w", err)
	}
	if idat.Len() > pngChunkMaxSize {
		return fmt.Errorf("png: image data too large (%d bytes)", idat.Len())
	}

	ihdr := make([]byte, pngIHDRLength)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(width))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(height))
	ihdr[8] = pngBitDepth
	ihdr[9] = pngColorRGB
	// compression, filter method and interlace stay 0

	if _, err := w.Write(pngSignature); err != nil {
		return err
	}
	if err := writePNGChunk(w, "IHDR", ihdr); err != nil {
		return err
	}
	if err := writePNGChunk(w, "IDAT", idat.Bytes()); err != nil {
		return err
	}
	return writePNGChunk(w, "IEND", nil)
}

// writePNGChunk writes length, type, data and the CRC over type and data.
func writePNGChunk(w io.Writer, typ string, data []byte) error {
	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(data)))
	copy(header[4:], typ)

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(data)

	var footer [4]byte
	binary.BigEndian.PutUint32(footer[:], crc.Sum32())

	for _, b := range [][]byte{header[:], data, footer[:]} {
		if len(b) == 0 {
			continue
		}
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("png: write %s: %w", typ, err)
		}
	}
	return nil
}
