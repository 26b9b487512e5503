package raster

import (
	"bytes"
	"encoding/binary"
	"image"
)

// encodeBMP writes img as an uncompressed 24-bit BMP. The standard library
// has no BMP encoder; this is a small, self-contained one rather than an
// added dependency for a non-core adapter.
func encodeBMP(img image.Image) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	rowSize := (w*3 + 3) &^ 3
	pixelDataSize := rowSize * h
	fileSize := 54 + pixelDataSize

	var buf bytes.Buffer
	buf.Grow(fileSize)

	// BITMAPFILEHEADER
	buf.WriteString("BM")
	writeU32(&buf, uint32(fileSize))
	writeU32(&buf, 0)
	writeU32(&buf, 54)

	// BITMAPINFOHEADER
	writeU32(&buf, 40)
	writeU32(&buf, uint32(w))
	writeU32(&buf, uint32(h))
	writeU16(&buf, 1)
	writeU16(&buf, 24)
	writeU32(&buf, 0)
	writeU32(&buf, uint32(pixelDataSize))
	writeU32(&buf, 2835)
	writeU32(&buf, 2835)
	writeU32(&buf, 0)
	writeU32(&buf, 0)

	row := make([]byte, rowSize)
	for y := h - 1; y >= 0; y-- {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			row[x*3+0] = byte(bl >> 8)
			row[x*3+1] = byte(g >> 8)
			row[x*3+2] = byte(r >> 8)
		}
		for i := w * 3; i < rowSize; i++ {
			row[i] = 0
		}
		buf.Write(row)
	}

	return buf.Bytes(), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}
