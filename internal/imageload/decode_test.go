package imageload

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image/color"
	"testing"
)

// pngHeader returns a PNG signature and IHDR chunk declaring w x h RGBA
// pixels, with no image data behind it
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := make([]byte, 0, 17)
	chunk = append(chunk, "IHDR"...)
	chunk = binary.BigEndian.AppendUint32(chunk, w)
	chunk = binary.BigEndian.AppendUint32(chunk, h)
	chunk = append(chunk, 8, 6, 0, 0, 0) // 8-bit RGBA, no interlace

	binary.Write(&buf, binary.BigEndian, uint32(len(chunk)-4))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestDecodeRefusesHugeDimensions(t *testing.T) {
	data := pngHeader(100000, 100000)

	_, _, err := decode(bytes.NewReader(data), 32<<20, 8192*8192)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("decode() error = %v, want ErrTooLarge", err)
	}
}

func TestDecodePixelLimit(t *testing.T) {
	data := pngBytes(t, 20, 10, color.RGBA{R: 200, A: 255})

	tests := []struct {
		name      string
		maxPixels int64
		wantErr   error
	}{
		{"no limit", 0, nil},
		{"exact limit", 200, nil},
		{"one over", 199, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, format, err := decode(bytes.NewReader(data), 0, tt.maxPixels)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode() error = %v", err)
			}
			if format != "png" {
				t.Errorf("format = %q, want png", format)
			}
			if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 10 {
				t.Errorf("bounds = %v, want 20x10", b)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := decode(bytes.NewReader([]byte("not an image")), 0, 0)
	if err == nil {
		t.Fatal("decode() accepted garbage")
	}
	if errors.Is(err, ErrTooLarge) {
		t.Errorf("garbage reported as too large: %v", err)
	}
}
