package grid

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestLayout(t *testing.T) {
	tests := []struct {
		n          int
		cols, rows int
	}{
		{1, 1, 1},
		{2, 2, 1},
		{3, 2, 2},
		{4, 2, 2},
		{5, 3, 2},
		{6, 3, 2},
		{7, 3, 3},
		{9, 3, 3},
		{10, 4, 3},
	}
	for _, tt := range tests {
		cols, rows := Layout(tt.n)
		if cols != tt.cols || rows != tt.rows {
			t.Errorf("Layout(%d) = %dx%d, want %dx%d", tt.n, cols, rows, tt.cols, tt.rows)
		}
		if cols*rows < tt.n {
			t.Errorf("Layout(%d) has only %d cells", tt.n, cols*rows)
		}
	}
}

func TestXStackLayout(t *testing.T) {
	tests := []struct {
		n, cols int
		want    string
	}{
		{2, 2, "0_0|w0_0"},
		{4, 2, "0_0|w0_0|0_h0|w0_h0"},
		{5, 3, "0_0|w0_0|w0+w1_0|0_h0|w0_h0"},
		{7, 3, "0_0|w0_0|w0+w1_0|0_h0|w0_h0|w0+w1_h0|0_h0+h3"},
	}
	for _, tt := range tests {
		if got := XStackLayout(tt.n, tt.cols); got != tt.want {
			t.Errorf("XStackLayout(%d, %d) = %q, want %q", tt.n, tt.cols, got, tt.want)
		}
	}
}

func TestFilterComplex(t *testing.T) {
	tests := []struct {
		n, w, h int
		want    string
	}{
		{1, 0, 0, "[0:v]null[out]"},
		{2, 0, 0, "[0:v][1:v]xstack=inputs=2:layout=0_0|w0_0[out]"},
		{2, 640, 360, "[0:v]scale=640:360[v0];[1:v]scale=640:360[v1];[v0][v1]xstack=inputs=2:layout=0_0|w0_0[out]"},
	}
	for _, tt := range tests {
		if got := FilterComplex(tt.n, tt.w, tt.h); got != tt.want {
			t.Errorf("FilterComplex(%d, %d, %d) = %q, want %q", tt.n, tt.w, tt.h, got, tt.want)
		}
	}
}

func solidJPEG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func near(c color.Color, r, g, b uint8) bool {
	cr, cg, cb, _ := c.RGBA()
	d := func(a uint32, b uint8) bool {
		v := int(a>>8) - int(b)
		return v > -24 && v < 24
	}
	return d(cr, r) && d(cg, g) && d(cb, b)
}

func TestComposePlacesCellsAndPlaceholders(t *testing.T) {
	red := solidJPEG(t, 32, 16, color.RGBA{R: 255, A: 255})
	// Larger frame must be scaled down to the first frame's size.
	green := solidJPEG(t, 64, 32, color.RGBA{G: 255, A: 255})

	c := NewComposer(3, 0, 0)
	out, err := c.Compose([][]byte{red, nil, green})
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 32 {
		t.Fatalf("grid size %dx%d, want 64x32", b.Dx(), b.Dy())
	}

	checks := []struct {
		name    string
		x, y    int
		r, g, b uint8
	}{
		{"red cell", 16, 8, 255, 0, 0},
		{"placeholder", 48, 8, 0, 0, 0},
		{"green cell", 16, 24, 0, 255, 0},
		{"unused cell", 48, 24, 0, 0, 0},
	}
	for _, ck := range checks {
		if !near(img.At(ck.x, ck.y), ck.r, ck.g, ck.b) {
			t.Errorf("%s at (%d,%d) = %v", ck.name, ck.x, ck.y, img.At(ck.x, ck.y))
		}
	}
}

func TestComposeErrors(t *testing.T) {
	if _, err := NewComposer(2, 0, 0).Compose([][]byte{nil, nil}); err != ErrNoFrames {
		t.Errorf("expected ErrNoFrames, got %v", err)
	}
	if _, err := NewComposer(1, 8, 8).Compose([][]byte{[]byte("not a jpeg")}); err == nil {
		t.Error("expected decode error")
	}
	if _, err := NewComposer(1, 8, 8).Compose([][]byte{nil, nil}); err == nil {
		t.Error("expected error for too many frames")
	}
	// All placeholders with a fixed cell size still yields a frame.
	if _, err := NewComposer(2, 8, 8).Compose([][]byte{nil, nil}); err != nil {
		t.Errorf("placeholder-only grid failed: %v", err)
	}
}
