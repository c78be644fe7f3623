// Package grid lays several camera streams out as one picture.
package grid

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"strings"

	"github.com/nfnt/resize"
)

// JPEGQuality is used when encoding composed frames.
const JPEGQuality = 90

// ErrNoFrames is returned by Compose when no cell has an image and no cell
// size was given.
var ErrNoFrames = errors.New("grid: no frames to compose")

// Layout returns the column and row count for n streams: one stream fills
// the frame, two sit side by side, more form the smallest near-square grid.
func Layout(n int) (cols, rows int) {
	switch {
	case n <= 0:
		return 0, 0
	case n == 1:
		return 1, 1
	case n == 2:
		return 2, 1
	}
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows = (n + cols - 1) / cols
	return cols, rows
}

// XStackLayout returns the layout argument of ffmpeg's xstack filter for n
// equally sized inputs placed row by row in a grid of cols columns.
func XStackLayout(n, cols int) string {
	if cols < 1 {
		cols = 1
	}
	cells := make([]string, n)
	for i := 0; i < n; i++ {
		col, row := i%cols, i/cols

		x := "0"
		if col > 0 {
			parts := make([]string, col)
			for j := range parts {
				parts[j] = fmt.Sprintf("w%d", j)
			}
			x = strings.Join(parts, "+")
		}

		y := "0"
		if row > 0 {
			parts := make([]string, row)
			for j := range parts {
				parts[j] = fmt.Sprintf("h%d", j*cols)
			}
			y = strings.Join(parts, "+")
		}

		cells[i] = x + "_" + y
	}
	return strings.Join(cells, "|")
}

// FilterComplex builds a filter graph stacking inputs 0..n-1 into [out].
// When cellW and cellH are set every input is scaled to that size first.
func FilterComplex(n, cellW, cellH int) string {
	if n == 1 {
		if cellW > 0 && cellH > 0 {
			return fmt.Sprintf("[0:v]scale=%d:%d[out]", cellW, cellH)
		}
		return "[0:v]null[out]"
	}

	cols, _ := Layout(n)
	var b strings.Builder
	inputs := make([]string, n)
	for i := 0; i < n; i++ {
		if cellW > 0 && cellH > 0 {
			fmt.Fprintf(&b, "[%d:v]scale=%d:%d[v%d];", i, cellW, cellH, i)
			inputs[i] = fmt.Sprintf("[v%d]", i)
		} else {
			inputs[i] = fmt.Sprintf("[%d:v]", i)
		}
	}
	fmt.Fprintf(&b, "%sxstack=inputs=%d:layout=%s[out]", strings.Join(inputs, ""), n, XStackLayout(n, cols))
	return b.String()
}

// Composer turns one JPEG per camera into a single grid JPEG.
type Composer struct {
	Cols, Rows   int
	CellW, CellH int // zero means the size of the first decodable frame
	Placeholder  color.Color
}

// NewComposer returns a composer for n cameras with black placeholders.
func NewComposer(n, cellW, cellH int) *Composer {
	cols, rows := Layout(n)
	return &Composer{Cols: cols, Rows: rows, CellW: cellW, CellH: cellH, Placeholder: color.Black}
}

// Compose decodes frames, scales each to the cell size and encodes the grid.
// A nil entry becomes a placeholder tile.
func (c *Composer) Compose(frames [][]byte) ([]byte, error) {
	if len(frames) > c.Cols*c.Rows {
		return nil, fmt.Errorf("grid: %d frames do not fit %dx%d", len(frames), c.Cols, c.Rows)
	}

	images := make([]image.Image, len(frames))
	for i, f := range frames {
		if f == nil {
			continue
		}
		img, err := jpeg.Decode(bytes.NewReader(f))
		if err != nil {
			return nil, fmt.Errorf("grid: decode cell %d: %w", i, err)
		}
		images[i] = img
		// Lock the cell size to the first frame seen.
		if c.CellW == 0 || c.CellH == 0 {
			b := img.Bounds()
			c.CellW, c.CellH = b.Dx(), b.Dy()
		}
	}
	if c.CellW == 0 || c.CellH == 0 {
		return nil, ErrNoFrames
	}

	canvas := image.NewRGBA(image.Rect(0, 0, c.Cols*c.CellW, c.Rows*c.CellH))
	placeholder := c.Placeholder
	if placeholder == nil {
		placeholder = color.Black
	}
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: placeholder}, image.Point{}, draw.Src)

	for i, img := range images {
		if img == nil {
			continue
		}
		b := img.Bounds()
		if b.Dx() != c.CellW || b.Dy() != c.CellH {
			img = resize.Resize(uint(c.CellW), uint(c.CellH), img, resize.Bilinear)
		}
		origin := image.Pt((i%c.Cols)*c.CellW, (i/c.Cols)*c.CellH)
		draw.Draw(canvas, image.Rectangle{Min: origin, Max: origin.Add(image.Pt(c.CellW, c.CellH))}, img, img.Bounds().Min, draw.Src)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("grid: encode: %w", err)
	}
	return buf.Bytes(), nil
}
