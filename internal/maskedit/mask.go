package maskedit

import (
	"image"
	"image/color"
	"math"
)

// Mask is a binary selection the size of the raster it covers. Stamping only
// ever sets bits; Clear is the only way back to empty.
type Mask struct {
	width, height int
	bits          []bool
	count         int
}

func NewMask(width, height int) *Mask {
	width, height = max(0, width), max(0, height)
	return &Mask{width: width, height: height, bits: make([]bool, width*height)}
}

func (m *Mask) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.width, m.height)
}

func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return false
	}
	return m.bits[y*m.width+x]
}

// Count is the number of selected pixels.
func (m *Mask) Count() int { return m.count }

func (m *Mask) Empty() bool { return m.count == 0 }

func (m *Mask) Clear() {
	clear(m.bits)
	m.count = 0
}

// StampDisc selects every pixel within radius of (cx, cy), clipped to bounds.
// A radius past the mask's extent selects everything it can reach.
func (m *Mask) StampDisc(cx, cy, radius int) {
	radius = m.clampRadius(radius)
	if cx < -radius || cy < -radius || cx > m.width-1+radius || cy > m.height-1+radius {
		return
	}
	r2 := radius * radius
	y0, y1 := max(0, cy-radius), min(m.height-1, cy+radius)
	x0, x1 := max(0, cx-radius), min(m.width-1, cx+radius)
	for y := y0; y <= y1; y++ {
		dy := y - cy
		row := y * m.width
		for x := x0; x <= x1; x++ {
			dx := x - cx
			if dx*dx+dy*dy > r2 {
				continue
			}
			if !m.bits[row+x] {
				m.bits[row+x] = true
				m.count++
			}
		}
	}
}

// StampSegment stamps discs along the segment so fast pointer moves leave no
// gaps. Only the part of the segment within radius of the mask is walked.
func (m *Mask) StampSegment(x0, y0, x1, y1, radius int) {
	radius = m.clampRadius(radius)
	r := float64(radius)
	ax, ay, bx, by, ok := clipSegment(
		float64(x0), float64(y0), float64(x1), float64(y1),
		-r, -r, float64(m.width-1)+r, float64(m.height-1)+r,
	)
	if !ok {
		return
	}
	x0, y0 = int(math.Round(ax)), int(math.Round(ay))
	x1, y1 = int(math.Round(bx)), int(math.Round(by))

	dx, dy := x1-x0, y1-y0
	steps := max(abs(dx), abs(dy))
	spacing := max(1, radius/2)
	n := max(1, steps/spacing)
	for i := 0; i <= n; i++ {
		x := x0 + dx*i/n
		y := y0 + dy*i/n
		m.StampDisc(x, y, radius)
	}
}

// clampRadius bounds a brush radius to [0, width+height]; any disc that large
// centred within reach of the mask already covers all of it.
func (m *Mask) clampRadius(radius int) int {
	return min(max(0, radius), m.width+m.height)
}

// clipSegment clips the segment to the rectangle (Liang-Barsky). ok is false
// when no part of it lies inside.
func clipSegment(x0, y0, x1, y1, minX, minY, maxX, maxY float64) (ax, ay, bx, by float64, ok bool) {
	dx, dy := x1-x0, y1-y0
	t0, t1 := 0.0, 1.0
	edges := [4][2]float64{
		{-dx, x0 - minX},
		{dx, maxX - x0},
		{-dy, y0 - minY},
		{dy, maxY - y0},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return 0, 0, 0, 0, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return 0, 0, 0, 0, false
			}
			t0 = max(t0, t)
		} else {
			if t < t0 {
				return 0, 0, 0, 0, false
			}
			t1 = min(t1, t)
		}
	}
	return x0 + t0*dx, y0 + t0*dy, x0 + t1*dx, y0 + t1*dy, true
}

// Gray renders the mask as 255 for selected pixels and 0 elsewhere, the
// format inpainting collaborators accept.
func (m *Mask) Gray() *image.Gray {
	out := image.NewGray(m.Bounds())
	for i, set := range m.bits {
		if set {
			out.Pix[i] = 255
		}
	}
	return out
}

// Overlay tints the selected pixels of img for display without touching img.
func (m *Mask) Overlay(img *image.NRGBA, tint color.NRGBA) *image.NRGBA {
	out := cloneNRGBA(img)
	b := out.Bounds()
	a := uint32(tint.A)
	for y := 0; y < min(b.Dy(), m.height); y++ {
		for x := 0; x < min(b.Dx(), m.width); x++ {
			if !m.bits[y*m.width+x] {
				continue
			}
			i := y*out.Stride + x*4
			out.Pix[i] = uint8((uint32(out.Pix[i])*(255-a) + uint32(tint.R)*a) / 255)
			out.Pix[i+1] = uint8((uint32(out.Pix[i+1])*(255-a) + uint32(tint.G)*a) / 255)
			out.Pix[i+2] = uint8((uint32(out.Pix[i+2])*(255-a) + uint32(tint.B)*a) / 255)
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		start := (y+b.Min.Y-src.Rect.Min.Y)*src.Stride + (b.Min.X-src.Rect.Min.X)*4
		copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()*4], src.Pix[start:start+b.Dx()*4])
	}
	return out
}
