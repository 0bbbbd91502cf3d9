package pipeline

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"

	"github.com/dunamismax/pixelstudio/internal/domain"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	defaultWatermarkFontSize = 24
	watermarkPad             = 12
)

// ApplyWatermark composites text over img in place. Empty text is a no-op.
func ApplyWatermark(img *image.NRGBA, wm *domain.Watermark) {
	if wm == nil {
		return
	}
	text := strings.TrimSpace(wm.Text)
	if text == "" || wm.Opacity <= 0 {
		return
	}

	glyphs := renderTextMask(text, wm.FontSize)
	r, g, b := uint8(255), uint8(255), uint8(255)
	if wm.Color != "" {
		if pr, pg, pb, err := domain.ParseHexColor(wm.Color); err == nil {
			r, g, b = pr, pg, pb
		}
	}
	opacity := math.Min(wm.Opacity, 1)

	pos := watermarkPosition(img.Bounds(), glyphs.Bounds().Size(), wm.Anchor)
	target := image.Rectangle{Min: pos, Max: pos.Add(glyphs.Bounds().Size())}

	fill := image.NewUniform(color.NRGBA{R: r, G: g, B: b, A: uint8(math.Round(opacity * 255))})
	draw.DrawMask(img, target, fill, image.Point{}, glyphs, image.Point{}, draw.Over)
}

// renderTextMask draws text with the 7x13 bitmap face and scales the
// resulting alpha mask to the requested pixel height.
func renderTextMask(text string, fontSize int) *image.Alpha {
	if fontSize <= 0 {
		fontSize = defaultWatermarkFontSize
	}

	face := basicfont.Face7x13
	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	height := metrics.Height.Ceil()

	drawer := &font.Drawer{Face: face, Src: image.Opaque}
	width := max(1, drawer.MeasureString(text).Ceil())

	native := image.NewAlpha(image.Rect(0, 0, width, height))
	drawer.Dst = native
	drawer.Dot = fixed.P(0, ascent)
	drawer.DrawString(text)

	if fontSize == height {
		return native
	}
	scale := float64(fontSize) / float64(height)
	scaled := image.NewAlpha(image.Rect(0, 0, max(1, int(math.Round(float64(width)*scale))), fontSize))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), native, native.Bounds(), xdraw.Src, nil)
	return scaled
}

func watermarkPosition(bounds image.Rectangle, text image.Point, anchor domain.Anchor) image.Point {
	minX, minY := bounds.Min.X, bounds.Min.Y
	maxX, maxY := bounds.Max.X, bounds.Max.Y

	leftX := minX + watermarkPad
	centerX := minX + (bounds.Dx()-text.X)/2
	rightX := maxX - text.X - watermarkPad

	topY := minY + watermarkPad
	centerY := minY + (bounds.Dy()-text.Y)/2
	bottomY := maxY - text.Y - watermarkPad

	var x, y int
	switch anchor {
	case domain.AnchorTopLeft:
		x, y = leftX, topY
	case domain.AnchorTopRight:
		x, y = rightX, topY
	case domain.AnchorBottomLeft:
		x, y = leftX, bottomY
	case domain.AnchorCenter:
		x, y = centerX, centerY
	default:
		x, y = rightX, bottomY
	}
	return image.Pt(clamp(x, minX, maxX), clamp(y, minY, maxY))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
