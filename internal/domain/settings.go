package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

const (
	DefaultQuality = 85
	MinQuality     = 1
	MaxQuality     = 100
)

// Raster limits. Every buffer the engine allocates from user input is checked
// against them first.
const (
	MaxDimension = 16384
	MaxPixels    = 100_000_000
	MaxFontSize  = 512
)

func ParseFormat(in string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidSettings, in)
	}
}

// Lossy reports whether quality affects the encoded output.
func (f Format) Lossy() bool {
	return f == FormatJPEG || f == FormatWebP
}

func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

type Anchor string

const (
	AnchorCenter      Anchor = "center"
	AnchorTopLeft     Anchor = "topLeft"
	AnchorTopRight    Anchor = "topRight"
	AnchorBottomLeft  Anchor = "bottomLeft"
	AnchorBottomRight Anchor = "bottomRight"
)

func (a Anchor) valid() bool {
	switch a {
	case AnchorCenter, AnchorTopLeft, AnchorTopRight, AnchorBottomLeft, AnchorBottomRight:
		return true
	default:
		return false
	}
}

// CropRect is expressed in source pixel space.
type CropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Adjustments struct {
	Brightness  int `json:"brightness"`
	Contrast    int `json:"contrast"`
	Saturation  int `json:"saturation"`
	Temperature int `json:"temperature"`
	Sharpness   int `json:"sharpness"`
	Vignette    int `json:"vignette"`
}

func (a Adjustments) IsIdentity() bool {
	return a == Adjustments{}
}

func (a Adjustments) Validate() error {
	signed := map[string]int{
		"brightness":  a.Brightness,
		"contrast":    a.Contrast,
		"saturation":  a.Saturation,
		"temperature": a.Temperature,
	}
	for name, v := range signed {
		if v < -100 || v > 100 {
			return fmt.Errorf("%w: adjustments.%s must be within [-100,100], got %d", ErrInvalidSettings, name, v)
		}
	}
	if a.Sharpness < 0 || a.Sharpness > 100 {
		return fmt.Errorf("%w: adjustments.sharpness must be within [0,100], got %d", ErrInvalidSettings, a.Sharpness)
	}
	if a.Vignette < 0 || a.Vignette > 100 {
		return fmt.Errorf("%w: adjustments.vignette must be within [0,100], got %d", ErrInvalidSettings, a.Vignette)
	}
	return nil
}

type Watermark struct {
	Text     string  `json:"text"`
	Color    string  `json:"color,omitempty"`
	Opacity  float64 `json:"opacity"`
	FontSize int     `json:"font_size,omitempty"`
	Anchor   Anchor  `json:"anchor,omitempty"`
}

func (w Watermark) Validate() error {
	if w.Opacity < 0 || w.Opacity > 1 {
		return fmt.Errorf("%w: watermark.opacity must be within [0,1], got %v", ErrInvalidSettings, w.Opacity)
	}
	if w.FontSize < 0 || w.FontSize > MaxFontSize {
		return fmt.Errorf("%w: watermark.font_size must be within [0,%d], got %d", ErrInvalidSettings, MaxFontSize, w.FontSize)
	}
	if w.Anchor != "" && !w.Anchor.valid() {
		return fmt.Errorf("%w: unsupported watermark.anchor %q", ErrInvalidSettings, w.Anchor)
	}
	if w.Color != "" {
		if _, _, _, err := ParseHexColor(w.Color); err != nil {
			return err
		}
	}
	return nil
}

// TransformSettings is an immutable value: every edit produces a new one via
// the With* helpers.
type TransformSettings struct {
	Width        int          `json:"width"`
	Height       int          `json:"height"`
	AspectLocked bool         `json:"aspect_locked"`
	Quality      int          `json:"quality"`
	Format       Format       `json:"format"`
	Crop         *CropRect    `json:"crop_rect,omitempty"`
	Adjustments  *Adjustments `json:"adjustments,omitempty"`
	Watermark    *Watermark   `json:"watermark,omitempty"`
}

func DefaultSettings() TransformSettings {
	return TransformSettings{
		AspectLocked: true,
		Quality:      DefaultQuality,
		Format:       FormatJPEG,
	}
}

// Normalized fills zero-valued quality and format with defaults.
func (s TransformSettings) Normalized() TransformSettings {
	if s.Quality == 0 {
		s.Quality = DefaultQuality
	}
	if s.Format == "" {
		s.Format = FormatJPEG
	}
	if f, err := ParseFormat(string(s.Format)); err == nil {
		s.Format = f
	}
	return s.clonePointers()
}

func (s TransformSettings) Validate() error {
	if s.Quality < MinQuality || s.Quality > MaxQuality {
		return fmt.Errorf("%w: quality must be within [%d,%d], got %d", ErrInvalidSettings, MinQuality, MaxQuality, s.Quality)
	}
	if s.Width < 0 || s.Height < 0 {
		return fmt.Errorf("%w: width and height must be >= 0", ErrInvalidSettings)
	}
	if s.Width > MaxDimension || s.Height > MaxDimension {
		return fmt.Errorf("%w: width and height must be <= %d", ErrInvalidSettings, MaxDimension)
	}
	if s.Width > 0 && s.Height > 0 {
		if err := CheckDimensions(s.Width, s.Height); err != nil {
			return err
		}
	}
	if _, err := ParseFormat(string(s.Format)); err != nil {
		return err
	}
	if s.Crop != nil && (s.Crop.Width <= 0 || s.Crop.Height <= 0) {
		return fmt.Errorf("%w: crop_rect width and height must be > 0", ErrInvalidSettings)
	}
	if s.Adjustments != nil {
		if err := s.Adjustments.Validate(); err != nil {
			return err
		}
	}
	if s.Watermark != nil {
		if err := s.Watermark.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// WithWidth returns a copy with width set; with the aspect lock on, height
// follows from nativeAspect (width / height).
func (s TransformSettings) WithWidth(w int, nativeAspect float64) TransformSettings {
	out := s.clonePointers()
	out.Width = w
	if out.AspectLocked && nativeAspect > 0 {
		if w == 0 {
			out.Height = 0
		} else {
			out.Height = max(1, int(math.Round(float64(w)/nativeAspect)))
		}
	}
	return out
}

func (s TransformSettings) WithHeight(h int, nativeAspect float64) TransformSettings {
	out := s.clonePointers()
	out.Height = h
	if out.AspectLocked && nativeAspect > 0 {
		if h == 0 {
			out.Width = 0
		} else {
			out.Width = max(1, int(math.Round(float64(h)*nativeAspect)))
		}
	}
	return out
}

func (s TransformSettings) WithQuality(q int) TransformSettings {
	out := s.clonePointers()
	out.Quality = q
	return out
}

func (s TransformSettings) WithFormat(f Format) TransformSettings {
	out := s.clonePointers()
	out.Format = f
	return out
}

func (s TransformSettings) WithAdjustments(a Adjustments) TransformSettings {
	out := s.clonePointers()
	out.Adjustments = &a
	return out
}

// CheckDimensions rejects rasters wider or taller than MaxDimension or larger
// than MaxPixels.
func CheckDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: raster %dx%d has no pixels", ErrInvalidSettings, width, height)
	}
	if width > MaxDimension || height > MaxDimension || int64(width)*int64(height) > MaxPixels {
		return fmt.Errorf("%w: raster %dx%d exceeds %dpx per side or %d pixels", ErrInvalidSettings, width, height, MaxDimension, MaxPixels)
	}
	return nil
}

// ResolveDimensions computes the output size for a source of the given native
// dimensions. Zero on both sides means native. When locked and both sides are
// set, width wins.
func (s TransformSettings) ResolveDimensions(nativeW, nativeH int) (int, int) {
	if nativeW <= 0 || nativeH <= 0 {
		return 0, 0
	}
	w, h := s.Width, s.Height
	switch {
	case w == 0 && h == 0:
		return nativeW, nativeH
	case !s.AspectLocked:
		if w == 0 {
			w = nativeW
		}
		if h == 0 {
			h = nativeH
		}
		return w, h
	case w > 0:
		aspect := float64(nativeW) / float64(nativeH)
		return w, max(1, int(math.Round(float64(w)/aspect)))
	default:
		aspect := float64(nativeW) / float64(nativeH)
		return max(1, int(math.Round(float64(h)*aspect))), h
	}
}

// FiltersOnlyChange reports whether next differs from s only in adjustments
// or watermark, which allows a filter-only preview update.
func (s TransformSettings) FiltersOnlyChange(next TransformSettings) bool {
	a, b := s, next
	a.Adjustments, b.Adjustments = nil, nil
	a.Watermark, b.Watermark = nil, nil
	a.Crop, b.Crop = nil, nil
	if a != b {
		return false
	}
	return cropEqual(s.Crop, next.Crop)
}

func cropEqual(a, b *CropRect) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s TransformSettings) clonePointers() TransformSettings {
	if s.Crop != nil {
		c := *s.Crop
		s.Crop = &c
	}
	if s.Adjustments != nil {
		a := *s.Adjustments
		s.Adjustments = &a
	}
	if s.Watermark != nil {
		w := *s.Watermark
		s.Watermark = &w
	}
	return s
}

// ParseHexColor accepts #rgb and #rrggbb.
func ParseHexColor(in string) (r, g, b uint8, err error) {
	hex := strings.TrimPrefix(strings.TrimSpace(in), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return 0, 0, 0, fmt.Errorf("%w: invalid color %q", ErrInvalidSettings, in)
	}
	v, perr := strconv.ParseUint(hex, 16, 32)
	if perr != nil {
		return 0, 0, 0, fmt.Errorf("%w: invalid color %q", ErrInvalidSettings, in)
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v), nil
}
