package pipeline

import (
	"image"
	"runtime"
	"sync"

	"github.com/chewxy/math32"
	"github.com/dunamismax/pixelstudio/internal/domain"
)

// StageKind names a filter stage. Stages run in declaration order.
type StageKind int

const (
	StageTone StageKind = iota
	StageTemperature
	StageSharpen
	StageVignette
)

func (k StageKind) String() string {
	switch k {
	case StageTone:
		return "tone"
	case StageTemperature:
		return "temperature"
	case StageSharpen:
		return "sharpen"
	case StageVignette:
		return "vignette"
	default:
		return "unknown"
	}
}

// Stage is one tagged filter operation. Tone uses all three factors, the
// other kinds only Amount.
type Stage struct {
	Kind       StageKind
	Brightness float32
	Contrast   float32
	Saturation float32
	Amount     float32
}

// StagesFor builds the fixed tone -> temperature -> sharpen -> vignette list,
// omitting stages at their identity value.
func StagesFor(adj domain.Adjustments) []Stage {
	stages := make([]Stage, 0, 4)
	if adj.Brightness != 0 || adj.Contrast != 0 || adj.Saturation != 0 {
		stages = append(stages, Stage{
			Kind:       StageTone,
			Brightness: 1 + float32(adj.Brightness)/100,
			Contrast:   1 + float32(adj.Contrast)/100,
			Saturation: 1 + float32(adj.Saturation)/100,
		})
	}
	if adj.Temperature != 0 {
		stages = append(stages, Stage{Kind: StageTemperature, Amount: float32(adj.Temperature) * 0.8})
	}
	if adj.Sharpness != 0 {
		stages = append(stages, Stage{Kind: StageSharpen, Amount: float32(adj.Sharpness) / 100 * 0.6})
	}
	if adj.Vignette != 0 {
		stages = append(stages, Stage{Kind: StageVignette, Amount: float32(adj.Vignette) / 100})
	}
	return stages
}

// ApplyAdjustments runs the adjustment stages in place on img.
func ApplyAdjustments(img *image.NRGBA, adj domain.Adjustments) {
	RunStages(img, StagesFor(adj))
}

// RunStages executes stages in the given order, in place.
func RunStages(img *image.NRGBA, stages []Stage) {
	for _, st := range stages {
		switch st.Kind {
		case StageTone:
			applyTone(img, st.Brightness, st.Contrast, st.Saturation)
		case StageTemperature:
			applyTemperature(img, st.Amount)
		case StageSharpen:
			applySharpen(img, st.Amount)
		case StageVignette:
			applyVignette(img, st.Amount)
		}
	}
}

// applyTone composes brightness, contrast and saturation per pixel, clamping
// after each factor.
func applyTone(img *image.NRGBA, brightness, contrast, saturation float32) {
	s := saturation
	m := [9]float32{
		0.213 + 0.787*s, 0.715 - 0.715*s, 0.072 - 0.072*s,
		0.213 - 0.213*s, 0.715 + 0.285*s, 0.072 - 0.072*s,
		0.213 - 0.213*s, 0.715 - 0.715*s, 0.072 + 0.928*s,
	}

	parallelRows(img.Rect.Dy(), func(y0, y1 int) {
		w := img.Rect.Dx()
		for y := y0; y < y1; y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+w*4]
			for i := 0; i < len(row); i += 4 {
				var c [3]float32
				for k := 0; k < 3; k++ {
					v := clampf(float32(row[i+k]) * brightness)
					c[k] = clampf((v-128)*contrast + 128)
				}
				row[i] = clamp8(m[0]*c[0] + m[1]*c[1] + m[2]*c[2])
				row[i+1] = clamp8(m[3]*c[0] + m[4]*c[1] + m[5]*c[2])
				row[i+2] = clamp8(m[6]*c[0] + m[7]*c[1] + m[8]*c[2])
			}
		}
	})
}

func applyTemperature(img *image.NRGBA, shift float32) {
	parallelRows(img.Rect.Dy(), func(y0, y1 int) {
		w := img.Rect.Dx()
		for y := y0; y < y1; y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+w*4]
			for i := 0; i < len(row); i += 4 {
				row[i] = clamp8(float32(row[i]) + shift)
				row[i+2] = clamp8(float32(row[i+2]) - shift)
			}
		}
	})
}

// applySharpen convolves a 3x3 kernel (center 1+4s, four neighbours -s)
// reading from a copy. The border ring and alpha are left unmodified.
func applySharpen(img *image.NRGBA, strength float32) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w < 3 || h < 3 {
		return
	}
	src := make([]uint8, len(img.Pix))
	copy(src, img.Pix)
	center := 1 + 4*strength
	stride := img.Stride

	parallelRows(h, func(y0, y1 int) {
		for y := max(y0, 1); y < min(y1, h-1); y++ {
			for x := 1; x < w-1; x++ {
				i := y*stride + x*4
				for k := 0; k < 3; k++ {
					sum := float32(src[i+k])*center -
						strength*(float32(src[i-stride+k])+
							float32(src[i+stride+k])+
							float32(src[i-4+k])+
							float32(src[i+4+k]))
					img.Pix[i+k] = clamp8(sum)
				}
			}
		}
	})
}

// applyVignette darkens towards the corners: transparent inside
// 0.5*(1-0.4*amount)*maxRadius, ramping to an opacity of 0.3+0.5*amount at
// maxRadius.
func applyVignette(img *image.NRGBA, amount float32) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	cx, cy := float32(w)/2, float32(h)/2
	maxRadius := math32.Sqrt(cx*cx + cy*cy)
	if maxRadius == 0 {
		return
	}
	inner := 0.5 * (1 - 0.4*amount) * maxRadius
	outerOpacity := 0.3 + 0.5*amount
	span := maxRadius - inner

	parallelRows(h, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			dy := float32(y) + 0.5 - cy
			row := img.Pix[y*img.Stride : y*img.Stride+w*4]
			for x := 0; x < w; x++ {
				dx := float32(x) + 0.5 - cx
				d := math32.Sqrt(dx*dx + dy*dy)
				if d <= inner {
					continue
				}
				t := (d - inner) / span
				if t > 1 {
					t = 1
				}
				keep := 1 - outerOpacity*t
				i := x * 4
				row[i] = clamp8(float32(row[i]) * keep)
				row[i+1] = clamp8(float32(row[i+1]) * keep)
				row[i+2] = clamp8(float32(row[i+2]) * keep)
			}
		}
	})
}

// parallelRows splits [0,rows) into contiguous bands across GOMAXPROCS.
func parallelRows(rows int, fn func(y0, y1 int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > rows {
		workers = rows
	}
	if workers <= 1 || rows < 64 {
		fn(0, rows)
		return
	}

	band := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for y0 := 0; y0 < rows; y0 += band {
		y1 := min(y0+band, rows)
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			fn(y0, y1)
		}(y0, y1)
	}
	wg.Wait()
}

func clampf(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func clamp8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
