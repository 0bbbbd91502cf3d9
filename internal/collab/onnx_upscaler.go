package collab

import (
	"context"
	"image"
	"sync"

	"github.com/dunamismax/pixelstudio/internal/domain"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

type ONNXUpscalerConfig struct {
	ModelPath string
	// ModelScale is the fixed factor the network produces, usually 2 or 4.
	ModelScale int
	InputName  string
	OutputName string
	Threads    int
}

// ONNXUpscaler runs a super-resolution network taking and returning
// [1,3,H,W] float32 RGB in [0,1]. A request for 4x against a 2x model runs
// the model twice. Alpha is not modelled and comes back opaque.
type ONNXUpscaler struct {
	runtime *Runtime
	cfg     ONNXUpscalerConfig

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

func NewONNXUpscaler(runtime *Runtime, cfg ONNXUpscalerConfig) (*ONNXUpscaler, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx upscaler: model path is required")
	}
	if cfg.ModelScale == 0 {
		cfg.ModelScale = 2
	}
	if err := ValidateScale(cfg.ModelScale); err != nil {
		return nil, errors.Wrap(err, "onnx upscaler")
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}

	if err := runtime.Acquire(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		_ = runtime.Release()
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()
	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			_ = runtime.Release()
			return nil, errors.Wrap(err, "set intra-op threads")
		}
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		_ = runtime.Release()
		return nil, errors.Wrap(err, "set graph optimization level")
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		_ = runtime.Release()
		return nil, errors.Wrapf(err, "load model %s", cfg.ModelPath)
	}

	return &ONNXUpscaler{runtime: runtime, cfg: cfg, session: session}, nil
}

func (u *ONNXUpscaler) Upscale(ctx context.Context, raster *image.NRGBA, scale int) (*image.NRGBA, error) {
	if err := ValidateScale(scale); err != nil {
		return nil, err
	}
	if scale < u.cfg.ModelScale || scale%u.cfg.ModelScale != 0 {
		return nil, &domain.ExternalServiceError{
			Service: "upscale",
			Err:     errors.Errorf("model produces %dx, cannot serve %dx", u.cfg.ModelScale, scale),
		}
	}

	out := raster
	for done := 1; done < scale; done *= u.cfg.ModelScale {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := u.pass(out)
		if err != nil {
			return nil, &domain.ExternalServiceError{Service: "upscale", Err: err}
		}
		out = next
	}
	if err := ValidateOutput("upscale", out, raster.Rect.Dx()*scale, raster.Rect.Dy()*scale); err != nil {
		return nil, err
	}
	return out, nil
}

func (u *ONNXUpscaler) pass(raster *image.NRGBA) (*image.NRGBA, error) {
	w, h := raster.Rect.Dx(), raster.Rect.Dy()
	s := u.cfg.ModelScale

	input, err := ort.NewTensor(ort.NewShape(1, 3, int64(h), int64(w)), nchwFromNRGBA(raster))
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(h*s), int64(w*s)))
	if err != nil {
		return nil, errors.Wrap(err, "create output tensor")
	}
	defer output.Destroy()

	u.mu.Lock()
	if u.session == nil {
		u.mu.Unlock()
		return nil, errors.New("upscaler is closed")
	}
	err = u.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output})
	u.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "run model")
	}

	return nrgbaFromNCHW(output.GetData(), w*s, h*s), nil
}

func (u *ONNXUpscaler) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.session == nil {
		return nil
	}
	err := u.session.Destroy()
	u.session = nil
	if rerr := u.runtime.Release(); err == nil {
		err = rerr
	}
	return errors.Wrap(err, "close onnx upscaler")
}

// nchwFromNRGBA lays out RGB planes scaled to [0,1].
func nchwFromNRGBA(img *image.NRGBA) []float32 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			out[i] = float32(row[x*4]) / 255
			out[plane+i] = float32(row[x*4+1]) / 255
			out[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
	return out
}

func nrgbaFromNCHW(data []float32, w, h int) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	plane := w * h
	if len(data) < 3*plane {
		return out
	}
	for i := 0; i < plane; i++ {
		out.Pix[i*4] = unitToByte(data[i])
		out.Pix[i*4+1] = unitToByte(data[plane+i])
		out.Pix[i*4+2] = unitToByte(data[2*plane+i])
		out.Pix[i*4+3] = 255
	}
	return out
}

func unitToByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
