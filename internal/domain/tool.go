package domain

import (
	"fmt"
	"strings"
)

// ToolKind is the closed set of editor tools. Switches over it must be
// exhaustive and reject unknown values.
type ToolKind int

const (
	ToolUnknown ToolKind = iota
	ToolCompress
	ToolResize
	ToolCrop
	ToolConvert
	ToolAdjust
	ToolWatermark
	ToolRemoveBackground
	ToolUpscale
	ToolOCR
	ToolInpaint
	ToolSVGConvert
)

var toolNames = map[ToolKind]string{
	ToolCompress:         "compress",
	ToolResize:           "resize",
	ToolCrop:             "crop",
	ToolConvert:          "convert",
	ToolAdjust:           "adjust",
	ToolWatermark:        "watermark",
	ToolRemoveBackground: "remove_background",
	ToolUpscale:          "upscale",
	ToolOCR:              "ocr",
	ToolInpaint:          "inpaint",
	ToolSVGConvert:       "svg_convert",
}

func ParseToolKind(in string) (ToolKind, error) {
	in = strings.ToLower(strings.TrimSpace(in))
	for kind, name := range toolNames {
		if name == in {
			return kind, nil
		}
	}
	return ToolUnknown, fmt.Errorf("%w: unknown tool %q", ErrInvalidSettings, in)
}

func (k ToolKind) String() string {
	if name, ok := toolNames[k]; ok {
		return name
	}
	return "unknown"
}

// UsesPipeline reports whether the tool is served by the local transform
// pipeline and the recompute scheduler.
func (k ToolKind) UsesPipeline() bool {
	switch k {
	case ToolCompress, ToolResize, ToolCrop, ToolConvert, ToolAdjust, ToolWatermark:
		return true
	case ToolRemoveBackground, ToolUpscale, ToolOCR, ToolInpaint, ToolSVGConvert:
		return false
	default:
		return false
	}
}

// UsesCollaborator reports whether the tool calls an external service.
func (k ToolKind) UsesCollaborator() bool {
	switch k {
	case ToolRemoveBackground, ToolUpscale, ToolOCR, ToolInpaint, ToolSVGConvert:
		return true
	case ToolCompress, ToolResize, ToolCrop, ToolConvert, ToolAdjust, ToolWatermark:
		return false
	default:
		return false
	}
}
