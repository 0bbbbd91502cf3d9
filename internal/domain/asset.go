package domain

import (
	"bytes"
	"math"
	"path/filepath"
	"strings"
	"sync"
)

type AssetKind string

const (
	AssetKindJPEG    AssetKind = "jpeg"
	AssetKindPNG     AssetKind = "png"
	AssetKindWebP    AssetKind = "webp"
	AssetKindSVG     AssetKind = "svg"
	AssetKindHEIC    AssetKind = "heic"
	AssetKindUnknown AssetKind = "unknown"
)

// Native reports whether the kind decodes without a bridging collaborator.
func (k AssetKind) Native() bool {
	switch k {
	case AssetKindJPEG, AssetKindPNG, AssetKindWebP:
		return true
	default:
		return false
	}
}

// SourceAsset is the user-selected encoded input. It is never mutated after
// construction; Data must be treated as read-only.
type SourceAsset struct {
	Name string
	Kind AssetKind
	Data []byte
	Size int
}

func NewSourceAsset(name string, data []byte) SourceAsset {
	return SourceAsset{
		Name: name,
		Kind: DetectKind(name, data),
		Data: data,
		Size: len(data),
	}
}

// DetectKind sniffs magic bytes and falls back to the file extension.
func DetectKind(name string, data []byte) AssetKind {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return AssetKindJPEG
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return AssetKindPNG
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return AssetKindWebP
	case len(data) >= 12 && string(data[4:8]) == "ftyp" && isHEIFBrand(string(data[8:12])):
		return AssetKindHEIC
	case looksLikeSVG(data):
		return AssetKindSVG
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return AssetKindJPEG
	case ".png":
		return AssetKindPNG
	case ".webp":
		return AssetKindWebP
	case ".svg":
		return AssetKindSVG
	case ".heic", ".heif":
		return AssetKindHEIC
	default:
		return AssetKindUnknown
	}
}

func isHEIFBrand(brand string) bool {
	switch brand {
	case "heic", "heix", "hevc", "hevx", "heim", "heis", "mif1", "msf1":
		return true
	default:
		return false
	}
}

func looksLikeSVG(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	head = bytes.TrimSpace(head)
	if !bytes.HasPrefix(head, []byte("<")) {
		return false
	}
	return bytes.Contains(bytes.ToLower(head), []byte("<svg"))
}

// OutputArtifact is an encoded result. Only the owner that made it visible may
// release it.
type OutputArtifact struct {
	Data   []byte
	Size   int
	Width  int
	Height int
	Format Format

	mu       *sync.Mutex
	released bool
}

func NewOutputArtifact(data []byte, width, height int, format Format) *OutputArtifact {
	return &OutputArtifact{
		Data:   data,
		Size:   len(data),
		Width:  width,
		Height: height,
		Format: format,
		mu:     &sync.Mutex{},
	}
}

// Release drops the backing bytes. Size and dimensions stay readable.
func (a *OutputArtifact) Release() {
	if a == nil || a.mu == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Data = nil
	a.released = true
}

func (a *OutputArtifact) Released() bool {
	if a == nil || a.mu == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// Bytes returns the encoded data, or nil once released.
func (a *OutputArtifact) Bytes() []byte {
	if a == nil {
		return nil
	}
	if a.mu == nil {
		return a.Data
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Data
}

type SizeDelta struct {
	OriginalBytes int     `json:"original_bytes"`
	OutputBytes   int     `json:"output_bytes"`
	PercentChange float64 `json:"percent_change"`
}

// ComputeSizeDelta reports the output size relative to the original; negative
// percentages mean the output is smaller.
func ComputeSizeDelta(original, output int) SizeDelta {
	delta := SizeDelta{OriginalBytes: original, OutputBytes: output}
	if original > 0 {
		pct := float64(output-original) / float64(original) * 100
		delta.PercentChange = math.Round(pct*10) / 10
	}
	return delta
}
