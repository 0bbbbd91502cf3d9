package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelstudio/internal/domain"
)

// Fetcher loads the encoded bytes of one batch asset.
type Fetcher interface {
	Fetch(ctx context.Context, objectKey string) ([]byte, error)
}

// Emitter persists one batch artifact and returns where it was written.
type Emitter interface {
	Emit(ctx context.Context, jobID, objectKey string, artifact *domain.OutputArtifact) (string, error)
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, objectKey string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(objectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", objectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, jobID, objectKey string, artifact *domain.OutputArtifact) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}
	if artifact == nil {
		return "", errors.New("artifact is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(jobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, outputName(objectKey, artifact.Format))
	if err := os.WriteFile(fullPath, artifact.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write output file: %w", err)
	}
	return fullPath, nil
}

func outputName(objectKey string, format domain.Format) string {
	base := filepath.Base(filepath.ToSlash(objectKey))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s.%s", sanitizePathToken(base), format)
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
