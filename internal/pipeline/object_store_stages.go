package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/pixelstudio/internal/domain"
)

type objectStore interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage objectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, objectKey string) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	return f.Storage.ReadObject(ctx, objectKey)
}

type ObjectStoreEmitter struct {
	Storage      objectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, jobID, objectKey string, artifact *domain.OutputArtifact) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}
	if artifact == nil {
		return "", errors.New("artifact is required")
	}

	key := path.Join(
		defaultOutputPrefix(e.OutputPrefix),
		sanitizePathToken(jobID),
		outputName(objectKey, artifact.Format),
	)
	if err := e.Storage.WriteObject(ctx, key, artifact.Bytes(), artifact.Format.ContentType()); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", key, err)
	}
	return key, nil
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
