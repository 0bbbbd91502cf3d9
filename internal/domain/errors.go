package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSettings   = errors.New("invalid settings")
	ErrBridgeUnavailable = errors.New("format bridge unavailable")
)

// DecodeError fails a single asset. A bridge failure is reported as a
// DecodeError wrapping ErrBridgeUnavailable.
type DecodeError struct {
	Asset string
	Kind  AssetKind
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Asset != "" {
		return fmt.Sprintf("decode %s (%s): %v", e.Asset, e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeUnsupportedError aborts only the current run.
type EncodeUnsupportedError struct {
	Format Format
	Reason string
}

func (e *EncodeUnsupportedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no encoder for format %q: %s", e.Format, e.Reason)
	}
	return fmt.Sprintf("no encoder for format %q", e.Format)
}

// ExternalServiceError is returned by every collaborator call. Retries are
// user initiated only.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s service failed status=%d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s service failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindInvalid           ErrorKind = "invalid"
	ErrorKindDecode            ErrorKind = "decode"
	ErrorKindBridge            ErrorKind = "bridge"
	ErrorKindEncodeUnsupported ErrorKind = "encode_unsupported"
	ErrorKindExternalService   ErrorKind = "external_service"
	ErrorKindInternal          ErrorKind = "internal"
)

// Classify maps an error onto the user-facing taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	var (
		decodeErr   *DecodeError
		encodeErr   *EncodeUnsupportedError
		externalErr *ExternalServiceError
	)
	switch {
	case errors.Is(err, ErrBridgeUnavailable):
		return ErrorKindBridge
	case errors.As(err, &decodeErr):
		return ErrorKindDecode
	case errors.As(err, &encodeErr):
		return ErrorKindEncodeUnsupported
	case errors.As(err, &externalErr):
		return ErrorKindExternalService
	case errors.Is(err, ErrInvalidSettings):
		return ErrorKindInvalid
	default:
		return ErrorKindInternal
	}
}
