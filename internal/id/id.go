package id

import (
	"strings"

	"github.com/google/uuid"
)

func New() string {
	return uuid.NewString()
}

// NewSession returns a compact identifier for editing sessions.
func NewSession() string {
	return "ses_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func Valid(in string) bool {
	in = strings.TrimPrefix(in, "ses_")
	_, err := uuid.Parse(in)
	return err == nil
}
