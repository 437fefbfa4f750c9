package utils

import (
	"strings"

	"github.com/google/uuid"
)

const streamIDPrefix = "str_"

// NewStreamID returns an opaque stream id.
func NewStreamID() string {
	return streamIDPrefix + uuid.NewString()
}

// NewRequestID returns an id for correlating one HTTP request.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// NewInstanceID tags a process for cross-instance origin checks.
func NewInstanceID() string {
	return "inst_" + uuid.NewString()[:8]
}

// ShortSuffix returns the first n characters of an id after its prefix.
func ShortSuffix(id string, n int) string {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > n {
		return id[:n]
	}
	return id
}
