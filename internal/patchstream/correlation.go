package patchstream

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewCorrelationID returns a sortable request id with the given prefix.
func NewCorrelationID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func correlationID() string {
	return NewCorrelationID("stream")
}
