package tunnel

import (
	"strings"

	"github.com/google/uuid"
)

// MaxRequestIDLength caps request ids accepted from external callers;
// longer values are replaced with a fresh id.
const MaxRequestIDLength = 64

// NewRequestID returns a fresh short request id.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidRequestID reports whether an externally supplied id is acceptable.
func ValidRequestID(id string) bool {
	return id != "" && len(id) <= MaxRequestIDLength
}
