package security

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/offlinekit/offline-core/internal/models"
)

// maxIDLength bounds collection ids accepted from callers
const maxIDLength = 64

// SanitizeInput sanitizes a string input by removing dangerous characters
func SanitizeInput(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Remove control characters except newline and tab
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// ValidateCollectionID checks that id can name a directory under the
// collections root without escaping it
func ValidateCollectionID(id string) error {
	if id == "" {
		return fmt.Errorf("collection id is required")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("collection id longer than %d characters", maxIDLength)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("invalid collection id %q", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("invalid character %q in collection id", r)
		}
	}
	return nil
}

// ParseTrackID parses a caller supplied track id
func ParseTrackID(raw string) (models.TrackID, error) {
	id, err := models.ParseTrackID(SanitizeInput(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid track id %q", raw)
	}
	if id <= 0 {
		return 0, fmt.Errorf("track id must be positive")
	}
	return id, nil
}

// LimitBody caps request bodies at maxBytes
func LimitBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
