package hub

import (
	"strings"

	"github.com/google/uuid"
)

func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// sanitizeRelativePath rejects the traversal and null-byte payloads a
// file-browsing endpoint should never follow. It does not resolve symlinks;
// callers that need an absolute path join it onto a known root afterward.
func sanitizeRelativePath(p string) (string, bool) {
	if strings.Contains(p, "\x00") {
		return "", false
	}
	clean := strings.TrimPrefix(p, "/")
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", false
		}
	}
	return clean, true
}
