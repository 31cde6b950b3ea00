/*
Package randx provides functions for generating unique identifiers.

It is primarily used to generate collision-free object storage keys for uploaded
files while preserving the original file extension.
*/
package randx

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// StorageFileName generates a storage-safe object name for an uploaded file.
// The client-supplied name is replaced with a UUID; only a lowercased extension
// survives, so path components or control characters in the original name never
// reach the object store.
func StorageFileName(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))

	// Reject extensions that merely look like one (trailing dot, oversized).
	if ext == "." || len(ext) > 10 {
		ext = ""
	}

	return uuid.New().String() + ext
}
