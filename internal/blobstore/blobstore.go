// Package blobstore stores attachment payloads on the local filesystem or in an S3-compatible bucket.
package blobstore

import (
	"errors"
	"path"
	"strings"
)

var (
	// ErrNotFound indicates that no blob exists under the requested key.
	ErrNotFound = errors.New("blobstore: not found")
	// ErrInvalidKey indicates an empty key or one that escapes the store root.
	ErrInvalidKey = errors.New("blobstore: invalid key")
)

// cleanKey normalizes a slash-separated key and rejects traversal outside the root.
func cleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean("/" + trimmed)
	if cleaned == "/" || strings.Contains(trimmed, "..") {
		return "", ErrInvalidKey
	}
	return strings.TrimPrefix(cleaned, "/"), nil
}
