package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local keeps blobs as files under a root directory.
type Local struct {
	rootPath string
}

// NewLocal creates the root directory when missing.
func NewLocal(rootPath string) (*Local, error) {
	cleaned := filepath.Clean(rootPath)
	if err := os.MkdirAll(cleaned, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", cleaned, err)
	}
	return &Local{rootPath: cleaned}, nil
}

func (s *Local) resolve(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.rootPath, filepath.FromSlash(cleaned)), nil
}

// Put writes body under key and returns the number of bytes stored.
func (s *Local) Put(ctx context.Context, key string, body io.Reader, _ int64, _ string) (int64, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0, fmt.Errorf("create blob directory: %w", err)
	}

	dst, err := os.Create(fullPath)
	if err != nil {
		return 0, fmt.Errorf("create blob file: %w", err)
	}
	written, copyErr := io.Copy(dst, body)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(fullPath)
		return 0, fmt.Errorf("write blob: %w", errors.Join(copyErr, closeErr))
	}
	return written, nil
}

// Open returns a reader for the blob stored under key.
func (s *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return file, nil
}

// Delete removes the blob under key. A missing blob is not an error.
func (s *Local) Delete(_ context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
