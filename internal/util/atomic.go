// Package util provides small filesystem helpers.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WrittenFile describes a file written by AtomicWriteFile.
type WrittenFile struct {
	Path   string
	SHA256 string
	Size   int64
}

// AtomicWriteFile writes data to a temporary file in the target directory,
// syncs it and renames it over path, so readers never see a partial file.
// The content digest is computed while writing.
func AtomicWriteFile(path string, data io.Reader, perm os.FileMode) (*WrittenFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmpFile, h), data)
	if err != nil {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return nil, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("rename temp to final: %w", err)
	}

	success = true
	return &WrittenFile{Path: path, SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}
