package common

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureWritableDir creates the directory when missing and verifies it can
// actually be written to by creating and removing a probe file. Failing
// early beats failing after hours of fetching.
func EnsureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("failed to remove probe file in %s: %w", dir, err)
	}
	return nil
}

// ExpandPath resolves a possibly relative path against the working
// directory, so logs and error messages always show where files ended up.
func ExpandPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	return abs, nil
}
