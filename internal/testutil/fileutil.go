package testutil

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// TempDir creates a uniquely named temporary directory under the
// system temp dir and returns it along with a cleanup func that
// removes it. Prefer t.TempDir() in new tests; this exists for
// helpers that run outside a *testing.T (e.g. benchmarks, example
// programs).
func TempDir(prefix string) (string, func(), error) {
	dir, err := os.MkdirTemp("", prefix+"-")
	if err != nil {
		return "", nil, fmt.Errorf("testutil: create temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	return dir, cleanup, nil
}

// FileExists reports whether path exists, following symlinks.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateTestFile writes a file of the given size under dir, either
// zero-filled or random, and returns its full path.
func CreateTestFile(dir, name string, size int64, random bool) (string, error) {
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	if random {
		if _, err := rand.Read(data); err != nil {
			return "", fmt.Errorf("testutil: fill random data: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("testutil: write %s: %w", path, err)
	}
	return path, nil
}

// VerifyFileSize returns an error if the file at path doesn't have
// exactly wantSize bytes.
func VerifyFileSize(path string, wantSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("testutil: stat %s: %w", path, err)
	}
	if info.Size() != wantSize {
		return fmt.Errorf("testutil: %s: got %d bytes, want %d", path, info.Size(), wantSize)
	}
	return nil
}
