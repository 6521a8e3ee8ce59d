package test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TempDir creates a temporary directory for testing and returns its path.
// The directory is automatically cleaned up after the test.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "logforge-test-*")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = os.RemoveAll(dir) // Ignore cleanup errors in tests
	})
	return dir
}

// TempSocketPath returns a socket path inside a fresh temp directory.
// Unix socket paths are limited to ~100 bytes, so keep it short.
func TempSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(TempDir(t), "lf.sock")
}

// StorageDir creates a storage directory under a temp base for testing.
func StorageDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(TempDir(t), "logs")
	require.NoError(t, os.MkdirAll(dir, 0755))
	return dir
}
