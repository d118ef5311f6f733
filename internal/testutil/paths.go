package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// ProjectRoot walks up from this file to the directory holding go.mod
func ProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	for dir := filepath.Dir(filename); ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// ReadFixture reads a file relative to the project root
func ReadFixture(t testing.TB, elem ...string) []byte {
	t.Helper()
	root, err := ProjectRoot()
	if err != nil {
		t.Fatalf("project root: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(append([]string{root}, elem...)...))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}
