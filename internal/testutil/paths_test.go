package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProjectRoot(t *testing.T) {
	root, err := ProjectRoot()
	if err != nil {
		t.Fatalf("ProjectRoot returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		t.Fatalf("go.mod not found at %s: %v", root, err)
	}
}

func TestReadFixture(t *testing.T) {
	data := ReadFixture(t, "internal", "bspatch", "testdata", "fox.old")
	if len(data) == 0 {
		t.Fatal("fixture is empty")
	}
}
