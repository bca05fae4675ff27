package recovery

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "20240305", "v30-36000.h264.partial"))
	touch(t, filepath.Join(root, "mouse1-2024-03-05-10-00-00.dat.partial"))
	touch(t, filepath.Join(root, "Analog-mouse1", "2024-03-05", "anTemp.1709632800"))
	touch(t, filepath.Join(root, "Analog-mouse1", "2024-03-05", "anTemp.1709632700.recovered"))
	touch(t, filepath.Join(root, "20240305", "v30-36000.h264"))

	files, err := Scan(root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("Expected 3 leftovers, got %v", files)
	}
}

func TestQuarantine(t *testing.T) {
	root := t.TempDir()
	left := filepath.Join(root, "20240305", "v30-36000.frames.partial")
	touch(t, left)
	touch(t, left+Suffix)

	moved, err := Quarantine(root)
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
	if len(moved) != 1 {
		t.Fatalf("Expected 1 moved file, got %d", len(moved))
	}
	if moved[0].To != left+Suffix+".1" {
		t.Errorf("Expected numbered target, got %s", moved[0].To)
	}
	if _, err := os.Stat(left); !os.IsNotExist(err) {
		t.Error("Expected leftover to be gone")
	}

	again, err := Quarantine(root)
	if err != nil || len(again) != 0 {
		t.Errorf("Expected second pass to find nothing, got %v (%v)", again, err)
	}
}
