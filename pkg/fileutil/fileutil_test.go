package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()

	if Exists(filepath.Join(tmpDir, "nonexistent")) {
		t.Error("Exists returned true for non-existent file")
	}

	path := filepath.Join(tmpDir, "exists.txt")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("Exists returned false for existing file")
	}
	if !HasSize(path, 7) {
		t.Error("HasSize returned false for matching size")
	}
	if HasSize(path, 8) {
		t.Error("HasSize returned true for wrong size")
	}
	if HasSize(tmpDir, 0) {
		t.Error("HasSize returned true for a directory")
	}
}

func TestWriteAtomic(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "nested", "output.txt")

	content := []byte("test content")
	err := WriteAtomic(outPath, func(f *os.File) error {
		_, err := f.Write(content)
		return err
	})
	if err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("Failed to read output file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Content mismatch: got %q, want %q", got, content)
	}
	if Exists(outPath + TmpSuffix) {
		t.Error("Tmp file still exists after successful write")
	}
}

func TestWriteAtomicError(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "output.txt")
	if err := os.WriteFile(outPath, []byte("previous"), 0644); err != nil {
		t.Fatal(err)
	}

	err := WriteAtomic(outPath, func(f *os.File) error {
		if _, err := f.Write([]byte("partial")); err != nil {
			return err
		}
		return os.ErrPermission
	})
	if !errors.Is(err, os.ErrPermission) {
		t.Errorf("WriteAtomic error = %v, want ErrPermission", err)
	}
	if Exists(outPath + TmpSuffix) {
		t.Error("Tmp file exists after failed write")
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "previous" {
		t.Errorf("output overwritten by failed write: %q", got)
	}
}

func TestCleanupTmpFiles(t *testing.T) {
	tmpDir := t.TempDir()

	tmpFile1 := filepath.Join(tmpDir, "file1.tmp")
	tmpFile2 := filepath.Join(tmpDir, "subdir", "file2.tmp")
	regularFile := filepath.Join(tmpDir, "regular.txt")

	if err := os.MkdirAll(filepath.Join(tmpDir, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{tmpFile1, tmpFile2, regularFile} {
		if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := CleanupTmpFiles(tmpDir); err != nil {
		t.Fatalf("CleanupTmpFiles failed: %v", err)
	}

	if Exists(tmpFile1) {
		t.Error("tmpFile1 still exists")
	}
	if Exists(tmpFile2) {
		t.Error("tmpFile2 still exists")
	}
	if !Exists(regularFile) {
		t.Error("regularFile was removed")
	}

	if err := CleanupTmpFiles(filepath.Join(tmpDir, "missing")); err != nil {
		t.Errorf("CleanupTmpFiles on a missing dir: %v", err)
	}
}
