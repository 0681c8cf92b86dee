// Package fileutil provides crash-safe file writes for downloads and exports.
package fileutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eunmann/s3-inv-pivot/pkg/logging"
)

// TmpSuffix marks files still being written.
const TmpSuffix = ".tmp"

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// HasSize reports whether path is a regular file of exactly size bytes.
func HasSize(path string, size int64) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() == size
}

// WriteAtomic writes outPath through a temporary file next to it. The
// temporary file is synced and renamed over outPath only if write succeeds;
// otherwise it is removed and outPath is left untouched.
func WriteAtomic(outPath string, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmpPath := outPath + TmpSuffix
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	err = write(f)
	if err == nil {
		if err = f.Sync(); err != nil {
			err = fmt.Errorf("sync temp file: %w", err)
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close temp file: %w", cerr)
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}
	return nil
}

// CleanupTmpFiles removes leftover temporary files below dir, such as those
// of an interrupted download.
func CleanupTmpFiles(dir string) error {
	var removed int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Missing or unreadable entries have nothing to clean.
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, TmpSuffix) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})

	if removed > 0 {
		logging.L().Debug().Int("files_removed", removed).Str("dir", dir).Msg("cleaned up tmp files")
	}
	return err
}
