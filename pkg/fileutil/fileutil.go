// Package fileutil provides atomic file writes and advisory locking for
// directory cache containers.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eunmann/histcache/pkg/logging"
)

// TmpSuffix marks in-flight writes. Readers ignore files carrying it.
const TmpSuffix = ".tmp"

// WriteTmpThenMove writes to a temporary file in tmpDir then atomically moves
// it to outPath. The writeFunc receives the temporary path and should write
// the complete file. Temporary names are unique so concurrent writers of the
// same outPath never share a tmp file; the last rename wins.
func WriteTmpThenMove(tmpDir, outPath string, writeFunc func(tmpPath string) error) error {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}

	f, err := os.CreateTemp(tmpDir, filepath.Base(outPath)+".*"+TmpSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()
	f.Close()

	if err := writeFunc(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}

	return nil
}

// WriteFileAtomic writes data to path via WriteTmpThenMove in the same
// directory.
func WriteFileAtomic(path string, data []byte) error {
	return WriteTmpThenMove(filepath.Dir(path), path, func(tmpPath string) error {
		return os.WriteFile(tmpPath, data, 0o644)
	})
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// CleanupTmpFiles removes all tmp files in the given directory recursively.
func CleanupTmpFiles(dir string) error {
	log := logging.L()

	var removed int
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr
		}
		if !info.IsDir() && strings.HasSuffix(path, TmpSuffix) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})

	if removed > 0 {
		log.Debug().Int("files_removed", removed).Str("dir", dir).Msg("cleaned up tmp files")
	}

	return err
}
