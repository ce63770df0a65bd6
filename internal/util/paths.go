package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureWritableDir makes sure dir exists, is a directory and can be written
// to, creating it and its parents when missing.
func EnsureWritableDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("directory path cannot be empty")
	}
	clean := filepath.Clean(dir)

	info, err := os.Stat(clean)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", clean)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(clean, 0o755); err != nil {
			return fmt.Errorf("cannot create directory: %w", err)
		}
	default:
		return fmt.Errorf("cannot access path: %w", err)
	}

	if err := checkWritePermission(clean); err != nil {
		return fmt.Errorf("no write permission for directory %s: %w", clean, err)
	}
	return nil
}

// SameOrNested reports whether a and b are the same directory or one
// contains the other.
func SameOrNested(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	return a == b || isWithin(a, b) || isWithin(b, a)
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// checkWritePermission creates and removes a probe file in dirPath.
func checkWritePermission(dirPath string) error {
	f, err := os.CreateTemp(dirPath, ".updater_write_check_*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
