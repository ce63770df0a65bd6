// Package archive creates, inspects and extracts the zip packages used for
// releases and backups.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
)

// ErrUnsafePath is returned when an entry would be written outside the
// extraction root.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Inspect opens the zip archive at path and reads every entry so that
// truncated data and checksum errors surface. It returns the number of
// entries found.
func Inspect(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	entries := 0
	err = archives.Zip{}.Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		entries++
		if info.IsDir() {
			return nil
		}
		rc, err := info.Open()
		if err != nil {
			return fmt.Errorf("opening %s: %w", info.NameInArchive, err)
		}
		defer rc.Close()
		if _, err := io.Copy(io.Discard, rc); err != nil {
			return fmt.Errorf("reading %s: %w", info.NameInArchive, err)
		}
		return nil
	})
	if err != nil {
		return entries, fmt.Errorf("reading archive %s: %w", filepath.Base(path), err)
	}
	return entries, nil
}

// Extract unpacks the zip archive at archivePath into destDir, which must
// already exist. Symlink entries are rejected.
func Extract(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	return archives.Zip{}.Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		target, err := safeJoin(destDir, info.NameInArchive)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if info.Mode()&fs.ModeSymlink != 0 || info.LinkTarget != "" {
			return fmt.Errorf("symlink entry %s not supported", info.NameInArchive)
		}
		return writeEntry(info, target)
	})
}

// Create writes a zip archive of srcDir to archivePath. Entries are stored
// under the directory's base name, so extracting the archive into the
// directory's parent recreates it in place. Symlinks are followed so the
// archive holds real content.
func Create(ctx context.Context, srcDir, archivePath string) error {
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("reading source directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", srcDir)
	}

	files, err := archives.FilesFromDisk(ctx, &archives.FromDiskOptions{FollowSymlinks: true}, map[string]string{
		srcDir: filepath.Base(srcDir),
	})
	if err != nil {
		return fmt.Errorf("collecting files: %w", err)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	if err := (archives.Zip{}).Archive(ctx, out, files); err != nil {
		out.Close()
		os.Remove(archivePath)
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(archivePath)
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}

func writeEntry(info archives.FileInfo, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", info.NameInArchive, err)
	}
	src, err := info.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", info.NameInArchive, err)
	}
	defer src.Close()

	perm := info.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", info.NameInArchive, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("writing %s: %w", info.NameInArchive, err)
	}
	return dst.Close()
}

// safeJoin resolves name under root and rejects absolute paths and any
// traversal outside root.
func safeJoin(root, name string) (string, error) {
	clean := filepath.FromSlash(strings.TrimPrefix(name, "./"))
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
