package updater

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/vrsandeep/updatekit/internal/archive"
)

const (
	DefaultFeedTimeout     = 10 * time.Second
	DefaultDownloadTimeout = 300 * time.Second

	userAgent = "updatekit"
)

// download fetches url into a new file in the temp dir. The partial file is
// removed on any failure.
func (o *Orchestrator) download(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", newError(KindDownloadFailed, "download", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", newError(KindDownloadFailed, "download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", newError(KindDownloadFailed, "download", fmt.Errorf("unexpected status %s", resp.Status))
	}

	if err := os.MkdirAll(o.paths.TempDir, 0o755); err != nil {
		return "", newError(KindDownloadFailed, "download", err)
	}
	out, err := os.CreateTemp(o.paths.TempDir, o.slug+"-download-*.zip")
	if err != nil {
		return "", newError(KindDownloadFailed, "download", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", newError(KindDownloadFailed, "download", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", newError(KindDownloadFailed, "download", err)
	}
	return out.Name(), nil
}

// verifyPackage checks the exact byte size first, then that the file is a
// readable zip archive with at least one entry.
func verifyPackage(ctx context.Context, path string, wantSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return newError(KindCorruptArchive, "verify", err)
	}
	if info.Size() != wantSize {
		return newError(KindSizeMismatch, "verify", fmt.Errorf("expected %d bytes, downloaded %d", wantSize, info.Size()))
	}
	entries, err := archive.Inspect(ctx, path)
	if err != nil {
		return newError(KindCorruptArchive, "verify", err)
	}
	if entries == 0 {
		return newError(KindCorruptArchive, "verify", fmt.Errorf("package is empty"))
	}
	return nil
}
