// Shared fixtures for tests that run the whole service: a fake release feed
// and a fully wired core.App with an installed package. It lives apart from
// testutil so that packages below core can keep using testutil in their
// internal tests.

package testserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vrsandeep/updatekit/internal/api"
	"github.com/vrsandeep/updatekit/internal/auth"
	"github.com/vrsandeep/updatekit/internal/config"
	"github.com/vrsandeep/updatekit/internal/core"
	"github.com/vrsandeep/updatekit/internal/testutil"
)

const (
	TestOwner = "acme"
	TestRepo  = "font-manager"
	TestSlug  = "font-manager"
	// TestToken is the admin bearer token accepted by SetupTestServer.
	TestToken = "test-admin-token"
)

// ReleaseServer is a TLS server standing in for both the release feed API
// and the host serving release assets.
type ReleaseServer struct {
	*httptest.Server

	FeedCalls     atomic.Int32
	DownloadCalls atomic.Int32

	mu       sync.Mutex
	latest   []byte
	status   int
	packages map[string][]byte
}

func NewReleaseServer(t *testing.T) *ReleaseServer {
	t.Helper()
	rs := &ReleaseServer{packages: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/repos/%s/%s/releases/latest", TestOwner, TestRepo), rs.serveLatest)
	mux.HandleFunc("/download/", rs.serveDownload)
	rs.Server = httptest.NewTLSServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func (rs *ReleaseServer) serveLatest(w http.ResponseWriter, r *http.Request) {
	rs.FeedCalls.Add(1)
	rs.mu.Lock()
	status, body := rs.status, rs.latest
	rs.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	if body == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (rs *ReleaseServer) serveDownload(w http.ResponseWriter, r *http.Request) {
	rs.DownloadCalls.Add(1)
	rs.mu.Lock()
	data, ok := rs.packages[r.URL.Path]
	rs.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

// Publish makes version the latest release, packaged from entries. Entry
// names are relative to the archive root.
func (rs *ReleaseServer) Publish(t *testing.T, version, notes string, entries map[string]string) {
	t.Helper()
	name := fmt.Sprintf("%s-%s.zip", TestSlug, version)
	zipPath := testutil.CreateTestZip(t, t.TempDir(), name, entries)
	data, err := os.ReadFile(zipPath)
	if err != nil {
		t.Fatalf("Failed to read test package: %v", err)
	}

	path := "/download/" + name
	release := map[string]any{
		"tag_name":     "v" + version,
		"html_url":     fmt.Sprintf("https://github.com/%s/%s/releases/tag/v%s", TestOwner, TestRepo, version),
		"body":         notes,
		"published_at": time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
		"prerelease":   false,
		"assets": []map[string]any{{
			"name":                 name,
			"browser_download_url": rs.URL + path,
			"size":                 len(data),
		}},
	}
	body, err := json.Marshal(release)
	if err != nil {
		t.Fatalf("Failed to encode release: %v", err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.packages[path] = data
	rs.latest = body
	rs.status = 0
}

// Fail makes the feed answer every request with status and body.
func (rs *ReleaseServer) Fail(status int, body string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.status = status
	rs.latest = []byte(body)
}

// InstalledPackage is the live package the test app starts with.
var InstalledPackage = map[string]string{
	"plugin.json":      `{"id":"font-manager","name":"Font Manager","version":"1.5.0"}`,
	"font-manager.php": "<?php // 1.5.0",
}

// ReleasePackage returns archive entries for version of the test package.
func ReleasePackage(version string) map[string]string {
	return map[string]string{
		TestSlug + "/plugin.json":      fmt.Sprintf(`{"id":"font-manager","name":"Font Manager","version":"%s"}`, version),
		TestSlug + "/font-manager.php": "<?php // " + version,
	}
}

// TestConfig returns a configuration rooted in a temporary directory with
// InstalledPackage installed and the feed pointed at rs.
func TestConfig(t *testing.T, rs *ReleaseServer) *config.Config {
	t.Helper()
	root := t.TempDir()
	hash, err := auth.HashToken(TestToken)
	if err != nil {
		t.Fatalf("Failed to hash token: %v", err)
	}

	cfg := &config.Config{}
	cfg.Database.Path = filepath.Join(root, "updater.db")
	cfg.Plugins.Path = filepath.Join(root, "plugins")
	cfg.Plugins.AllowFileMods = true
	cfg.Plugins.BackupPath = filepath.Join(root, "backups")
	cfg.Plugins.TempPath = filepath.Join(root, "tmp")
	cfg.Update.RepositoryOwner = TestOwner
	cfg.Update.RepositoryName = TestRepo
	cfg.Update.PluginSlug = TestSlug
	cfg.Update.CacheLifetime = 43200
	cfg.Update.Channel = "stable"
	cfg.Update.APIBaseURL = rs.URL
	cfg.Update.DownloadTimeout = 30
	cfg.Auth.TokenHash = hash

	testutil.WriteTree(t, filepath.Join(cfg.Plugins.Path, TestSlug), InstalledPackage)
	if err := os.MkdirAll(cfg.Plugins.TempPath, 0o755); err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	return cfg
}

// SetupTestApp builds a core.App over an in-memory database talking to rs.
// mutate, when non-nil, may adjust the configuration first.
func SetupTestApp(t *testing.T, rs *ReleaseServer, mutate func(*config.Config)) *core.App {
	t.Helper()
	cfg := TestConfig(t, rs)
	if mutate != nil {
		mutate(cfg)
	}
	app, err := core.NewWithConfig(cfg, testutil.SetupTestDB(t), core.WithHTTPClient(rs.Client()))
	if err != nil {
		t.Fatalf("Failed to set up app: %v", err)
	}
	return app
}

// SetupTestServer initializes a full core.App and api.Server for integration testing.
func SetupTestServer(t *testing.T, rs *ReleaseServer) *api.Server {
	t.Helper()
	return api.NewServer(SetupTestApp(t, rs, nil))
}
