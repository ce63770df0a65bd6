package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/updatekit/internal/models"
	"github.com/vrsandeep/updatekit/internal/testutil/testserver"
	"github.com/vrsandeep/updatekit/internal/updater"
)

const releaseNotes = "## Font Manager 2.0.0\n\n- Variable fonts\n- See [docs](https://example.com/docs)\n"

func TestCheckForUpdatesHandler(t *testing.T) {
	rs := testserver.NewReleaseServer(t)
	rs.Publish(t, "2.0.0", releaseNotes, testserver.ReleasePackage("2.0.0"))
	router := testserver.SetupTestServer(t, rs).Router()

	rr := doRequest(t, router, "POST", "/api/update/check", "", false)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Equal(t, true, body["update_available"])
	release := body["release"].(map[string]any)
	assert.Equal(t, "2.0.0", release["version"])
	assert.Equal(t, int32(1), rs.FeedCalls.Load())

	t.Run("Second check is served from the cache", func(t *testing.T) {
		rr := doRequest(t, router, "POST", "/api/update/check", "", false)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, int32(1), rs.FeedCalls.Load())
	})

	t.Run("Forcing needs the admin token", func(t *testing.T) {
		rr := doRequest(t, router, "POST", "/api/update/check?force=true", "", false)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, int32(1), rs.FeedCalls.Load())

		rr = doRequest(t, router, "POST", "/api/update/check?force=true", "", true)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, int32(2), rs.FeedCalls.Load())
	})

	t.Run("Rate limit is not an error", func(t *testing.T) {
		rs.Fail(http.StatusForbidden, `{"message":"API rate limit exceeded for 203.0.113.7."}`)
		rr := doRequest(t, router, "POST", "/api/update/check?force=true", "", true)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, false, decodeBody(t, rr)["update_available"])

		rr = doRequest(t, router, "GET", "/api/update/log", "", false)
		require.Equal(t, http.StatusOK, rr.Code)
		var entries []models.AuditEntry
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
		require.NotEmpty(t, entries)
		assert.Equal(t, models.AuditRateLimit, entries[len(entries)-1].Status)
	})

	t.Run("Feed errors map to bad gateway", func(t *testing.T) {
		rs.Fail(http.StatusInternalServerError, "boom")
		rr := doRequest(t, router, "POST", "/api/update/check?force=true", "", true)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		body := decodeBody(t, rr)
		assert.Equal(t, string(updater.KindFeedBadStatus), body["kind"])
		assert.Equal(t, false, body["fatal"])
	})

	t.Run("Invalid release from the feed is a bad gateway, not a bad request", func(t *testing.T) {
		rs.Fail(http.StatusOK, `{
			"tag_name": "v2.1.0",
			"html_url": "http://github.com/acme/font-manager/releases/tag/v2.1.0",
			"body": "",
			"published_at": "2026-03-01T12:00:00Z",
			"prerelease": false,
			"assets": [{"name": "font-manager-2.1.0.zip", "browser_download_url": "https://example.com/font-manager-2.1.0.zip", "size": 10}]
		}`)
		rr := doRequest(t, router, "POST", "/api/update/check?force=true", "", true)
		assert.Equal(t, http.StatusBadGateway, rr.Code, rr.Body.String())
		body := decodeBody(t, rr)
		assert.Equal(t, string(updater.KindFeedMalformed), body["kind"])
		assert.NotContains(t, body, "field")
	})
}

func TestInstallAndRollbackHandlers(t *testing.T) {
	rs := testserver.NewReleaseServer(t)
	rs.Publish(t, "2.0.0", releaseNotes, testserver.ReleasePackage("2.0.0"))
	server := testserver.SetupTestServer(t, rs)
	router := server.Router()
	liveDir := server.App().Orchestrator().LiveDir()

	t.Run("Rollback without a backup", func(t *testing.T) {
		rr := doRequest(t, router, "POST", "/api/update/rollback", "", true)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, string(updater.KindNoBackup), decodeBody(t, rr)["kind"])
	})

	t.Run("Install without the token is denied", func(t *testing.T) {
		rr := doRequest(t, router, "POST", "/api/update/install", "", false)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, string(updater.KindAuthorizationDenied), decodeBody(t, rr)["kind"])
		assert.Zero(t, rs.DownloadCalls.Load())
	})

	t.Run("Install", func(t *testing.T) {
		rr := doRequest(t, router, "POST", "/api/update/install", "", true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		body := decodeBody(t, rr)
		assert.Equal(t, true, body["installed"])
		assert.Equal(t, "2.0.0", body["version"])

		php, err := os.ReadFile(filepath.Join(liveDir, "font-manager.php"))
		require.NoError(t, err)
		assert.Equal(t, "<?php // 2.0.0", string(php))

		rr = doRequest(t, router, "GET", "/api/update/status", "", false)
		require.Equal(t, http.StatusOK, rr.Code)
		status := decodeBody(t, rr)
		assert.Equal(t, "2.0.0", status["installed_version"])
		assert.Equal(t, string(updater.StateIdle), status["state"])
		assert.Equal(t, false, status["update_available"])
		backup := status["backup"].(map[string]any)
		assert.Equal(t, "1.5.0", backup["plugin_version"])
	})

	t.Run("Nothing newer to install", func(t *testing.T) {
		rr := doRequest(t, router, "POST", "/api/update/install", "", true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, false, decodeBody(t, rr)["installed"])
	})

	t.Run("Rollback", func(t *testing.T) {
		rr := doRequest(t, router, "POST", "/api/update/rollback", "", true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "1.5.0", decodeBody(t, rr)["installed_version"])

		php, err := os.ReadFile(filepath.Join(liveDir, "font-manager.php"))
		require.NoError(t, err)
		assert.Equal(t, "<?php // 1.5.0", string(php))
	})

	t.Run("Clear fatal", func(t *testing.T) {
		rr := doRequest(t, router, "DELETE", "/api/update/fatal", "", false)
		assert.Equal(t, http.StatusForbidden, rr.Code)

		rr = doRequest(t, router, "DELETE", "/api/update/fatal", "", true)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}

func TestInstallRejectsCorruptPackage(t *testing.T) {
	rs := testserver.NewReleaseServer(t)
	// A package without the slug directory fails after the live directory
	// was replaced and is rolled back.
	rs.Publish(t, "2.0.0", "", map[string]string{"other/plugin.json": `{"version":"2.0.0"}`})
	server := testserver.SetupTestServer(t, rs)
	router := server.Router()

	rr := doRequest(t, router, "POST", "/api/update/install", "", true)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, string(updater.KindPostExtractionDirMissing), body["kind"])
	assert.Equal(t, false, body["fatal"])

	php, err := os.ReadFile(filepath.Join(server.App().Orchestrator().LiveDir(), "font-manager.php"))
	require.NoError(t, err)
	assert.Equal(t, "<?php // 1.5.0", string(php))
}

func TestSettingsHandlers(t *testing.T) {
	router := testserver.SetupTestServer(t, testserver.NewReleaseServer(t)).Router()

	rr := doRequest(t, router, "GET", "/api/update/settings", "", false)
	require.Equal(t, http.StatusOK, rr.Code)
	var settings models.UpdateConfiguration
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &settings))
	assert.Equal(t, testserver.TestSlug, settings.PluginSlug)
	assert.Equal(t, models.ChannelStable, settings.UpdateChannel)

	t.Run("Partial update", func(t *testing.T) {
		rr := doRequest(t, router, "PUT", "/api/update/settings", `{"update_channel":"all","cache_lifetime":7200}`, true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &settings))
		assert.Equal(t, models.ChannelAll, settings.UpdateChannel)
		assert.Equal(t, 7200, settings.CacheLifetime)
		assert.Equal(t, testserver.TestOwner, settings.RepositoryOwner)
	})

	t.Run("Invalid values are rejected", func(t *testing.T) {
		rr := doRequest(t, router, "PUT", "/api/update/settings", `{"cache_lifetime":10}`, true)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "cache_lifetime", decodeBody(t, rr)["field"])

		rr = doRequest(t, router, "PUT", "/api/update/settings", `{"plugin_slug":"other-plugin"}`, true)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "plugin_slug", decodeBody(t, rr)["field"])
	})

	t.Run("Unknown keys are rejected", func(t *testing.T) {
		rr := doRequest(t, router, "PUT", "/api/update/settings", `{"channel":"all"}`, true)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Rejected updates leave settings alone", func(t *testing.T) {
		rr := doRequest(t, router, "GET", "/api/update/settings", "", false)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &settings))
		assert.Equal(t, 7200, settings.CacheLifetime)
	})
}

func TestReleaseNotesHandler(t *testing.T) {
	rs := testserver.NewReleaseServer(t)
	rs.Publish(t, "2.0.0", releaseNotes, testserver.ReleasePackage("2.0.0"))
	router := testserver.SetupTestServer(t, rs).Router()

	rr := doRequest(t, router, "GET", "/api/update/notes", "", false)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, router, "POST", "/api/update/check", "", false)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, router, "GET", "/api/update/notes", "", false)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "2.0.0", body["version"])
	assert.Contains(t, body["html"], "<h2>Font Manager 2.0.0</h2>")
	assert.Equal(t, "Font Manager 2.0.0 Variable fonts See docs", body["excerpt"])
	links := body["links"].([]any)
	require.Len(t, links, 1)
	assert.Equal(t, "https://example.com/docs", links[0].(map[string]any)["href"])
}

func TestStateChangesAreBroadcast(t *testing.T) {
	rs := testserver.NewReleaseServer(t)
	rs.Publish(t, "2.0.0", "", testserver.ReleasePackage("2.0.0"))
	server := testserver.SetupTestServer(t, rs)
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/updates", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return server.App().WsHub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	req, err := http.NewRequest("POST", srv.URL+"/api/update/install", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testserver.TestToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var seen []string
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg models.StateChange
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != models.MessageStateChange {
			continue
		}
		seen = append(seen, msg.To)
		if msg.To == string(updater.StateIdle) {
			break
		}
	}
	assert.Equal(t, []string{
		string(updater.StatePermissionChecked),
		string(updater.StateLockAcquired),
		string(updater.StateDownloaded),
		string(updater.StateVerified),
		string(updater.StateBackedUp),
		string(updater.StateInstalled),
		string(updater.StateIdle),
	}, seen)
}
