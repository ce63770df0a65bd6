package updater_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/updatekit/internal/audit"
	"github.com/vrsandeep/updatekit/internal/models"
	"github.com/vrsandeep/updatekit/internal/testutil"
	"github.com/vrsandeep/updatekit/internal/updater"
)

const releasePath = "/repos/acme/font-manager/releases/latest"

// feedServer serves one canned releases-latest response over TLS and counts
// requests.
type feedServer struct {
	*httptest.Server
	calls  atomic.Int32
	status int
	body   string
	header map[string]string
}

func newFeedServer(t *testing.T, status int, body string) *feedServer {
	t.Helper()
	fs := &feedServer{status: status, body: body}
	fs.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.calls.Add(1)
		if r.URL.Path != releasePath {
			http.NotFound(w, r)
			return
		}
		for k, v := range fs.header {
			w.Header().Set(k, v)
		}
		w.WriteHeader(fs.status)
		fmt.Fprint(w, fs.body)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func releaseJSON(tag string, prerelease bool) string {
	payload := map[string]any{
		"tag_name":     tag,
		"html_url":     "https://github.com/acme/font-manager/releases/tag/" + tag,
		"body":         "## What's new\n\n- Variable font support",
		"published_at": "2026-03-01T12:00:00Z",
		"prerelease":   prerelease,
		"assets": []map[string]any{
			{
				"name":                 "font-manager-" + trimV(tag) + ".zip",
				"browser_download_url": "https://github.com/acme/font-manager/releases/download/" + tag + "/font-manager.zip",
				"size":                 1048576,
			},
			{
				"name":        "checksums.txt",
				"downloadUrl": "https://github.com/acme/font-manager/releases/download/" + tag + "/checksums.txt",
				"size":        90,
			},
		},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func trimV(tag string) string {
	if len(tag) > 0 && tag[0] == 'v' {
		return tag[1:]
	}
	return tag
}

type feedFixture struct {
	client *updater.FeedClient
	kv     *testutil.MemoryKV
	log    *audit.Log
	host   *testutil.Host
}

func newFeedFixture(t *testing.T, srv *feedServer, channel models.UpdateChannel, installed string) *feedFixture {
	t.Helper()
	cfg := models.DefaultUpdateConfiguration("acme", "font-manager", "font-manager")
	cfg.UpdateChannel = channel
	f := &feedFixture{kv: testutil.NewMemoryKV(), log: audit.New(0), host: testutil.NewHost(installed)}
	client, err := updater.NewFeedClient(cfg, f.host, f.kv, f.log,
		updater.WithFeedHTTPClient(srv.Client()),
		updater.WithAPIBaseURL(srv.URL),
	)
	require.NoError(t, err)
	f.client = client
	return f
}

func TestCheckForUpdates_NewerStableRelease(t *testing.T) {
	srv := newFeedServer(t, http.StatusOK, releaseJSON("2.0.0", false))
	f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")

	desc, err := f.client.CheckForUpdates(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "2.0.0", desc.Version())
	assert.Equal(t, "https://github.com/acme/font-manager/releases/download/2.0.0/font-manager.zip", desc.ZipAssetURL())
	assert.Equal(t, int64(1048576), desc.ZipAssetSize())
	assert.Len(t, desc.Assets(), 2)

	entries := f.log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditUpdateCheck, entries[0].Status)
	assert.Equal(t, "2.0.0", entries[0].Context["available_version"])
}

func TestCheckForUpdates_StripsTagPrefix(t *testing.T) {
	srv := newFeedServer(t, http.StatusOK, releaseJSON("v2.0.0", false))
	f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")

	desc, err := f.client.CheckForUpdates(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "2.0.0", desc.Version())
	assert.True(t, desc.HasPackage())
}

func TestCheckForUpdates_CachesWithinLifetime(t *testing.T) {
	srv := newFeedServer(t, http.StatusOK, releaseJSON("2.0.0", false))
	f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	f.kv.SetClock(func() time.Time { return now })
	ctx := context.Background()

	first, err := f.client.CheckForUpdates(ctx, false)
	require.NoError(t, err)
	second, err := f.client.CheckForUpdates(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, int32(1), srv.calls.Load(), "second check should be served from cache")
	require.NotNil(t, second)
	assert.Equal(t, *first, *second)

	t.Run("force bypasses cache", func(t *testing.T) {
		_, err := f.client.CheckForUpdates(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, int32(2), srv.calls.Load())
	})

	t.Run("expired entry triggers a new request", func(t *testing.T) {
		now = now.Add(12*time.Hour + time.Second)
		_, err := f.client.CheckForUpdates(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, int32(3), srv.calls.Load())
	})
}

func TestCheckForUpdates_CacheEntryRoundTrips(t *testing.T) {
	srv := newFeedServer(t, http.StatusOK, releaseJSON("2.0.0", false))
	f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")

	desc, err := f.client.CheckForUpdates(context.Background(), false)
	require.NoError(t, err)

	raw, ok := f.kv.Raw(updater.ReleaseCacheKey("font-manager"))
	require.True(t, ok)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"version", "releaseUrl", "releaseNotes", "publishedAt", "assets", "zipAssetUrl", "zipAssetSize"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, "2026-03-01T12:00:00Z", fields["publishedAt"])

	cached, hit := f.client.CachedRelease()
	require.True(t, hit)
	require.NotNil(t, cached)
	assert.Equal(t, *desc, *cached)
}

func TestCheckForUpdates_PrereleaseOnStableChannel(t *testing.T) {
	srv := newFeedServer(t, http.StatusOK, releaseJSON("2.0.0", true))
	f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")
	ctx := context.Background()

	desc, err := f.client.CheckForUpdates(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, desc)

	desc, err = f.client.CheckForUpdates(ctx, false)
	require.NoError(t, err)
	assert.Nil(t, desc)
	assert.Equal(t, int32(1), srv.calls.Load())

	raw, ok := f.kv.Raw(updater.ReleaseCacheKey("font-manager"))
	require.True(t, ok)
	assert.JSONEq(t, `{"none":true}`, string(raw))
	assert.Empty(t, f.log.Entries())
}

func TestCheckForUpdates_PrereleaseOnAllChannel(t *testing.T) {
	ctx := context.Background()

	t.Run("newer prerelease is offered", func(t *testing.T) {
		srv := newFeedServer(t, http.StatusOK, releaseJSON("2.0.0-beta.1", true))
		f := newFeedFixture(t, srv, models.ChannelAll, "1.5.0")
		desc, err := f.client.CheckForUpdates(ctx, false)
		require.NoError(t, err)
		require.NotNil(t, desc)
		assert.Equal(t, "2.0.0-beta.1", desc.Version())
	})

	t.Run("prerelease of the installed version is older", func(t *testing.T) {
		srv := newFeedServer(t, http.StatusOK, releaseJSON("2.0.0-rc.1", true))
		f := newFeedFixture(t, srv, models.ChannelAll, "2.0.0")
		desc, err := f.client.CheckForUpdates(ctx, false)
		require.NoError(t, err)
		assert.Nil(t, desc)
	})
}

func TestCheckForUpdates_NotNewer(t *testing.T) {
	for _, installed := range []string{"2.0.0", "v2.0.0", "2.1.0"} {
		t.Run(installed, func(t *testing.T) {
			srv := newFeedServer(t, http.StatusOK, releaseJSON("2.0.0", false))
			f := newFeedFixture(t, srv, models.ChannelStable, installed)

			desc, err := f.client.CheckForUpdates(context.Background(), false)
			require.NoError(t, err)
			assert.Nil(t, desc)

			raw, ok := f.kv.Raw(updater.ReleaseCacheKey("font-manager"))
			require.True(t, ok)
			assert.JSONEq(t, `{"none":true}`, string(raw))
		})
	}
}

func TestCheckForUpdates_RateLimited(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
		header map[string]string
	}{
		{name: "rate limit message", status: http.StatusForbidden, body: `{"message":"API rate limit exceeded for 203.0.113.9."}`},
		{name: "quota message", status: http.StatusForbidden, body: `{"message":"Quota exhausted"}`},
		{name: "remaining header", status: http.StatusForbidden, body: `{}`, header: map[string]string{"X-RateLimit-Remaining": "0"}},
		{name: "too many requests", status: http.StatusTooManyRequests, body: `secondary rate limit`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newFeedServer(t, tc.status, tc.body)
			srv.header = tc.header
			f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")

			desc, err := f.client.CheckForUpdates(context.Background(), false)
			require.NoError(t, err)
			assert.Nil(t, desc)

			entries := f.log.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, models.AuditRateLimit, entries[0].Status)

			_, cached := f.kv.Raw(updater.ReleaseCacheKey("font-manager"))
			assert.False(t, cached, "a throttled check must not be cached")
		})
	}
}

func TestCheckForUpdates_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
		kind   updater.Kind
	}{
		{name: "forbidden without limit", status: http.StatusForbidden, body: `{"message":"Resource not accessible"}`, kind: updater.KindFeedBadStatus},
		{name: "not found", status: http.StatusNotFound, body: `{"message":"Not Found"}`, kind: updater.KindFeedBadStatus},
		{name: "server error", status: http.StatusInternalServerError, body: ``, kind: updater.KindFeedBadStatus},
		{name: "invalid json", status: http.StatusOK, body: `{"tag_name":`, kind: updater.KindFeedMalformed},
		{name: "missing tag", status: http.StatusOK, body: `{"html_url":"https://example.com"}`, kind: updater.KindFeedMalformed},
		{name: "bad publish date", status: http.StatusOK, body: `{"tag_name":"2.0.0","published_at":"yesterday"}`, kind: updater.KindFeedMalformed},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newFeedServer(t, tc.status, tc.body)
			f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")

			desc, err := f.client.CheckForUpdates(context.Background(), false)
			require.Error(t, err)
			assert.Nil(t, desc)
			assert.Equal(t, tc.kind, updater.KindOf(err))
		})
	}

	t.Run("invalid release fields", func(t *testing.T) {
		body := releaseJSON("2.0.0", false)
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(body), &payload))
		payload["html_url"] = "http://insecure.example.com/release"
		data, _ := json.Marshal(payload)

		srv := newFeedServer(t, http.StatusOK, string(data))
		f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")
		_, err := f.client.CheckForUpdates(context.Background(), false)
		var verr *models.ValidationError
		require.True(t, errors.As(err, &verr), "got %v", err)
		assert.Equal(t, "releaseUrl", verr.Field)
	})

	t.Run("unreachable feed", func(t *testing.T) {
		srv := newFeedServer(t, http.StatusOK, releaseJSON("2.0.0", false))
		f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")
		srv.Close()

		_, err := f.client.CheckForUpdates(context.Background(), false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, updater.ErrFeedUnreachable))
	})
}

func TestCheckForUpdates_InvalidCacheEntryIsAMiss(t *testing.T) {
	srv := newFeedServer(t, http.StatusOK, releaseJSON("2.0.0", false))
	f := newFeedFixture(t, srv, models.ChannelStable, "1.5.0")
	require.NoError(t, f.kv.Set(updater.ReleaseCacheKey("font-manager"), []byte(`{"version":"garbage"}`), time.Hour))

	desc, err := f.client.CheckForUpdates(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestNewFeedClient_RejectsInvalidConfiguration(t *testing.T) {
	cfg := models.DefaultUpdateConfiguration("acme", "font-manager", "Font Manager")
	_, err := updater.NewFeedClient(cfg, testutil.NewHost("1.0.0"), testutil.NewMemoryKV(), audit.New(0))
	assert.Error(t, err)
}
