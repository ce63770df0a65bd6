package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/vrsandeep/updatekit/internal/audit"
	"github.com/vrsandeep/updatekit/internal/models"
	"github.com/vrsandeep/updatekit/internal/version"
)

// DefaultAPIBaseURL is the release feed API root.
const DefaultAPIBaseURL = "https://api.github.com"

const maxFeedBody = 5 << 20

// feedRelease is the subset of the releases-latest response we use.
type feedRelease struct {
	TagName     string      `json:"tag_name"`
	HTMLURL     string      `json:"html_url"`
	Body        string      `json:"body"`
	PublishedAt time.Time   `json:"published_at"`
	Prerelease  bool        `json:"prerelease"`
	Assets      []feedAsset `json:"assets"`
}

type feedAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	DownloadURL        string `json:"downloadUrl"`
	Size               int64  `json:"size"`
}

func (a feedAsset) url() string {
	if a.BrowserDownloadURL != "" {
		return a.BrowserDownloadURL
	}
	return a.DownloadURL
}

// FeedClient checks the release feed for a version newer than the one
// installed.
type FeedClient struct {
	cfg     models.UpdateConfiguration
	host    Host
	kv      KVStore
	audit   *audit.Log
	client  *http.Client
	apiBase string
}

// FeedOption configures a FeedClient.
type FeedOption func(*FeedClient)

// WithFeedHTTPClient sets the HTTP client used for feed requests.
func WithFeedHTTPClient(client *http.Client) FeedOption {
	return func(c *FeedClient) {
		c.client = client
	}
}

// WithAPIBaseURL points the client at a different feed API root.
func WithAPIBaseURL(base string) FeedOption {
	return func(c *FeedClient) {
		c.apiBase = strings.TrimRight(base, "/")
	}
}

// NewFeedClient validates cfg and returns a client for its repository.
func NewFeedClient(cfg models.UpdateConfiguration, host Host, kv KVStore, auditLog *audit.Log, opts ...FeedOption) (*FeedClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid update configuration: %w", err)
	}
	c := &FeedClient{
		cfg:     cfg,
		host:    host,
		kv:      kv,
		audit:   auditLog,
		client:  &http.Client{Timeout: DefaultFeedTimeout},
		apiBase: DefaultAPIBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Configuration returns the settings the client was built with.
func (c *FeedClient) Configuration() models.UpdateConfiguration {
	return c.cfg
}

// CheckForUpdates returns the latest release when it is strictly newer than
// the installed version. A nil descriptor with a nil error means there is no
// applicable update, which includes the feed being rate limited. Unless
// force is set, a cached answer is returned without contacting the feed.
func (c *FeedClient) CheckForUpdates(ctx context.Context, force bool) (*models.ReleaseDescriptor, error) {
	if !force {
		if desc, ok := c.CachedRelease(); ok {
			return desc, nil
		}
	}

	rel, limited, err := c.fetchLatest(ctx)
	if err != nil {
		return nil, err
	}
	if limited {
		log.Printf("Release feed for %s/%s is rate limited; skipping check.", c.cfg.RepositoryOwner, c.cfg.RepositoryName)
		c.audit.Append(models.AuditRateLimit, "Release feed rate limit reached", map[string]any{
			"repository": c.repository(),
		})
		return nil, nil
	}

	if c.cfg.UpdateChannel == models.ChannelStable && rel.Prerelease {
		c.store(nil)
		return nil, nil
	}

	assets := make([]models.Asset, 0, len(rel.Assets))
	for _, a := range rel.Assets {
		assets = append(assets, models.Asset{Name: a.Name, DownloadURL: a.url(), SizeBytes: a.Size})
	}
	desc, err := models.ResolveReleaseDescriptor(models.ReleaseFields{
		Version:      version.Normalize(rel.TagName),
		ReleaseURL:   rel.HTMLURL,
		ReleaseNotes: rel.Body,
		PublishedAt:  rel.PublishedAt,
		Assets:       assets,
	}, c.cfg.PluginSlug)
	if err != nil {
		return nil, newError(KindFeedMalformed, "build release", err)
	}

	installed, err := c.host.CurrentInstalledVersion()
	if err != nil {
		return nil, fmt.Errorf("reading installed version: %w", err)
	}
	newer, err := version.IsNewerVersion(installed, desc.Version())
	if err != nil {
		return nil, fmt.Errorf("comparing versions: %w", err)
	}
	if !newer {
		c.store(nil)
		return nil, nil
	}

	c.store(&desc)
	c.audit.Append(models.AuditUpdateCheck, fmt.Sprintf("Version %s is available", desc.Version()), map[string]any{
		"current_version":   installed,
		"available_version": desc.Version(),
		"prerelease":        rel.Prerelease,
		"has_package":       desc.HasPackage(),
	})
	return &desc, nil
}

// CachedRelease returns the cached answer, if any. A hit with a nil
// descriptor is a cached "no update".
func (c *FeedClient) CachedRelease() (*models.ReleaseDescriptor, bool) {
	key := ReleaseCacheKey(c.cfg.PluginSlug)
	data, ok, err := c.kv.Get(key)
	if err != nil {
		log.Printf("Failed to read release cache: %v", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	desc, ok := decodeCachedRelease(data)
	if !ok {
		if err := c.kv.Delete(key); err != nil {
			log.Printf("Failed to delete invalid release cache: %v", err)
		}
		return nil, false
	}
	return desc, true
}

// ClearCache forgets the cached answer so the next check hits the feed.
func (c *FeedClient) ClearCache() error {
	return c.kv.Delete(ReleaseCacheKey(c.cfg.PluginSlug))
}

func (c *FeedClient) store(desc *models.ReleaseDescriptor) {
	data, err := encodeCachedRelease(desc)
	if err == nil {
		err = c.kv.Set(ReleaseCacheKey(c.cfg.PluginSlug), data, c.cfg.CacheTTL())
	}
	if err != nil {
		log.Printf("Failed to cache release check result: %v", err)
	}
}

func (c *FeedClient) repository() string {
	return c.cfg.RepositoryOwner + "/" + c.cfg.RepositoryName
}

// fetchLatest performs the single feed request. limited is true when the
// feed refused the request because of a rate or quota limit.
func (c *FeedClient) fetchLatest(ctx context.Context) (rel *feedRelease, limited bool, err error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.apiBase, c.cfg.RepositoryOwner, c.cfg.RepositoryName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, newError(KindFeedUnreachable, "fetch release", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, newError(KindFeedUnreachable, "fetch release", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, false, newError(KindFeedUnreachable, "fetch release", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case isRateLimited(resp, body):
		return nil, true, nil
	default:
		return nil, false, newError(KindFeedBadStatus, "fetch release", fmt.Errorf("unexpected status %s", resp.Status))
	}

	var r feedRelease
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, false, newError(KindFeedMalformed, "decode release", err)
	}
	if r.TagName == "" {
		return nil, false, newError(KindFeedMalformed, "decode release", fmt.Errorf("response has no tag_name"))
	}
	return &r, false, nil
}

// isRateLimited recognizes the feed's throttling responses: a 403 or 429
// whose body mentions a rate or quota limit, or whose remaining-requests
// header is zero.
func isRateLimited(resp *http.Response, body []byte) bool {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return false
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return true
	}
	lower := bytes.ToLower(body)
	return bytes.Contains(lower, []byte("rate limit")) || bytes.Contains(lower, []byte("quota"))
}
