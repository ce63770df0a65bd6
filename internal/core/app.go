package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/vrsandeep/updatekit/internal/assets"
	"github.com/vrsandeep/updatekit/internal/audit"
	"github.com/vrsandeep/updatekit/internal/config"
	"github.com/vrsandeep/updatekit/internal/db"
	"github.com/vrsandeep/updatekit/internal/host"
	"github.com/vrsandeep/updatekit/internal/jobs"
	"github.com/vrsandeep/updatekit/internal/models"
	"github.com/vrsandeep/updatekit/internal/store"
	"github.com/vrsandeep/updatekit/internal/updater"
	"github.com/vrsandeep/updatekit/internal/util"
	"github.com/vrsandeep/updatekit/internal/websocket"
)

// App holds the core components of the application that are shared
// between the server and the CLI.
type App struct {
	config *config.Config
	db     *sql.DB
	store  *store.Store
	host   *host.Adapter
	audit  *audit.Log
	wsHub  *websocket.Hub
	jobMgr *jobs.JobManager
	orch   *updater.Orchestrator

	httpClient *http.Client

	mu       sync.RWMutex
	settings models.UpdateConfiguration
	feed     *updater.FeedClient
}

// Option customizes an App built by NewWithConfig.
type Option func(*App)

// WithHTTPClient sets the client used for both feed requests and package
// downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(a *App) {
		a.httpClient = client
	}
}

// New sets up and returns a new App instance. It handles loading the
// configuration, initializing the database connection, and running migrations.
func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := db.RunMigrations(database, assets.MigrationsFS); err != nil {
		// We can't proceed without a valid database schema.
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	app, err := NewWithConfig(cfg, database)
	if err != nil {
		database.Close()
		return nil, err
	}
	log.Println("Core application setup complete.")
	return app, nil
}

// NewWithConfig assembles an App around an already migrated database.
func NewWithConfig(cfg *config.Config, database *sql.DB, opts ...Option) (*App, error) {
	slug := cfg.Update.PluginSlug
	if slug == "" {
		return nil, errors.New("update.plugin_slug is not configured")
	}
	liveDir := filepath.Join(cfg.Plugins.Path, slug)
	for key, dir := range map[string]string{
		"plugins.backup_path": cfg.Plugins.BackupPath,
		"plugins.temp_path":   cfg.Plugins.TempPath,
	} {
		// The live directory is deleted during an install.
		if util.SameOrNested(dir, liveDir) {
			return nil, fmt.Errorf("%s must be outside %s", key, liveDir)
		}
		if err := util.EnsureWritableDir(dir); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	a := &App{
		config: cfg,
		db:     database,
		store:  store.New(database),
		host:   host.NewAdapter(cfg.Plugins.Path, slug, cfg.Plugins.AllowFileMods),
		audit:  audit.New(audit.DefaultCapacity),
		wsHub:  websocket.NewHub(),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.wsHub.Run()

	settings, err := a.loadSettings()
	if err != nil {
		return nil, err
	}
	if err := a.applySettings(settings); err != nil {
		return nil, err
	}

	orchOpts := []updater.Option{
		updater.WithStateObserver(a.broadcastState),
	}
	if cfg.Update.DownloadTimeout > 0 {
		orchOpts = append(orchOpts, updater.WithDownloadTimeout(time.Duration(cfg.Update.DownloadTimeout)*time.Second))
	}
	if a.httpClient != nil {
		orchOpts = append(orchOpts, updater.WithHTTPClient(a.httpClient))
	}
	a.orch, err = updater.NewOrchestrator(slug, updater.Paths{
		PluginsDir: cfg.Plugins.Path,
		BackupDir:  cfg.Plugins.BackupPath,
		TempDir:    cfg.Plugins.TempPath,
	}, a.host, a.store, a.audit, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create update orchestrator: %w", err)
	}

	a.jobMgr = jobs.NewManager(a)
	jobs.RegisterDefaults(a.jobMgr)
	return a, nil
}

// loadSettings returns the persisted update settings, or the defaults
// derived from the configuration file when none are stored.
func (a *App) loadSettings() (models.UpdateConfiguration, error) {
	slug := a.config.Update.PluginSlug
	data, ok, err := a.store.Get(updater.ConfigurationKey(slug))
	if err != nil {
		return models.UpdateConfiguration{}, fmt.Errorf("failed to read update settings: %w", err)
	}
	if ok {
		settings, err := models.ParseUpdateConfiguration(data)
		if err == nil && settings.PluginSlug == slug {
			return settings, nil
		}
		log.Printf("Ignoring stored update settings for %s: %v", slug, err)
	}

	u := a.config.Update
	settings := models.DefaultUpdateConfiguration(u.RepositoryOwner, u.RepositoryName, slug)
	if u.CacheLifetime != 0 {
		settings.CacheLifetime = u.CacheLifetime
	}
	if u.Channel != "" {
		settings.UpdateChannel = models.UpdateChannel(u.Channel)
	}
	settings.AutoUpdateEnabled = u.AutoUpdate
	if err := settings.Validate(); err != nil {
		return models.UpdateConfiguration{}, fmt.Errorf("invalid update configuration: %w", err)
	}
	return settings, nil
}

func (a *App) applySettings(settings models.UpdateConfiguration) error {
	var opts []updater.FeedOption
	if base := a.config.Update.APIBaseURL; base != "" {
		opts = append(opts, updater.WithAPIBaseURL(base))
	}
	if a.httpClient != nil {
		opts = append(opts, updater.WithFeedHTTPClient(a.httpClient))
	}
	feed, err := updater.NewFeedClient(settings, a.host, a.store, a.audit, opts...)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.settings = settings
	a.feed = feed
	a.mu.Unlock()
	return nil
}

func (a *App) broadcastState(from, to updater.State) {
	a.wsHub.BroadcastJSON(models.StateChange{
		Type: models.MessageStateChange,
		Slug: a.config.Update.PluginSlug,
		From: string(from),
		To:   string(to),
		At:   time.Now().UTC(),
	})
}

func (a *App) Config() *config.Config              { return a.config }
func (a *App) DB() *sql.DB                         { return a.db }
func (a *App) Store() *store.Store                 { return a.store }
func (a *App) Host() *host.Adapter                 { return a.host }
func (a *App) AuditLog() *audit.Log                { return a.audit }
func (a *App) WsHub() *websocket.Hub               { return a.wsHub }
func (a *App) JobManager() *jobs.JobManager        { return a.jobMgr }
func (a *App) Orchestrator() *updater.Orchestrator { return a.orch }
func (a *App) Updater() jobs.Updater               { return a }

// Feed returns the feed client for the current settings.
func (a *App) Feed() *updater.FeedClient {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.feed
}

// Settings returns the current update settings.
func (a *App) Settings() models.UpdateConfiguration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

func (a *App) AutoUpdateEnabled() bool {
	return a.Settings().AutoUpdateEnabled
}

// UpdateSettings validates and persists new settings and rebuilds the feed
// client. The plugin slug is fixed by the installation and cannot change.
// The cached release is dropped since it may not apply to the new settings.
func (a *App) UpdateSettings(settings models.UpdateConfiguration) (models.UpdateConfiguration, error) {
	slug := a.config.Update.PluginSlug
	if settings.PluginSlug == "" {
		settings.PluginSlug = slug
	}
	settings, err := models.NewUpdateConfiguration(settings)
	if err != nil {
		return models.UpdateConfiguration{}, err
	}
	if settings.PluginSlug != slug {
		return models.UpdateConfiguration{}, &models.ValidationError{Field: "plugin_slug", Rule: "eq", Value: settings.PluginSlug}
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return models.UpdateConfiguration{}, err
	}
	if err := a.store.Set(updater.ConfigurationKey(slug), data, 0); err != nil {
		return models.UpdateConfiguration{}, fmt.Errorf("failed to save update settings: %w", err)
	}
	if err := a.applySettings(settings); err != nil {
		return models.UpdateConfiguration{}, err
	}
	if err := a.Feed().ClearCache(); err != nil {
		log.Printf("Failed to clear release cache: %v", err)
	}
	log.Printf("Update settings for %s changed: channel=%s cache_lifetime=%d auto_update=%t",
		slug, settings.UpdateChannel, settings.CacheLifetime, settings.AutoUpdateEnabled)
	return settings, nil
}

// CheckForUpdates asks the current feed client for a newer release.
func (a *App) CheckForUpdates(ctx context.Context, force bool) (*models.ReleaseDescriptor, error) {
	return a.Feed().CheckForUpdates(ctx, force)
}

// InstallUpdate installs desc through the orchestrator.
func (a *App) InstallUpdate(ctx context.Context, desc models.ReleaseDescriptor) error {
	return a.orch.InstallUpdate(ctx, desc)
}

// InstallLatest installs the cached release, checking the feed first when
// nothing is cached. It returns the installed descriptor, or nil when there
// is nothing newer to install.
func (a *App) InstallLatest(ctx context.Context) (*models.ReleaseDescriptor, error) {
	desc, err := a.CheckForUpdates(ctx, false)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, nil
	}
	if err := a.orch.InstallUpdate(ctx, *desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// Status is a point-in-time view of the update state of the package.
type Status struct {
	Slug             string                     `json:"slug"`
	InstalledVersion string                     `json:"installed_version,omitempty"`
	InstalledError   string                     `json:"installed_error,omitempty"`
	State            updater.State              `json:"state"`
	LatestRelease    *models.ReleaseDescriptor  `json:"latest_release,omitempty"`
	UpdateAvailable  bool                       `json:"update_available"`
	Backup           *models.BackupRecord       `json:"backup,omitempty"`
	Settings         models.UpdateConfiguration `json:"settings"`
}

// Status reports the installed version, orchestrator state, cached release
// and backup. It never contacts the feed.
func (a *App) Status() Status {
	s := Status{
		Slug:     a.config.Update.PluginSlug,
		State:    a.orch.State(),
		Settings: a.Settings(),
	}
	if v, err := a.host.CurrentInstalledVersion(); err != nil {
		s.InstalledError = err.Error()
	} else {
		s.InstalledVersion = v
	}
	if desc, ok := a.Feed().CachedRelease(); ok && desc != nil {
		s.LatestRelease = desc
		s.UpdateAvailable = true
	}
	if rec, err := a.orch.CurrentBackup(); err != nil {
		log.Printf("Failed to read backup record: %v", err)
	} else {
		s.Backup = rec
	}
	return s
}

// HandleExternalVersionChange reacts to the installed package changing
// outside the orchestrator. The cached release is compared against the old
// version, so it is dropped.
func (a *App) HandleExternalVersionChange(previous, current string) {
	if err := a.Feed().ClearCache(); err != nil {
		log.Printf("Failed to clear release cache: %v", err)
	}
	a.wsHub.BroadcastJSON(models.ProgressUpdate{
		Type:    models.MessageJobProgress,
		JobID:   "installed-version",
		Message: fmt.Sprintf("Installed version changed from %q to %q", previous, current),
		Status:  "completed",
		Done:    true,
	})
}

// Close gracefully closes the application's resources, like the DB connection.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
}
