// Package host adapts the local installation to the updater's Host contract.
package host

import (
	"context"
	"path/filepath"
)

type contextKey string

const capabilityKey = contextKey("can_modify_packages")

// WithCapability marks ctx as belonging to a caller that may install and
// roll back packages.
func WithCapability(ctx context.Context) context.Context {
	return context.WithValue(ctx, capabilityKey, true)
}

// HasCapability reports whether ctx carries the package modification
// capability.
func HasCapability(ctx context.Context) bool {
	ok, _ := ctx.Value(capabilityKey).(bool)
	return ok
}

// Adapter reads the installed version from the package manifest and takes
// authorization from the request context.
type Adapter struct {
	pluginDir     string
	allowFileMods bool
}

// NewAdapter returns an adapter for the package installed at
// pluginsDir/slug.
func NewAdapter(pluginsDir, slug string, allowFileMods bool) *Adapter {
	return &Adapter{
		pluginDir:     filepath.Join(pluginsDir, slug),
		allowFileMods: allowFileMods,
	}
}

// CurrentInstalledVersion returns the version in the live plugin.json.
func (a *Adapter) CurrentInstalledVersion() (string, error) {
	m, err := LoadManifest(a.pluginDir)
	if err != nil {
		return "", err
	}
	return m.Version, nil
}

func (a *Adapter) CanModifyPackages(ctx context.Context) bool {
	return HasCapability(ctx)
}

func (a *Adapter) FileModsAllowed() bool {
	return a.allowFileMods
}

// Manifest returns the parsed live manifest.
func (a *Adapter) Manifest() (*Manifest, error) {
	return LoadManifest(a.pluginDir)
}
