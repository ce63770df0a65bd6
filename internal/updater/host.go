package updater

import (
	"context"
	"time"
)

// Host is what the updater needs from the application it updates.
type Host interface {
	// CurrentInstalledVersion returns the version of the live installation.
	CurrentInstalledVersion() (string, error)
	// CanModifyPackages reports whether the caller behind ctx may install
	// or roll back packages.
	CanModifyPackages(ctx context.Context) bool
	// FileModsAllowed reports whether the deployment permits changing files
	// on disk at all.
	FileModsAllowed() bool
}

// KVStore is durable key-value storage with optional expiry. A ttl of zero
// or less never expires.
type KVStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
}
