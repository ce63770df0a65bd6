package updater

import (
	"encoding/json"
	"log"

	"github.com/vrsandeep/updatekit/internal/models"
)

// Storage keys, one set per package slug.
func ReleaseCacheKey(slug string) string  { return "update_release_cache_" + slug }
func ConfigurationKey(slug string) string { return "update_configuration_" + slug }
func BackupRecordKey(slug string) string  { return "update_backup_" + slug }
func FatalStateKey(slug string) string    { return "update_fatal_" + slug }

// noneSentinel is cached when the feed has nothing newer to offer.
var noneSentinel = []byte(`{"none":true}`)

func encodeCachedRelease(desc *models.ReleaseDescriptor) ([]byte, error) {
	if desc == nil {
		return noneSentinel, nil
	}
	return json.Marshal(desc)
}

// decodeCachedRelease returns the cached descriptor, or nil for the none
// sentinel. ok is false when data is not a valid cache entry.
func decodeCachedRelease(data []byte) (desc *models.ReleaseDescriptor, ok bool) {
	var probe struct {
		None bool `json:"none"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}
	if probe.None {
		return nil, true
	}
	var d models.ReleaseDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		log.Printf("Discarding invalid cached release: %v", err)
		return nil, false
	}
	return &d, true
}
