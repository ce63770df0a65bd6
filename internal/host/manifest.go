package host

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vrsandeep/updatekit/internal/version"
)

// Manifest is the plugin.json file at the root of an installed package.
type Manifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
}

// LoadManifest loads and parses the plugin.json file in pluginDir.
func LoadManifest(pluginDir string) (*Manifest, error) {
	manifestPath := filepath.Join(pluginDir, "plugin.json")

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin.json: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse plugin.json: %w", err)
	}

	if manifest.Version == "" {
		return nil, fmt.Errorf("plugin.json missing required field: version")
	}
	manifest.Version = version.Normalize(manifest.Version)
	if err := version.Validate(manifest.Version); err != nil {
		return nil, fmt.Errorf("plugin.json: %w", err)
	}
	return &manifest, nil
}
