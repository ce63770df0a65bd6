package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// UpdateChannel selects which releases are considered.
type UpdateChannel string

const (
	ChannelStable UpdateChannel = "stable"
	ChannelAll    UpdateChannel = "all"
)

const (
	DefaultCacheLifetime = 43200
	MinCacheLifetime     = 3600
)

// UpdateConfiguration holds the per-package update settings. Values are
// validated as given; invalid settings are rejected, never corrected.
type UpdateConfiguration struct {
	RepositoryOwner   string        `json:"repository_owner" validate:"required,identifier"`
	RepositoryName    string        `json:"repository_name" validate:"required,identifier"`
	PluginSlug        string        `json:"plugin_slug" validate:"required,slug"`
	CacheLifetime     int           `json:"cache_lifetime" validate:"min=3600"`
	UpdateChannel     UpdateChannel `json:"update_channel" validate:"oneof=stable all"`
	AutoUpdateEnabled bool          `json:"auto_update_enabled"`
}

// DefaultUpdateConfiguration returns the default settings for a repository
// and package slug. The result is not validated.
func DefaultUpdateConfiguration(owner, repo, slug string) UpdateConfiguration {
	return UpdateConfiguration{
		RepositoryOwner: owner,
		RepositoryName:  repo,
		PluginSlug:      slug,
		CacheLifetime:   DefaultCacheLifetime,
		UpdateChannel:   ChannelStable,
	}
}

// NewUpdateConfiguration validates c and returns it unchanged.
func NewUpdateConfiguration(c UpdateConfiguration) (UpdateConfiguration, error) {
	if err := c.Validate(); err != nil {
		return UpdateConfiguration{}, err
	}
	return c, nil
}

// Validate returns a *ValidationError for the first invalid field.
func (c UpdateConfiguration) Validate() error {
	return validateStruct(c)
}

// CacheTTL returns the cache lifetime as a duration.
func (c UpdateConfiguration) CacheTTL() time.Duration {
	return time.Duration(c.CacheLifetime) * time.Second
}

// ParseUpdateConfiguration decodes a stored configuration. Keys missing from
// data take their defaults; unknown keys and invalid values are errors.
func ParseUpdateConfiguration(data []byte) (UpdateConfiguration, error) {
	c := UpdateConfiguration{CacheLifetime: DefaultCacheLifetime, UpdateChannel: ChannelStable}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return UpdateConfiguration{}, fmt.Errorf("decoding update configuration: %w", err)
	}
	return NewUpdateConfiguration(c)
}
