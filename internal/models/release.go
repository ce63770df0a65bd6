package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Asset is a downloadable file attached to a release.
type Asset struct {
	Name        string `json:"name" validate:"required"`
	DownloadURL string `json:"downloadUrl" validate:"required,secure_url"`
	SizeBytes   int64  `json:"sizeBytes" validate:"min=0"`
}

// ReleaseFields carries the raw values a ReleaseDescriptor is built from.
// It is also the descriptor's cache representation.
type ReleaseFields struct {
	Version      string    `json:"version" validate:"required,release_version"`
	ReleaseURL   string    `json:"releaseUrl" validate:"required,secure_url"`
	ReleaseNotes string    `json:"releaseNotes"`
	PublishedAt  time.Time `json:"publishedAt"`
	Assets       []Asset   `json:"assets" validate:"required,min=1,dive"`
	ZipAssetURL  string    `json:"zipAssetUrl" validate:"omitempty,secure_url"`
	ZipAssetSize int64     `json:"zipAssetSize" validate:"min=0"`
}

// ReleaseDescriptor is one validated remote release. The zero value is not
// a valid descriptor; obtain one from NewReleaseDescriptor or
// ResolveReleaseDescriptor.
type ReleaseDescriptor struct {
	f ReleaseFields
}

// NewReleaseDescriptor validates f exactly as given. Either every field is
// valid and a descriptor is returned, or the zero value and a
// *ValidationError are.
func NewReleaseDescriptor(f ReleaseFields) (ReleaseDescriptor, error) {
	if err := validateStruct(f); err != nil {
		return ReleaseDescriptor{}, err
	}
	if f.PublishedAt.IsZero() {
		return ReleaseDescriptor{}, &ValidationError{Field: "publishedAt", Rule: "required", Value: f.PublishedAt}
	}
	if f.ZipAssetURL == "" && f.ZipAssetSize != 0 {
		return ReleaseDescriptor{}, &ValidationError{Field: "zipAssetSize", Rule: "eq=0 without zipAssetUrl", Value: f.ZipAssetSize}
	}
	if f.ZipAssetURL != "" && f.ZipAssetSize <= 0 {
		return ReleaseDescriptor{}, &ValidationError{Field: "zipAssetSize", Rule: "gt=0 with zipAssetUrl", Value: f.ZipAssetSize}
	}
	f.Assets = slices.Clone(f.Assets)
	f.PublishedAt = f.PublishedAt.UTC()
	return ReleaseDescriptor{f: f}, nil
}

// ResolveReleaseDescriptor fills the zip package fields from the asset named
// {slug}-{version}.zip and validates the result. A release without such an
// asset still yields a descriptor, with no package URL.
func ResolveReleaseDescriptor(f ReleaseFields, slug string) (ReleaseDescriptor, error) {
	f.ZipAssetURL, f.ZipAssetSize = "", 0
	if asset, err := findZipAsset(f.Assets, slug, f.Version); err == nil {
		f.ZipAssetURL = asset.DownloadURL
		f.ZipAssetSize = asset.SizeBytes
	}
	return NewReleaseDescriptor(f)
}

func (d ReleaseDescriptor) Version() string        { return d.f.Version }
func (d ReleaseDescriptor) ReleaseURL() string     { return d.f.ReleaseURL }
func (d ReleaseDescriptor) ReleaseNotes() string   { return d.f.ReleaseNotes }
func (d ReleaseDescriptor) PublishedAt() time.Time { return d.f.PublishedAt }
func (d ReleaseDescriptor) ZipAssetURL() string    { return d.f.ZipAssetURL }
func (d ReleaseDescriptor) ZipAssetSize() int64    { return d.f.ZipAssetSize }

// Assets returns a copy of the release's asset list.
func (d ReleaseDescriptor) Assets() []Asset { return slices.Clone(d.f.Assets) }

// HasPackage reports whether an installable zip asset was resolved.
func (d ReleaseDescriptor) HasPackage() bool { return d.f.ZipAssetURL != "" }

// Fields returns a copy of the descriptor's values.
func (d ReleaseDescriptor) Fields() ReleaseFields {
	f := d.f
	f.Assets = slices.Clone(d.f.Assets)
	return f
}

func (d ReleaseDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.f)
}

// UnmarshalJSON decodes and re-validates a cached descriptor.
func (d *ReleaseDescriptor) UnmarshalJSON(data []byte) error {
	var f ReleaseFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	desc, err := NewReleaseDescriptor(f)
	if err != nil {
		return err
	}
	*d = desc
	return nil
}

// AssetNotFoundError is returned when no asset carries the expected package
// name. Available lists every asset name that was offered.
type AssetNotFoundError struct {
	Expected  string
	Available []string
}

func (e *AssetNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("no asset named %q: release has no assets", e.Expected)
	}
	return fmt.Sprintf("no asset named %q; available assets: %s", e.Expected, strings.Join(e.Available, ", "))
}

// ZipAssetName returns the package file name expected for slug at version.
func ZipAssetName(slug, version string) string {
	return slug + "-" + version + ".zip"
}

// ResolveZipAsset returns the download URL of the asset whose name is
// exactly {slug}-{version}.zip. Matching is case-sensitive with no fallback.
func ResolveZipAsset(assets []Asset, slug, version string) (string, error) {
	asset, err := findZipAsset(assets, slug, version)
	if err != nil {
		return "", err
	}
	return asset.DownloadURL, nil
}

func findZipAsset(assets []Asset, slug, version string) (Asset, error) {
	want := ZipAssetName(slug, version)
	for _, a := range assets {
		if a.Name == want {
			return a, nil
		}
	}
	names := make([]string, 0, len(assets))
	for _, a := range assets {
		names = append(names, a.Name)
	}
	return Asset{}, &AssetNotFoundError{Expected: want, Available: names}
}
