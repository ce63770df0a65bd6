// Package version implements the release version grammar and its ordering.
package version

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// grammar accepts MAJOR.MINOR.PATCH with an optional -prerelease suffix and
// nothing else: no "v" prefix and no build metadata.
var grammar = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z][0-9A-Za-z.-]*)?$`)

// Normalize trims surrounding whitespace and a single leading "v" or "V",
// which release tags commonly carry.
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 0 && (v[0] == 'v' || v[0] == 'V') {
		return v[1:]
	}
	return v
}

// Validate reports whether v is a well-formed release version. It does not
// strip prefixes; callers that accept tags should Normalize first.
func Validate(v string) error {
	if v == "" {
		return fmt.Errorf("empty version")
	}
	if !grammar.MatchString(v) {
		return fmt.Errorf("invalid version %q: expected MAJOR.MINOR.PATCH[-prerelease]", v)
	}
	if _, err := semver.StrictNewVersion(v); err != nil {
		return fmt.Errorf("invalid version %q: %w", v, err)
	}
	return nil
}

// IsValidVersion is the boolean form of Validate.
func IsValidVersion(v string) bool {
	return Validate(v) == nil
}

// CompareVersions compares two version strings semantically.
// Returns:
// - -1 if v1 < v2
// - 0 if v1 == v2
// - 1 if v1 > v2
// - error if either version string is invalid
func CompareVersions(v1, v2 string) (int, error) {
	version1, err := parse(v1)
	if err != nil {
		return 0, err
	}
	version2, err := parse(v2)
	if err != nil {
		return 0, err
	}
	return version1.Compare(version2), nil
}

// IsNewerVersion checks if candidate is strictly newer than current.
func IsNewerVersion(current, candidate string) (bool, error) {
	comparison, err := CompareVersions(current, candidate)
	if err != nil {
		return false, err
	}
	return comparison < 0, nil
}

func parse(v string) (*semver.Version, error) {
	v = Normalize(v)
	if err := Validate(v); err != nil {
		return nil, err
	}
	return semver.StrictNewVersion(v)
}
