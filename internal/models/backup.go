package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/vrsandeep/updatekit/internal/archive"
)

// BackupFields are the persisted values of a BackupRecord.
type BackupFields struct {
	BackupPath    string    `json:"backup_path" validate:"required,abspath"`
	PluginVersion string    `json:"plugin_version" validate:"required,release_version"`
	CreatedAt     time.Time `json:"created_at"`
	BackupSize    int64     `json:"backup_size" validate:"gt=0"`
}

// BackupRecord describes the single backup archive kept for a package.
type BackupRecord struct {
	f BackupFields
}

// NewBackupRecord validates f and returns the record, or the zero value and
// a *ValidationError.
func NewBackupRecord(f BackupFields) (BackupRecord, error) {
	if err := validateStruct(f); err != nil {
		return BackupRecord{}, err
	}
	if f.CreatedAt.IsZero() {
		return BackupRecord{}, &ValidationError{Field: "created_at", Rule: "required", Value: f.CreatedAt}
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return BackupRecord{f: f}, nil
}

func (b BackupRecord) BackupPath() string    { return b.f.BackupPath }
func (b BackupRecord) PluginVersion() string { return b.f.PluginVersion }
func (b BackupRecord) CreatedAt() time.Time  { return b.f.CreatedAt }
func (b BackupRecord) BackupSize() int64     { return b.f.BackupSize }
func (b BackupRecord) Fields() BackupFields  { return b.f }

func (b BackupRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.f)
}

func (b *BackupRecord) UnmarshalJSON(data []byte) error {
	var f BackupFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	rec, err := NewBackupRecord(f)
	if err != nil {
		return err
	}
	*b = rec
	return nil
}

// IntegrityReason names the check a backup failed.
type IntegrityReason string

const (
	IntegrityMissingFile    IntegrityReason = "missing_file"
	IntegrityUnreadable     IntegrityReason = "unreadable"
	IntegritySizeMismatch   IntegrityReason = "size_mismatch"
	IntegrityCorruptArchive IntegrityReason = "corrupt_archive"
)

// IntegrityError reports why a backup cannot be trusted.
type IntegrityError struct {
	Reason IntegrityReason
	Path   string
	Detail string
	Err    error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("backup %s failed integrity check: %s", e.Path, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// VerifyIntegrity checks, in order, that the archive exists and is a
// readable file, that its size equals the recorded size, and that it opens
// as a zip archive with at least one entry.
func (b BackupRecord) VerifyIntegrity(ctx context.Context) error {
	fail := func(reason IntegrityReason, detail string, err error) error {
		return &IntegrityError{Reason: reason, Path: b.f.BackupPath, Detail: detail, Err: err}
	}

	info, err := os.Stat(b.f.BackupPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fail(IntegrityMissingFile, "", nil)
	}
	if err != nil {
		return fail(IntegrityUnreadable, "", err)
	}
	if !info.Mode().IsRegular() {
		return fail(IntegrityUnreadable, "not a regular file", nil)
	}
	f, err := os.Open(b.f.BackupPath)
	if err != nil {
		return fail(IntegrityUnreadable, "", err)
	}
	f.Close()

	if info.Size() != b.f.BackupSize {
		return fail(IntegritySizeMismatch, fmt.Sprintf("recorded %d bytes, found %d", b.f.BackupSize, info.Size()), nil)
	}

	entries, err := archive.Inspect(ctx, b.f.BackupPath)
	if err != nil {
		return fail(IntegrityCorruptArchive, "", err)
	}
	if entries == 0 {
		return fail(IntegrityCorruptArchive, "archive is empty", nil)
	}
	return nil
}
