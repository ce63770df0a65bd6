package models_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/updatekit/internal/models"
	"github.com/vrsandeep/updatekit/internal/testutil"
)

func newRecord(t *testing.T, path string, size int64) models.BackupRecord {
	t.Helper()
	rec, err := models.NewBackupRecord(models.BackupFields{
		BackupPath:    path,
		PluginVersion: "1.5.0",
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		BackupSize:    size,
	})
	require.NoError(t, err)
	return rec
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestNewBackupRecord_Validation(t *testing.T) {
	base := models.BackupFields{
		BackupPath:    "/var/backups/font-manager-1.5.0.zip",
		PluginVersion: "1.5.0",
		CreatedAt:     time.Now(),
		BackupSize:    10,
	}

	testCases := []struct {
		name   string
		mutate func(f *models.BackupFields)
		field  string
	}{
		{name: "empty path", mutate: func(f *models.BackupFields) { f.BackupPath = "" }, field: "backup_path"},
		{name: "relative path", mutate: func(f *models.BackupFields) { f.BackupPath = "backups/a.zip" }, field: "backup_path"},
		{name: "bad version", mutate: func(f *models.BackupFields) { f.PluginVersion = "1.5" }, field: "plugin_version"},
		{name: "zero size", mutate: func(f *models.BackupFields) { f.BackupSize = 0 }, field: "backup_size"},
		{name: "missing timestamp", mutate: func(f *models.BackupFields) { f.CreatedAt = time.Time{} }, field: "created_at"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := base
			tc.mutate(&f)
			rec, err := models.NewBackupRecord(f)
			var verr *models.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
			assert.Equal(t, models.BackupRecord{}, rec)
		})
	}
}

func TestBackupRecord_JSON(t *testing.T) {
	rec := newRecord(t, "/var/backups/font-manager-1.5.0.zip", 2048)
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"backup_path": "/var/backups/font-manager-1.5.0.zip",
		"plugin_version": "1.5.0",
		"created_at": "2026-03-01T12:00:00Z",
		"backup_size": 2048
	}`, string(data))

	var decoded models.BackupRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rec, decoded)
}

func TestBackupRecord_VerifyIntegrity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	good := testutil.CreateTestZip(t, dir, "font-manager-1.5.0.zip", map[string]string{
		"font-manager/plugin.json": `{"version":"1.5.0"}`,
	})

	reasonOf := func(err error) models.IntegrityReason {
		var ierr *models.IntegrityError
		require.True(t, errors.As(err, &ierr), "got %v", err)
		return ierr.Reason
	}

	t.Run("valid backup", func(t *testing.T) {
		assert.NoError(t, newRecord(t, good, fileSize(t, good)).VerifyIntegrity(ctx))
	})

	t.Run("missing file", func(t *testing.T) {
		err := newRecord(t, filepath.Join(dir, "gone.zip"), 10).VerifyIntegrity(ctx)
		assert.Equal(t, models.IntegrityMissingFile, reasonOf(err))
	})

	t.Run("directory is unreadable", func(t *testing.T) {
		err := newRecord(t, dir, 10).VerifyIntegrity(ctx)
		assert.Equal(t, models.IntegrityUnreadable, reasonOf(err))
	})

	t.Run("size mismatch", func(t *testing.T) {
		err := newRecord(t, good, fileSize(t, good)+1).VerifyIntegrity(ctx)
		assert.Equal(t, models.IntegritySizeMismatch, reasonOf(err))
	})

	t.Run("corrupt archive", func(t *testing.T) {
		bad := filepath.Join(dir, "corrupt.zip")
		require.NoError(t, os.WriteFile(bad, []byte("definitely not a zip file"), 0o644))
		err := newRecord(t, bad, fileSize(t, bad)).VerifyIntegrity(ctx)
		assert.Equal(t, models.IntegrityCorruptArchive, reasonOf(err))
	})
}
