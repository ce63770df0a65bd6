package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/updatekit/internal/store"
	"github.com/vrsandeep/updatekit/internal/testutil"
)

func TestStore_GetSetDelete(t *testing.T) {
	s := store.New(testutil.SetupTestDB(t))

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("update_backup_font-manager", []byte(`{"a":1}`), 0))
	value, ok, err := s.Get("update_backup_font-manager")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(value))

	t.Run("overwrite replaces value", func(t *testing.T) {
		require.NoError(t, s.Set("update_backup_font-manager", []byte(`{"a":2}`), 0))
		value, ok, err := s.Get("update_backup_font-manager")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, `{"a":2}`, string(value))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete("update_backup_font-manager"))
		_, ok, err := s.Get("update_backup_font-manager")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, s.Delete("update_backup_font-manager"))
	})
}

func TestStore_TTL(t *testing.T) {
	s := store.New(testutil.SetupTestDB(t))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set("cache", []byte("descriptor"), time.Hour))

	now = now.Add(59 * time.Minute)
	_, ok, err := s.Get("cache")
	require.NoError(t, err)
	assert.True(t, ok, "entry should be live before its TTL elapses")

	now = now.Add(time.Minute)
	_, ok, err = s.Get("cache")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire exactly at its TTL")
}

func TestStore_PurgeExpired(t *testing.T) {
	s := store.New(testutil.SetupTestDB(t))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set("short", []byte("1"), time.Minute))
	require.NoError(t, s.Set("long", []byte("2"), 24*time.Hour))
	require.NoError(t, s.Set("forever", []byte("3"), 0))

	now = now.Add(2 * time.Hour)
	purged, err := s.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, ok, _ := s.Get("long")
	assert.True(t, ok)
	_, ok, _ = s.Get("forever")
	assert.True(t, ok)
}
