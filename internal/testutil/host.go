// Test doubles for the host side of the updater.

package testutil

import (
	"context"
	"sync"
	"time"
)

// Host is a configurable stand-in for the extension host.
type Host struct {
	mu         sync.Mutex
	version    string
	versionErr error
	authorized bool
	fileMods   bool
}

// NewHost returns a Host reporting the given installed version that
// authorizes every caller and allows file modification.
func NewHost(installed string) *Host {
	return &Host{version: installed, authorized: true, fileMods: true}
}

func (h *Host) CurrentInstalledVersion() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version, h.versionErr
}

func (h *Host) CanModifyPackages(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authorized
}

func (h *Host) FileModsAllowed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fileMods
}

func (h *Host) SetVersion(v string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = v
}

func (h *Host) SetVersionError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.versionErr = err
}

func (h *Host) SetAuthorized(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorized = ok
}

func (h *Host) SetFileMods(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fileMods = ok
}

// MemoryKV is an in-memory key-value store with TTL support driven by a
// replaceable clock.
type MemoryKV struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
	Sets    int
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{now: time.Now, entries: make(map[string]memoryEntry)}
}

// SetClock replaces the time source used for expiry.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *MemoryKV) Set(key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	m.Sets++
	return nil
}

func (m *MemoryKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Raw returns the stored bytes for key regardless of expiry.
func (m *MemoryKV) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e.value, ok
}
