package reportcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/hcconfig"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "reports.db")
	cache, err := Open(hcconfig.ReportConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestGetMissReturnsNotOK(t *testing.T) {
	cache := openTestCache(t)
	_, ok, err := cache.Get("mitre", "typo", "hash1", `{"target":"x"}`)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	cache := openTestCache(t)
	require.NoError(t, cache.Put("mitre", "typo", "hash1", `{"target":"x"}`, `{"findings":[]}`))

	output, ok, err := cache.Get("mitre", "typo", "hash1", `{"target":"x"}`)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"findings":[]}`, output)
}

func TestGetDistinguishesConfigHash(t *testing.T) {
	cache := openTestCache(t)
	require.NoError(t, cache.Put("mitre", "typo", "hash1", `{"target":"x"}`, `{"findings":[]}`))

	_, ok, err := cache.Get("mitre", "typo", "hash2", `{"target":"x"}`)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(hcconfig.ReportConfig{Enabled: true, Driver: "mongo", DSN: "whatever"})
	require.Error(t, err)
}
