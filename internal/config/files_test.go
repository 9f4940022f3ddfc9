package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// TestResolveStringWaterfallPrefersProcessEnvThenPropertiesThenDefault
// covers §7's placeholder resolution order.
func TestResolveStringWaterfallPrefersProcessEnvThenPropertiesThenDefault(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "properties.json"), `{"broker_host": "props-host"}`)

	store, err := NewFileStore(root)
	require.NoError(t, err)

	resolved, err := store.resolveString("${broker_host}")
	require.NoError(t, err)
	assert.Equal(t, "props-host", resolved)

	t.Setenv("broker_host", "env-host")
	resolved, err = store.resolveString("${broker_host}")
	require.NoError(t, err)
	assert.Equal(t, "env-host", resolved)
}

func TestResolveStringFallsBackToInlineDefault(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	resolved, err := store.resolveString("${missing_key:fallback}")
	require.NoError(t, err)
	assert.Equal(t, "fallback", resolved)
}

func TestResolveStringErrorsOnUnresolvedPlaceholderWithNoDefault(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.resolveString("${totally_missing}")
	assert.Error(t, err)
}

// TestLoadMapDirMergesAllFilesAndResolvesPlaceholders covers the
// directory-of-JSON-files merge used by brokers/, handlers/, etc.
func TestLoadMapDirMergesAllFilesAndResolvesPlaceholders(t *testing.T) {
	root := t.TempDir()
	t.Setenv("kafka_uri", "kafka://broker:9092")
	writeJSON(t, filepath.Join(root, "brokers", "kafka-1.json"), `{
		"kafka-1": {"broker_type": "KAFKA", "connection_uri": "${kafka_uri}", "enabled": true}
	}`)
	writeJSON(t, filepath.Join(root, "brokers", "rabbit-1.json"), `{
		"rabbit-1": {"broker_type": "RABBITMQ", "enabled": false}
	}`)

	store, err := NewFileStore(root)
	require.NoError(t, err)

	merged, err := store.LoadMapDir("brokers")
	require.NoError(t, err)
	require.Len(t, merged, 2)

	kafka := merged["kafka-1"].(map[string]any)
	assert.Equal(t, "kafka://broker:9092", kafka["connection_uri"])
}

// TestLoadMapDirMissingDirReturnsEmpty covers an optional config tree that
// was never created.
func TestLoadMapDirMissingDirReturnsEmpty(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	merged, err := store.LoadMapDir("chains")
	require.NoError(t, err)
	assert.Empty(t, merged)
}

// TestLoadArrayFileResolvesPlaceholdersInEachEntry covers apikeys.json /
// users.json, the single-array-file shape.
func TestLoadArrayFileResolvesPlaceholdersInEachEntry(t *testing.T) {
	root := t.TempDir()
	t.Setenv("admin_key", "sk-admin-123")
	writeJSON(t, filepath.Join(root, "apikeys.json"), `[{"api_key": "${admin_key}", "enabled": true}]`)

	store, err := NewFileStore(root)
	require.NoError(t, err)

	entries, err := store.LoadArrayFile("apikeys.json")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sk-admin-123", entries[0]["api_key"])
}
