package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/config"
)

func writeHandlerFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	store, err := config.NewFileStore(root)
	require.NoError(t, err)
	return New(store, "handlers", zerolog.Nop()), root
}

// TestLookupMissingReturnsErrNotFound covers an unregistered request_type.
func TestLookupMissingReturnsErrNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Lookup("ECHO")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestReloadPublishesEnabledHandlers verifies a reload makes an enabled
// handler resolvable and a disabled one absent.
func TestReloadPublishesEnabledHandlers(t *testing.T) {
	r, root := newTestRegistry(t)
	writeHandlerFile(t, filepath.Join(root, "handlers"), "echo.json", `{"ECHO": {
		"request_type": "ECHO",
		"handler_identifier": "echo",
		"ttl_minutes": 2,
		"enabled": true,
		"default_response_channels": ["WEBSOCKET"]
	}}`)
	writeHandlerFile(t, filepath.Join(root, "handlers"), "disabled.json", `{"DISABLED_TYPE": {
		"request_type": "DISABLED_TYPE",
		"handler_identifier": "noop",
		"enabled": false
	}}`)

	require.NoError(t, r.Reload())

	cfg, err := r.Lookup("ECHO")
	require.NoError(t, err)
	assert.Equal(t, "echo", cfg.HandlerIdentifier)
	assert.Equal(t, 2.0, cfg.TTLMinutes)

	_, err = r.Lookup("DISABLED_TYPE")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, r.HasLocal("ECHO"))
	assert.False(t, r.HasLocal("DISABLED_TYPE"))
	assert.Len(t, r.List(), 1)
}

// TestReloadSwapIsAtomic ensures a second Reload fully replaces the first
// snapshot rather than merging into it.
func TestReloadSwapIsAtomic(t *testing.T) {
	r, root := newTestRegistry(t)
	handlersDir := filepath.Join(root, "handlers")
	writeHandlerFile(t, handlersDir, "echo.json", `{"ECHO": {"request_type": "ECHO", "handler_identifier": "echo", "enabled": true}}`)
	require.NoError(t, r.Reload())
	require.True(t, r.HasLocal("ECHO"))

	require.NoError(t, os.Remove(filepath.Join(handlersDir, "echo.json")))
	writeHandlerFile(t, handlersDir, "weather.json", `{"WEATHER": {"request_type": "WEATHER", "handler_identifier": "weather", "enabled": true}}`)
	require.NoError(t, r.Reload())

	assert.False(t, r.HasLocal("ECHO"))
	assert.True(t, r.HasLocal("WEATHER"))
}
