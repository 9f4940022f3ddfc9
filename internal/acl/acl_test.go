package acl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/config"
)

func newTestACL(t *testing.T, apiKeysJSON string) *ACL {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apikeys.json"), []byte(apiKeysJSON), 0o644))
	store, err := config.NewFileStore(dir)
	require.NoError(t, err)
	a := New(store)
	require.NoError(t, a.Reload())
	return a
}

func TestAuthorizeWildcardAllowsAnyRequestType(t *testing.T) {
	a := newTestACL(t, `[{"api_key":"k1","user_id":"u1","enabled":true,"allowed_request_types":["*"]}]`)
	assert.True(t, a.Authorize("k1", "ECHO"))
	assert.True(t, a.Authorize("k1", "ARITHMETIC"))
}

func TestAuthorizeScopedKeyRejectsUnlistedType(t *testing.T) {
	a := newTestACL(t, `[{"api_key":"k1","user_id":"u1","enabled":true,"allowed_request_types":["ECHO"]}]`)
	assert.True(t, a.Authorize("k1", "ECHO"))
	assert.False(t, a.Authorize("k1", "ARITHMETIC"))
}

func TestAuthorizeDisabledKeyRejected(t *testing.T) {
	a := newTestACL(t, `[{"api_key":"k1","user_id":"u1","enabled":false,"allowed_request_types":["*"]}]`)
	assert.False(t, a.Authorize("k1", "ECHO"))
}

func TestAuthorizeUnknownKeyRejected(t *testing.T) {
	a := newTestACL(t, `[]`)
	assert.False(t, a.Authorize("nope", "ECHO"))
}

func TestResolveUserIDReturnsBoundUser(t *testing.T) {
	a := newTestACL(t, `[{"api_key":"k1","user_id":"u1","enabled":true}]`)
	userID, ok := a.ResolveUserID("k1")
	require.True(t, ok)
	assert.Equal(t, "u1", userID)

	_, ok = a.ResolveUserID("unknown")
	assert.False(t, ok)
}
