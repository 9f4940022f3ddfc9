// Package acl authorizes requests against the facade's apikeys.json config
// tree (§6 "flat arrays", consumed here as the opaque maps the core
// contract describes); users.json is not read by this package.
package acl

import (
	"sync"

	"github.com/dgfacade/gateway/internal/config"
)

type keyEntry struct {
	userID      string
	enabled     bool
	allowAll    bool
	allowedReqs map[string]struct{}
}

// ACL maps api_key -> allowed request_types and the user behind the key,
// rebuilt wholesale on Reload (same atomic-publish pattern as the handler
// registry).
type ACL struct {
	store *config.FileStore

	mu   sync.RWMutex
	keys map[string]keyEntry
}

func New(store *config.FileStore) *ACL {
	return &ACL{store: store, keys: map[string]keyEntry{}}
}

// Reload re-reads apikeys.json and publishes a fresh snapshot.
//
// apikeys.json shape: an array of
// {"api_key": "...", "user_id": "...", "enabled": true, "allowed_request_types": ["*"] | ["ECHO", ...]}.
func (a *ACL) Reload() error {
	rows, err := a.store.LoadArrayFile("apikeys.json")
	if err != nil {
		return err
	}

	next := make(map[string]keyEntry, len(rows))
	for _, row := range rows {
		apiKey, _ := row["api_key"].(string)
		if apiKey == "" {
			continue
		}
		entry := keyEntry{
			userID:      stringField(row, "user_id"),
			enabled:     boolField(row, "enabled", true),
			allowedReqs: map[string]struct{}{},
		}
		if list, ok := row["allowed_request_types"].([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					if s == "*" {
						entry.allowAll = true
					}
					entry.allowedReqs[s] = struct{}{}
				}
			}
		} else {
			// Absence of an explicit allow-list means "all request types",
			// matching the permissive default a new key gets until an
			// operator scopes it down.
			entry.allowAll = true
		}
		next[apiKey] = entry
	}

	a.mu.Lock()
	a.keys = next
	a.mu.Unlock()
	return nil
}

// Authorize reports whether apiKey may invoke requestType.
func (a *ACL) Authorize(apiKey, requestType string) bool {
	if apiKey == "" || requestType == "" {
		return false
	}
	a.mu.RLock()
	entry, ok := a.keys[apiKey]
	a.mu.RUnlock()
	if !ok || !entry.enabled {
		return false
	}
	if entry.allowAll {
		return true
	}
	_, allowed := entry.allowedReqs[requestType]
	return allowed
}

// ResolveUserID returns the user_id bound to apiKey, if any.
func (a *ACL) ResolveUserID(apiKey string) (string, bool) {
	a.mu.RLock()
	entry, ok := a.keys[apiKey]
	a.mu.RUnlock()
	if !ok || entry.userID == "" {
		return "", false
	}
	return entry.userID, true
}

func stringField(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

func boolField(row map[string]any, key string, fallback bool) bool {
	v, ok := row[key]
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}
