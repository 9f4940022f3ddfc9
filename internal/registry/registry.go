// Package registry is the Handler Registry (C4): parses HandlerConfig
// entries from config, maps request_type → HandlerConfig, and publishes
// reloaded snapshots atomically so concurrent lookups never observe a
// half-updated mapping.
package registry

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/model"
)

// ErrNotFound is returned by Lookup for an unregistered request_type.
var ErrNotFound = fmt.Errorf("handler registry: request_type not found")

// Registry holds the current request_type → HandlerConfig mapping. Reads
// never block a concurrent Reload: Reload builds the full next snapshot
// off to the side and swaps it in with a single atomic store.
type Registry struct {
	store   *config.FileStore
	dir     string
	logger  zerolog.Logger
	current atomic.Pointer[map[string]model.HandlerConfig]
}

func New(store *config.FileStore, dir string, logger zerolog.Logger) *Registry {
	r := &Registry{store: store, dir: dir, logger: logger}
	empty := map[string]model.HandlerConfig{}
	r.current.Store(&empty)
	return r
}

// handlerWire is the on-disk shape of one handlers/*.json entry.
type handlerWire struct {
	RequestType       string         `json:"request_type"`
	HandlerIdentifier string         `json:"handler_identifier"`
	TTLMinutes        float64        `json:"ttl_minutes"`
	Enabled           bool           `json:"enabled"`
	Config            map[string]any `json:"config"`
	DefaultChannels   []string       `json:"default_response_channels"`
}

// Reload rescans handlers/*.json under the config directory and atomically
// publishes the new mapping. Existing lookups in flight continue to see
// the prior, fully-consistent snapshot until this returns.
func (r *Registry) Reload() error {
	raw, err := r.store.LoadMapDir(r.dir)
	if err != nil {
		return fmt.Errorf("handler registry: reload: %w", err)
	}

	next := make(map[string]model.HandlerConfig, len(raw))
	for requestType, v := range raw {
		b, err := json.Marshal(v)
		if err != nil {
			r.logger.Warn().Str("request_type", requestType).Err(err).Msg("handler registry: re-marshal failed, skipping")
			continue
		}
		var wire handlerWire
		if err := json.Unmarshal(b, &wire); err != nil {
			r.logger.Warn().Str("request_type", requestType).Err(err).Msg("handler registry: unmarshal failed, skipping")
			continue
		}
		if wire.RequestType == "" {
			wire.RequestType = requestType
		}

		channels := make(map[model.ResponseChannel]struct{}, len(wire.DefaultChannels))
		for _, c := range wire.DefaultChannels {
			channels[model.ResponseChannel(c)] = struct{}{}
		}

		next[wire.RequestType] = model.HandlerConfig{
			RequestType:       wire.RequestType,
			HandlerIdentifier: wire.HandlerIdentifier,
			TTLMinutes:        wire.TTLMinutes,
			Enabled:           wire.Enabled,
			Config:            wire.Config,
			DefaultChannels:   channels,
		}
	}

	r.current.Store(&next)
	r.logger.Info().Int("handler_count", len(next)).Msg("handler registry reloaded")
	return nil
}

// Lookup resolves request_type against the current snapshot.
func (r *Registry) Lookup(requestType string) (model.HandlerConfig, error) {
	snapshot := *r.current.Load()
	cfg, ok := snapshot[requestType]
	if !ok || !cfg.Enabled {
		return model.HandlerConfig{}, ErrNotFound
	}
	return cfg, nil
}

// HasLocal reports whether request_type resolves to an enabled handler on
// this node, satisfying cluster.LocalHandlers without a dispatch import.
func (r *Registry) HasLocal(requestType string) bool {
	_, err := r.Lookup(requestType)
	return err == nil
}

// List returns every currently registered, enabled request_type.
func (r *Registry) List() []model.HandlerConfig {
	snapshot := *r.current.Load()
	out := make([]model.HandlerConfig, 0, len(snapshot))
	for _, cfg := range snapshot {
		if !cfg.Enabled {
			continue
		}
		out = append(out, cfg)
	}
	return out
}
