// Package bootstrap decodes the facade's remaining config-tree directories
// (brokers/, input-channels/, output-channels/, ingesters/, chains/) into
// their model types,
// following the same load-then-remarshal pattern the handler registry uses
// for handlers/.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/ingest"
	"github.com/dgfacade/gateway/internal/model"
)

// brokerWire is the on-disk shape of one brokers/*.json entry.
type brokerWire struct {
	BrokerType              string            `json:"broker_type"`
	ConnectionURI            string            `json:"connection_uri"`
	Enabled                  bool              `json:"enabled"`
	AutoStart                bool              `json:"auto_start"`
	ReconnectIntervalSeconds int               `json:"reconnect_interval_seconds"`
	Properties               map[string]string `json:"properties"`
}

// LoadBrokers decodes brokers/*.json into a BrokerConfig per broker_id.
func LoadBrokers(store *config.FileStore) ([]model.BrokerConfig, error) {
	raw, err := store.LoadMapDir("brokers")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load brokers: %w", err)
	}

	out := make([]model.BrokerConfig, 0, len(raw))
	for brokerID, v := range raw {
		var wire brokerWire
		if err := remarshal(v, &wire); err != nil {
			return nil, fmt.Errorf("bootstrap: broker %q: %w", brokerID, err)
		}
		out = append(out, model.BrokerConfig{
			BrokerID:                 brokerID,
			BrokerType:               model.BrokerType(wire.BrokerType),
			ConnectionURI:            wire.ConnectionURI,
			Enabled:                  wire.Enabled,
			AutoStart:                wire.AutoStart,
			ReconnectIntervalSeconds: wire.ReconnectIntervalSeconds,
			Properties:               wire.Properties,
		})
	}
	return out, nil
}

// LoadIngesters returns every ingesters/*.json entry, keyed by ingester_id.
func LoadIngesters(store *config.FileStore) (map[string]map[string]any, error) {
	raw, err := store.LoadMapDir("ingesters")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load ingesters: %w", err)
	}
	out := make(map[string]map[string]any, len(raw))
	for id, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bootstrap: ingester %q: not an object", id)
		}
		out[id] = m
	}
	return out, nil
}

// LoadInputChannels returns every input-channels/*.json entry, keyed by
// input_channel_id.
func LoadInputChannels(store *config.FileStore) (map[string]map[string]any, error) {
	raw, err := store.LoadMapDir("input-channels")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load input-channels: %w", err)
	}
	out := make(map[string]map[string]any, len(raw))
	for id, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bootstrap: input-channel %q: not an object", id)
		}
		out[id] = m
	}
	return out, nil
}

// LoadOutputChannels returns every output-channels/*.json entry, keyed by
// output_channel_id, each shaped {type, broker, destinations[], queue, retry}.
func LoadOutputChannels(store *config.FileStore) (map[string]map[string]any, error) {
	raw, err := store.LoadMapDir("output-channels")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load output-channels: %w", err)
	}
	out := make(map[string]map[string]any, len(raw))
	for id, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bootstrap: output-channel %q: not an object", id)
		}
		out[id] = m
	}
	return out, nil
}

// ChannelBrokerIDs maps each ResponseChannel ("type" field of an
// output-channels/*.json entry) to the broker_id it publishes through, for
// streaming.Config.ChannelBrokerIDs. A broker-shaped response channel with
// no matching entry is simply absent; WebSocket/REST channels never appear
// here since they are served in-process by the gateway, not a broker.
func ChannelBrokerIDs(outputChannels map[string]map[string]any) map[model.ResponseChannel]string {
	out := make(map[model.ResponseChannel]string, len(outputChannels))
	for _, def := range outputChannels {
		channelType, _ := def["type"].(string)
		brokerID, _ := def["broker"].(string)
		if channelType == "" || brokerID == "" {
			continue
		}
		out[model.ResponseChannel(channelType)] = brokerID
	}
	return out
}

// ResolveIngesters ties ingesters/*.json entries to their referenced
// input-channels/*.json and brokers/*.json entries and returns one
// ingest.Config per enabled ingester, via ingest.Resolve's deep-merge
// chain (§4.3 "Resolution chain").
func ResolveIngesters(store *config.FileStore) ([]ingest.Config, error) {
	ingesterDefs, err := LoadIngesters(store)
	if err != nil {
		return nil, err
	}
	inputChannels, err := LoadInputChannels(store)
	if err != nil {
		return nil, err
	}
	brokersRaw, err := store.LoadMapDir("brokers")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load brokers: %w", err)
	}

	out := make([]ingest.Config, 0, len(ingesterDefs))
	for ingesterID, def := range ingesterDefs {
		if enabled, ok := def["enabled"].(bool); ok && !enabled {
			continue
		}
		channelID, _ := def["input_channel"].(string)
		inputChannelDef, ok := inputChannels[channelID]
		if !ok {
			return nil, fmt.Errorf("bootstrap: ingester %q: input_channel %q not found", ingesterID, channelID)
		}
		brokerID, _ := inputChannelDef["broker"].(string)
		brokerDef, ok := brokersRaw[brokerID].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bootstrap: ingester %q: broker %q not found", ingesterID, brokerID)
		}

		// ingest.Resolve reads the ingester's own "type" directly; an
		// ingester inherits its wire type from the input channel it binds
		// to unless it overrides it explicitly.
		effectiveDef := def
		if _, has := def["type"]; !has {
			effectiveDef = make(map[string]any, len(def)+1)
			for k, v := range def {
				effectiveDef[k] = v
			}
			effectiveDef["type"] = inputChannelDef["type"]
		}

		out = append(out, ingest.Resolve(ingesterID, effectiveDef, brokerDef, inputChannelDef))
	}
	return out, nil
}

// chainWire is the on-disk shape of one chains/*.json entry.
type chainWire struct {
	TTLMinutes    float64          `json:"ttl_minutes"`
	ErrorStrategy string           `json:"error_strategy"`
	BranchTimeoutSeconds int       `json:"branch_timeout_seconds"`
	Steps         []chainStepWire `json:"steps"`
}

type chainStepWire struct {
	Step           int             `json:"step"`
	Handler        string          `json:"handler"`
	Alias          string          `json:"alias"`
	PayloadMapping map[string]any  `json:"payload_mapping"`
	MergeStrategy  string          `json:"merge_strategy"`
	When           string          `json:"when"`
	ErrorStrategy  string          `json:"error_strategy"`
	FallbackValue  model.Payload   `json:"fallback_value"`
	Parallel       []chainStepWire `json:"parallel"`
	JoinStrategy   string          `json:"join_strategy"`
}

func (w chainStepWire) toModel() model.ChainStep {
	parallel := make([]model.ChainStep, 0, len(w.Parallel))
	for _, p := range w.Parallel {
		parallel = append(parallel, p.toModel())
	}
	return model.ChainStep{
		Step:           w.Step,
		Handler:        w.Handler,
		Alias:          w.Alias,
		PayloadMapping: w.PayloadMapping,
		MergeStrategy:  model.MergeStrategy(w.MergeStrategy),
		When:           w.When,
		ErrorStrategy:  model.ErrorStrategy(w.ErrorStrategy),
		FallbackValue:  w.FallbackValue,
		Parallel:       parallel,
		JoinStrategy:   model.JoinStrategy(w.JoinStrategy),
	}
}

// LoadChains decodes chains/*.json into a ChainConfig per chain_id, for
// registration as CHAIN-identified handlers.
func LoadChains(store *config.FileStore) (map[string]model.ChainConfig, error) {
	raw, err := store.LoadMapDir("chains")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load chains: %w", err)
	}

	out := make(map[string]model.ChainConfig, len(raw))
	for chainID, v := range raw {
		var wire chainWire
		if err := remarshal(v, &wire); err != nil {
			return nil, fmt.Errorf("bootstrap: chain %q: %w", chainID, err)
		}
		steps := make([]model.ChainStep, 0, len(wire.Steps))
		for _, s := range wire.Steps {
			steps = append(steps, s.toModel())
		}
		out[chainID] = model.ChainConfig{
			ChainID:       chainID,
			TTLMinutes:    wire.TTLMinutes,
			ErrorStrategy: model.ErrorStrategy(wire.ErrorStrategy),
			BranchTimeout: time.Duration(wire.BranchTimeoutSeconds) * time.Second,
			Steps:         steps,
		}
	}
	return out, nil
}

func remarshal(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
