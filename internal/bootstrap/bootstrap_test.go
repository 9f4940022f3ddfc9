package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/model"
)

func writeJSON(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newTestStore(t *testing.T) (*config.FileStore, string) {
	t.Helper()
	root := t.TempDir()
	store, err := config.NewFileStore(root)
	require.NoError(t, err)
	return store, root
}

func TestLoadBrokersDecodesEveryEntry(t *testing.T) {
	store, root := newTestStore(t)
	writeJSON(t, filepath.Join(root, "brokers", "kafka-1.json"), `{
		"kafka-1": {"broker_type": "KAFKA", "connection_uri": "localhost:9092", "enabled": true, "auto_start": true}
	}`)

	brokers, err := LoadBrokers(store)
	require.NoError(t, err)
	require.Len(t, brokers, 1)
	assert.Equal(t, model.BrokerKafka, brokers[0].BrokerType)
	assert.Equal(t, "localhost:9092", brokers[0].ConnectionURI)
}

func TestChannelBrokerIDsSkipsEntriesMissingTypeOrBroker(t *testing.T) {
	out := ChannelBrokerIDs(map[string]map[string]any{
		"kafka-out": {"type": "KAFKA", "broker": "kafka-1"},
		"malformed": {"type": "KAFKA"},
	})

	assert.Equal(t, "kafka-1", out[model.ChannelKafka])
	assert.Len(t, out, 1)
}

// TestResolveIngestersInheritsTypeFromInputChannel covers the ingester
// config's documented shape, which has no direct "type" field: the
// effective type is inherited from the bound input channel unless the
// ingester overrides it explicitly.
func TestResolveIngestersInheritsTypeFromInputChannel(t *testing.T) {
	store, root := newTestStore(t)
	writeJSON(t, filepath.Join(root, "brokers", "kafka-1.json"), `{
		"kafka-1": {"broker_type": "KAFKA", "connection_uri": "localhost:9092", "enabled": true}
	}`)
	writeJSON(t, filepath.Join(root, "input-channels", "orders.json"), `{
		"orders-channel": {"broker": "kafka-1", "topic": "orders", "type": "KAFKA"}
	}`)
	writeJSON(t, filepath.Join(root, "ingesters", "orders.json"), `{
		"orders-ingester": {"enabled": true, "input_channel": "orders-channel"}
	}`)

	cfgs, err := ResolveIngesters(store)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "KAFKA", cfgs[0].Type)
	assert.Equal(t, "kafka-1", cfgs[0].BrokerID)
	assert.Equal(t, "orders", cfgs[0].Topic)
}

// TestResolveIngestersSkipsDisabled covers an explicitly disabled ingester
// being excluded from the returned set.
func TestResolveIngestersSkipsDisabled(t *testing.T) {
	store, root := newTestStore(t)
	writeJSON(t, filepath.Join(root, "brokers", "kafka-1.json"), `{
		"kafka-1": {"broker_type": "KAFKA", "connection_uri": "localhost:9092", "enabled": true}
	}`)
	writeJSON(t, filepath.Join(root, "input-channels", "orders.json"), `{
		"orders-channel": {"broker": "kafka-1", "topic": "orders", "type": "KAFKA"}
	}`)
	writeJSON(t, filepath.Join(root, "ingesters", "orders.json"), `{
		"orders-ingester": {"enabled": false, "input_channel": "orders-channel"}
	}`)

	cfgs, err := ResolveIngesters(store)
	require.NoError(t, err)
	assert.Empty(t, cfgs)
}

func TestResolveIngestersErrorsOnMissingInputChannel(t *testing.T) {
	store, root := newTestStore(t)
	writeJSON(t, filepath.Join(root, "ingesters", "orders.json"), `{
		"orders-ingester": {"enabled": true, "input_channel": "missing-channel"}
	}`)

	_, err := ResolveIngesters(store)
	assert.Error(t, err)
}

func TestLoadChainsDecodesStepsAndParallelBranches(t *testing.T) {
	store, root := newTestStore(t)
	writeJSON(t, filepath.Join(root, "chains", "onboard.json"), `{
		"onboard-chain": {
			"ttl_minutes": 5,
			"error_strategy": "ABORT",
			"branch_timeout_seconds": 10,
			"steps": [
				{"step": 1, "handler": "echo", "alias": "first"},
				{"step": 2, "handler": "weather", "parallel": [
					{"step": 1, "handler": "arithmetic"}
				]}
			]
		}
	}`)

	chains, err := LoadChains(store)
	require.NoError(t, err)
	require.Contains(t, chains, "onboard-chain")

	chain := chains["onboard-chain"]
	require.Len(t, chain.Steps, 2)
	assert.Equal(t, "first", chain.Steps[0].Alias)
	require.Len(t, chain.Steps[1].Parallel, 1)
	assert.Equal(t, "arithmetic", chain.Steps[1].Parallel[0].Handler)
}
