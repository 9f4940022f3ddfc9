// Package channelaccessor is the registry from broker_id to its owned
// Publisher/Subscriber singleton pair. Handlers and ingesters borrow
// references from here; they never construct or close a transport
// themselves (§3 "Ownership").
package channelaccessor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
	"github.com/dgfacade/gateway/internal/transport/activemq"
	"github.com/dgfacade/gateway/internal/transport/fsbroker"
	"github.com/dgfacade/gateway/internal/transport/ibmmq"
	"github.com/dgfacade/gateway/internal/transport/kafka"
	"github.com/dgfacade/gateway/internal/transport/rabbitmq"
	"github.com/dgfacade/gateway/internal/transport/sqlbroker"
)

// entry holds one broker's owned transport pair.
type entry struct {
	config     model.BrokerConfig
	publisher  transport.Publisher
	subscriber transport.Subscriber
}

// Accessor is the process-wide registry of broker_id → transport pair.
type Accessor struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
}

func New(logger zerolog.Logger) *Accessor {
	return &Accessor{logger: logger, entries: make(map[string]*entry)}
}

// Register builds and initializes the Publisher/Subscriber pair for one
// broker config. It is idempotent per broker_id: every registered entry has
// already been started, so re-registering the same broker_id keeps the
// prior entry, since live handlers may be holding borrowed references.
func (a *Accessor) Register(ctx context.Context, bc model.BrokerConfig) error {
	if !bc.Enabled {
		return nil
	}
	a.mu.RLock()
	_, exists := a.entries[bc.BrokerID]
	a.mu.RUnlock()
	if exists {
		return nil
	}

	pub, sub, err := a.build(bc)
	if err != nil {
		return fmt.Errorf("channelaccessor: build broker %q: %w", bc.BrokerID, err)
	}

	if err := pub.Initialize(ctx); err != nil {
		return fmt.Errorf("channelaccessor: initialize publisher %q: %w", bc.BrokerID, err)
	}
	if any(sub) != any(pub) {
		if err := sub.Initialize(ctx); err != nil {
			return fmt.Errorf("channelaccessor: initialize subscriber %q: %w", bc.BrokerID, err)
		}
	}
	if err := sub.Start(ctx); err != nil {
		return fmt.Errorf("channelaccessor: start subscriber %q: %w", bc.BrokerID, err)
	}

	a.mu.Lock()
	a.entries[bc.BrokerID] = &entry{config: bc, publisher: pub, subscriber: sub}
	a.mu.Unlock()

	a.logger.Info().Str("broker_id", bc.BrokerID).Str("broker_type", string(bc.BrokerType)).Msg("broker registered")
	return nil
}

// build constructs the concrete Publisher+Subscriber for a broker type.
// Kafka and the filesystem broker implement both interfaces on one shared
// struct (one client, two roles); the others do the same but are split out
// here for clarity of which concrete type backs which broker_type.
func (a *Accessor) build(bc model.BrokerConfig) (transport.Publisher, transport.Subscriber, error) {
	switch bc.BrokerType {
	case model.BrokerKafka, model.BrokerConfluentKafka:
		t := kafka.New(kafka.ConfigFromBrokerConfig(bc, a.logger))
		return t, t, nil
	case model.BrokerActiveMQ:
		t := activemq.New(activemq.ConfigFromBrokerConfig(bc, a.logger))
		return t, t, nil
	case model.BrokerRabbitMQ:
		t := rabbitmq.New(rabbitmq.ConfigFromBrokerConfig(bc, a.logger))
		return t, t, nil
	case model.BrokerIBMMQ:
		t := ibmmq.New(ibmmq.ConfigFromBrokerConfig(bc, a.logger))
		return t, t, nil
	case model.BrokerFilesystem:
		t := fsbroker.New(fsbroker.ConfigFromBrokerConfig(bc, a.logger))
		return t, t, nil
	case model.BrokerSQL:
		t := sqlbroker.New(sqlbroker.ConfigFromBrokerConfig(bc, a.logger))
		return t, t, nil
	default:
		return nil, nil, fmt.Errorf("unsupported broker_type %q", bc.BrokerType)
	}
}

// Publisher borrows the Publisher singleton for a broker_id. The returned
// reference must not be closed by the caller.
func (a *Accessor) Publisher(brokerID string) (transport.Publisher, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[brokerID]
	if !ok {
		return nil, false
	}
	return e.publisher, true
}

// Subscriber borrows the Subscriber singleton for a broker_id.
func (a *Accessor) Subscriber(brokerID string) (transport.Subscriber, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[brokerID]
	if !ok {
		return nil, false
	}
	return e.subscriber, true
}

// EnabledBrokerIDs lists every broker_id currently registered.
func (a *Accessor) EnabledBrokerIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns every registered broker's transport.Stats, keyed by
// broker_id, for the /health and /status surfaces.
func (a *Accessor) Stats() map[string]transport.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]transport.Stats, len(a.entries))
	for id, e := range a.entries {
		out[id] = e.publisher.GetStats()
	}
	return out
}

// Shutdown stops and closes every owned transport. Call once at process
// shutdown; after this, no borrowed reference remains valid.
func (a *Accessor) Shutdown() {
	a.mu.Lock()
	entries := a.entries
	a.entries = make(map[string]*entry)
	a.mu.Unlock()

	for id, e := range entries {
		if err := e.subscriber.Stop(); err != nil {
			a.logger.Warn().Str("broker_id", id).Err(err).Msg("subscriber stop failed")
		}
		// publisher and subscriber share one underlying transport per
		// broker_id, so closing the publisher side tears down the
		// connection for both.
		if err := e.publisher.Close(); err != nil {
			a.logger.Warn().Str("broker_id", id).Err(err).Msg("publisher close failed")
		}
	}
}
