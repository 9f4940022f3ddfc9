// Package composite is the composite subscriber (C2): one logical façade
// fanning a single topic subscription out across every enabled broker to
// N listeners, with dynamic add/remove and copy-on-iterate fan-out.
package composite

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/channelaccessor"
	"github.com/dgfacade/gateway/internal/metrics"
	"github.com/dgfacade/gateway/internal/transport"
)

// Listener receives every envelope delivered for a topic it is registered
// on. It must be non-blocking; heavy work should be handed off (§5
// "Scheduling model").
type Listener func(transport.Envelope)

// listenerEntry pairs a listener with a stable identity so it can be found
// again by remove_listener and remove_listener_everywhere (funcs are not
// comparable in Go).
type listenerEntry struct {
	id int64
	fn Listener
}

// topicState is the per-topic listener set plus which brokers currently
// carry a live subscription for it.
type topicState struct {
	listeners []listenerEntry
	brokers   map[string]struct{}
}

// Subscriber is the composite subscriber façade over the channel accessor.
type Subscriber struct {
	accessor *channelaccessor.Accessor
	logger   zerolog.Logger

	mu     sync.Mutex
	topics map[string]*topicState
	nextID atomic.Int64

	received  atomic.Uint64
	delivered atomic.Uint64
}

func New(accessor *channelaccessor.Accessor, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		accessor: accessor,
		logger:   logger,
		topics:   make(map[string]*topicState),
	}
}

// AddListener registers listener for topic, establishing the broker-level
// subscription on every enabled broker the first time the topic's listener
// set goes from empty to non-empty. Returns the listener's handle, needed
// for RemoveListener / RemoveListenerEverywhere.
func (s *Subscriber) AddListener(topic string, fn Listener) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID.Add(1)
	st, ok := s.topics[topic]
	if !ok {
		st = &topicState{brokers: make(map[string]struct{})}
		s.topics[topic] = st
	}
	wasEmpty := len(st.listeners) == 0
	st.listeners = append(st.listeners, listenerEntry{id: id, fn: fn})

	if wasEmpty {
		s.subscribeAllBrokers(topic, st)
	}
	return id
}

// subscribeAllBrokers establishes the broker-level subscription for topic
// on every enabled broker that does not already carry one. Must be called
// with s.mu held.
func (s *Subscriber) subscribeAllBrokers(topic string, st *topicState) {
	for _, brokerID := range s.accessor.EnabledBrokerIDs() {
		if _, already := st.brokers[brokerID]; already {
			continue
		}
		sub, ok := s.accessor.Subscriber(brokerID)
		if !ok {
			continue
		}
		bID := brokerID
		if err := sub.Subscribe(topic, func(env transport.Envelope) { s.deliver(topic, env) }); err != nil {
			s.logger.Warn().Str("broker_id", bID).Str("topic", topic).Err(err).Msg("composite: broker-level subscribe failed")
			continue
		}
		st.brokers[brokerID] = struct{}{}
	}
}

// deliver fans one envelope out to every listener currently registered for
// topic, using a copy-on-iterate snapshot so concurrent add/remove never
// races with in-flight fan-out.
func (s *Subscriber) deliver(topic string, env transport.Envelope) {
	s.received.Add(1)

	s.mu.Lock()
	st, ok := s.topics[topic]
	var snapshot []listenerEntry
	if ok {
		snapshot = make([]listenerEntry, len(st.listeners))
		copy(snapshot, st.listeners)
	}
	s.mu.Unlock()

	if !ok || len(snapshot) == 0 {
		s.logger.Debug().Str("topic", topic).Msg("composite: envelope dropped, topic has no listeners")
		return
	}

	for _, le := range snapshot {
		s.invoke(topic, le, env)
	}
}

func (s *Subscriber) invoke(topic string, le listenerEntry, env transport.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("topic", topic).Int64("listener_id", le.id).Interface("panic", r).Msg("composite: listener panicked")
		}
	}()
	le.fn(env)
	s.delivered.Add(1)
	metrics.CompositeDelivered.WithLabelValues(topic).Inc()
}

// RemoveListener removes one listener by handle from topic. If the
// topic's listener set becomes empty, the broker-level subscriptions are
// torn down and the topic entry is deleted (§4.2 invariant).
func (s *Subscriber) RemoveListener(topic string, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.topics[topic]
	if !ok {
		return false
	}
	removed := false
	kept := st.listeners[:0]
	for _, le := range st.listeners {
		if le.id == id {
			removed = true
			continue
		}
		kept = append(kept, le)
	}
	st.listeners = kept

	if removed && len(st.listeners) == 0 {
		s.unsubscribeAllBrokers(topic, st)
		delete(s.topics, topic)
	}
	return removed
}

// RemoveAllListeners clears every listener for topic and tears down its
// broker-level subscriptions, returning the number of listeners removed.
func (s *Subscriber) RemoveAllListeners(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.topics[topic]
	if !ok {
		return 0
	}
	n := len(st.listeners)
	s.unsubscribeAllBrokers(topic, st)
	delete(s.topics, topic)
	return n
}

// RemoveListenerEverywhere removes a listener by handle from every topic it
// appears on, returning the set of topics it was found on.
func (s *Subscriber) RemoveListenerEverywhere(id int64) map[string]struct{} {
	s.mu.Lock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	found := make(map[string]struct{})
	for _, topic := range topics {
		if s.RemoveListener(topic, id) {
			found[topic] = struct{}{}
		}
	}
	return found
}

// unsubscribeAllBrokers tears down every broker-level subscription
// recorded for topic. Must be called with s.mu held.
func (s *Subscriber) unsubscribeAllBrokers(topic string, st *topicState) {
	for brokerID := range st.brokers {
		sub, ok := s.accessor.Subscriber(brokerID)
		if !ok {
			continue
		}
		if err := sub.Unsubscribe(topic); err != nil {
			s.logger.Warn().Str("broker_id", brokerID).Str("topic", topic).Err(err).Msg("composite: broker-level unsubscribe failed")
		}
	}
}

// GetActiveTopics returns every topic with at least one live listener.
func (s *Subscriber) GetActiveTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	return topics
}

// Stats is the composite subscriber's counter snapshot.
type Stats struct {
	TotalReceived  uint64
	TotalDelivered uint64
	ActiveTopics   int
}

func (s *Subscriber) GetStats() Stats {
	s.mu.Lock()
	n := len(s.topics)
	s.mu.Unlock()
	return Stats{
		TotalReceived:  s.received.Load(),
		TotalDelivered: s.delivered.Load(),
		ActiveTopics:   n,
	}
}

// Shutdown tears down every remaining topic's broker-level subscriptions.
func (s *Subscriber) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, st := range s.topics {
		s.unsubscribeAllBrokers(topic, st)
	}
	s.topics = make(map[string]*topicState)
}
