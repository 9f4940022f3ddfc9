// Package transport defines the broker-agnostic Publisher/Subscriber
// contract (§4.1) that every concrete broker transport implements, plus
// the shared reconnect/backpressure/batch machinery they all embed.
package transport

import (
	"context"
	"time"
)

// Envelope is the broker-agnostic unit of transport.
type Envelope struct {
	Topic        string
	Key          string
	Value        []byte
	Headers      map[string]string
	MessageID    string
	SourceBroker string
	ReceivedAt   time.Time
}

// PublishResult is delivered on a publish future's channel exactly once.
type PublishResult struct {
	Err error
}

// Stats is the counter set every transport exposes for /health and metrics.
type Stats struct {
	Sent      uint64
	Errors    uint64
	BytesSent uint64
	Received  uint64
	Connected bool
	State     string
}

// Publisher is the per-broker publish-side contract.
type Publisher interface {
	Initialize(ctx context.Context) error
	Publish(ctx context.Context, topic string, env Envelope) <-chan PublishResult
	PublishBatch(ctx context.Context, topic string, envs []Envelope) <-chan PublishResult
	Flush(ctx context.Context) error
	Close() error
	IsConnected() bool
	GetStats() Stats
}

// Callback is invoked by a Subscriber for every delivered Envelope.
type Callback func(Envelope)

// Subscriber is the per-broker subscribe-side contract.
type Subscriber interface {
	Initialize(ctx context.Context) error
	Subscribe(topic string, cb Callback) error
	Unsubscribe(topic string) error
	Start(ctx context.Context) error
	Stop() error
	IsConnected() bool
	GetStats() Stats
}
