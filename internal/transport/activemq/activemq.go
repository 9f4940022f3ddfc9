// Package activemq is the ACTIVEMQ transport, built on the STOMP protocol
// via github.com/go-stomp/stomp/v3.
package activemq

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
)

type Config struct {
	BrokerID          string
	Addr              string
	Login             string
	Passcode          string
	ReconnectInterval time.Duration
	QueueCapacity     int
	Logger            zerolog.Logger
}

func ConfigFromBrokerConfig(bc model.BrokerConfig, logger zerolog.Logger) Config {
	return Config{
		BrokerID:          bc.BrokerID,
		Addr:              bc.ConnectionURI,
		Login:             bc.Properties["login"],
		Passcode:          bc.Properties["passcode"],
		ReconnectInterval: time.Duration(bc.ReconnectIntervalSeconds) * time.Second,
		QueueCapacity:     10000,
		Logger:            logger,
	}
}

// Transport implements transport.Publisher and transport.Subscriber over a
// single STOMP connection to an ActiveMQ broker.
type Transport struct {
	cfg  Config
	conn *stomp.Conn
	recon *transport.Reconnector

	mu   sync.Mutex
	subs map[string]*stomp.Subscription
	queues map[string]*transport.BackpressureQueue

	sent, errors, bytesSent, received atomic.Uint64
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		recon:  transport.NewReconnector(cfg.ReconnectInterval, cfg.Logger, cfg.BrokerID),
		subs:   make(map[string]*stomp.Subscription),
		queues: make(map[string]*transport.BackpressureQueue),
	}
}

func (t *Transport) dial() (*stomp.Conn, error) {
	netConn, err := net.DialTimeout("tcp", t.cfg.Addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Login(t.cfg.Login, t.cfg.Passcode),
		stomp.ConnOpt.HeartBeat(10*time.Second, 10*time.Second),
	}
	return stomp.Connect(netConn, opts...)
}

func (t *Transport) Initialize(ctx context.Context) error {
	conn, err := t.dial()
	if err != nil {
		return fmt.Errorf("activemq[%s]: connect: %w", t.cfg.BrokerID, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.recon.SetConnected()
	return nil
}

func (t *Transport) reconnect(ctx context.Context) error {
	return t.Initialize(ctx)
}

func (t *Transport) Publish(ctx context.Context, topic string, env transport.Envelope) <-chan transport.PublishResult {
	resultC := make(chan transport.PublishResult, 1)
	go func() {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			resultC <- transport.PublishResult{Err: fmt.Errorf("activemq[%s]: not connected", t.cfg.BrokerID)}
			close(resultC)
			return
		}
		err := conn.Send(topic, "application/octet-stream", env.Value, stomp.SendOpt.Receipt)
		if err != nil {
			t.errors.Add(1)
			t.recon.TriggerReconnect(ctx, t.reconnect)
		} else {
			t.sent.Add(1)
			t.bytesSent.Add(uint64(len(env.Value)))
		}
		resultC <- transport.PublishResult{Err: err}
		close(resultC)
	}()
	return resultC
}

func (t *Transport) PublishBatch(ctx context.Context, topic string, envs []transport.Envelope) <-chan transport.PublishResult {
	resultC := make(chan transport.PublishResult, 1)
	go func() {
		var firstErr error
		for _, env := range envs {
			r := <-t.Publish(ctx, topic, env)
			if r.Err != nil && firstErr == nil {
				firstErr = r.Err
			}
		}
		resultC <- transport.PublishResult{Err: firstErr}
		close(resultC)
	}()
	return resultC
}

func (t *Transport) Flush(ctx context.Context) error { return nil }

func (t *Transport) Subscribe(topic string, cb transport.Callback) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("activemq[%s]: not connected", t.cfg.BrokerID)
	}
	sub, err := conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return fmt.Errorf("activemq[%s]: subscribe %s: %w", t.cfg.BrokerID, topic, err)
	}
	q := transport.NewBackpressureQueue(t.cfg.QueueCapacity, 70, 90, 50, t.cfg.Logger, t.cfg.BrokerID)

	t.mu.Lock()
	t.subs[topic] = sub
	t.queues[topic] = q
	t.mu.Unlock()

	go t.readLoop(topic, sub, q)
	go t.drain(cb, q)
	return nil
}

func (t *Transport) readLoop(topic string, sub *stomp.Subscription, q *transport.BackpressureQueue) {
	ctx := context.Background()
	for msg := range sub.C {
		if msg.Err != nil {
			t.cfg.Logger.Error().Str("broker_id", t.cfg.BrokerID).Str("topic", topic).Err(msg.Err).Msg("activemq subscription error")
			t.recon.TriggerReconnect(ctx, t.reconnect)
			return
		}
		t.received.Add(1)
		q.Enqueue(ctx, transport.Envelope{
			Topic:        topic,
			Value:        msg.Body,
			SourceBroker: t.cfg.BrokerID,
			ReceivedAt:   time.Now(),
		})
	}
}

func (t *Transport) drain(cb transport.Callback, q *transport.BackpressureQueue) {
	ctx := context.Background()
	for {
		env, ok := q.Dequeue(ctx)
		if !ok {
			return
		}
		cb(env)
	}
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	q := t.queues[topic]
	delete(t.subs, topic)
	delete(t.queues, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if q != nil {
		q.Close()
	}
	return sub.Unsubscribe()
}

func (t *Transport) Start(ctx context.Context) error { return nil }

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, sub := range t.subs {
		_ = sub.Unsubscribe()
		delete(t.subs, topic)
	}
	return nil
}

func (t *Transport) Close() error {
	t.recon.Close()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}

func (t *Transport) IsConnected() bool { return t.recon.State() == transport.StateConnected }

func (t *Transport) GetStats() transport.Stats {
	return transport.Stats{
		Sent:      t.sent.Load(),
		Errors:    t.errors.Load(),
		BytesSent: t.bytesSent.Load(),
		Received:  t.received.Load(),
		Connected: t.IsConnected(),
		State:     t.recon.State().String(),
	}
}
