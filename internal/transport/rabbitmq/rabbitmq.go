// Package rabbitmq is the RABBITMQ transport, built on
// github.com/rabbitmq/amqp091-go.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
)

type Config struct {
	BrokerID          string
	URI               string
	Exchange          string
	ReconnectInterval time.Duration
	QueueCapacity     int
	Logger            zerolog.Logger
}

func ConfigFromBrokerConfig(bc model.BrokerConfig, logger zerolog.Logger) Config {
	return Config{
		BrokerID:          bc.BrokerID,
		URI:               bc.ConnectionURI,
		Exchange:          bc.Properties["exchange"],
		ReconnectInterval: time.Duration(bc.ReconnectIntervalSeconds) * time.Second,
		QueueCapacity:     10000,
		Logger:            logger,
	}
}

// Transport implements transport.Publisher and transport.Subscriber over a
// single AMQP 0-9-1 connection with one channel per direction.
type Transport struct {
	cfg   Config
	recon *transport.Reconnector

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	subCh   *amqp.Channel
	queues  map[string]*transport.BackpressureQueue
	cancels map[string]context.CancelFunc

	sent, errors, bytesSent, received atomic.Uint64
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:     cfg,
		recon:   transport.NewReconnector(cfg.ReconnectInterval, cfg.Logger, cfg.BrokerID),
		queues:  make(map[string]*transport.BackpressureQueue),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *Transport) Initialize(ctx context.Context) error {
	conn, err := amqp.Dial(t.cfg.URI)
	if err != nil {
		return fmt.Errorf("rabbitmq[%s]: dial: %w", t.cfg.BrokerID, err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq[%s]: pub channel: %w", t.cfg.BrokerID, err)
	}
	subCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq[%s]: sub channel: %w", t.cfg.BrokerID, err)
	}
	if t.cfg.Exchange != "" {
		if err := pubCh.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("rabbitmq[%s]: declare exchange: %w", t.cfg.BrokerID, err)
		}
	}

	t.mu.Lock()
	t.conn, t.pubCh, t.subCh = conn, pubCh, subCh
	t.mu.Unlock()
	t.recon.SetConnected()

	closeC := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeC)
	go func() {
		if amqpErr, ok := <-closeC; ok {
			t.cfg.Logger.Warn().Str("broker_id", t.cfg.BrokerID).Err(amqpErr).Msg("rabbitmq connection closed")
			t.recon.TriggerReconnect(context.Background(), t.reconnect)
		}
	}()
	return nil
}

func (t *Transport) reconnect(ctx context.Context) error {
	return t.Initialize(ctx)
}

func (t *Transport) Publish(ctx context.Context, topic string, env transport.Envelope) <-chan transport.PublishResult {
	resultC := make(chan transport.PublishResult, 1)
	go func() {
		t.mu.Lock()
		ch := t.pubCh
		t.mu.Unlock()
		if ch == nil {
			resultC <- transport.PublishResult{Err: fmt.Errorf("rabbitmq[%s]: not connected", t.cfg.BrokerID)}
			close(resultC)
			return
		}
		err := ch.PublishWithContext(ctx, t.cfg.Exchange, topic, false, false, amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        env.Value,
			MessageId:   env.MessageID,
		})
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
	ch := t.subCh
	t.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("rabbitmq[%s]: not connected", t.cfg.BrokerID)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq[%s]: declare queue: %w", t.cfg.BrokerID, err)
	}
	if t.cfg.Exchange != "" {
		if err := ch.QueueBind(q.Name, topic, t.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq[%s]: bind queue: %w", t.cfg.BrokerID, err)
		}
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq[%s]: consume: %w", t.cfg.BrokerID, err)
	}

	queue := transport.NewBackpressureQueue(t.cfg.QueueCapacity, 70, 90, 50, t.cfg.Logger, t.cfg.BrokerID)
	cctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.queues[topic] = queue
	t.cancels[topic] = cancel
	t.mu.Unlock()

	go t.readLoop(cctx, topic, msgs, queue)
	go t.drain(cctx, cb, queue)
	return nil
}

func (t *Transport) readLoop(ctx context.Context, topic string, msgs <-chan amqp.Delivery, q *transport.BackpressureQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			t.received.Add(1)
			q.Enqueue(ctx, transport.Envelope{
				Topic:        topic,
				Value:        d.Body,
				MessageID:    d.MessageId,
				SourceBroker: t.cfg.BrokerID,
				ReceivedAt:   time.Now(),
			})
		}
	}
}

func (t *Transport) drain(ctx context.Context, cb transport.Callback, q *transport.BackpressureQueue) {
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
	cancel, ok := t.cancels[topic]
	q := t.queues[topic]
	delete(t.cancels, topic)
	delete(t.queues, topic)
	t.mu.Unlock()
	if ok {
		cancel()
	}
	if q != nil {
		q.Close()
	}
	return nil
}

func (t *Transport) Start(ctx context.Context) error { return nil }

func (t *Transport) Stop() error {
	t.mu.Lock()
	cancels := t.cancels
	t.cancels = make(map[string]context.CancelFunc)
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

func (t *Transport) Close() error {
	t.recon.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubCh != nil {
		t.pubCh.Close()
	}
	if t.subCh != nil {
		t.subCh.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
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
