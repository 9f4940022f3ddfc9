// Package kafka is the KAFKA / CONFLUENT_KAFKA transport, built on
// github.com/twmb/franz-go — the same client the teacher's WebSocket
// gateway uses for its Redpanda consumer.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
)

// Config configures a broker connection.
type Config struct {
	BrokerID          string
	Brokers           []string
	ConsumerGroup     string
	ReconnectInterval time.Duration
	BatchSize         int
	BatchFlushInterval time.Duration
	QueueCapacity     int
	Logger            zerolog.Logger
}

func ConfigFromBrokerConfig(bc model.BrokerConfig, logger zerolog.Logger) Config {
	return Config{
		BrokerID:           bc.BrokerID,
		Brokers:            []string{bc.ConnectionURI},
		ConsumerGroup:      bc.Properties["consumer_group"],
		ReconnectInterval:  time.Duration(bc.ReconnectIntervalSeconds) * time.Second,
		BatchSize:          100,
		BatchFlushInterval: 250 * time.Millisecond,
		QueueCapacity:      10000,
		Logger:             logger,
	}
}

// Transport implements both transport.Publisher and transport.Subscriber
// over one shared franz-go client, matching the one-client-per-broker-id
// ownership rule the channel accessor enforces.
type Transport struct {
	cfg    Config
	client *kgo.Client
	recon  *transport.Reconnector
	batch  *transport.Batcher

	mu        sync.Mutex
	listeners map[string]transport.Callback
	queues    map[string]*transport.BackpressureQueue

	sent, errors, bytesSent, received atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:       cfg,
		recon:     transport.NewReconnector(cfg.ReconnectInterval, cfg.Logger, cfg.BrokerID),
		listeners: make(map[string]transport.Callback),
		queues:    make(map[string]*transport.BackpressureQueue),
	}
}

func (t *Transport) Initialize(ctx context.Context) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.cfg.Brokers...),
		kgo.ConsumerGroup(t.cfg.ConsumerGroup),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("kafka[%s]: new client: %w", t.cfg.BrokerID, err)
	}
	t.client = client
	t.recon.SetConnected()

	t.batch = transport.NewBatcher(ctx, t.cfg.BatchSize, t.cfg.BatchFlushInterval, t.flushBatch)
	return nil
}

func (t *Transport) flushBatch(ctx context.Context, topic string, envs []transport.Envelope) error {
	records := make([]*kgo.Record, len(envs))
	for i, e := range envs {
		records[i] = &kgo.Record{Topic: topic, Key: []byte(e.Key), Value: e.Value}
	}
	results := t.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		t.errors.Add(1)
		t.recon.TriggerReconnect(ctx, t.reconnect)
		return err
	}
	t.sent.Add(uint64(len(envs)))
	for _, e := range envs {
		t.bytesSent.Add(uint64(len(e.Value)))
	}
	return nil
}

func (t *Transport) reconnect(ctx context.Context) error {
	return t.Initialize(ctx)
}

func (t *Transport) Publish(ctx context.Context, topic string, env transport.Envelope) <-chan transport.PublishResult {
	if t.cfg.BatchSize > 1 {
		return t.batch.Add(topic, env)
	}
	resultC := make(chan transport.PublishResult, 1)
	if t.recon.State() == transport.StateReconnecting {
		resultC <- transport.PublishResult{Err: fmt.Errorf("kafka[%s]: reconnecting", t.cfg.BrokerID)}
		close(resultC)
		return resultC
	}
	go func() {
		record := &kgo.Record{Topic: topic, Key: []byte(env.Key), Value: env.Value}
		err := t.client.ProduceSync(ctx, record).FirstErr()
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
		err := t.flushBatch(ctx, topic, envs)
		resultC <- transport.PublishResult{Err: err}
		close(resultC)
	}()
	return resultC
}

func (t *Transport) Flush(ctx context.Context) error {
	if t.batch != nil {
		t.batch.FlushAll()
	}
	return t.client.Flush(ctx)
}

func (t *Transport) Subscribe(topic string, cb transport.Callback) error {
	t.mu.Lock()
	t.listeners[topic] = cb
	q := transport.NewBackpressureQueue(t.cfg.QueueCapacity, 70, 90, 50, t.cfg.Logger, t.cfg.BrokerID)
	t.queues[topic] = q
	t.mu.Unlock()

	t.client.AddConsumeTopics(topic)
	t.wg.Add(1)
	go t.drain(topic, cb, q)
	return nil
}

func (t *Transport) drain(topic string, cb transport.Callback, q *transport.BackpressureQueue) {
	defer t.wg.Done()
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
	q, ok := t.queues[topic]
	delete(t.listeners, topic)
	delete(t.queues, topic)
	t.mu.Unlock()
	if ok {
		q.Close()
	}
	t.client.RemoveConsumeTopics(topic)
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.pollLoop(cctx)
	return nil
}

func (t *Transport) pollLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			fetches := t.client.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			for _, err := range fetches.Errors() {
				t.cfg.Logger.Error().Str("broker_id", t.cfg.BrokerID).Str("topic", err.Topic).Err(err.Err).Msg("kafka fetch error")
				t.recon.TriggerReconnect(ctx, t.reconnect)
			}
			fetches.EachRecord(func(r *kgo.Record) {
				t.received.Add(1)
				t.mu.Lock()
				q, ok := t.queues[r.Topic]
				t.mu.Unlock()
				if !ok {
					return
				}
				q.Enqueue(ctx, transport.Envelope{
					Topic:        r.Topic,
					Key:          string(r.Key),
					Value:        r.Value,
					SourceBroker: t.cfg.BrokerID,
					MessageID:    fmt.Sprintf("%s-%d-%d", r.Topic, r.Partition, r.Offset),
					ReceivedAt:   time.Now(),
				})
			})
		}
	}
}

func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) Close() error {
	t.recon.Close()
	if t.batch != nil {
		t.batch.Close()
	}
	if t.client != nil {
		t.client.Close()
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	return t.recon.State() == transport.StateConnected
}

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
