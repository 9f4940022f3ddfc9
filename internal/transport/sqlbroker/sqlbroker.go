// Package sqlbroker is the SQL transport, built on github.com/jackc/pgx/v5.
// Topics map to an outbox-style table: Publish inserts a row, Subscribe
// polls for unconsumed rows ordered by id and marks them delivered.
package sqlbroker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
)

type Config struct {
	BrokerID          string
	DSN               string
	Table             string
	PollInterval      time.Duration
	ReconnectInterval time.Duration
	QueueCapacity     int
	Logger            zerolog.Logger
}

func ConfigFromBrokerConfig(bc model.BrokerConfig, logger zerolog.Logger) Config {
	table := bc.Properties["table"]
	if table == "" {
		table = "gateway_outbox"
	}
	return Config{
		BrokerID:          bc.BrokerID,
		DSN:               bc.ConnectionURI,
		Table:             table,
		PollInterval:      500 * time.Millisecond,
		ReconnectInterval: time.Duration(bc.ReconnectIntervalSeconds) * time.Second,
		QueueCapacity:     10000,
		Logger:            logger,
	}
}

// Transport implements transport.Publisher and transport.Subscriber over a
// pgx connection pool, polling an outbox table per subscribed topic.
type Transport struct {
	cfg   Config
	recon *transport.Reconnector

	mu      sync.Mutex
	pool    *pgxpool.Pool
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
	pool, err := pgxpool.New(ctx, t.cfg.DSN)
	if err != nil {
		return fmt.Errorf("sqlbroker[%s]: connect: %w", t.cfg.BrokerID, err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		topic TEXT NOT NULL,
		message_id TEXT NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		delivered BOOLEAN NOT NULL DEFAULT false
	)`, t.cfg.Table)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return fmt.Errorf("sqlbroker[%s]: ensure table: %w", t.cfg.BrokerID, err)
	}
	t.mu.Lock()
	t.pool = pool
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
		pool := t.pool
		t.mu.Unlock()
		if pool == nil {
			resultC <- transport.PublishResult{Err: fmt.Errorf("sqlbroker[%s]: not connected", t.cfg.BrokerID)}
			close(resultC)
			return
		}
		q := fmt.Sprintf(`INSERT INTO %s (topic, message_id, payload) VALUES ($1, $2, $3)`, t.cfg.Table)
		_, err := pool.Exec(ctx, q, topic, env.MessageID, env.Value)
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
		t.mu.Lock()
		pool := t.pool
		t.mu.Unlock()
		if pool == nil {
			resultC <- transport.PublishResult{Err: fmt.Errorf("sqlbroker[%s]: not connected", t.cfg.BrokerID)}
			close(resultC)
			return
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			resultC <- transport.PublishResult{Err: err}
			close(resultC)
			return
		}
		q := fmt.Sprintf(`INSERT INTO %s (topic, message_id, payload) VALUES ($1, $2, $3)`, t.cfg.Table)
		for _, env := range envs {
			if _, err = tx.Exec(ctx, q, topic, env.MessageID, env.Value); err != nil {
				break
			}
		}
		if err != nil {
			tx.Rollback(ctx)
			t.errors.Add(uint64(len(envs)))
		} else {
			err = tx.Commit(ctx)
			if err == nil {
				t.sent.Add(uint64(len(envs)))
			}
		}
		resultC <- transport.PublishResult{Err: err}
		close(resultC)
	}()
	return resultC
}

func (t *Transport) Flush(ctx context.Context) error { return nil }

func (t *Transport) Subscribe(topic string, cb transport.Callback) error {
	t.mu.Lock()
	pool := t.pool
	t.mu.Unlock()
	if pool == nil {
		return fmt.Errorf("sqlbroker[%s]: not connected", t.cfg.BrokerID)
	}

	q := transport.NewBackpressureQueue(t.cfg.QueueCapacity, 70, 90, 50, t.cfg.Logger, t.cfg.BrokerID)
	cctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.queues[topic] = q
	t.cancels[topic] = cancel
	t.mu.Unlock()

	go t.pollLoop(cctx, topic, q)
	go t.drain(cctx, cb, q)
	return nil
}

func (t *Transport) pollLoop(ctx context.Context, topic string, q *transport.BackpressureQueue) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx, topic, q)
		}
	}
}

func (t *Transport) pollOnce(ctx context.Context, topic string, q *transport.BackpressureQueue) {
	t.mu.Lock()
	pool := t.pool
	t.mu.Unlock()
	if pool == nil {
		return
	}

	selectQ := fmt.Sprintf(`SELECT id, message_id, payload, created_at FROM %s
		WHERE topic = $1 AND delivered = false ORDER BY id ASC LIMIT 100 FOR UPDATE SKIP LOCKED`, t.cfg.Table)
	updateQ := fmt.Sprintf(`UPDATE %s SET delivered = true WHERE id = $1`, t.cfg.Table)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.cfg.Logger.Error().Str("broker_id", t.cfg.BrokerID).Err(err).Msg("sqlbroker poll begin failed")
		t.recon.TriggerReconnect(ctx, t.reconnect)
		return
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, selectQ, topic)
	if err != nil {
		t.cfg.Logger.Error().Str("broker_id", t.cfg.BrokerID).Err(err).Msg("sqlbroker poll query failed")
		return
	}

	type row struct {
		id        int64
		messageID string
		payload   []byte
		createdAt time.Time
	}
	var pulled []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.messageID, &r.payload, &r.createdAt); err != nil {
			continue
		}
		pulled = append(pulled, r)
	}
	rows.Close()

	for _, r := range pulled {
		if _, err := tx.Exec(ctx, updateQ, r.id); err != nil {
			continue
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return
	}

	for _, r := range pulled {
		t.received.Add(1)
		q.Enqueue(ctx, transport.Envelope{
			Topic:        topic,
			Value:        r.payload,
			MessageID:    r.messageID,
			SourceBroker: t.cfg.BrokerID,
			ReceivedAt:   r.createdAt,
		})
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
	if t.pool != nil {
		t.pool.Close()
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
