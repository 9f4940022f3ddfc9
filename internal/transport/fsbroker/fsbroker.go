// Package fsbroker is the FILESYSTEM transport: topics map to directories,
// publish writes a file, subscribe watches for new files via
// github.com/fsnotify/fsnotify.
package fsbroker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
)

type Config struct {
	BrokerID          string
	RootDir           string
	ReconnectInterval time.Duration
	QueueCapacity     int
	Logger            zerolog.Logger
}

func ConfigFromBrokerConfig(bc model.BrokerConfig, logger zerolog.Logger) Config {
	return Config{
		BrokerID:          bc.BrokerID,
		RootDir:           bc.ConnectionURI,
		ReconnectInterval: time.Duration(bc.ReconnectIntervalSeconds) * time.Second,
		QueueCapacity:     10000,
		Logger:            logger,
	}
}

// Transport implements transport.Publisher and transport.Subscriber by
// treating each topic as a subdirectory of RootDir: Publish writes one file
// per message, Subscribe watches the directory for Create events.
type Transport struct {
	cfg     Config
	recon   *transport.Reconnector
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	queues  map[string]*transport.BackpressureQueue
	watched map[string]bool

	sent, errors, bytesSent, received atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:     cfg,
		recon:   transport.NewReconnector(cfg.ReconnectInterval, cfg.Logger, cfg.BrokerID),
		queues:  make(map[string]*transport.BackpressureQueue),
		watched: make(map[string]bool),
	}
}

func (t *Transport) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(t.cfg.RootDir, 0o755); err != nil {
		return fmt.Errorf("fsbroker[%s]: mkdir root: %w", t.cfg.BrokerID, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsbroker[%s]: new watcher: %w", t.cfg.BrokerID, err)
	}
	t.watcher = watcher
	t.recon.SetConnected()
	return nil
}

func (t *Transport) topicDir(topic string) string {
	return filepath.Join(t.cfg.RootDir, topic)
}

func (t *Transport) Publish(ctx context.Context, topic string, env transport.Envelope) <-chan transport.PublishResult {
	resultC := make(chan transport.PublishResult, 1)
	go func() {
		dir := t.topicDir(topic)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.errors.Add(1)
			resultC <- transport.PublishResult{Err: err}
			close(resultC)
			return
		}
		name := env.MessageID
		if name == "" {
			name = uuid.NewString()
		}
		path := filepath.Join(dir, name+".msg")
		tmp := path + ".tmp"
		err := os.WriteFile(tmp, env.Value, 0o644)
		if err == nil {
			err = os.Rename(tmp, path)
		}
		if err != nil {
			t.errors.Add(1)
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
	dir := t.topicDir(topic)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsbroker[%s]: mkdir %s: %w", t.cfg.BrokerID, topic, err)
	}
	if err := t.watcher.Add(dir); err != nil {
		return fmt.Errorf("fsbroker[%s]: watch %s: %w", t.cfg.BrokerID, topic, err)
	}

	q := transport.NewBackpressureQueue(t.cfg.QueueCapacity, 70, 90, 50, t.cfg.Logger, t.cfg.BrokerID)
	t.mu.Lock()
	t.queues[topic] = q
	t.watched[dir] = true
	t.mu.Unlock()

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
	dir := t.topicDir(topic)
	t.mu.Lock()
	q, ok := t.queues[topic]
	delete(t.queues, topic)
	delete(t.watched, dir)
	t.mu.Unlock()
	if ok {
		q.Close()
	}
	return t.watcher.Remove(dir)
}

func (t *Transport) Start(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.eventLoop(cctx)
	return nil
}

func (t *Transport) eventLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			topic := filepath.Base(filepath.Dir(ev.Name))
			t.mu.Lock()
			q, ok := t.queues[topic]
			t.mu.Unlock()
			if !ok {
				continue
			}
			data, err := os.ReadFile(ev.Name)
			if err != nil {
				continue
			}
			t.received.Add(1)
			q.Enqueue(ctx, transport.Envelope{
				Topic:        topic,
				Value:        data,
				MessageID:    filepath.Base(ev.Name),
				SourceBroker: t.cfg.BrokerID,
				ReceivedAt:   time.Now(),
			})
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.cfg.Logger.Error().Str("broker_id", t.cfg.BrokerID).Err(err).Msg("fsbroker watcher error")
			t.recon.TriggerReconnect(ctx, t.reconnect)
		}
	}
}

func (t *Transport) reconnect(ctx context.Context) error {
	return t.Initialize(ctx)
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
	if t.watcher != nil {
		return t.watcher.Close()
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
