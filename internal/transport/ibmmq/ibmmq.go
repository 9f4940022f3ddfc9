// Package ibmmq is the IBMMQ transport, built on the official
// github.com/ibm-messaging/mq-golang/v5/ibmmq client library.
package ibmmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ibm-messaging/mq-golang/v5/ibmmq"
	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
)

type Config struct {
	BrokerID          string
	QueueManager      string
	Channel           string
	ConnName          string
	User              string
	Password          string
	ReconnectInterval time.Duration
	QueueCapacity     int
	Logger            zerolog.Logger
}

func ConfigFromBrokerConfig(bc model.BrokerConfig, logger zerolog.Logger) Config {
	return Config{
		BrokerID:          bc.BrokerID,
		QueueManager:      bc.Properties["queue_manager"],
		Channel:           bc.Properties["channel"],
		ConnName:          bc.ConnectionURI,
		User:              bc.Properties["user"],
		Password:          bc.Properties["password"],
		ReconnectInterval: time.Duration(bc.ReconnectIntervalSeconds) * time.Second,
		QueueCapacity:     10000,
		Logger:            logger,
	}
}

// Transport implements transport.Publisher and transport.Subscriber over a
// single client connection (MQCONN) to an IBM MQ queue manager. Subscribe
// opens the named queue for MQGET-with-wait in a dedicated polling
// goroutine; Publish performs a synchronous MQPUT per call.
type Transport struct {
	cfg   Config
	recon *transport.Reconnector

	mu   sync.Mutex
	qMgr ibmmq.MQQueueManager
	open bool

	queues map[string]*transport.BackpressureQueue
	cancel map[string]context.CancelFunc

	sent, errors, bytesSent, received atomic.Uint64
}

func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		recon:  transport.NewReconnector(cfg.ReconnectInterval, cfg.Logger, cfg.BrokerID),
		queues: make(map[string]*transport.BackpressureQueue),
		cancel: make(map[string]context.CancelFunc),
	}
}

func (t *Transport) Initialize(ctx context.Context) error {
	cno := ibmmq.NewMQCNO()
	cd := ibmmq.NewMQCD()
	cd.ChannelName = t.cfg.Channel
	cd.ConnectionName = t.cfg.ConnName
	cno.ClientConn = cd
	cno.Options = ibmmq.MQCNO_CLIENT_BINDING

	if t.cfg.User != "" {
		csp := ibmmq.NewMQCSP()
		csp.AuthenticationType = ibmmq.MQCSP_AUTH_USER_ID_AND_PWD
		csp.UserId = t.cfg.User
		csp.Password = t.cfg.Password
		cno.SecurityParms = csp
	}

	qMgr, err := ibmmq.Connx(t.cfg.QueueManager, cno)
	if err != nil {
		return fmt.Errorf("ibmmq[%s]: MQCONN: %w", t.cfg.BrokerID, err)
	}

	t.mu.Lock()
	t.qMgr, t.open = qMgr, true
	t.mu.Unlock()
	t.recon.SetConnected()
	return nil
}

func (t *Transport) reconnect(ctx context.Context) error {
	return t.Initialize(ctx)
}

func (t *Transport) openQueue(name string, openOptions int32) (ibmmq.MQObject, error) {
	mqod := ibmmq.NewMQOD()
	mqod.ObjectType = ibmmq.MQOT_Q
	mqod.ObjectName = name
	t.mu.Lock()
	qMgr := t.qMgr
	t.mu.Unlock()
	return qMgr.Open(mqod, openOptions)
}

func (t *Transport) Publish(ctx context.Context, topic string, env transport.Envelope) <-chan transport.PublishResult {
	resultC := make(chan transport.PublishResult, 1)
	go func() {
		obj, err := t.openQueue(topic, ibmmq.MQOO_OUTPUT)
		if err != nil {
			t.errors.Add(1)
			t.recon.TriggerReconnect(ctx, t.reconnect)
			resultC <- transport.PublishResult{Err: err}
			close(resultC)
			return
		}
		defer obj.Close(0)

		pmo := ibmmq.NewMQPMO()
		md := ibmmq.NewMQMD()
		md.CorrelId = []byte(env.MessageID)
		err = obj.Put(md, pmo, env.Value)
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

// Subscribe starts a polling goroutine issuing MQGET with a wait interval,
// since IBM MQ has no native push-subscribe model for point-to-point queues.
func (t *Transport) Subscribe(topic string, cb transport.Callback) error {
	obj, err := t.openQueue(topic, ibmmq.MQOO_INPUT_SHARED)
	if err != nil {
		return fmt.Errorf("ibmmq[%s]: open %s for input: %w", t.cfg.BrokerID, topic, err)
	}

	q := transport.NewBackpressureQueue(t.cfg.QueueCapacity, 70, 90, 50, t.cfg.Logger, t.cfg.BrokerID)
	cctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.queues[topic] = q
	t.cancel[topic] = cancel
	t.mu.Unlock()

	go t.pollLoop(cctx, topic, obj, q)
	go t.drain(cctx, cb, q)
	return nil
}

func (t *Transport) pollLoop(ctx context.Context, topic string, obj ibmmq.MQObject, q *transport.BackpressureQueue) {
	defer obj.Close(0)
	gmo := ibmmq.NewMQGMO()
	gmo.Options = ibmmq.MQGMO_WAIT | ibmmq.MQGMO_FAIL_IF_QUIESCING
	gmo.WaitInterval = 3 * 1000

	for {
		select {
		case <-ctx.Done():
			return
		default:
			md := ibmmq.NewMQMD()
			buf := make([]byte, 1<<20)
			n, err := obj.Get(md, gmo, buf)
			if err != nil {
				mqErr, ok := err.(*ibmmq.MQReturn)
				if ok && mqErr.MQRC == ibmmq.MQRC_NO_MSG_AVAILABLE {
					continue
				}
				t.cfg.Logger.Error().Str("broker_id", t.cfg.BrokerID).Str("topic", topic).Err(err).Msg("ibmmq MQGET error")
				t.recon.TriggerReconnect(ctx, t.reconnect)
				return
			}
			t.received.Add(1)
			q.Enqueue(ctx, transport.Envelope{
				Topic:        topic,
				Value:        buf[:n],
				MessageID:    string(md.CorrelId),
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
	cancel, ok := t.cancel[topic]
	q := t.queues[topic]
	delete(t.cancel, topic)
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
	cancels := t.cancel
	t.cancel = make(map[string]context.CancelFunc)
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
	if t.open {
		t.qMgr.Disc()
		t.open = false
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
