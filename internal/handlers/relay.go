package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgfacade/gateway/internal/channelaccessor"
	"github.com/dgfacade/gateway/internal/composite"
	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/transport"
	"github.com/dgfacade/gateway/internal/worker"
)

// Relay is the built-in publish-deliver-consume handler called out at §2
// ("used both by user handlers ... and by ingesters that happen to span
// brokers"): it publishes the request payload to a broker topic and then
// awaits a correlated reply, using the composite subscriber so the reply
// can arrive on any enabled broker rather than pinning the caller to one.
// config: {"publish_broker", "publish_topic", "reply_topic", "timeout_ms"}.
type Relay struct {
	composite *composite.Subscriber
	accessor  *channelaccessor.Accessor

	publishBroker string
	publishTopic  string
	replyTopic    string
	timeout       time.Duration
}

// NewRelayFactory binds a Relay handler to the process-wide composite
// subscriber and channel accessor so every RELAY invocation shares the one
// fan-out subscription per reply topic instead of each request subscribing
// (and unsubscribing) its own broker-level listener.
func NewRelayFactory(comp *composite.Subscriber, accessor *channelaccessor.Accessor) worker.Factory {
	return func() worker.Handler {
		return &Relay{composite: comp, accessor: accessor}
	}
}

func (r *Relay) Construct(cfg map[string]any) error {
	r.publishBroker, _ = cfg["publish_broker"].(string)
	r.publishTopic, _ = cfg["publish_topic"].(string)
	r.replyTopic, _ = cfg["reply_topic"].(string)
	if r.publishBroker == "" || r.publishTopic == "" || r.replyTopic == "" {
		return fmt.Errorf("relay: \"publish_broker\", \"publish_topic\", and \"reply_topic\" are required")
	}
	r.timeout = 5 * time.Second
	if v, ok := toFloat(cfg["timeout_ms"]); ok && v > 0 {
		r.timeout = time.Duration(v) * time.Millisecond
	}
	return nil
}

func (*Relay) Stop()    {}
func (*Relay) Cleanup() {}

// correlationKey is carried inside the published payload rather than the
// envelope Key: transports vary in whether they round-trip Key back to
// subscribers (the filesystem broker, for one, does not), so correlating
// on envelope metadata would be broker-dependent.
const correlationKey = "request_id"

func (r *Relay) Execute(ctx context.Context, req *model.Request) (model.Payload, error) {
	out := make(model.Payload, len(req.Payload)+1)
	for k, v := range req.Payload {
		out[k] = v
	}
	out[correlationKey] = req.RequestID

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal payload: %w", err)
	}

	replyCh := make(chan transport.Envelope, 1)
	var once sync.Once
	listenerID := r.composite.AddListener(r.replyTopic, func(env transport.Envelope) {
		var wire map[string]any
		if err := json.Unmarshal(env.Value, &wire); err != nil {
			return
		}
		if id, _ := wire[correlationKey].(string); id != req.RequestID {
			return
		}
		once.Do(func() { replyCh <- env })
	})
	defer r.composite.RemoveListener(r.replyTopic, listenerID)

	pub, ok := r.accessor.Publisher(r.publishBroker)
	if !ok {
		return nil, fmt.Errorf("relay: broker %q not registered", r.publishBroker)
	}

	select {
	case res := <-pub.Publish(ctx, r.publishTopic, transport.Envelope{Topic: r.publishTopic, Key: req.RequestID, Value: body}):
		if res.Err != nil {
			return nil, fmt.Errorf("relay: publish failed: %w", res.Err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case env := <-replyCh:
		var reply model.Payload
		if err := json.Unmarshal(env.Value, &reply); err != nil {
			return nil, fmt.Errorf("relay: invalid reply envelope: %w", err)
		}
		delete(reply, correlationKey)
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("relay: timed out waiting for reply on %q", r.replyTopic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
