// Package dispatch implements the Execution Engine / Dispatcher (C7): API
// key validation, handler resolution, one-shot vs streaming routing, and
// cluster-bypass forwarding.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dgfacade/gateway/internal/metrics"
	"github.com/dgfacade/gateway/internal/model"
	"github.com/dgfacade/gateway/internal/registry"
	"github.com/dgfacade/gateway/internal/streaming"
	"github.com/dgfacade/gateway/internal/worker"
)

// ACL validates an api_key against a request_type's access list and
// resolves the user identity behind a key, for the Request.ResolvedUserID
// enrichment (§3 "set exactly once before dispatch").
type ACL interface {
	Authorize(apiKey, requestType string) bool
	ResolveUserID(apiKey string) (string, bool)
}

// HandlerFactories maps a handler_identifier to a Factory, populated at
// startup (built-ins by direct import, chains/plugins by config).
type HandlerFactories interface {
	Resolve(handlerIdentifier string) (worker.Factory, bool)
}

// ClusterForwarder is the cluster service's forwarding-facing contract
// (§4.7 step 5); dispatch depends on this narrow interface rather than the
// concrete cluster package to avoid an import cycle (cluster forwards
// requests back into a peer's dispatcher over HTTP, not in-process).
type ClusterForwarder interface {
	Enabled() bool
	HasLocalHandler(requestType string) bool
	PickPeerFor(requestType string) (baseURL string, ok bool)
}

// Dispatcher is the facade's front door: every ingested Request passes
// through Submit.
type Dispatcher struct {
	registry   *registry.Registry
	factories  HandlerFactories
	acl        ACL
	supervisor *worker.Supervisor
	sessions   *streaming.Manager
	cluster    ClusterForwarder
	httpClient *http.Client
	logger     zerolog.Logger
}

func New(
	reg *registry.Registry,
	factories HandlerFactories,
	acl ACL,
	supervisor *worker.Supervisor,
	sessions *streaming.Manager,
	cluster ClusterForwarder,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:   reg,
		factories:  factories,
		acl:        acl,
		supervisor: supervisor,
		sessions:   sessions,
		cluster:    cluster,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Submit is the Dispatcher's sole public operation (§4.7).
func (d *Dispatcher) Submit(ctx context.Context, req *model.Request) (*model.Response, error) {
	start := time.Now()

	if !d.acl.Authorize(req.APIKey, req.RequestType) {
		metrics.DispatchTotal.WithLabelValues("unauthorized").Inc()
		return errorResponse(req, model.StatusUnauthorized, "unauthorized", start), nil
	}
	if req.ResolvedUserID == "" {
		if userID, ok := d.acl.ResolveUserID(req.APIKey); ok {
			req.ResolvedUserID = userID
		}
	}

	handlerCfg, err := d.registry.Lookup(req.RequestType)
	if err != nil {
		if d.cluster != nil && d.cluster.Enabled() && !d.cluster.HasLocalHandler(req.RequestType) {
			if resp, ok := d.forward(ctx, req); ok {
				return resp, nil
			}
			metrics.DispatchTotal.WithLabelValues("forward_failed").Inc()
			return errorResponse(req, model.StatusError, "forwarding failed", start), nil
		}
		metrics.DispatchTotal.WithLabelValues("handler_not_found").Inc()
		return errorResponse(req, model.StatusHandlerNotFound, "handler not found", start), nil
	}

	factory, ok := d.factories.Resolve(handlerCfg.HandlerIdentifier)
	if !ok {
		metrics.DispatchTotal.WithLabelValues("handler_not_found").Inc()
		return errorResponse(req, model.StatusHandlerNotFound, "handler factory not registered", start), nil
	}

	effectiveTTL := handlerCfg.TTL()
	if req.TTL() > 0 {
		effectiveTTL = req.TTL()
	}

	h := factory()

	if req.WantsStreaming() {
		if _, isStreaming := h.(worker.StreamingHandler); isStreaming {
			resp := d.dispatchStreaming(ctx, req, h, handlerCfg, effectiveTTL)
			metrics.DispatchTotal.WithLabelValues("streaming").Inc()
			return resp, nil
		}
	}

	resp := d.dispatchOneShot(ctx, req, h, handlerCfg, effectiveTTL, start)
	metrics.DispatchTotal.WithLabelValues(string(resp.Status)).Inc()
	return resp, nil
}

func (d *Dispatcher) dispatchOneShot(ctx context.Context, req *model.Request, h worker.Handler, cfg model.HandlerConfig, ttl time.Duration, start time.Time) *model.Response {
	w := d.supervisor.Spawn(ctx, req, h, cfg.Config, ttl)

	select {
	case <-w.Done():
		snap := w.Snapshot()
		return snapshotToResponse(req, snap, start)
	case <-ctx.Done():
		w.Stop()
		<-w.Done()
		return errorResponse(req, model.StatusTimeout, "request context cancelled", start)
	}
}

func (d *Dispatcher) dispatchStreaming(ctx context.Context, req *model.Request, h worker.Handler, cfg model.HandlerConfig, ttl time.Duration) *model.Response {
	session, err := d.sessions.Admit(req, cfg)
	if err != nil {
		return &model.Response{
			RequestID:    req.RequestID,
			Status:       model.StatusError,
			ErrorMessage: err.Error(),
			Timestamp:    time.Now(),
		}
	}

	w := d.supervisor.SpawnStreaming(req, h, cfg.Config)
	go func() {
		defer d.supervisor.RetireStreaming(w)
		defer d.sessions.Release(session.SessionID)

		sink := d.sessions.SinkFor(session.SessionID)
		data, err := w.ExecuteStreaming(ctx, ttl, sink)
		final := &model.Response{
			RequestID: req.RequestID,
			Status:    model.StatusStreamingComplete,
			Data:      data,
			Timestamp: time.Now(),
		}
		if err != nil {
			final.Status = model.StatusError
			final.ErrorMessage = err.Error()
		}
		d.sessions.Publish(session.SessionID, final)
	}()

	return &model.Response{
		RequestID: req.RequestID,
		Status:    model.StatusSuccess,
		Data:      model.Payload{"session_id": session.SessionID},
		Timestamp: time.Now(),
	}
}

// forward relays req verbatim to the cluster peer PickPeerFor returns
// (§4.7 step 5, §4.10 forwarding policy): the lowest-load UP EXECUTOR/BOTH
// peer. Whether that peer has a handler for req.RequestType is not checked.
func (d *Dispatcher) forward(ctx context.Context, req *model.Request) (*model.Response, bool) {
	baseURL, ok := d.cluster.PickPeerFor(req.RequestType)
	if !ok {
		return nil, false
	}

	body, err := json.Marshal(wireRequest(req))
	if err != nil {
		d.logger.Error().Err(err).Msg("dispatch: forward marshal failed")
		return nil, false
	}

	fctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(fctx, http.MethodPost, baseURL+"/api/v1/request", jsonReader(body))
	if err != nil {
		return nil, false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		d.logger.Warn().Str("peer", baseURL).Err(err).Msg("dispatch: cluster forward failed")
		metrics.ForwardsTotal.WithLabelValues("error").Inc()
		return nil, false
	}
	defer resp.Body.Close()

	var out model.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.ForwardsTotal.WithLabelValues("error").Inc()
		return nil, false
	}
	metrics.ForwardsTotal.WithLabelValues("success").Inc()
	return &out, true
}

func snapshotToResponse(req *model.Request, snap model.HandlerState, start time.Time) *model.Response {
	resp := &model.Response{
		RequestID:       req.RequestID,
		HandlerID:       snap.HandlerID,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Timestamp:       time.Now(),
	}
	switch snap.Phase {
	case model.PhaseCompleted:
		resp.Status = model.StatusSuccess
		resp.Data = snap.ResponseData
	case model.PhaseFailed:
		resp.Status = model.StatusError
		resp.ErrorMessage = snap.ErrorMessage
	case model.PhaseTimedOut:
		resp.Status = model.StatusTimeout
		resp.ErrorMessage = snap.ErrorMessage
	case model.PhaseStopped:
		resp.Status = model.StatusError
		resp.ErrorMessage = "stopped"
	default:
		resp.Status = model.StatusError
		resp.ErrorMessage = fmt.Sprintf("unexpected terminal phase %q", snap.Phase)
	}
	return resp
}

// wireRequest is the §6 JSON request envelope shape, used when relaying a
// request verbatim to a cluster peer.
type wireRequestBody struct {
	RequestID           string   `json:"request_id"`
	RequestType         string   `json:"request_type"`
	APIKey              string   `json:"api_key"`
	Payload             any      `json:"payload"`
	DeliveryDestination string   `json:"delivery_destination,omitempty"`
	TTLMinutes          float64  `json:"ttl_minutes"`
	ResponseChannels    []string `json:"response_channels,omitempty"`
	ResponseTopic       string   `json:"response_topic,omitempty"`
	IsStreaming         bool     `json:"is_streaming,omitempty"`
}

func wireRequest(req *model.Request) wireRequestBody {
	channels := make([]string, 0, len(req.ResponseChannels))
	for c := range req.ResponseChannels {
		channels = append(channels, string(c))
	}
	return wireRequestBody{
		RequestID:           req.RequestID,
		RequestType:         req.RequestType,
		APIKey:              req.APIKey,
		Payload:             req.Payload,
		DeliveryDestination: req.DeliveryDestination,
		TTLMinutes:          req.TTLMinutes,
		ResponseChannels:    channels,
		ResponseTopic:       req.ResponseTopic,
		IsStreaming:         req.IsStreaming,
	}
}

func jsonReader(body []byte) io.Reader {
	return bytes.NewReader(body)
}

func errorResponse(req *model.Request, status model.ResponseStatus, msg string, start time.Time) *model.Response {
	return &model.Response{
		RequestID:       req.RequestID,
		Status:          status,
		ErrorMessage:    msg,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		Timestamp:       time.Now(),
	}
}
