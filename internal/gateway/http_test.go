package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/model"
)

type fakeDispatcher struct {
	resp *model.Response
	err  error
	last *model.Request
}

func (f *fakeDispatcher) Submit(_ context.Context, req *model.Request) (*model.Response, error) {
	f.last = req
	return f.resp, f.err
}

func newTestServer(d Dispatcher) *Server {
	return New(Config{}, d, nil, nil, nil, zerolog.Nop())
}

func TestHandleRequestSubmitsAndEchoesResponse(t *testing.T) {
	disp := &fakeDispatcher{resp: &model.Response{RequestID: "r1", Status: model.StatusSuccess, Data: model.Payload{"ok": true}}}
	s := newTestServer(disp)

	body := `{"request_id":"r1","request_type":"ECHO","api_key":"k","payload":{"x":1}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/request", strings.NewReader(body))
	rec := httptest.NewRecorder()

	s.handleRequest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ECHO", disp.last.RequestType)

	var out wireResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "SUCCESS", out.Status)
}

func TestHandleRequestRejectsMalformedBody(t *testing.T) {
	s := newTestServer(&fakeDispatcher{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/request", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	s.handleRequest(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatusReturnsNotFoundForUnknownSession(t *testing.T) {
	s := newTestServer(&fakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status?session_id=missing", nil)
	rec := httptest.NewRecorder()

	s.handleStatus(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBufferTerminalThenHandleStatusReturnsResponse(t *testing.T) {
	s := newTestServer(&fakeDispatcher{})
	s.BufferTerminal("sess-1", &model.Response{RequestID: "r1", Status: model.StatusStreamingComplete})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status?session_id=sess-1", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out wireResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "STREAMING_COMPLETE", out.Status)
}
