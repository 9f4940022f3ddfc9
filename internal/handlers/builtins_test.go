package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/model"
)

func TestEchoReturnsPayloadUnchanged(t *testing.T) {
	h := NewEcho()
	require.NoError(t, h.Construct(nil))
	out, err := h.Execute(context.Background(), &model.Request{Payload: model.Payload{"x": 1.0}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, out["x"])
}

func TestArithmeticAdd(t *testing.T) {
	h := NewArithmetic()
	require.NoError(t, h.Construct(nil))
	out, err := h.Execute(context.Background(), &model.Request{Payload: model.Payload{"operation": "ADD", "operandA": 2.0, "operandB": 3.0}})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out["result"])
}

// TestArithmeticAcceptsShorthandOperandKeys covers the "a"/"b" alias kept
// for backward compatibility with the operandA/operandB field names.
func TestArithmeticAcceptsShorthandOperandKeys(t *testing.T) {
	h := NewArithmetic()
	require.NoError(t, h.Construct(nil))
	out, err := h.Execute(context.Background(), &model.Request{Payload: model.Payload{"operation": "ADD", "a": 2.0, "b": 3.0}})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out["result"])
}

func TestArithmeticDivideByZeroFails(t *testing.T) {
	h := NewArithmetic()
	require.NoError(t, h.Construct(nil))
	_, err := h.Execute(context.Background(), &model.Request{Payload: model.Payload{"operation": "DIVIDE", "operandA": 1.0, "operandB": 0.0}})
	assert.Error(t, err)
}

func TestWeatherRequiresLocation(t *testing.T) {
	h := NewWeather()
	require.NoError(t, h.Construct(nil))
	_, err := h.Execute(context.Background(), &model.Request{Payload: model.Payload{}})
	assert.Error(t, err)
}

func TestDelayedStreamsConfiguredSteps(t *testing.T) {
	h := &Delayed{stopped: make(chan struct{})}
	require.NoError(t, h.Construct(nil))

	var updates []model.Payload
	sink := func(p model.Payload) { updates = append(updates, p) }

	req := &model.Request{Payload: model.Payload{"steps": 2.0, "interval_ms": 1.0}}
	out, err := h.ExecuteStreaming(context.Background(), req, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, out["completed_steps"])
	assert.Len(t, updates, 2)
}

func TestFactoriesResolvesBuiltins(t *testing.T) {
	f := NewFactories()
	for _, id := range []string{"ECHO", "ARITHMETIC", "DELAYED", "WEATHER"} {
		factory, ok := f.Resolve(id)
		assert.True(t, ok, id)
		assert.NotNil(t, factory)
	}
	_, ok := f.Resolve("NOT_REGISTERED")
	assert.False(t, ok)
}
