package load

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCounter struct{ n int }

func (f fakeCounter) LiveCount() int { return f.n }

func TestActiveHandlersDelegatesToCounter(t *testing.T) {
	s := New(fakeCounter{n: 7}, nil, 512)
	assert.EqualValues(t, 7, s.ActiveHandlers())
}

func TestCPULoadZeroWithoutMonitor(t *testing.T) {
	s := New(fakeCounter{n: 0}, nil, 512)
	assert.Equal(t, 0.0, s.CPULoad())
}

func TestHeapMaxMBReportsConfiguredCeiling(t *testing.T) {
	s := New(fakeCounter{n: 0}, nil, 768)
	assert.Equal(t, 768.0, s.HeapMaxMB())
}

func TestHeapUsedMBReportsNonNegative(t *testing.T) {
	s := New(fakeCounter{n: 0}, nil, 512)
	assert.GreaterOrEqual(t, s.HeapUsedMB(), 0.0)
}

func TestActiveHandlersZeroWithoutCounter(t *testing.T) {
	s := New(nil, nil, 512)
	assert.EqualValues(t, 0, s.ActiveHandlers())
}
