package composite

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/channelaccessor"
	"github.com/dgfacade/gateway/internal/transport"
)

func newTestSubscriber(t *testing.T) *Subscriber {
	t.Helper()
	accessor := channelaccessor.New(zerolog.Nop())
	return New(accessor, zerolog.Nop())
}

// TestAddListenerThenRemoveEmptiesTopic verifies the §4.2 invariant:
// listener-set empty implies the topic entry is deleted.
func TestAddListenerThenRemoveEmptiesTopic(t *testing.T) {
	s := newTestSubscriber(t)

	id := s.AddListener("orders", func(transport.Envelope) {})
	assert.Contains(t, s.GetActiveTopics(), "orders")

	removed := s.RemoveListener("orders", id)
	assert.True(t, removed)
	assert.NotContains(t, s.GetActiveTopics(), "orders")
}

// TestFanOutInvokesEveryListener reproduces scenario S5's counting rule:
// one envelope on a topic with two listeners invokes both.
func TestFanOutInvokesEveryListener(t *testing.T) {
	s := newTestSubscriber(t)

	var n1, n2 atomic.Int64
	s.AddListener("T", func(transport.Envelope) { n1.Add(1) })
	s.AddListener("T", func(transport.Envelope) { n2.Add(1) })

	s.deliver("T", transport.Envelope{Topic: "T"})

	assert.Equal(t, int64(1), n1.Load())
	assert.Equal(t, int64(1), n2.Load())
	assert.Equal(t, uint64(2), s.GetStats().TotalDelivered)
}

// TestRemoveListenerEverywhereClearsAllTopics ensures a handle is removed
// from every topic it was registered on, each one reported back.
func TestRemoveListenerEverywhereClearsAllTopics(t *testing.T) {
	s := newTestSubscriber(t)

	var calls atomic.Int64
	fn := func(transport.Envelope) { calls.Add(1) }
	id := s.AddListener("A", fn)
	s.AddListener("A", func(transport.Envelope) {})
	id2 := s.AddListener("B", fn)

	found := s.RemoveListenerEverywhere(id)
	assert.Contains(t, found, "A")
	assert.NotContains(t, found, "B")

	found2 := s.RemoveListenerEverywhere(id2)
	assert.Contains(t, found2, "B")
}

// TestListenerPanicIsolated verifies a panicking listener does not prevent
// subsequent listeners on the same topic from running.
func TestListenerPanicIsolated(t *testing.T) {
	s := newTestSubscriber(t)

	var ran atomic.Bool
	s.AddListener("T", func(transport.Envelope) { panic("boom") })
	s.AddListener("T", func(transport.Envelope) { ran.Store(true) })

	require.NotPanics(t, func() {
		s.deliver("T", transport.Envelope{Topic: "T"})
	})
	assert.True(t, ran.Load())
}

// TestDeliverToUnknownTopicIsNoop exercises the "race" rule in §4.2: an
// envelope for a topic with no listeners is logged and dropped, not
// crashed on.
func TestDeliverToUnknownTopicIsNoop(t *testing.T) {
	s := newTestSubscriber(t)
	assert.NotPanics(t, func() {
		s.deliver("nowhere", transport.Envelope{Topic: "nowhere"})
	})
	assert.Equal(t, uint64(0), s.GetStats().TotalDelivered)
}

// TestConcurrentAddRemoveDuringFanOut exercises the copy-on-iterate
// contract: fan-out must not race with concurrent add/remove.
func TestConcurrentAddRemoveDuringFanOut(t *testing.T) {
	s := newTestSubscriber(t)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := s.AddListener("hot", func(transport.Envelope) {})
			s.RemoveListener("hot", id)
		}()
		go func() {
			defer wg.Done()
			s.deliver("hot", transport.Envelope{Topic: "hot"})
		}()
	}
	wg.Wait()
}
