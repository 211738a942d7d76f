package eventrouter

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu        sync.Mutex
	delivered map[string][]any
	failFor   map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		delivered: make(map[string][]any),
		failFor:   make(map[string]bool),
	}
}

func (f *fakeSender) Send(connectionID string, message any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[connectionID] {
		return errors.New("send failed")
	}
	f.delivered[connectionID] = append(f.delivered[connectionID], message)
	return nil
}

func (f *fakeSender) received(connectionID string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[connectionID]
}

func newTestRouter() (*Router, *fakeSender) {
	sender := newFakeSender()
	return New(sender, zap.NewNop()), sender
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	r, sender := newTestRouter()
	r.Subscribe("room-1", "conn-a")
	r.Subscribe("room-1", "conn-b")

	r.Publish("room-1", "chat.message", nil, "hello")

	assert.Len(t, sender.received("conn-a"), 1)
	assert.Len(t, sender.received("conn-b"), 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r, sender := newTestRouter()
	r.Subscribe("room-1", "conn-a")
	r.Unsubscribe("room-1", "conn-a")

	r.Publish("room-1", "chat.message", nil, "hello")

	assert.Empty(t, sender.received("conn-a"))
}

func TestUnsubscribeAllRemovesFromEveryChannel(t *testing.T) {
	r, sender := newTestRouter()
	r.Subscribe("room-1", "conn-a")
	r.Subscribe("room-2", "conn-a")
	r.UnsubscribeAll("conn-a")

	r.Publish("room-1", "chat.message", nil, "hi")
	r.Publish("room-2", "chat.message", nil, "hi")

	assert.Empty(t, sender.received("conn-a"))
}

func TestFilterSuppressesNonMatchingEvents(t *testing.T) {
	r, sender := newTestRouter()
	r.Subscribe("room-1", "conn-a")
	r.SetFilter("conn-a", func(eventType string, _ any) bool {
		return eventType == "allowed"
	})

	r.Publish("room-1", "blocked", nil, "nope")
	r.Publish("room-1", "allowed", nil, "yep")

	received := sender.received("conn-a")
	require.Len(t, received, 1)
	assert.Equal(t, "yep", received[0])
}

func TestRouteToAgentDeliversDirect(t *testing.T) {
	r, sender := newTestRouter()
	r.RouteAgent("agent-1", "conn-a")

	ok := r.RouteToAgent("agent-1", "ping")
	require.True(t, ok)
	assert.Equal(t, []any{"ping"}, sender.received("conn-a"))
}

func TestRouteToAgentUnknownReturnsFalse(t *testing.T) {
	r, _ := newTestRouter()
	assert.False(t, r.RouteToAgent("ghost", "ping"))
}

func TestUnrouteAgentOnlyClearsMatchingConnection(t *testing.T) {
	r, _ := newTestRouter()
	r.RouteAgent("agent-1", "conn-a")
	r.UnrouteAgent("agent-1", "conn-b") // stale disconnect handler, different connection now bound

	assert.True(t, r.RouteToAgent("agent-1", "still-here"))
}

func TestPublishSkipsFailingSenderWithoutPanicking(t *testing.T) {
	r, sender := newTestRouter()
	sender.failFor["conn-a"] = true
	r.Subscribe("room-1", "conn-a")
	r.Subscribe("room-1", "conn-b")

	assert.NotPanics(t, func() {
		r.Publish("room-1", "chat.message", nil, "hello")
	})
	assert.Len(t, sender.received("conn-b"), 1)
}
