package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterAndGet(t *testing.T) {
	r := New(Config{}, zap.NewNop())

	info := r.Register("agent_001", EntityAgent, StatusOnline, nil, nil)
	assert.Equal(t, StatusOnline, info.Status)

	got, ok := r.Get("agent_001")
	require.True(t, ok)
	assert.Equal(t, EntityAgent, got.EntityType)
}

func TestSessionLifecycleTransitionsEntityOffline(t *testing.T) {
	r := New(Config{}, zap.NewNop())
	r.Register("agent_001", EntityAgent, StatusOnline, nil, nil)

	sess := r.CreateSession("agent_001", EntityAgent, "conn-1", nil)
	_, err := r.AuthenticateSession(sess.SessionID, []string{"*"})
	require.NoError(t, err)

	var mu sync.Mutex
	var changes []ChangeType
	r.Subscribe("agent_001", func(info Info, change ChangeType) {
		mu.Lock()
		changes = append(changes, change)
		mu.Unlock()
	})

	r.RemoveSession(sess.SessionID, "connection_closed")

	info, ok := r.Get("agent_001")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, info.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, changes)
	assert.Equal(t, ChangeOffline, changes[len(changes)-1])
}

func TestSessionUniquenessPerConnection(t *testing.T) {
	r := New(Config{}, zap.NewNop())
	r.Register("agent_001", EntityAgent, StatusOnline, nil, nil)

	s1 := r.CreateSession("agent_001", EntityAgent, "conn-1", nil)
	s2 := r.CreateSession("agent_001", EntityAgent, "conn-1", nil)

	sessions := r.SessionsForConnection("conn-1")
	assert.Len(t, sessions, 2)
	assert.NotEqual(t, s1.SessionID, s2.SessionID)
}

func TestStaleDetectorForcesOffline(t *testing.T) {
	r := New(Config{StaleTimeout: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}, zap.NewNop())
	r.Register("agent_001", EntityAgent, StatusOnline, nil, nil)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		info, ok := r.Get("agent_001")
		return ok && info.Status == StatusOffline
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatTimeoutRemovesSession(t *testing.T) {
	r := New(Config{HeartbeatTimeout: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}, zap.NewNop())
	r.Register("agent_001", EntityAgent, StatusOnline, nil, nil)
	sess := r.CreateSession("agent_001", EntityAgent, "conn-1", nil)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		_, ok := r.GetSession(sess.SessionID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestHasPermissionWildcard(t *testing.T) {
	s := &Session{Permissions: map[string]bool{"*": true}}
	assert.True(t, s.HasPermission("anything"))

	s2 := &Session{Permissions: map[string]bool{"read": true}}
	assert.True(t, s2.HasPermission("read"))
	assert.False(t, s2.HasPermission("write"))
}
