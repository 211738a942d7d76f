package raft

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcore/controlplane/internal/raftstore"
)

func fastTimings() (time.Duration, time.Duration, time.Duration) {
	return 30 * time.Millisecond, 60 * time.Millisecond, 10 * time.Millisecond
}

func TestLogEntryEncodeDecodeRoundTrip(t *testing.T) {
	entry := LogEntry{Term: 3, Index: 7, Type: "command", Data: []byte("payload")}
	decoded, err := DecodeLogEntry(entry.Encode())
	require.NoError(t, err)
	assert.Equal(t, entry, decoded)
}

func TestSingleNodeClusterElectsItselfImmediately(t *testing.T) {
	emin, emax, hb := fastTimings()
	node, err := NewNode(Config{
		NodeID:             "n1",
		Peers:              nil,
		Transport:          NewLocalTransport(),
		Store:              raftstore.NewMemoryStore(),
		ElectionTimeoutMin: emin,
		ElectionTimeoutMax: emax,
		HeartbeatInterval:  hb,
		Logger:             zap.NewNop(),
	})
	require.NoError(t, err)

	node.Start()
	defer node.Stop()

	require.Eventually(t, node.IsLeader, time.Second, 5*time.Millisecond)

	entry, err := node.Propose([]byte("cmd"), "command")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), entry.Index)

	status := node.Status()
	assert.Equal(t, uint32(1), status.CommitIndex)
}

type cluster struct {
	nodes     map[string]*Node
	transport *LocalTransport
	committed map[string][]LogEntry
	mu        sync.Mutex
}

func newCluster(t *testing.T, ids []string) *cluster {
	t.Helper()
	emin, emax, hb := fastTimings()
	c := &cluster{
		nodes:     make(map[string]*Node),
		transport: NewLocalTransport(),
		committed: make(map[string][]LogEntry),
	}

	for _, id := range ids {
		id := id
		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		node, err := NewNode(Config{
			NodeID:             id,
			Peers:              peers,
			Transport:          c.transport,
			Store:              raftstore.NewMemoryStore(),
			ElectionTimeoutMin: emin,
			ElectionTimeoutMax: emax,
			HeartbeatInterval:  hb,
			Logger:             zap.NewNop(),
			OnCommit: func(entry LogEntry) {
				c.mu.Lock()
				c.committed[id] = append(c.committed[id], entry)
				c.mu.Unlock()
			},
		})
		require.NoError(t, err)
		c.nodes[id] = node
		c.transport.Register(node)
	}

	return c
}

func (c *cluster) startAll() {
	for _, node := range c.nodes {
		node.Start()
	}
}

func (c *cluster) stopAll() {
	for _, node := range c.nodes {
		node.Stop()
	}
}

func (c *cluster) leader() *Node {
	for _, node := range c.nodes {
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

func TestThreeNodeClusterElectsExactlyOneLeaderPerTerm(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3"})
	c.startAll()
	defer c.stopAll()

	require.Eventually(t, func() bool {
		return c.leader() != nil
	}, 2*time.Second, 10*time.Millisecond)

	leaderTerm := c.leader().Status().Term
	leaderCount := 0
	for _, node := range c.nodes {
		status := node.Status()
		if status.State == Leader && status.Term == leaderTerm {
			leaderCount++
		}
	}
	assert.Equal(t, 1, leaderCount)
}

func TestProposedEntryReplicatesAndCommitsOnAllNodes(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3"})
	c.startAll()
	defer c.stopAll()

	require.Eventually(t, func() bool { return c.leader() != nil }, 2*time.Second, 10*time.Millisecond)
	leader := c.leader()

	_, err := leader.Propose([]byte("replicate-me"), "command")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, node := range c.nodes {
			if node.Status().CommitIndex < 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProposeOnFollowerFailsWithNotLeader(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3"})
	c.startAll()
	defer c.stopAll()

	require.Eventually(t, func() bool { return c.leader() != nil }, 2*time.Second, 10*time.Millisecond)

	var follower *Node
	for _, node := range c.nodes {
		if !node.IsLeader() {
			follower = node
			break
		}
	}
	require.NotNil(t, follower)

	_, err := follower.Propose([]byte("x"), "command")
	require.Error(t, err)
	var notLeader *ErrNotLeader
	assert.ErrorAs(t, err, &notLeader)
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	node, err := NewNode(Config{
		NodeID:    "n1",
		Store:     raftstore.NewMemoryStore(),
		Transport: NewLocalTransport(),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	node.mu.Lock()
	node.currentTerm = 5
	node.mu.Unlock()

	result := node.HandleRequestVote(RequestVoteArgs{Term: 2, CandidateID: "n2"})
	assert.False(t, result.VoteGranted)
	assert.Equal(t, uint32(5), result.Term)
}

func TestHandleAppendEntriesRejectsLogConflict(t *testing.T) {
	node, err := NewNode(Config{
		NodeID:    "n1",
		Store:     raftstore.NewMemoryStore(),
		Transport: NewLocalTransport(),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	result := node.HandleAppendEntries(AppendEntriesArgs{
		Term:         1,
		LeaderID:     "n2",
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	})
	assert.False(t, result.Success)
	assert.Equal(t, uint32(1), result.ConflictIndex)
}
