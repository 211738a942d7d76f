package raft

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcore/controlplane/internal/raftstore"
)

const (
	bucketState = "raft-state"
	bucketLog   = "raft-log"

	defaultElectionMin       = 150 * time.Millisecond
	defaultElectionMax       = 300 * time.Millisecond
	defaultHeartbeatInterval = 50 * time.Millisecond
)

// Config configures a Node. NodeID and Store are required; timing and
// Peers fall back to sensible defaults / an empty peer set (a
// single-node cluster that elects itself immediately).
type Config struct {
	NodeID             string
	Peers              []string
	Transport          Transport
	Store              raftstore.Store
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	Logger             *zap.Logger

	OnCommit        func(LogEntry)
	OnLeaderElected func(nodeID string, term uint32)
	OnStateChange   func(old, new State)
}

type persistedState struct {
	CurrentTerm uint32 `json:"current_term"`
	VotedFor    string `json:"voted_for"`
	CommitIndex uint32 `json:"commit_index"`
	LastApplied uint32 `json:"last_applied"`
}

// Node is one participant in a Raft cluster. The zero value is not
// usable — construct with NewNode.
type Node struct {
	id        string
	peers     []string
	transport Transport
	store     raftstore.Store
	logger    *zap.Logger

	electionMin       time.Duration
	electionMax       time.Duration
	heartbeatInterval time.Duration

	onCommit        func(LogEntry)
	onLeaderElected func(nodeID string, term uint32)
	onStateChange   func(old, new State)

	mu          sync.Mutex
	state       State
	currentTerm uint32
	votedFor    string
	log         []LogEntry // 1-indexed: log[i-1] has Index == i
	commitIndex uint32
	lastApplied uint32
	leaderID    string

	nextIndex  map[string]uint32
	matchIndex map[string]uint32

	resetElection chan struct{}
	stopCh        chan struct{}
	doneCh        chan struct{}
	running       bool
}

// NewNode constructs a Node in the Follower state and loads any
// persisted term/vote/commit state for NodeID from Store.
func NewNode(cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft: NodeID is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("raft: Store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{
		id:                cfg.NodeID,
		peers:             cfg.Peers,
		transport:         cfg.Transport,
		store:             cfg.Store,
		logger:            logger.Named("raft").With(zap.String("node_id", cfg.NodeID)),
		electionMin:       orDefault(cfg.ElectionTimeoutMin, defaultElectionMin),
		electionMax:       orDefault(cfg.ElectionTimeoutMax, defaultElectionMax),
		heartbeatInterval: orDefault(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		onCommit:          cfg.OnCommit,
		onLeaderElected:   cfg.OnLeaderElected,
		onStateChange:     cfg.OnStateChange,
		state:             Follower,
		nextIndex:         make(map[string]uint32),
		matchIndex:        make(map[string]uint32),
		resetElection:     make(chan struct{}, 1),
	}

	if err := n.loadPersisted(); err != nil {
		return nil, err
	}

	return n, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (n *Node) stateKey() string {
	return fmt.Sprintf("node/%s/state", n.id)
}

func (n *Node) logKey(index uint32) string {
	return fmt.Sprintf("node/%s/log/%d", n.id, index)
}

// loadPersisted restores current-term, voted-for, commit/applied indices,
// and the full log from Store.
func (n *Node) loadPersisted() error {
	raw, err := n.store.Load(bucketState, n.stateKey())
	if err == nil {
		var ps persistedState
		if jsonErr := json.Unmarshal(raw, &ps); jsonErr != nil {
			return fmt.Errorf("raft: decoding persisted state: %w", jsonErr)
		}
		n.currentTerm = ps.CurrentTerm
		n.votedFor = ps.VotedFor
		n.commitIndex = ps.CommitIndex
		n.lastApplied = ps.LastApplied
	} else if err != raftstore.ErrNotFound {
		return fmt.Errorf("raft: loading persisted state: %w", err)
	}

	keys, err := n.store.ListKeys(bucketLog)
	if err != nil {
		return fmt.Errorf("raft: listing log keys: %w", err)
	}
	entries := make([]LogEntry, 0, len(keys))
	for _, key := range keys {
		data, loadErr := n.store.Load(bucketLog, key)
		if loadErr != nil {
			return fmt.Errorf("raft: loading log entry %q: %w", key, loadErr)
		}
		entry, decodeErr := DecodeLogEntry(data)
		if decodeErr != nil {
			return fmt.Errorf("raft: decoding log entry %q: %w", key, decodeErr)
		}
		entries = append(entries, entry)
	}
	sortByIndex(entries)
	n.log = entries

	return nil
}

func sortByIndex(entries []LogEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Index < entries[j-1].Index; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// persistState must be called (and complete) before any RPC that depends
// on current-term/voted-for/commit-index is sent. Caller holds n.mu.
func (n *Node) persistState() error {
	ps := persistedState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
	}
	raw, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("raft: encoding persisted state: %w", err)
	}
	if err := n.store.Store(bucketState, n.stateKey(), raw); err != nil {
		return fmt.Errorf("raft: persisting state: %w", err)
	}
	return nil
}

// persistLogEntry must complete before an AppendEntries response claims
// the entry accepted. Caller holds n.mu.
func (n *Node) persistLogEntry(entry LogEntry) error {
	if err := n.store.Store(bucketLog, n.logKey(entry.Index), entry.Encode()); err != nil {
		return fmt.Errorf("raft: persisting log entry %d: %w", entry.Index, err)
	}
	return nil
}

func (n *Node) truncateLogFrom(index uint32) error {
	for _, entry := range n.log {
		if entry.Index >= index {
			if err := n.store.Delete(bucketLog, n.logKey(entry.Index)); err != nil {
				return fmt.Errorf("raft: truncating log entry %d: %w", entry.Index, err)
			}
		}
	}
	kept := n.log[:0]
	for _, entry := range n.log {
		if entry.Index < index {
			kept = append(kept, entry)
		}
	}
	n.log = kept
	return nil
}

// lastLogIndexLocked and lastLogTermLocked require n.mu held.
func (n *Node) lastLogIndexLocked() uint32 {
	if len(n.log) == 0 {
		return 0
	}
	return n.log[len(n.log)-1].Index
}

func (n *Node) lastLogTermLocked() uint32 {
	if len(n.log) == 0 {
		return 0
	}
	return n.log[len(n.log)-1].Term
}

// entryAtLocked returns the log entry at 1-based index, or false if it
// does not exist.
func (n *Node) entryAtLocked(index uint32) (LogEntry, bool) {
	if index == 0 || index > uint32(len(n.log)) {
		return LogEntry{}, false
	}
	return n.log[index-1], true
}

func (n *Node) quorumLocked() int {
	return (len(n.peers)+1)/2 + 1
}

// Status returns a snapshot of the node's externally visible state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		NodeID:      n.id,
		State:       n.state,
		Term:        n.currentTerm,
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LogSize:     len(n.log),
	}
}

// IsLeader reports whether the node currently believes itself leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == Leader
}

func (n *Node) setStateLocked(s State) {
	if n.state == s {
		return
	}
	old := n.state
	n.state = s
	if n.onStateChange != nil {
		cb := n.onStateChange
		go cb(old, s)
	}
}

// Start begins the election timer (and, for a zero-peer cluster, elects
// itself leader on the first timeout, since a single node already
// satisfies quorum).
func (n *Node) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.doneCh = make(chan struct{})
	n.mu.Unlock()

	go n.electionLoop()
}

// Stop halts all timers and flushes persistent state before returning.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.stopCh)
	n.mu.Unlock()

	<-n.doneCh

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.persistState(); err != nil {
		n.logger.Error("failed to flush state on stop", zap.Error(err))
	}
}
