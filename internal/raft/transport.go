package raft

import "context"

// Transport delivers RPCs to a named peer. Node depends only on this
// interface, so tests can swap in an in-process fake for a real network
// client.
type Transport interface {
	SendRequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteResult, error)
	SendAppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesResult, error)
}

// LocalTransport routes RPCs directly between Nodes registered in the
// same process, used by tests to exercise multi-node elections and
// replication without any real network I/O.
type LocalTransport struct {
	nodes map[string]*Node
}

// NewLocalTransport returns an empty in-process transport. Register
// nodes with Register before starting them.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{nodes: make(map[string]*Node)}
}

// Register makes node reachable by peer id through this transport.
func (t *LocalTransport) Register(node *Node) {
	t.nodes[node.id] = node
}

func (t *LocalTransport) SendRequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteResult, error) {
	peer, ok := t.nodes[peerID]
	if !ok {
		return RequestVoteResult{}, errPeerUnknown(peerID)
	}
	return peer.HandleRequestVote(args), nil
}

func (t *LocalTransport) SendAppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesResult, error) {
	peer, ok := t.nodes[peerID]
	if !ok {
		return AppendEntriesResult{}, errPeerUnknown(peerID)
	}
	return peer.HandleAppendEntries(args), nil
}

func errPeerUnknown(peerID string) error {
	return &peerUnknownError{peerID: peerID}
}

type peerUnknownError struct {
	peerID string
}

func (e *peerUnknownError) Error() string {
	return "raft: unknown peer " + e.peerID
}
