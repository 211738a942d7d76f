// Package raft implements a hand-written Raft consensus engine: leader
// election with randomized timeouts, log replication with conflict
// truncation, and majority-commit advancement over a fixed LogEntry wire
// format, with a pluggable transport for peer RPCs.
package raft

import (
	"encoding/binary"
	"fmt"
)

// State is one of the three Raft node roles.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is a single entry in the replicated log.
type LogEntry struct {
	Term  uint32
	Index uint32
	Type  string
	Data  []byte
}

// Encode serializes an entry to the fixed wire format: [term:u32 |
// index:u32 | data-len:u32 | type-len:u32 | type-bytes | data-bytes],
// big-endian.
func (e LogEntry) Encode() []byte {
	typeBytes := []byte(e.Type)
	buf := make([]byte, 16+len(typeBytes)+len(e.Data))
	binary.BigEndian.PutUint32(buf[0:4], e.Term)
	binary.BigEndian.PutUint32(buf[4:8], e.Index)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(e.Data)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(typeBytes)))
	copy(buf[16:16+len(typeBytes)], typeBytes)
	copy(buf[16+len(typeBytes):], e.Data)
	return buf
}

// DecodeLogEntry parses the wire format Encode produces.
func DecodeLogEntry(buf []byte) (LogEntry, error) {
	if len(buf) < 16 {
		return LogEntry{}, fmt.Errorf("raft: log entry header truncated: %d bytes", len(buf))
	}
	term := binary.BigEndian.Uint32(buf[0:4])
	index := binary.BigEndian.Uint32(buf[4:8])
	dataLen := binary.BigEndian.Uint32(buf[8:12])
	typeLen := binary.BigEndian.Uint32(buf[12:16])

	rest := buf[16:]
	if uint32(len(rest)) < typeLen+dataLen {
		return LogEntry{}, fmt.Errorf("raft: log entry body truncated: need %d bytes, have %d", typeLen+dataLen, len(rest))
	}

	entryType := string(rest[:typeLen])
	data := make([]byte, dataLen)
	copy(data, rest[typeLen:typeLen+dataLen])

	return LogEntry{Term: term, Index: index, Type: entryType, Data: data}, nil
}

// RequestVoteArgs is the RequestVote RPC payload.
type RequestVoteArgs struct {
	Term         uint32
	CandidateID  string
	LastLogIndex uint32
	LastLogTerm  uint32
}

// RequestVoteResult is the RequestVote RPC reply.
type RequestVoteResult struct {
	Term        uint32
	VoteGranted bool
}

// AppendEntriesArgs is the AppendEntries RPC payload (also used as the
// empty-entries heartbeat).
type AppendEntriesArgs struct {
	Term         uint32
	LeaderID     string
	PrevLogIndex uint32
	PrevLogTerm  uint32
	Entries      []LogEntry
	LeaderCommit uint32
}

// AppendEntriesResult is the AppendEntries RPC reply. ConflictIndex is a
// hint the leader uses to skip repeated single-step backoff, the way
// swarmkit's raft.go and the etcd raft package both do.
type AppendEntriesResult struct {
	Term          uint32
	Success       bool
	ConflictIndex uint32
}

// Status is a snapshot of a node's externally visible state, returned by
// Node.Status; cmd/controlplaned's pollRaftMetrics samples it into the
// raft metrics collectors.
type Status struct {
	NodeID      string
	State       State
	Term        uint32
	LeaderID    string
	CommitIndex uint32
	LastApplied uint32
	LogSize     int
}

// ErrNotLeader is returned by Propose when the node is not currently the
// leader, carrying the last-known leader id as a redirect hint.
type ErrNotLeader struct {
	LeaderID string
}

func (e *ErrNotLeader) Error() string {
	if e.LeaderID == "" {
		return "raft: not leader, no known leader"
	}
	return fmt.Sprintf("raft: not leader, current leader is %s", e.LeaderID)
}
