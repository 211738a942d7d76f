package raft

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// heartbeatLoop broadcasts AppendEntries to every peer on each tick while
// the node remains leader of term. It exits as soon as the node steps
// down or a newer term is observed.
func (n *Node) heartbeatLoop(term uint32) {
	ticker := time.NewTicker(n.heartbeatInterval)
	defer ticker.Stop()

	for {
		n.mu.Lock()
		stillLeader := n.state == Leader && n.currentTerm == term
		n.mu.Unlock()
		if !stillLeader {
			return
		}

		n.broadcastAppendEntries(term)

		select {
		case <-ticker.C:
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) broadcastAppendEntries(term uint32) {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	for _, peer := range peers {
		peer := peer
		go n.sendAppendEntriesToPeer(term, peer)
	}
}

func (n *Node) sendAppendEntriesToPeer(term uint32, peer string) {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = 1
	}
	prevIndex := nextIdx - 1
	prevTerm := uint32(0)
	if prevIndex > 0 {
		if entry, ok := n.entryAtLocked(prevIndex); ok {
			prevTerm = entry.Term
		}
	}
	var entries []LogEntry
	for _, e := range n.log {
		if e.Index >= nextIdx {
			entries = append(entries, e)
		}
	}
	args := AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	quorum := n.quorumLocked()
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	result, err := n.transport.SendAppendEntries(ctx, peer, args)
	if err != nil {
		n.logger.Debug("append entries failed", zap.String("peer", peer), zap.Error(err))
		return
	}

	if n.observeTerm(result.Term) {
		return
	}

	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}

	if result.Success {
		if len(entries) > 0 {
			n.matchIndex[peer] = entries[len(entries)-1].Index
			n.nextIndex[peer] = n.matchIndex[peer] + 1
		}
		n.advanceCommitIndexLocked(quorum)
		toApply := n.collectApplicableLocked()
		if err := n.persistState(); err != nil {
			n.logger.Error("failed to persist state after replication", zap.Error(err))
		}
		n.mu.Unlock()
		n.dispatchCommitted(toApply)
		return
	}

	// Leader backs off using the conflict hint when present, otherwise a
	// single-step decrement.
	if result.ConflictIndex > 0 && result.ConflictIndex < n.nextIndex[peer] {
		n.nextIndex[peer] = result.ConflictIndex
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
	n.mu.Unlock()
}

// advanceCommitIndexLocked advances commit-index to the highest N such
// that a majority's matchIndex ≥ N and log[N].term == current-term.
// Caller holds n.mu.
func (n *Node) advanceCommitIndexLocked(quorum int) {
	lastIndex := n.lastLogIndexLocked()
	for idx := lastIndex; idx > n.commitIndex; idx-- {
		entry, ok := n.entryAtLocked(idx)
		if !ok || entry.Term != n.currentTerm {
			continue
		}
		count := 1 // leader itself
		for _, matched := range n.matchIndex {
			if matched >= idx {
				count++
			}
		}
		if count >= quorum {
			n.commitIndex = idx
			return
		}
	}
}

// collectApplicableLocked advances last-applied to commit-index and
// returns the newly committed entries in order, for the caller to hand
// to onCommit once the lock is released. Caller holds n.mu.
func (n *Node) collectApplicableLocked() []LogEntry {
	if n.lastApplied >= n.commitIndex {
		return nil
	}
	var entries []LogEntry
	for idx := n.lastApplied + 1; idx <= n.commitIndex; idx++ {
		if entry, ok := n.entryAtLocked(idx); ok {
			entries = append(entries, entry)
		}
	}
	n.lastApplied = n.commitIndex
	return entries
}

func (n *Node) dispatchCommitted(entries []LogEntry) {
	if n.onCommit == nil {
		return
	}
	for _, entry := range entries {
		n.onCommit(entry)
	}
}

// HandleAppendEntries processes an incoming AppendEntries RPC (heartbeat
// or log replication): log-consistency check, conflict truncation, entry
// append, and commit-index advancement.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesResult {
	n.mu.Lock()

	if args.Term < n.currentTerm {
		result := AppendEntriesResult{Term: n.currentTerm, Success: false}
		n.mu.Unlock()
		return result
	}

	n.leaderID = args.LeaderID
	if args.Term > n.currentTerm {
		n.currentTerm = args.Term
		n.votedFor = ""
		n.setStateLocked(Follower)
	} else if n.state == Candidate {
		n.setStateLocked(Follower)
	}
	n.notifyElectionReset()

	if args.PrevLogIndex > 0 {
		entry, ok := n.entryAtLocked(args.PrevLogIndex)
		if !ok {
			hint := n.lastLogIndexLocked() + 1
			n.persistStateBestEffort()
			result := AppendEntriesResult{Term: n.currentTerm, Success: false, ConflictIndex: hint}
			n.mu.Unlock()
			return result
		}
		if entry.Term != args.PrevLogTerm {
			if err := n.truncateLogFrom(args.PrevLogIndex); err != nil {
				n.logger.Error("failed to truncate conflicting log", zap.Error(err))
			}
			n.persistStateBestEffort()
			result := AppendEntriesResult{Term: n.currentTerm, Success: false, ConflictIndex: args.PrevLogIndex}
			n.mu.Unlock()
			return result
		}
	}

	for _, incoming := range args.Entries {
		existing, ok := n.entryAtLocked(incoming.Index)
		if ok && existing.Term == incoming.Term {
			continue
		}
		if ok {
			if err := n.truncateLogFrom(incoming.Index); err != nil {
				n.logger.Error("failed to truncate conflicting log", zap.Error(err))
			}
		}
		n.log = append(n.log, incoming)
		if err := n.persistLogEntry(incoming); err != nil {
			n.logger.Error("failed to persist replicated entry", zap.Error(err))
		}
	}

	if args.LeaderCommit > n.commitIndex {
		newCommit := args.LeaderCommit
		if last := n.lastLogIndexLocked(); newCommit > last {
			newCommit = last
		}
		n.commitIndex = newCommit
	}

	toApply := n.collectApplicableLocked()
	n.persistStateBestEffort()

	result := AppendEntriesResult{Term: n.currentTerm, Success: true}
	n.mu.Unlock()

	n.dispatchCommitted(toApply)
	return result
}

func (n *Node) persistStateBestEffort() {
	if err := n.persistState(); err != nil {
		n.logger.Error("failed to persist state", zap.Error(err))
	}
}

// Propose appends data to the leader's log and begins replicating it to
// peers. It fails with ErrNotLeader if this node is not currently the
// leader.
func (n *Node) Propose(data []byte, kind string) (LogEntry, error) {
	n.mu.Lock()
	if n.state != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return LogEntry{}, &ErrNotLeader{LeaderID: leader}
	}

	entry := LogEntry{
		Term:  n.currentTerm,
		Index: n.lastLogIndexLocked() + 1,
		Type:  kind,
		Data:  data,
	}
	n.log = append(n.log, entry)
	if err := n.persistLogEntry(entry); err != nil {
		n.logger.Error("failed to persist proposed entry", zap.Error(err))
	}

	term := n.currentTerm
	quorum := n.quorumLocked()
	if quorum <= 1 {
		n.advanceCommitIndexLocked(quorum)
	}
	toApply := n.collectApplicableLocked()
	n.mu.Unlock()

	n.dispatchCommitted(toApply)
	go n.broadcastAppendEntries(term)

	return entry, nil
}
