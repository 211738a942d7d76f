package raft

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// rpcTimeout bounds a single peer RPC round-trip.
const rpcTimeout = 3 * time.Second

func (n *Node) randomElectionTimeout() time.Duration {
	span := n.electionMax - n.electionMin
	if span <= 0 {
		return n.electionMin
	}
	return n.electionMin + time.Duration(rand.Int63n(int64(span)))
}

func (n *Node) electionLoop() {
	defer close(n.doneCh)

	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-n.resetElection:
			drainTimer(timer)
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			isLeader := n.state == Leader
			n.mu.Unlock()

			if isLeader {
				timer.Reset(n.heartbeatInterval)
				continue
			}

			n.startElection()
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

func drainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func (n *Node) notifyElectionReset() {
	select {
	case n.resetElection <- struct{}{}:
	default:
	}
}

// startElection transitions to Candidate, votes for self, and requests
// votes from all peers. A zero-peer cluster reaches quorum on its own
// vote and becomes leader immediately.
func (n *Node) startElection() {
	n.mu.Lock()
	n.setStateLocked(Candidate)
	n.currentTerm++
	term := n.currentTerm
	n.votedFor = n.id
	if err := n.persistState(); err != nil {
		n.logger.Error("failed to persist candidate state", zap.Error(err))
	}
	lastLogIndex := n.lastLogIndexLocked()
	lastLogTerm := n.lastLogTermLocked()
	quorum := n.quorumLocked()
	peers := append([]string(nil), n.peers...)
	n.logger.Info("starting election", zap.Uint32("term", term))
	n.mu.Unlock()

	votes := 1 // vote for self
	if votes >= quorum {
		n.becomeLeaderIfStillCandidate(term)
		return
	}

	if len(peers) == 0 {
		return
	}

	args := RequestVoteArgs{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	type voteOutcome struct {
		result RequestVoteResult
		err    error
	}

	results := make(chan voteOutcome, len(peers))
	for _, peer := range peers {
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
			defer cancel()
			result, err := n.transport.SendRequestVote(ctx, peer, args)
			results <- voteOutcome{result: result, err: err}
		}()
	}

	for i := 0; i < len(peers); i++ {
		outcome := <-results
		if outcome.err != nil {
			n.logger.Debug("request vote failed", zap.Error(outcome.err))
			continue
		}

		if n.observeTerm(outcome.result.Term) {
			return
		}

		if outcome.result.VoteGranted {
			votes++
			if votes >= quorum {
				n.becomeLeaderIfStillCandidate(term)
				return
			}
		}
	}
}

// observeTerm steps the node down to Follower immediately whenever it
// observes a higher term than current-term. Returns true if it stepped
// down.
func (n *Node) observeTerm(term uint32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if term <= n.currentTerm {
		return false
	}
	n.currentTerm = term
	n.votedFor = ""
	n.setStateLocked(Follower)
	if err := n.persistState(); err != nil {
		n.logger.Error("failed to persist state after observing higher term", zap.Error(err))
	}
	return true
}

func (n *Node) becomeLeaderIfStillCandidate(term uint32) {
	n.mu.Lock()
	if n.state != Candidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.setStateLocked(Leader)
	n.leaderID = n.id
	nextIdx := n.lastLogIndexLocked() + 1
	n.nextIndex = make(map[string]uint32, len(n.peers))
	n.matchIndex = make(map[string]uint32, len(n.peers))
	for _, peer := range n.peers {
		n.nextIndex[peer] = nextIdx
		n.matchIndex[peer] = 0
	}
	n.logger.Info("became leader", zap.Uint32("term", term))
	onElected := n.onLeaderElected
	id := n.id
	n.mu.Unlock()

	if onElected != nil {
		go onElected(id, term)
	}

	go n.heartbeatLoop(term)
}

// HandleRequestVote processes an incoming RequestVote RPC, granting the
// vote only if: candidate-term ≥ current-term, this node has not already
// voted for someone else this term, and the candidate's log is at least
// as up to date as this node's.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteResult {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.currentTerm = args.Term
		n.votedFor = ""
		n.setStateLocked(Follower)
	}

	if args.Term < n.currentTerm {
		return RequestVoteResult{Term: n.currentTerm, VoteGranted: false}
	}

	canVote := n.votedFor == "" || n.votedFor == args.CandidateID
	lastTerm := n.lastLogTermLocked()
	lastIndex := n.lastLogIndexLocked()
	logUpToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	granted := canVote && logUpToDate
	if granted {
		n.votedFor = args.CandidateID
		n.notifyElectionReset()
	}

	if err := n.persistState(); err != nil {
		n.logger.Error("failed to persist state after RequestVote", zap.Error(err))
	}

	return RequestVoteResult{Term: n.currentTerm, VoteGranted: granted}
}
