package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HTTPTransport is a real network Transport: each peer's RequestVote/
// AppendEntries RPCs travel as JSON over plain HTTP, following the same
// net/http + chi server shape the gateway package already uses rather
// than introducing a second RPC stack — a full gRPC transport would need
// hand-written generated code this repository cannot produce without
// invoking protoc.
type HTTPTransport struct {
	peerAddrs map[string]string // peerID -> base address, e.g. "10.0.0.2:7000"
	client    *http.Client
	logger    *zap.Logger
	node      *Node
}

// NewHTTPTransport creates a transport that dials peerAddrs for outbound
// RPCs. Call Handler to obtain the inbound HTTP handler to serve, and
// Bind once the local Node is constructed so inbound RPCs can reach it.
func NewHTTPTransport(peerAddrs map[string]string, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		peerAddrs: peerAddrs,
		client:    &http.Client{Timeout: 2 * time.Second},
		logger:    logger.Named("raft_transport"),
	}
}

// Bind attaches the local node so inbound RPCs delivered via Handler can
// be applied to it. Raft's Config.Transport must be set before NewNode
// is called, so Bind is a separate step run immediately after.
func (t *HTTPTransport) Bind(node *Node) {
	t.node = node
}

// Handler returns the chi router serving this node's inbound RPC
// endpoints, to be mounted under the daemon's admin HTTP server (or
// served standalone on its own port).
func (t *HTTPTransport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/raft/request-vote", t.handleRequestVote)
	r.Post("/raft/append-entries", t.handleAppendEntries)
	return r
}

func (t *HTTPTransport) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var args RequestVoteArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result := t.node.HandleRequestVote(args)
	_ = json.NewEncoder(w).Encode(result)
}

func (t *HTTPTransport) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var args AppendEntriesArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result := t.node.HandleAppendEntries(args)
	_ = json.NewEncoder(w).Encode(result)
}

func (t *HTTPTransport) SendRequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteResult, error) {
	var result RequestVoteResult
	err := t.post(ctx, peerID, "/raft/request-vote", args, &result)
	return result, err
}

func (t *HTTPTransport) SendAppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesResult, error) {
	var result AppendEntriesResult
	err := t.post(ctx, peerID, "/raft/append-entries", args, &result)
	return result, err
}

func (t *HTTPTransport) post(ctx context.Context, peerID, path string, body any, out any) error {
	addr, ok := t.peerAddrs[peerID]
	if !ok {
		return errPeerUnknown(peerID)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("raft: marshal request to %s: %w", peerID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("raft: building request to %s: %w", peerID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("raft: calling peer %s: %w", peerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("raft: peer %s returned status %d", peerID, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
