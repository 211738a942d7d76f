package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber is invoked whenever a presence entry changes. Called outside
// the registry's lock (the same snapshot-then-send pattern Hub.Publish
// uses) so a slow or reentrant callback can never deadlock the registry.
type Subscriber func(info Info, change ChangeType)

type subscription struct {
	id       string
	callback Subscriber
}

// Config bundles the registry's timing knobs, all with sensible defaults.
type Config struct {
	// StaleTimeout is how long without a touch before an entity is forced
	// offline by the stale-detector loop. Default 120s.
	StaleTimeout time.Duration
	// HeartbeatTimeout is how long without activity before a session is
	// removed by the stale-detector loop. Default 60s.
	HeartbeatTimeout time.Duration
	// CleanupInterval is how often the stale-detector loop runs. Default 30s.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 120 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	return c
}

// Registry is the single-lock presence/session store. The zero value is
// not usable — construct with New.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	presences      map[string]*Info           // entityID -> info
	sessions       map[string]*Session        // sessionID -> session
	entitySessions map[string]map[string]bool // entityID -> set of sessionIDs
	perEntitySubs  map[string][]subscription
	globalSubs     []subscription

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an idle Registry. Call Start to begin the stale-detector loop.
func New(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:            cfg.withDefaults(),
		logger:         logger.Named("presence"),
		presences:      make(map[string]*Info),
		sessions:       make(map[string]*Session),
		entitySessions: make(map[string]map[string]bool),
		perEntitySubs:  make(map[string][]subscription),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start launches the stale-detector background loop.
func (r *Registry) Start() {
	go r.cleanupLoop()
}

// Stop halts the stale-detector loop and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Registry) cleanupLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepStalePresence()
			r.sweepStaleSessions()
		case <-r.stopCh:
			return
		}
	}
}

// sweepStalePresence forces offline any entity whose last-seen exceeds
// StaleTimeout.
func (r *Registry) sweepStalePresence() {
	now := time.Now()
	var fired []func()

	r.mu.Lock()
	for _, info := range r.presences {
		if info.Status == StatusOffline {
			continue
		}
		if now.Sub(info.LastSeen) > r.cfg.StaleTimeout {
			info.Status = StatusOffline
			snapshot := info.clone()
			fired = append(fired, r.notifiers(snapshot, ChangeOffline)...)
		}
	}
	r.mu.Unlock()

	for _, f := range fired {
		f()
	}
}

// sweepStaleSessions removes sessions whose last-activity exceeds
// HeartbeatTimeout, transitioning the owning entity offline if that was
// its last live session.
func (r *Registry) sweepStaleSessions() {
	now := time.Now()
	var stale []string

	r.mu.Lock()
	for id, sess := range r.sessions {
		if now.Sub(sess.LastActivity) > r.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.RemoveSession(id, "timeout")
	}
}

// Register creates or updates a presence entry for entityID.
func (r *Registry) Register(entityID string, entityType EntityType, status Status, capabilities []Capability, metadata map[string]any) Info {
	r.mu.Lock()
	info, exists := r.presences[entityID]
	if !exists {
		info = &Info{EntityID: entityID, EntityType: entityType}
		r.presences[entityID] = info
	}
	info.Status = status
	info.Capabilities = capabilities
	info.Metadata = metadata
	info.LastSeen = time.Now()
	snapshot := info.clone()
	notify := r.notifiers(snapshot, changeTypeForStatus(status))
	r.mu.Unlock()

	for _, f := range notify {
		f()
	}
	return snapshot
}

// Update mutates status/message/activity for an existing entry, firing a
// change notification only if the status actually changed.
func (r *Registry) Update(entityID string, status Status, message, activity string) (Info, bool) {
	r.mu.Lock()
	info, exists := r.presences[entityID]
	if !exists {
		r.mu.Unlock()
		return Info{}, false
	}

	statusChanged := info.Status != status
	info.Status = status
	if message != "" {
		info.StatusMessage = message
	}
	if activity != "" {
		info.CurrentActivity = activity
	}
	info.LastSeen = time.Now()
	snapshot := info.clone()

	var notify []func()
	if statusChanged {
		notify = r.notifiers(snapshot, changeTypeForStatus(status))
	}
	r.mu.Unlock()

	for _, f := range notify {
		f()
	}
	return snapshot, true
}

// Touch refreshes last-seen for entityID without other side effects.
func (r *Registry) Touch(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.presences[entityID]; ok {
		info.LastSeen = time.Now()
	}
}

// Remove forces entityID offline, deletes its presence entry and every
// session it holds.
func (r *Registry) Remove(entityID, reason string) {
	r.mu.Lock()
	sessionIDs := make([]string, 0, len(r.entitySessions[entityID]))
	for id := range r.entitySessions[entityID] {
		sessionIDs = append(sessionIDs, id)
	}
	for _, id := range sessionIDs {
		delete(r.sessions, id)
	}
	delete(r.entitySessions, entityID)

	info, exists := r.presences[entityID]
	var notify []func()
	if exists {
		info.Status = StatusOffline
		snapshot := info.clone()
		notify = r.notifiers(snapshot, ChangeOffline)
		delete(r.presences, entityID)
	}
	delete(r.perEntitySubs, entityID)
	r.mu.Unlock()

	r.logger.Info("entity removed", zap.String("entity_id", entityID), zap.String("reason", reason))
	for _, f := range notify {
		f()
	}
}

// Get returns the presence entry for entityID, if any.
func (r *Registry) Get(entityID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.presences[entityID]
	if !ok {
		return Info{}, false
	}
	return info.clone(), true
}

// List returns every presence entry, optionally filtered by entity type.
func (r *Registry) List(entityType EntityType) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.presences))
	for _, info := range r.presences {
		if entityType != "" && info.EntityType != entityType {
			continue
		}
		out = append(out, info.clone())
	}
	return out
}

// CreateSession creates a new (initially unauthenticated) Session bound
// to connectionID for entityID.
func (r *Registry) CreateSession(entityID string, entityType EntityType, connectionID string, metadata map[string]any) *Session {
	sess := &Session{
		SessionID:     uuid.NewString(),
		EntityID:      entityID,
		EntityType:    entityType,
		ConnectionID:  connectionID,
		CreatedAt:     time.Now(),
		LastActivity:  time.Now(),
		Permissions:   make(map[string]bool),
		Subscriptions: make(map[string]bool),
	}

	r.mu.Lock()
	r.sessions[sess.SessionID] = sess
	if r.entitySessions[entityID] == nil {
		r.entitySessions[entityID] = make(map[string]bool)
	}
	r.entitySessions[entityID][sess.SessionID] = true
	r.mu.Unlock()

	return sess
}

// AuthenticateSession marks sessionID authenticated with the given
// permission set.
func (r *Registry) AuthenticateSession(sessionID string, permissions []string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("presence: session %s not found", sessionID)
	}
	sess.Authenticated = true
	for _, p := range permissions {
		sess.Permissions[p] = true
	}
	sess.LastActivity = time.Now()
	return sess, nil
}

// GetSession returns the session for sessionID, if any.
func (r *Registry) GetSession(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// TouchSession refreshes a session's last-activity timestamp.
func (r *Registry) TouchSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.LastActivity = time.Now()
	}
}

// RemoveSession deletes sessionID. If it was the entity's last live
// session, the entity's presence is transitioned offline.
func (r *Registry) RemoveSession(sessionID, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	delete(r.entitySessions[sess.EntityID], sessionID)

	remaining := len(r.entitySessions[sess.EntityID])
	if remaining == 0 {
		delete(r.entitySessions, sess.EntityID)
	}

	var notify []func()
	if remaining == 0 {
		if info, exists := r.presences[sess.EntityID]; exists && info.Status != StatusOffline {
			info.Status = StatusOffline
			snapshot := info.clone()
			notify = r.notifiers(snapshot, ChangeOffline)
		}
	}
	r.mu.Unlock()

	r.logger.Info("session removed",
		zap.String("session_id", sessionID),
		zap.String("entity_id", sess.EntityID),
		zap.String("reason", reason),
	)
	for _, f := range notify {
		f()
	}
}

// ConnectionsForEntity returns the distinct connection ids of every live
// session belonging to entityID. Used by the gateway to route a
// direct-to-entity notification without knowing the session layer itself.
func (r *Registry) ConnectionsForEntity(entityID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for id := range r.entitySessions[entityID] {
		sess, ok := r.sessions[id]
		if !ok || seen[sess.ConnectionID] {
			continue
		}
		seen[sess.ConnectionID] = true
		out = append(out, sess.ConnectionID)
	}
	return out
}

// SessionsForConnection returns every live session bound to connectionID.
// Used by the gateway to release sessions on disconnect.
func (r *Registry) SessionsForConnection(connectionID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Session
	for _, sess := range r.sessions {
		if sess.ConnectionID == connectionID {
			out = append(out, sess)
		}
	}
	return out
}

// Subscribe registers callback to fire on every change for entityID, or
// for every entity if entityID is empty (the "global subscription list").
// Returns a subscription id usable with Unsubscribe.
func (r *Registry) Subscribe(entityID string, callback Subscriber) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	sub := subscription{id: id, callback: callback}
	if entityID == "" {
		r.globalSubs = append(r.globalSubs, sub)
	} else {
		r.perEntitySubs[entityID] = append(r.perEntitySubs[entityID], sub)
	}
	return id
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (r *Registry) Unsubscribe(entityID, subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entityID == "" {
		r.globalSubs = removeSub(r.globalSubs, subscriptionID)
		return
	}
	r.perEntitySubs[entityID] = removeSub(r.perEntitySubs[entityID], subscriptionID)
}

func removeSub(subs []subscription, id string) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// notifiers builds the list of callback invocations to run for a change,
// to be called AFTER the registry's lock is released.
func (r *Registry) notifiers(info Info, change ChangeType) []func() {
	var fns []func()
	for _, s := range r.perEntitySubs[info.EntityID] {
		cb := s.callback
		fns = append(fns, func() { cb(info, change) })
	}
	for _, s := range r.globalSubs {
		cb := s.callback
		fns = append(fns, func() { cb(info, change) })
	}
	return fns
}
