// Package eventrouter decouples publishers from subscribers across
// channel topics and directed agent routes: a mutex-guarded topic map,
// snapshot-then-send publish so a slow subscriber never blocks the
// others, generalized to free-form channel names plus an agent-routes
// table for direct delivery and a per-connection event-filter map.
package eventrouter

import (
	"sync"

	"go.uber.org/zap"
)

// Sender delivers one message to one connection. The gateway implements
// this; the router never touches a socket directly.
type Sender interface {
	Send(connectionID string, message any) error
}

// Filter decides whether a connection should receive an event, keyed by
// event type and opaque event data.
type Filter func(eventType string, eventData any) bool

// Router is the single-lock channel/route registry. The zero value is not
// usable — construct with New.
type Router struct {
	sender Sender
	logger *zap.Logger

	mu                 sync.RWMutex
	channelSubscribers map[string]map[string]bool // channel -> connectionIDs
	agentRoutes        map[string]string          // agentID -> connectionID
	eventFilters       map[string]Filter          // connectionID -> predicate
}

// New creates a Router that delivers through sender.
func New(sender Sender, logger *zap.Logger) *Router {
	return &Router{
		sender:             sender,
		logger:             logger.Named("eventrouter"),
		channelSubscribers: make(map[string]map[string]bool),
		agentRoutes:        make(map[string]string),
		eventFilters:       make(map[string]Filter),
	}
}

// Subscribe adds connectionID to channel's subscriber set.
func (r *Router) Subscribe(channel, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channelSubscribers[channel] == nil {
		r.channelSubscribers[channel] = make(map[string]bool)
	}
	r.channelSubscribers[channel][connectionID] = true
}

// Unsubscribe removes connectionID from channel's subscriber set.
func (r *Router) Unsubscribe(channel, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channelSubscribers[channel], connectionID)
	if len(r.channelSubscribers[channel]) == 0 {
		delete(r.channelSubscribers, channel)
	}
}

// UnsubscribeAll removes connectionID from every channel it is subscribed
// to. Called by the gateway on disconnect.
func (r *Router) UnsubscribeAll(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel, subs := range r.channelSubscribers {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(r.channelSubscribers, channel)
		}
	}
	delete(r.eventFilters, connectionID)
}

// Publish delivers message to every subscriber of channel present at the
// moment Publish is called — best-effort, at-most-once delivery under
// concurrent subscribe/unsubscribe. Event type/data are passed to each
// subscriber's filter, if any, before delivery is attempted.
func (r *Router) Publish(channel, eventType string, eventData any, message any) {
	r.mu.RLock()
	targets := make([]string, 0, len(r.channelSubscribers[channel]))
	for connID := range r.channelSubscribers[channel] {
		targets = append(targets, connID)
	}
	filters := make(map[string]Filter, len(targets))
	for _, connID := range targets {
		if f, ok := r.eventFilters[connID]; ok {
			filters[connID] = f
		}
	}
	r.mu.RUnlock()

	for _, connID := range targets {
		if f, ok := filters[connID]; ok && !f(eventType, eventData) {
			continue
		}
		if err := r.sender.Send(connID, message); err != nil {
			r.logger.Warn("publish delivery failed",
				zap.String("channel", channel),
				zap.String("connection_id", connID),
				zap.Error(err),
			)
		}
	}
}

// RouteAgent binds agentID's direct message route to connectionID.
func (r *Router) RouteAgent(agentID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentRoutes[agentID] = connectionID
}

// UnrouteAgent removes agentID's direct route, if it still points at
// connectionID (avoids clobbering a route the agent re-established on a
// new connection before the old one's disconnect handler ran).
func (r *Router) UnrouteAgent(agentID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agentRoutes[agentID] == connectionID {
		delete(r.agentRoutes, agentID)
	}
}

// RouteToAgent delivers message directly to agentID's bound connection.
// Returns false if the agent has no registered route.
func (r *Router) RouteToAgent(agentID string, message any) bool {
	r.mu.RLock()
	connID, ok := r.agentRoutes[agentID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := r.sender.Send(connID, message); err != nil {
		r.logger.Warn("agent route delivery failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// SetFilter installs an event filter predicate for connectionID.
func (r *Router) SetFilter(connectionID string, filter Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventFilters[connectionID] = filter
}
