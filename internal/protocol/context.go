package protocol

import "context"

// SessionView is the minimal view of a session a handler needs. It is
// defined here (rather than importing the presence package) to avoid an
// import cycle between the gateway and its handlers: protocol depends on
// nothing but itself, and callers adapt their concrete session type to
// this interface.
type SessionView interface {
	SessionID() string
	EntityID() string
	EntityType() string
	Authenticated() bool
	HasPermission(permission string) bool
}

// Sender is the capability handlers use to talk back to the gateway
// (deliver notifications, route to other entities) without holding a
// direct pointer to a concrete Gateway type.
type Sender interface {
	Send(ctx context.Context, connectionID string, notification any) error
	RouteToEntity(ctx context.Context, entityID string, notification any) error
	Broadcast(ctx context.Context, notification any, exclude string)
}

// Context carries everything a handler may need beyond its decoded
// params: the originating connection, its session (nil if unauthenticated),
// and a Sender capability reference.
type Context struct {
	context.Context
	ConnectionID string
	Session      SessionView
	Gateway      Sender
}
