// Package rpcmethods wires the control plane's concrete components —
// auth, presence, the event router, and the gateway itself — into the
// protocol.Registry's method table. It is the one package allowed to
// hold a concrete *gateway.Gateway (rather than the narrower
// protocol.Sender interface) since auth.authenticate must call
// Gateway.BindSession after creating a session.
package rpcmethods

import (
	"github.com/meshcore/controlplane/internal/auth"
	"github.com/meshcore/controlplane/internal/eventrouter"
	"github.com/meshcore/controlplane/internal/gateway"
	"github.com/meshcore/controlplane/internal/presence"
	"github.com/meshcore/controlplane/internal/work"
)

// Deps bundles every component a method handler may need.
type Deps struct {
	Auth        *auth.Manager
	Presence    *presence.Registry
	Router      *eventrouter.Router
	Gateway     *gateway.Gateway
	Distributor *work.Distributor

	// AdminPermission gates auth.generateToken. Defaults to
	// "admin.generate_token" if empty.
	AdminPermission string
}

func (d Deps) withDefaults() Deps {
	if d.AdminPermission == "" {
		d.AdminPermission = "admin.generate_token"
	}
	return d
}
