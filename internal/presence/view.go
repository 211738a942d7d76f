package presence

// View adapts a *Session to protocol.SessionView without the presence
// package importing protocol — protocol's interface is small enough that
// rpcmethods' auth.authenticate handler wires this adapter in when it binds
// a session to the gateway, keeping presence free of any dependency on the
// protocol package.
type View struct {
	*Session
}

func (v View) SessionID() string   { return v.Session.SessionID }
func (v View) EntityID() string    { return v.Session.EntityID }
func (v View) EntityType() string  { return string(v.Session.EntityType) }
func (v View) Authenticated() bool { return v.Session.Authenticated }
func (v View) HasPermission(permission string) bool {
	return v.Session.HasPermission(permission)
}
