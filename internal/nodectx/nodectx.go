// Package nodectx defines the per-node identity and configuration
// bundle that is constructed once at startup and passed explicitly
// into every component constructor (§9: "forbid package-level mutable
// state").
package nodectx

import "github.com/mfrederico/voidlux-sub002/internal/types"

// Context carries the values every VoidLux component needs but none
// should read from a package-level global: node identity, role, data
// directory, and the shared auth secret. It is not a context.Context —
// it has no deadline or cancellation. Mesh and discovery take a
// context.Context in Start(ctx); the other components stop through
// their own Stop() methods.
type Context struct {
	NodeID     string
	Role       types.Role
	BindHost   string
	P2PPort    int
	HTTPPort   int
	DiscoveryPort int
	DataDir    string
	AuthSecret []byte
	Seeds      []string
}

// HasAuth reports whether a shared secret is configured, meaning the
// mesh is closed and requires the HMAC handshake (§4.3).
func (c Context) HasAuth() bool {
	return len(c.AuthSecret) > 0
}
