// Package identity carries the authenticated caller through request contexts.
package identity

import "context"

// Role is the caller's party type.
type Role string

const (
	RoleMarketer Role = "marketer"
	RoleCreator  Role = "creator"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMarketer, RoleCreator, RoleAdmin:
		return true
	}
	return false
}

// IsParty reports whether r can take part in a negotiation.
func (r Role) IsParty() bool {
	return r == RoleMarketer || r == RoleCreator
}

// Actor is the authenticated user performing an operation.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

type contextKey struct{}

// NewContext returns a copy of ctx carrying the actor.
func NewContext(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// FromContext returns the actor stored in ctx, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok && a.UserID != ""
}
