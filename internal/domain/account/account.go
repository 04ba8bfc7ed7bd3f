// Package account defines principals and the parent/child link persistence contract.
package account

import (
	"context"
	"time"
)

// Role distinguishes parent accounts, whose orders fan out, from child accounts.
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleParent || r == RoleChild
}

// Principal is the authenticated actor issuing a request.
type Principal struct {
	UserID           string `json:"user_id"`
	DisplayName      string `json:"display_name"`
	Email            string `json:"email"`
	AccessCredential string `json:"-"`
	Role             Role   `json:"role"`
}

// IsParent reports whether orders placed by the principal replicate to children.
func (p Principal) IsParent() bool {
	return p.Role == RoleParent
}

// ChildLink is a child brokerage account owned by exactly one parent.
type ChildLink struct {
	ChildUserID      string    `json:"child_user_id"`
	DisplayName      string    `json:"display_name"`
	Email            string    `json:"email"`
	AccessCredential string    `json:"-"`
	IsActive         bool      `json:"is_active"`
	ConnectedAt      time.Time `json:"connected_at"`
	LastSync         time.Time `json:"last_sync"`
}

// Store persists child links keyed by parent user id.
//
// Implementations serialise writers per parent id.
type Store interface {
	// Children returns the parent's links in insertion order; empty when none exist.
	Children(ctx context.Context, parentID string) ([]ChildLink, error)
	// Upsert inserts the link, replacing any existing link with the same child id.
	Upsert(ctx context.Context, parentID string, link ChildLink) error
	// Remove deletes the link; removing an unknown child is not an error.
	Remove(ctx context.Context, parentID, childID string) error
	// Update applies fn to an existing link. Unknown links yield errs.CodeNotFound.
	Update(ctx context.Context, parentID, childID string, fn func(*ChildLink)) (ChildLink, error)
	// FindChild locates a link by child id across parents.
	FindChild(ctx context.Context, childID string) (parentID string, link ChildLink, found bool, err error)
}
