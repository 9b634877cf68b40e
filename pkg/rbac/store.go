package rbac

import (
	"context"

	"github.com/platinummonkey/tenancy/pkg/scoped"
)

// Store persists users, groups, permissions and tenant memberships.
// Lookups that match nothing return ErrNotFound.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	// GetUserByTokenHash returns the owner of an unrevoked, unexpired token
	GetUserByTokenHash(ctx context.Context, hash string) (*User, error)
	// CreateToken records the hash of a token issued to userID
	CreateToken(ctx context.Context, userID int64, hash, prefix string) error

	// UserPermissions returns permissions granted to the user directly
	UserPermissions(ctx context.Context, userID int64) ([]Permission, error)
	// GroupPermissions returns permissions from the user's global groups and,
	// when tenantID is not 0, from tenant groups of tenantID where the user
	// has an active membership
	GroupPermissions(ctx context.Context, userID, tenantID int64) ([]Permission, error)
	// AllPermissions returns every known permission
	AllPermissions(ctx context.Context) ([]Permission, error)
	// IsSuperAdmin reports whether the user is directly in a global group
	// that backs a tenant group
	IsSuperAdmin(ctx context.Context, userID int64) (bool, error)
	UsersWithPermission(ctx context.Context, perm Permission, tenantID int64, opts UsersWithPermissionOptions) ([]int64, error)

	CreatePermission(ctx context.Context, perm Permission, name string) error
	GrantUserPermission(ctx context.Context, userID int64, perm Permission) error
	CreateGroup(ctx context.Context, g *Group) error
	AddUserToGroup(ctx context.Context, userID, groupID int64) error
	AddUserToTenantGroup(ctx context.Context, userID, tenantGroupID int64) error
	// TenantGroups stores tenant groups; wrap it in a scoped.Repository
	TenantGroups() scoped.Store[*TenantGroup]

	GetMembership(ctx context.Context, tenantID, userID int64) (*Membership, error)
	// AddMembership creates m unless the pair already exists, in which case
	// m is filled from the existing row
	AddMembership(ctx context.Context, m *Membership) error
	UpdateMembership(ctx context.Context, m *Membership) error
}
