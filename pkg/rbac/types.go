package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/tenancy/pkg/scoped"
)

var (
	// ErrNotFound is returned when a user, group or membership does not exist
	ErrNotFound = scoped.ErrNotFound

	// ErrNoTenant is returned by membership operations that need a tenant
	// when none is given and none is bound to the request
	ErrNoTenant = errors.New("no tenant given and none bound to the request")

	// ErrInvalidToken is returned by Authenticate for malformed, unknown or
	// revoked tokens
	ErrInvalidToken = errors.New("invalid or unknown token")
)

// Permission is a permission name of the form "app_label.codename"
type Permission string

// ParsePermission validates s and returns it as a Permission
func ParsePermission(s string) (Permission, error) {
	app, code, ok := strings.Cut(s, ".")
	if !ok || app == "" || code == "" || strings.Contains(code, ".") {
		return "", fmt.Errorf("permission name %q should be in the form app_label.permission_codename", s)
	}
	return Permission(s), nil
}

// AppLabel returns the part before the dot
func (p Permission) AppLabel() string {
	app, _, _ := strings.Cut(string(p), ".")
	return app
}

// Codename returns the part after the dot
func (p Permission) Codename() string {
	_, code, _ := strings.Cut(string(p), ".")
	return code
}

// PermissionSet is an unordered set of permissions
type PermissionSet map[Permission]struct{}

// NewPermissionSet returns a set holding perms
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	s.Add(perms...)
	return s
}

// Add inserts perms into the set
func (s PermissionSet) Add(perms ...Permission) {
	for _, p := range perms {
		s[p] = struct{}{}
	}
}

// Has reports whether p is in the set
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Union returns a new set holding the members of s and o
func (s PermissionSet) Union(o PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s)+len(o))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range o {
		out[p] = struct{}{}
	}
	return out
}

// Sorted returns the members in lexical order
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// User is a global account. IsActive and IsStaff are the global flags; the
// effective, tenant-relative values come from Resolver.IsActive and
// Resolver.IsStaff.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	IsActive    bool      `json:"is_active"`
	IsStaff     bool      `json:"is_staff"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
}

// Group is a global group of users carrying permissions
type Group struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// TenantGroup is a named group that exists in exactly one tenant. Its
// permissions are those of the backing Group.
type TenantGroup struct {
	ID int64 `json:"id"`
	scoped.TenantOwned
	GroupID int64  `json:"group_id"`
	Name    string `json:"name"`
}

// GetID returns the tenant group id
func (g *TenantGroup) GetID() int64 { return g.ID }

// SetID sets the tenant group id
func (g *TenantGroup) SetID(id int64) { g.ID = id }

// Membership links a user to a tenant. There is at most one per
// (tenant, user) pair.
type Membership struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	UserID    int64     `json:"user_id"`
	IsActive  bool      `json:"is_active"`
	IsStaff   bool      `json:"is_staff"`
	CreatedAt time.Time `json:"created_at"`
}

// UsersWithPermissionOptions narrows UsersWithPermission
type UsersWithPermissionOptions struct {
	// IsActive filters on both the global flag and the tenant membership;
	// nil disables the filter
	IsActive *bool
	// IncludeSuperusers adds every superuser
	IncludeSuperusers bool
	// IncludeSuperAdmins counts permissions held through global groups
	IncludeSuperAdmins bool
}

// DefaultUsersWithPermissionOptions returns active users, superusers
// included, super admins included
func DefaultUsersWithPermissionOptions() UsersWithPermissionOptions {
	active := true
	return UsersWithPermissionOptions{
		IsActive:           &active,
		IncludeSuperusers:  true,
		IncludeSuperAdmins: true,
	}
}
