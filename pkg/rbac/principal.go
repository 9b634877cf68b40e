package rbac

import (
	"context"
	"sync"

	"github.com/platinummonkey/tenancy/pkg/contextkeys"
)

// LookupKind names which permission sources a cached set was built from
type LookupKind string

const (
	LookupUser  LookupKind = "user"
	LookupGroup LookupKind = "group"
	LookupAll   LookupKind = "all"
)

type permCacheKey struct {
	kind     LookupKind
	tenantID int64
}

// Principal is an authenticated user for the lifetime of one request.
// Resolved permissions are memoized on it and never persisted.
type Principal struct {
	User

	mu         sync.Mutex
	perms      map[permCacheKey]PermissionSet
	superAdmin *bool
}

// NewPrincipal wraps u
func NewPrincipal(u User) *Principal {
	return &Principal{User: u}
}

// ClearCache drops every memoized permission set
func (p *Principal) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perms = nil
	p.superAdmin = nil
}

func (p *Principal) cachedPerms(key permCacheKey) (PermissionSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.perms[key]
	return s, ok
}

func (p *Principal) storePerms(key permCacheKey, s PermissionSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perms == nil {
		p.perms = make(map[permCacheKey]PermissionSet)
	}
	p.perms[key] = s
}

func (p *Principal) cachedSuperAdmin() (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.superAdmin == nil {
		return false, false
	}
	return *p.superAdmin, true
}

func (p *Principal) storeSuperAdmin(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.superAdmin = &v
}

// WithPrincipal binds p to ctx along with its user id
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, contextkeys.PrincipalKey, p)
	return contextkeys.WithUserID(ctx, p.ID)
}

// PrincipalFromContext returns the principal bound to ctx
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p, ok && p != nil
}
