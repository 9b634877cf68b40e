package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/platinummonkey/tenancy/pkg/tenancy"
	"github.com/sirupsen/logrus"
)

// ResolverOptions configures a Resolver
type ResolverOptions struct {
	Metrics *observability.Metrics
	Logger  *logrus.Logger
}

// Resolver answers permission and membership questions relative to the
// tenant bound to the request context
type Resolver struct {
	store   Store
	metrics *observability.Metrics
	log     *logrus.Logger
}

// NewResolver returns a Resolver reading from store
func NewResolver(store Store, opts ...ResolverOptions) *Resolver {
	r := &Resolver{store: store}
	if len(opts) > 0 {
		r.metrics = opts[0].Metrics
		r.log = opts[0].Logger
	}
	if r.log == nil {
		r.log = logrus.New()
	}
	return r
}

// Store returns the backing store
func (r *Resolver) Store() Store {
	return r.store
}

// Authenticate loads the principal owning token
func (r *Resolver) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if err := ValidateTokenFormat(token); err != nil {
		return nil, ErrInvalidToken
	}
	u, err := r.store.GetUserByTokenHash(ctx, HashToken(token))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	return NewPrincipal(*u), nil
}

// EffectivePermissions returns the union of the principal's direct, global
// group and current-tenant group permissions
func (r *Resolver) EffectivePermissions(ctx context.Context, p *Principal) (PermissionSet, error) {
	return r.permissions(ctx, p, LookupAll)
}

// UserPermissions returns the principal's direct grants
func (r *Resolver) UserPermissions(ctx context.Context, p *Principal) (PermissionSet, error) {
	return r.permissions(ctx, p, LookupUser)
}

// GroupPermissions returns permissions the principal holds through global
// groups and current-tenant groups
func (r *Resolver) GroupPermissions(ctx context.Context, p *Principal) (PermissionSet, error) {
	return r.permissions(ctx, p, LookupGroup)
}

func (r *Resolver) permissions(ctx context.Context, p *Principal, kind LookupKind) (PermissionSet, error) {
	if p == nil || !p.IsActive {
		return PermissionSet{}, nil
	}

	key := permCacheKey{kind: kind, tenantID: tenancy.CurrentTenantID(ctx)}
	if s, ok := p.cachedPerms(key); ok {
		return s, nil
	}

	var (
		perms []Permission
		err   error
	)
	switch {
	case p.IsSuperuser:
		perms, err = r.store.AllPermissions(ctx)
	case kind == LookupUser:
		perms, err = r.store.UserPermissions(ctx, p.ID)
	case kind == LookupGroup:
		perms, err = r.store.GroupPermissions(ctx, p.ID, key.tenantID)
	default:
		var user, group PermissionSet
		if user, err = r.permissions(ctx, p, LookupUser); err != nil {
			return nil, err
		}
		if group, err = r.permissions(ctx, p, LookupGroup); err != nil {
			return nil, err
		}
		s := user.Union(group)
		p.storePerms(key, s)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s permissions for user %d: %w", kind, p.ID, err)
	}

	s := NewPermissionSet(perms...)
	p.storePerms(key, s)
	return s, nil
}

// HasPerm reports whether the principal holds perm in the current tenant
func (r *Resolver) HasPerm(ctx context.Context, p *Principal, perm Permission) (bool, error) {
	perms, err := r.EffectivePermissions(ctx, p)
	if err != nil {
		return false, err
	}
	allowed := perms.Has(perm)
	r.metrics.RecordPermissionCheck(allowed)
	return allowed, nil
}

// HasPerms reports whether the principal holds every one of perms
func (r *Resolver) HasPerms(ctx context.Context, p *Principal, perms ...Permission) (bool, error) {
	for _, perm := range perms {
		ok, err := r.HasPerm(ctx, p, perm)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// IsSuperAdmin reports whether the principal is directly in a global group
// that backs a tenant group
func (r *Resolver) IsSuperAdmin(ctx context.Context, p *Principal) (bool, error) {
	if p == nil {
		return false, nil
	}
	if v, ok := p.cachedSuperAdmin(); ok {
		return v, nil
	}
	v, err := r.store.IsSuperAdmin(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check super admin status for user %d: %w", p.ID, err)
	}
	p.storeSuperAdmin(v)
	return v, nil
}

// IsActive reports whether the principal is active in the current tenant:
// the global flag must be set, and the principal must be a super admin or
// hold an active membership
func (r *Resolver) IsActive(ctx context.Context, p *Principal) (bool, error) {
	if p == nil || !p.IsActive {
		return false, nil
	}
	return r.tenantFlag(ctx, p, func(m *Membership) bool { return m.IsActive })
}

// IsStaff reports whether the principal is staff in the current tenant
func (r *Resolver) IsStaff(ctx context.Context, p *Principal) (bool, error) {
	if p == nil || !p.IsStaff {
		return false, nil
	}
	return r.tenantFlag(ctx, p, func(m *Membership) bool { return m.IsStaff })
}

func (r *Resolver) tenantFlag(ctx context.Context, p *Principal, flag func(*Membership) bool) (bool, error) {
	super, err := r.IsSuperAdmin(ctx, p)
	if err != nil || super {
		return super, err
	}
	tid := tenancy.CurrentTenantID(ctx)
	if tid == 0 {
		return false, nil
	}
	m, err := r.store.GetMembership(ctx, tid, p.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load membership of user %d in tenant %d: %w", p.ID, tid, err)
	}
	return flag(m), nil
}

// IsMember reports whether the principal belongs to tenantID, or to the
// current tenant when tenantID is 0. Super admins belong everywhere.
func (r *Resolver) IsMember(ctx context.Context, p *Principal, tenantID int64) (bool, error) {
	super, err := r.IsSuperAdmin(ctx, p)
	if err != nil || super {
		return super, err
	}
	tid, err := tenantOrCurrent(ctx, tenantID)
	if err != nil {
		return false, nil
	}
	_, err = r.store.GetMembership(ctx, tid, p.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load membership of user %d in tenant %d: %w", p.ID, tid, err)
	}
	return true, nil
}

// AddToTenant creates an active, non-staff membership for userID unless one
// already exists. tenantID 0 means the current tenant.
func (r *Resolver) AddToTenant(ctx context.Context, userID, tenantID int64) (*Membership, error) {
	tid, err := tenantOrCurrent(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	m := &Membership{TenantID: tid, UserID: userID, IsActive: true}
	if err := r.store.AddMembership(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to add user %d to tenant %d: %w", userID, tid, err)
	}
	r.log.WithFields(logrus.Fields{"user_id": userID, "tenant_id": tid}).Info("user added to tenant")
	return m, nil
}

// Activate marks the membership of userID active
func (r *Resolver) Activate(ctx context.Context, userID, tenantID int64) error {
	return r.updateMembership(ctx, userID, tenantID, "activate", func(m *Membership) { m.IsActive = true })
}

// Deactivate marks the membership of userID inactive
func (r *Resolver) Deactivate(ctx context.Context, userID, tenantID int64) error {
	return r.updateMembership(ctx, userID, tenantID, "deactivate", func(m *Membership) { m.IsActive = false })
}

// MakeStaff grants staff status on the membership of userID
func (r *Resolver) MakeStaff(ctx context.Context, userID, tenantID int64) error {
	return r.updateMembership(ctx, userID, tenantID, "make_staff", func(m *Membership) { m.IsStaff = true })
}

// RemoveStaff revokes staff status on the membership of userID
func (r *Resolver) RemoveStaff(ctx context.Context, userID, tenantID int64) error {
	return r.updateMembership(ctx, userID, tenantID, "remove_staff", func(m *Membership) { m.IsStaff = false })
}

func (r *Resolver) updateMembership(ctx context.Context, userID, tenantID int64, op string, apply func(*Membership)) error {
	tid, err := tenantOrCurrent(ctx, tenantID)
	if err != nil {
		return err
	}
	m, err := r.store.GetMembership(ctx, tid, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load membership of user %d in tenant %d: %w", userID, tid, err)
	}
	apply(m)
	if err := r.store.UpdateMembership(ctx, m); err != nil {
		return fmt.Errorf("failed to %s user %d in tenant %d: %w", op, userID, tid, err)
	}
	r.log.WithFields(logrus.Fields{"user_id": userID, "tenant_id": tid, "op": op}).Info("membership updated")
	return nil
}

// UsersWithPermission returns the ids of users holding perm in tenantID, or
// in the current tenant when tenantID is 0
func (r *Resolver) UsersWithPermission(ctx context.Context, perm string, tenantID int64, opts UsersWithPermissionOptions) ([]int64, error) {
	p, err := ParsePermission(perm)
	if err != nil {
		return nil, err
	}
	tid, err := tenantOrCurrent(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ids, err := r.store.UsersWithPermission(ctx, p, tid, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with %s: %w", perm, err)
	}
	return ids, nil
}

func tenantOrCurrent(ctx context.Context, tenantID int64) (int64, error) {
	if tenantID != 0 {
		return tenantID, nil
	}
	if tid := tenancy.CurrentTenantID(ctx); tid != 0 {
		return tid, nil
	}
	return 0, ErrNoTenant
}
