// Package rbac resolves tenant-relative permissions for authenticated users.
//
// # Overview
//
// Permissions are named "app_label.codename" (for example
// "tenancy.change_tenant") and reach a user through three paths:
//
//  1. Direct grants to the user
//  2. Global groups the user belongs to
//  3. Tenant groups the user belongs to, counted only for the tenant bound
//     to the request and only while the user's membership there is active
//
// Superusers hold every permission. Users whose global active flag is false
// hold none.
//
// # Tenant groups and super admins
//
// A TenantGroup is a named group owned by one tenant. It is backed by a
// global Group that carries the permissions. Users that are members of such
// a backing group directly, rather than through a tenant, are super admins:
// they are treated as active members of every tenant.
//
// # Principals
//
// A Principal is the per-request view of a user. Resolved permission sets
// are cached on it keyed by lookup kind and tenant, so a principal must not
// outlive the request it was loaded for:
//
//	p, err := resolver.Authenticate(ctx, bearerToken)
//	ok, err := resolver.HasPerm(ctx, p, "tenancy.change_tenant")
//
// # Active and staff status
//
// IsActive and IsStaff combine the user's global flag with the membership
// row for the current tenant (see Membership). Super admins skip the
// membership check.
//
// # HTTP
//
// RequirePermission and RequireStaff guard handlers that run after the
// tenant and principal middleware.
//
// # Storage
//
// PostgresStore persists users, groups, memberships and tenant groups.
// Tenant groups are tenant-owned records and are listed through
// scoped.Repository. MemoryStore serves tests and single-process setups.
package rbac
