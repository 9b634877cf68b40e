// Package tenancy maps inbound hostnames to tenants.
//
// # Overview
//
// A Tenant owns one canonical domain and any number of SiteAlias domains.
// Canonical domains and alias domains share a single uniqueness namespace:
// a hostname can route to at most one tenant, through exactly one record.
// Exactly one tenant may be flagged as the root site, which hosts the
// system-wide administration interface.
//
// # Components
//
// Validator: domain syntax, uniqueness and preferred-domain checks.
//
// Service: tenant and alias CRUD on top of a Repository (MemoryRepository
// or PostgresRepository). Every write evicts the affected Cache keys and
// fires the registered creation Hooks.
//
// Cache: process-wide copy-on-write map of domain and id to tenant. Readers
// never lock. Entries live until a write evicts them or Clear is called.
//
// Resolver: host header to (MatchKind, *Tenant). Canonical domains win over
// aliases.
//
// # Usage Example
//
//	cache := tenancy.NewCache(tenancy.CacheOptions{})
//	svc := tenancy.NewService(repo, cache, logger)
//	root, err := svc.CreateRootTenant(ctx, "root.example.com", "Root")
//
//	resolver := tenancy.NewResolver(repo, cache, logger)
//	kind, tenant, err := resolver.Resolve(ctx, r.Host)
//	if errors.Is(err, tenancy.ErrTenantNotFound) {
//		// 404
//	}
//
// Cache consistency is best-effort, not transactional: a request racing a
// tenant deletion sees either the old tenant or a fresh store lookup.
package tenancy
