package tenancy

import "context"

// Lookup is the read side of a Repository used by the Resolver
type Lookup interface {
	// GetTenantByDomain matches the canonical domain only, case-insensitively
	GetTenantByDomain(ctx context.Context, domain string) (*Tenant, error)
	// GetTenantByAlias returns the tenant owning the alias domain
	GetTenantByAlias(ctx context.Context, domain string) (*Tenant, error)
}

// Repository persists tenants and aliases.
//
// Implementations must enforce the single-root invariant and the unified
// domain namespace atomically with the write: CreateTenant and UpdateTenant
// return *InvariantViolationError when a different tenant already holds the
// root flag, and *ValidationError when a domain is already taken. Lookups
// that match nothing return ErrNotFound. Returned tenants carry their
// aliases.
type Repository interface {
	Lookup
	DomainChecker

	CreateTenant(ctx context.Context, t *Tenant) error
	UpdateTenant(ctx context.Context, t *Tenant) error
	// DeleteTenant removes the tenant and cascades to its aliases
	DeleteTenant(ctx context.Context, id int64) error
	GetTenant(ctx context.Context, id int64) (*Tenant, error)
	GetRootTenant(ctx context.Context) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)

	CreateAlias(ctx context.Context, a *SiteAlias) error
	GetAlias(ctx context.Context, id int64) (*SiteAlias, error)
	DeleteAlias(ctx context.Context, id int64) error
}
