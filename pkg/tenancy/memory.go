package tenancy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository for development and tests
type MemoryRepository struct {
	mu         sync.RWMutex
	tenants    map[int64]*Tenant
	aliases    map[int64]*SiteAlias
	nextTenant int64
	nextAlias  int64
	now        func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tenants: make(map[int64]*Tenant),
		aliases: make(map[int64]*SiteAlias),
		now:     time.Now,
	}
}

// CreateTenant stores a new tenant and assigns its id and timestamps
func (r *MemoryRepository) CreateTenant(_ context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.Domain = NormalizeDomain(t.Domain)
	if r.domainInUseLocked(t.Domain, Exclusion{}) {
		return newValidationError("domain", msgDomainInUse)
	}
	if err := r.checkRootLocked(t); err != nil {
		return err
	}

	r.nextTenant++
	now := r.now()
	t.ID = r.nextTenant
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Aliases = nil

	stored := t.Clone()
	r.tenants[t.ID] = stored
	return nil
}

// UpdateTenant replaces the stored tenant fields, keeping its aliases
func (r *MemoryRepository) UpdateTenant(_ context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tenants[t.ID]
	if !ok {
		return ErrNotFound
	}
	t.Domain = NormalizeDomain(t.Domain)
	if r.domainInUseLocked(t.Domain, Exclusion{TenantID: t.ID}) {
		return newValidationError("domain", msgDomainInUse)
	}
	if err := r.checkRootLocked(t); err != nil {
		return err
	}
	current := &Tenant{Domain: t.Domain, Aliases: r.aliasesLocked(t.ID)}
	if err := ValidatePreferred(current, t.PreferredDomain); err != nil {
		return err
	}

	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = r.now()
	existing.Domain = t.Domain
	existing.Name = t.Name
	existing.PreferredDomain = t.PreferredDomain
	existing.IsRootSite = t.IsRootSite
	existing.UpdatedAt = t.UpdatedAt
	t.Aliases = r.aliasesLocked(t.ID)
	return nil
}

// DeleteTenant removes a tenant and its aliases
func (r *MemoryRepository) DeleteTenant(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[id]; !ok {
		return ErrNotFound
	}
	delete(r.tenants, id)
	for aid, a := range r.aliases {
		if a.TenantID == id {
			delete(r.aliases, aid)
		}
	}
	return nil
}

// GetTenant returns a tenant by id
func (r *MemoryRepository) GetTenant(_ context.Context, id int64) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.hydrateLocked(t), nil
}

// GetTenantByDomain returns the tenant whose canonical domain matches
func (r *MemoryRepository) GetTenantByDomain(_ context.Context, domain string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	domain = NormalizeDomain(domain)
	for _, t := range r.tenants {
		if t.Domain == domain {
			return r.hydrateLocked(t), nil
		}
	}
	return nil, ErrNotFound
}

// GetTenantByAlias returns the tenant owning the alias domain
func (r *MemoryRepository) GetTenantByAlias(_ context.Context, domain string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	domain = NormalizeDomain(domain)
	for _, a := range r.aliases {
		if a.Domain == domain {
			if t, ok := r.tenants[a.TenantID]; ok {
				return r.hydrateLocked(t), nil
			}
		}
	}
	return nil, ErrNotFound
}

// GetRootTenant returns the tenant flagged as root site
func (r *MemoryRepository) GetRootTenant(_ context.Context) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.tenants {
		if t.IsRootSite {
			return r.hydrateLocked(t), nil
		}
	}
	return nil, ErrNotFound
}

// ListTenants returns every tenant ordered by domain
func (r *MemoryRepository) ListTenants(_ context.Context) ([]*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenants := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		tenants = append(tenants, r.hydrateLocked(t))
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Domain < tenants[j].Domain })
	return tenants, nil
}

// CreateAlias stores a new alias for an existing tenant
func (r *MemoryRepository) CreateAlias(_ context.Context, a *SiteAlias) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[a.TenantID]; !ok {
		return ErrNotFound
	}
	a.Domain = NormalizeDomain(a.Domain)
	if r.domainInUseLocked(a.Domain, Exclusion{}) {
		return newValidationError("domain", msgDomainInUse)
	}

	r.nextAlias++
	a.ID = r.nextAlias
	a.CreatedAt = r.now()
	stored := *a
	r.aliases[a.ID] = &stored
	return nil
}

// GetAlias returns an alias by id
func (r *MemoryRepository) GetAlias(_ context.Context, id int64) (*SiteAlias, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.aliases[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// DeleteAlias removes an alias unless it is its tenant's preferred domain
func (r *MemoryRepository) DeleteAlias(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.aliases[id]
	if !ok {
		return ErrNotFound
	}
	if t, ok := r.tenants[a.TenantID]; ok && t.PreferredDomain == a.Domain {
		return newValidationError("preferred_domain", msgPreferredAlias)
	}
	delete(r.aliases, id)
	return nil
}

// DomainInUse reports whether domain is taken by a tenant or an alias
func (r *MemoryRepository) DomainInUse(_ context.Context, domain string, exclude Exclusion) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.domainInUseLocked(NormalizeDomain(domain), exclude), nil
}

func (r *MemoryRepository) domainInUseLocked(domain string, exclude Exclusion) bool {
	for id, t := range r.tenants {
		if id != exclude.TenantID && t.Domain == domain {
			return true
		}
	}
	for id, a := range r.aliases {
		if id != exclude.AliasID && a.Domain == domain {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) checkRootLocked(t *Tenant) error {
	if !t.IsRootSite {
		return nil
	}
	for id, existing := range r.tenants {
		if existing.IsRootSite && id != t.ID {
			return &InvariantViolationError{RootDomain: existing.Domain}
		}
	}
	return nil
}

func (r *MemoryRepository) aliasesLocked(tenantID int64) []SiteAlias {
	var aliases []SiteAlias
	for _, a := range r.aliases {
		if a.TenantID == tenantID {
			aliases = append(aliases, *a)
		}
	}
	sort.Slice(aliases, func(i, j int) bool { return aliases[i].ID < aliases[j].ID })
	return aliases
}

func (r *MemoryRepository) hydrateLocked(t *Tenant) *Tenant {
	c := t.Clone()
	c.Aliases = r.aliasesLocked(t.ID)
	return c
}
