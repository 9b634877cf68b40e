package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Invalidator broadcasts cache evictions to other processes
type Invalidator interface {
	Publish(ctx context.Context, ev Eviction) error
}

// Eviction describes cache keys removed by a write. All means a full flush.
type Eviction struct {
	TenantID int64    `json:"tenant_id,omitempty"`
	Domains  []string `json:"domains,omitempty"`
	All      bool     `json:"all,omitempty"`
}

// Service is the tenant store: validated tenant and alias writes with
// cache invalidation and creation hooks.
type Service struct {
	repo        Repository
	validator   *Validator
	cache       *Cache
	hooks       *Hooks
	invalidator Invalidator
	log         *logrus.Logger
}

// NewService creates a tenant service
func NewService(repo Repository, cache *Cache, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.New()
	}
	if cache == nil {
		cache = NewCache(CacheOptions{})
	}
	return &Service{
		repo:      repo,
		validator: NewValidator(repo),
		cache:     cache,
		hooks:     NewHooks(log),
		log:       log,
	}
}

// SetInvalidator attaches a cross-process invalidation channel
func (s *Service) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

// Hooks returns the creation hook registry
func (s *Service) Hooks() *Hooks {
	return s.hooks
}

// Cache returns the cache this service invalidates
func (s *Service) Cache() *Cache {
	return s.cache
}

// Validator returns the domain validator
func (s *Service) Validator() *Validator {
	return s.validator
}

// CreateTenant validates and persists a new tenant
func (s *Service) CreateTenant(ctx context.Context, req CreateTenantRequest) (*Tenant, error) {
	domain := NormalizeDomain(req.Domain)
	if err := s.validator.Validate(ctx, domain, Exclusion{}); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, newValidationError("name", "Site Name cannot be blank.")
	}
	if req.IsRootSite {
		if err := s.checkRoot(ctx, 0); err != nil {
			return nil, err
		}
	}

	t := &Tenant{Domain: domain, Name: name, IsRootSite: req.IsRootSite}

	s.hooks.firePreCreate(ctx, t)
	s.evict(ctx, 0, domain)
	if err := s.repo.CreateTenant(ctx, t); err != nil {
		return nil, s.wrapWriteError("create tenant", err)
	}
	s.evict(ctx, t.ID, domain)
	s.hooks.firePostCreate(ctx, t)

	s.log.WithFields(logrus.Fields{
		"tenant_id": t.ID,
		"domain":    t.Domain,
		"root":      t.IsRootSite,
	}).Info("tenant created")
	return t, nil
}

// CreateRootTenant creates the single root tenant
func (s *Service) CreateRootTenant(ctx context.Context, domain, name string) (*Tenant, error) {
	return s.CreateTenant(ctx, CreateTenantRequest{Domain: domain, Name: name, IsRootSite: true})
}

// UpdateTenant applies the non-nil fields of req to the tenant
func (s *Service) UpdateTenant(ctx context.Context, id int64, req UpdateTenantRequest) (*Tenant, error) {
	existing, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	updated := existing.Clone()

	if req.Domain != nil {
		domain := NormalizeDomain(*req.Domain)
		if domain != existing.Domain {
			if err := s.validator.Validate(ctx, domain, Exclusion{TenantID: id}); err != nil {
				return nil, err
			}
			if existing.PreferredDomain == existing.Domain {
				updated.PreferredDomain = ""
			}
		}
		updated.Domain = domain
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, newValidationError("name", "Site Name cannot be blank.")
		}
		updated.Name = name
	}
	if req.PreferredDomain != nil {
		preferred := NormalizeDomain(*req.PreferredDomain)
		if err := s.validator.ValidatePreferred(updated, preferred); err != nil {
			return nil, err
		}
		updated.PreferredDomain = preferred
	}
	if req.IsRootSite != nil {
		if *req.IsRootSite && !existing.IsRootSite {
			if err := s.checkRoot(ctx, id); err != nil {
				return nil, err
			}
		}
		updated.IsRootSite = *req.IsRootSite
	}

	s.evictTenant(ctx, existing)
	if err := s.repo.UpdateTenant(ctx, updated); err != nil {
		return nil, s.wrapWriteError("update tenant", err)
	}
	s.evictTenant(ctx, existing)
	s.evictTenant(ctx, updated)

	s.log.WithFields(logrus.Fields{"tenant_id": id, "domain": updated.Domain}).Info("tenant updated")
	return updated, nil
}

// SetRoot flags the tenant as the root site
func (s *Service) SetRoot(ctx context.Context, id int64) (*Tenant, error) {
	root := true
	return s.UpdateTenant(ctx, id, UpdateTenantRequest{IsRootSite: &root})
}

// DeleteTenant removes a tenant and its aliases
func (s *Service) DeleteTenant(ctx context.Context, id int64) error {
	existing, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get tenant: %w", err)
	}

	s.evictTenant(ctx, existing)
	if err := s.repo.DeleteTenant(ctx, id); err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	s.evictTenant(ctx, existing)

	s.log.WithFields(logrus.Fields{"tenant_id": id, "domain": existing.Domain}).Info("tenant deleted")
	return nil
}

// GetTenant returns a tenant by id
func (s *Service) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	return s.repo.GetTenant(ctx, id)
}

// GetByDomain returns the tenant whose canonical domain matches, ignoring case.
// Aliases are not consulted.
func (s *Service) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	return s.repo.GetTenantByDomain(ctx, NormalizeDomain(domain))
}

// RootTenant returns the root tenant
func (s *Service) RootTenant(ctx context.Context) (*Tenant, error) {
	return s.repo.GetRootTenant(ctx)
}

// ListTenants returns every tenant
func (s *Service) ListTenants(ctx context.Context) ([]*Tenant, error) {
	return s.repo.ListTenants(ctx)
}

// AddAlias attaches a new alias domain to a tenant
func (s *Service) AddAlias(ctx context.Context, tenantID int64, domain string) (*SiteAlias, error) {
	tenant, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	domain = NormalizeDomain(domain)
	if err := s.validator.Validate(ctx, domain, Exclusion{}); err != nil {
		return nil, err
	}

	alias := &SiteAlias{TenantID: tenantID, Domain: domain}
	s.evictTenant(ctx, tenant)
	s.evict(ctx, 0, domain)
	if err := s.repo.CreateAlias(ctx, alias); err != nil {
		return nil, s.wrapWriteError("create alias", err)
	}
	s.evictTenant(ctx, tenant)
	s.evict(ctx, 0, domain)

	s.log.WithFields(logrus.Fields{"tenant_id": tenantID, "alias": domain}).Info("alias added")
	return alias, nil
}

// GetAlias returns an alias by id
func (s *Service) GetAlias(ctx context.Context, id int64) (*SiteAlias, error) {
	return s.repo.GetAlias(ctx, id)
}

// RemoveAlias deletes an alias. An alias in use as the tenant's preferred
// domain cannot be removed until the preference is changed.
func (s *Service) RemoveAlias(ctx context.Context, aliasID int64) error {
	alias, err := s.repo.GetAlias(ctx, aliasID)
	if err != nil {
		return fmt.Errorf("failed to get alias: %w", err)
	}
	tenant, err := s.repo.GetTenant(ctx, alias.TenantID)
	if err != nil {
		return fmt.Errorf("failed to get tenant: %w", err)
	}
	if tenant.PreferredDomain == alias.Domain {
		return newValidationError("preferred_domain", msgPreferredAlias)
	}

	s.evictTenant(ctx, tenant)
	if err := s.repo.DeleteAlias(ctx, aliasID); err != nil {
		return s.wrapWriteError("delete alias", err)
	}
	s.evictTenant(ctx, tenant)

	s.log.WithFields(logrus.Fields{"tenant_id": tenant.ID, "alias": alias.Domain}).Info("alias removed")
	return nil
}

// ClearCache flushes the local cache and asks peers to do the same
func (s *Service) ClearCache(ctx context.Context) {
	s.cache.Clear()
	s.publish(ctx, Eviction{All: true})
}

func (s *Service) checkRoot(ctx context.Context, selfID int64) error {
	root, err := s.repo.GetRootTenant(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get root tenant: %w", err)
	}
	if root.ID != selfID {
		return &InvariantViolationError{RootDomain: root.Domain}
	}
	return nil
}

func (s *Service) evictTenant(ctx context.Context, t *Tenant) {
	s.evict(ctx, t.ID, t.Domains()...)
}

// evict drops the keys locally, forgets negative entries and tells peers
func (s *Service) evict(ctx context.Context, id int64, domains ...string) {
	s.cache.EvictKeys(id, domains...)
	s.cache.ForgetMisses()
	s.publish(ctx, Eviction{TenantID: id, Domains: domains})
}

func (s *Service) publish(ctx context.Context, ev Eviction) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Publish(ctx, ev); err != nil {
		s.log.WithError(err).Warn("failed to publish cache eviction")
	}
}

// wrapWriteError keeps typed errors intact so callers can surface them
func (s *Service) wrapWriteError(op string, err error) error {
	if IsValidation(err) || IsInvariantViolation(err) {
		return err
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
