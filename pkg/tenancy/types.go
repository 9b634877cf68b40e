package tenancy

import (
	"strings"
	"time"
)

// MatchKind records how a host matched a tenant
type MatchKind string

const (
	// MatchHostname means the host equals the tenant's canonical domain
	MatchHostname MatchKind = "hostname"
	// MatchAlias means the host equals one of the tenant's aliases
	MatchAlias MatchKind = "alias"
)

// Tenant is an organizational unit identified by its canonical domain.
//
// Tenants handed out by the Cache and Resolver are shared between requests
// and must be treated as read-only. Use Clone before modifying one.
type Tenant struct {
	ID              int64       `json:"id"`
	Domain          string      `json:"domain"`
	Name            string      `json:"name"`
	PreferredDomain string      `json:"preferred_domain,omitempty"`
	IsRootSite      bool        `json:"is_root_site"`
	Aliases         []SiteAlias `json:"aliases,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// SiteAlias is an alternate domain that also routes to a tenant
type SiteAlias struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// PublicDomain returns the externally advertised domain: the preferred
// domain when set, otherwise the canonical domain.
func (t *Tenant) PublicDomain() string {
	if t.PreferredDomain != "" {
		return t.PreferredDomain
	}
	return t.Domain
}

// AliasDomains returns the domains of all aliases
func (t *Tenant) AliasDomains() []string {
	domains := make([]string, 0, len(t.Aliases))
	for _, a := range t.Aliases {
		domains = append(domains, a.Domain)
	}
	return domains
}

// Domains returns the canonical domain followed by every alias domain
func (t *Tenant) Domains() []string {
	return append([]string{t.Domain}, t.AliasDomains()...)
}

// HasAlias reports whether domain is one of the tenant's aliases
func (t *Tenant) HasAlias(domain string) bool {
	domain = NormalizeDomain(domain)
	for _, a := range t.Aliases {
		if a.Domain == domain {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the tenant
func (t *Tenant) Clone() *Tenant {
	c := *t
	if t.Aliases != nil {
		c.Aliases = make([]SiteAlias, len(t.Aliases))
		copy(c.Aliases, t.Aliases)
	}
	return &c
}

func (t *Tenant) String() string {
	return t.PublicDomain()
}

// CreateTenantRequest holds the fields required to create a tenant
type CreateTenantRequest struct {
	Domain     string `json:"domain"`
	Name       string `json:"name"`
	IsRootSite bool   `json:"is_root_site,omitempty"`
}

// UpdateTenantRequest holds the fields that can be changed on a tenant.
// Nil fields are left untouched; an empty PreferredDomain clears it.
type UpdateTenantRequest struct {
	Domain          *string `json:"domain,omitempty"`
	Name            *string `json:"name,omitempty"`
	PreferredDomain *string `json:"preferred_domain,omitempty"`
	IsRootSite      *bool   `json:"is_root_site,omitempty"`
}

// NormalizeDomain lower-cases a domain and strips surrounding whitespace
// and a trailing dot.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimSuffix(domain, ".")
	return strings.ToLower(domain)
}
