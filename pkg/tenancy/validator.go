package tenancy

import (
	"context"
	"fmt"
	"regexp"
)

const (
	// MaxDomainLength is the longest domain accepted by ValidateSyntax
	MaxDomainLength = 255

	msgInvalidDomain   = "Please enter a valid domain name, e.g. example.com."
	msgDomainInUse     = "This domain name is already in use by another Site."
	msgPreferredDomain = "You must first save a Domain Name Alias, then set this field to match one of those Aliases."
	msgPreferredAlias  = "This alias is the Site's preferred domain. Change the preferred domain before removing it."
)

var domainPattern = regexp.MustCompile(
	`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)+([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9])$`,
)

// Exclusion identifies the record being edited so that it does not collide
// with itself during a uniqueness check. Zero values exclude nothing.
type Exclusion struct {
	TenantID int64
	AliasID  int64
}

// DomainChecker reports whether a domain is taken by any tenant or alias
type DomainChecker interface {
	DomainInUse(ctx context.Context, domain string, exclude Exclusion) (bool, error)
}

// Validator checks candidate domains before they are persisted
type Validator struct {
	checker DomainChecker
}

// NewValidator creates a validator backed by checker
func NewValidator(checker DomainChecker) *Validator {
	return &Validator{checker: checker}
}

// ValidateSyntax checks that domain is a dotted sequence of
// alphanumeric labels with optional internal hyphens.
func ValidateSyntax(domain string) error {
	if domain == "" || len(domain) > MaxDomainLength || !domainPattern.MatchString(domain) {
		return newValidationError("domain", msgInvalidDomain)
	}
	return nil
}

// ValidateSyntax checks domain syntax
func (v *Validator) ValidateSyntax(domain string) error {
	return ValidateSyntax(domain)
}

// ValidateUnique fails if domain is already used as any tenant's canonical
// domain or as any alias.
func (v *Validator) ValidateUnique(ctx context.Context, domain string, exclude Exclusion) error {
	inUse, err := v.checker.DomainInUse(ctx, NormalizeDomain(domain), exclude)
	if err != nil {
		return fmt.Errorf("failed to check domain uniqueness: %w", err)
	}
	if inUse {
		return newValidationError("domain", msgDomainInUse)
	}
	return nil
}

// Validate runs the syntax and uniqueness checks in order
func (v *Validator) Validate(ctx context.Context, domain string, exclude Exclusion) error {
	if err := v.ValidateSyntax(domain); err != nil {
		return err
	}
	return v.ValidateUnique(ctx, domain, exclude)
}

// ValidatePreferred checks that candidate is the tenant's canonical domain
// or one of its current aliases. An empty candidate clears the preference
// and is always valid.
func (v *Validator) ValidatePreferred(tenant *Tenant, candidate string) error {
	return ValidatePreferred(tenant, candidate)
}

// ValidatePreferred is the stateless form of Validator.ValidatePreferred
func ValidatePreferred(tenant *Tenant, candidate string) error {
	candidate = NormalizeDomain(candidate)
	if candidate == "" || candidate == tenant.Domain || tenant.HasAlias(candidate) {
		return nil
	}
	return newValidationError("preferred_domain", msgPreferredDomain)
}
