package tenancy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultLoadTimeout bounds a shared store lookup once it is detached from
// the request that started it
const DefaultLoadTimeout = 5 * time.Second

// ResolverOptions configures a Resolver
type ResolverOptions struct {
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
	LoadTimeout time.Duration
}

// Resolver maps host headers to tenants, canonical domain first, then alias
type Resolver struct {
	lookup  Lookup
	cache   *Cache
	group   singleflight.Group
	metrics *observability.Metrics
	tracer  trace.Tracer
	timeout time.Duration
	log     *logrus.Logger
}

type resolution struct {
	kind   MatchKind
	tenant *Tenant
}

// NewResolver creates a resolver reading through cache into lookup
func NewResolver(lookup Lookup, cache *Cache, log *logrus.Logger, opts ...ResolverOptions) *Resolver {
	if log == nil {
		log = logrus.New()
	}
	if cache == nil {
		cache = NewCache(CacheOptions{})
	}
	r := &Resolver{lookup: lookup, cache: cache, timeout: DefaultLoadTimeout, log: log}
	if len(opts) > 0 {
		r.metrics = opts[0].Metrics
		r.tracer = opts[0].Tracer
		if opts[0].LoadTimeout > 0 {
			r.timeout = opts[0].LoadTimeout
		}
	}
	if r.tracer == nil {
		r.tracer = observability.Tracer()
	}
	return r
}

// Resolve returns the tenant owning host and how it matched.
//
// host may carry a port and any letter case. It fails with ErrMissingHost
// for an empty host and ErrTenantNotFound when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, host string) (MatchKind, *Tenant, error) {
	domain := StripPort(host)
	if domain == "" {
		r.metrics.RecordResolution("missing_host")
		return "", nil, ErrMissingHost
	}

	start := time.Now()
	if kind, t, ok := r.cache.Get(domain); ok {
		r.metrics.ObserveResolution("cache", time.Since(start))
		r.metrics.RecordResolution(string(kind))
		return kind, t, nil
	}
	if r.cache.IsKnownMiss(domain) {
		r.metrics.RecordNegativeCacheHit()
		r.metrics.RecordResolution("not_found")
		return "", nil, ErrTenantNotFound
	}

	// The load is shared by every caller waiting on domain, so it must not
	// die with whichever request happened to start it.
	ch := r.group.DoChan(domain, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.load(loadCtx, domain)
	})

	var shared singleflight.Result
	select {
	case shared = <-ch:
	case <-ctx.Done():
		r.metrics.RecordResolution("error")
		return "", nil, ctx.Err()
	}
	r.metrics.ObserveResolution("store", time.Since(start))
	if err := shared.Err; err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			r.metrics.RecordResolution("not_found")
		} else {
			r.metrics.RecordResolution("error")
		}
		return "", nil, err
	}

	res := shared.Val.(resolution)
	r.metrics.RecordResolution(string(res.kind))
	return res.kind, res.tenant, nil
}

// load queries the store for domain and fills the cache
func (r *Resolver) load(ctx context.Context, domain string) (resolution, error) {
	ctx, span := r.tracer.Start(ctx, "tenancy.Resolve",
		trace.WithAttributes(attribute.String("tenancy.host", domain)))
	defer span.End()

	t, err := r.lookup.GetTenantByDomain(ctx, domain)
	switch {
	case err == nil:
		r.cache.Put(domain, MatchHostname, t)
		span.SetAttributes(attribute.String("tenancy.match", string(MatchHostname)))
		return resolution{kind: MatchHostname, tenant: t}, nil
	case !errors.Is(err, ErrNotFound):
		span.RecordError(err)
		span.SetStatus(codes.Error, "canonical lookup failed")
		return resolution{}, fmt.Errorf("failed to look up domain %s: %w", domain, err)
	}

	t, err = r.lookup.GetTenantByAlias(ctx, domain)
	switch {
	case err == nil:
		r.cache.Put(domain, MatchAlias, t)
		r.cache.Put(t.Domain, MatchHostname, t)
		span.SetAttributes(attribute.String("tenancy.match", string(MatchAlias)))
		return resolution{kind: MatchAlias, tenant: t}, nil
	case !errors.Is(err, ErrNotFound):
		span.RecordError(err)
		span.SetStatus(codes.Error, "alias lookup failed")
		return resolution{}, fmt.Errorf("failed to look up alias %s: %w", domain, err)
	}

	r.cache.RecordMiss(domain)
	r.log.WithField("host", domain).Debug("no tenant for host")
	return resolution{}, ErrTenantNotFound
}

// StripPort removes an optional port from a host header value and
// normalizes the remaining hostname. Bracketed IPv6 literals keep their
// address without brackets.
func StripPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return NormalizeDomain(host)
}
