// Package middleware provides the HTTP middleware that scopes a request to a
// tenant, authenticates its principal and rate limits it per tenant.
//
// # Tenant
//
// Tenant resolves the Host header through a tenancy.Resolver and binds the
// tenant and match kind to the request context:
//
//	router.Use(middleware.Tenant(resolver, middleware.TenantOptions{
//		TrustForwardedProto: true,
//		Metrics:             metrics,
//		Logger:              log,
//	}))
//
// Unknown hosts get 404, a missing Host header 400 and store failures 500.
// Admin paths reached over plain HTTP, or through an alias other than the
// tenant's preferred domain, are redirected to https://{public domain}{path}.
// On the root site /admin/ is served from /root/.
//
// The decision itself is Decide, a function over InboundRequest that can be
// driven without an HTTP server.
//
// # Principal
//
// Principal resolves a "Bearer tnc_..." token into an rbac.Principal:
//
//	router.Use(middleware.Principal(permResolver, middleware.AuthOptions{Optional: true}))
//
// # Rate limiting
//
// TenantRateLimit counts requests per tenant with either a MemoryLimiter
// (token bucket, per process) or a RedisLimiter (fixed window, shared):
//
//	limiter := middleware.NewRedisLimiter(redisClient, nil, "")
//	router.Use(middleware.TenantRateLimit(limiter, middleware.RateLimitOptions{FailOpen: true}))
//
// Order matters: Tenant, then Principal and TenantRateLimit.
package middleware
