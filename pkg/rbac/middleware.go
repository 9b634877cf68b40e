package rbac

import (
	"net/http"

	"github.com/platinummonkey/tenancy/pkg/httputil"
	"github.com/sirupsen/logrus"
)

// RequirePermission returns middleware that rejects requests whose
// principal lacks perm in the current tenant. It must run after the
// principal middleware.
func RequirePermission(resolver *Resolver, perm Permission) func(http.Handler) http.Handler {
	return guard(resolver, string(perm), func(r *http.Request, p *Principal) (bool, error) {
		return resolver.HasPerm(r.Context(), p, perm)
	})
}

// RequireStaff returns middleware that admits only principals that are
// staff in the current tenant
func RequireStaff(resolver *Resolver) func(http.Handler) http.Handler {
	return guard(resolver, "staff", func(r *http.Request, p *Principal) (bool, error) {
		return resolver.IsStaff(r.Context(), p)
	})
}

func guard(resolver *Resolver, requirement string, allowed func(*http.Request, *Principal) (bool, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			ok, err := allowed(r, p)
			if err != nil {
				resolver.log.WithError(err).WithFields(logrus.Fields{
					"user_id":     p.ID,
					"requirement": requirement,
				}).Error("permission check failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "permission check failed")
				return
			}
			if !ok {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
