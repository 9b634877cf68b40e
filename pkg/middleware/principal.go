package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/tenancy/pkg/httputil"
	"github.com/platinummonkey/tenancy/pkg/rbac"
	"github.com/sirupsen/logrus"
)

// Authenticator turns a bearer token into a principal
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*rbac.Principal, error)
}

// AuthOptions configures the principal middleware
type AuthOptions struct {
	// Optional lets requests without an Authorization header through
	// anonymously. A malformed or unknown token is always rejected.
	Optional bool
	Logger   *logrus.Logger
}

// Principal authenticates the request's bearer token and binds the
// resulting principal to the request context. Permission checks made
// downstream are evaluated against the tenant bound by Tenant, so Principal
// is chained after it.
func Principal(authn Authenticator, opts AuthOptions) func(http.Handler) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if opts.Optional {
					next.ServeHTTP(w, r)
					return
				}
				httputil.WriteUnauthorized(w, "missing authorization header")
				return
			}

			// Format: "Bearer <token>"
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				httputil.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			p, err := authn.Authenticate(r.Context(), strings.TrimSpace(parts[1]))
			if errors.Is(err, rbac.ErrInvalidToken) {
				httputil.WriteUnauthorized(w, "invalid or expired token")
				return
			}
			if err != nil {
				opts.Logger.WithError(err).Error("authentication failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "authentication failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(rbac.WithPrincipal(r.Context(), p)))
		})
	}
}
