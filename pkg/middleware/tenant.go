package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/platinummonkey/tenancy/pkg/httputil"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/platinummonkey/tenancy/pkg/tenancy"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAdminPrefix is the path prefix of the per-tenant admin surface
	DefaultAdminPrefix = "/admin/"
	// DefaultSuperAdminPrefix is where the root tenant's admin surface lives
	DefaultSuperAdminPrefix = "/root/"
)

// InboundRequest is the part of an HTTP request the tenant decision needs
type InboundRequest interface {
	// HostHeader returns the Host header and whether one was sent
	HostHeader() (string, bool)
	IsEncrypted() bool
	Path() string
	RawQuery() string
}

// HostResolver maps a Host header to a tenant
type HostResolver interface {
	Resolve(ctx context.Context, host string) (tenancy.MatchKind, *tenancy.Tenant, error)
}

// Outcome is the terminal state of a tenant decision
type Outcome int

const (
	// Forward passes the request downstream with the tenant bound
	Forward Outcome = iota
	// Redirect sends the client to the tenant's public https origin
	Redirect
	// Reject ends the request with an error status
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Forward:
		return "forward"
	case Redirect:
		return "redirect"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Decision is the result of Decide
type Decision struct {
	Outcome Outcome
	Tenant  *tenancy.Tenant
	Kind    tenancy.MatchKind

	// Path is the path to forward with, after any super-admin rewrite.
	// Redirects always carry the original path.
	Path string
	// Location is set for redirects
	Location string
	// Reason labels the redirect: "insecure" or "alias"
	Reason string

	// Status and Message are set for rejections
	Status  int
	Message string
}

// TenantOptions configures the tenant middleware
type TenantOptions struct {
	AdminPrefix      string
	SuperAdminPrefix string
	// TrustForwardedProto treats X-Forwarded-Proto: https as an encrypted
	// connection. Enable only behind a proxy that sets the header.
	TrustForwardedProto bool
	Metrics             *observability.Metrics
	Logger              *logrus.Logger
}

func (o TenantOptions) withDefaults() TenantOptions {
	if o.AdminPrefix == "" {
		o.AdminPrefix = DefaultAdminPrefix
	}
	if o.SuperAdminPrefix == "" {
		o.SuperAdminPrefix = DefaultSuperAdminPrefix
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	return o
}

// Decide computes what to do with a request once its host has been resolved.
// It performs no I/O.
func Decide(req InboundRequest, kind tenancy.MatchKind, t *tenancy.Tenant, opts TenantOptions) Decision {
	opts = opts.withDefaults()
	path := req.Path()
	d := Decision{Outcome: Forward, Tenant: t, Kind: kind, Path: path}

	bare := strings.TrimSuffix(opts.AdminPrefix, "/")
	switch {
	case path == bare:
		if t.IsRootSite {
			d.Path = strings.TrimSuffix(opts.SuperAdminPrefix, "/")
		}
	case strings.HasPrefix(path, opts.AdminPrefix):
		if t.IsRootSite {
			d.Path = opts.SuperAdminPrefix + strings.TrimPrefix(path, opts.AdminPrefix)
		}
	default:
		return d
	}

	host, _ := req.HostHeader()
	host = tenancy.StripPort(host)
	switch {
	case !req.IsEncrypted():
		d.Reason = "insecure"
	case kind == tenancy.MatchAlias && !strings.EqualFold(host, t.PreferredDomain):
		d.Reason = "alias"
	default:
		return d
	}

	d.Outcome = Redirect
	loc := url.URL{Scheme: "https", Host: t.PublicDomain(), Path: path, RawQuery: req.RawQuery()}
	d.Location = loc.String()
	return d
}

// Rejection maps a resolution error to a response. Internal details never
// reach the client.
func Rejection(err error) Decision {
	switch {
	case errors.Is(err, tenancy.ErrMissingHost):
		return Decision{Outcome: Reject, Status: http.StatusBadRequest, Message: "missing Host header"}
	case errors.Is(err, tenancy.ErrTenantNotFound):
		return Decision{Outcome: Reject, Status: http.StatusNotFound, Message: "site not found"}
	default:
		return Decision{Outcome: Reject, Status: http.StatusInternalServerError, Message: "internal server error"}
	}
}

// Tenant resolves the request's Host header to a tenant, binds it to the
// request context and applies admin canonicalization. It must run before any
// handler that reads tenant-scoped data.
func Tenant(resolver HostResolver, opts TenantOptions) func(http.Handler) http.Handler {
	opts = opts.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			in := NewInboundRequest(r, opts.TrustForwardedProto)
			host, _ := in.HostHeader()

			kind, t, err := resolver.Resolve(r.Context(), host)
			if err != nil {
				d := Rejection(err)
				if d.Status == http.StatusInternalServerError {
					opts.Logger.WithError(err).WithField("host", host).Error("tenant resolution failed")
				}
				httputil.WriteErrorMessage(w, d.Status, d.Message)
				return
			}

			d := Decide(in, kind, t, opts)
			if d.Outcome == Redirect {
				opts.Metrics.RecordRedirect(d.Reason)
				http.Redirect(w, r, d.Location, http.StatusFound)
				return
			}

			ctx := tenancy.WithTenant(r.Context(), t, kind)
			ctx = observability.WithLogger(ctx, opts.Logger.WithFields(logrus.Fields{
				"tenant_id": t.ID,
				"tenant":    t.Domain,
			}))
			r = r.WithContext(ctx)
			if d.Path != r.URL.Path {
				opts.Logger.WithFields(logrus.Fields{
					"tenant": t.ID,
					"from":   r.URL.Path,
					"to":     d.Path,
				}).Debug("rewriting admin path for root site")
				u := *r.URL
				u.Path, u.RawPath = d.Path, ""
				r.URL = &u
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRootSite serves next only when the bound tenant is the root site.
// Other sites get a 404 so the super-admin surface is not advertised.
func RequireRootSite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, ok := tenancy.FromContext(r.Context())
		if !ok || !t.IsRootSite {
			httputil.WriteNotFoundError(w, "not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type httpRequest struct {
	r            *http.Request
	trustForward bool
}

// NewInboundRequest adapts an *http.Request. trustForwardedProto controls
// whether X-Forwarded-Proto is consulted for IsEncrypted.
func NewInboundRequest(r *http.Request, trustForwardedProto bool) InboundRequest {
	return httpRequest{r: r, trustForward: trustForwardedProto}
}

func (h httpRequest) HostHeader() (string, bool) {
	return h.r.Host, h.r.Host != ""
}

func (h httpRequest) IsEncrypted() bool {
	if h.r.TLS != nil {
		return true
	}
	return h.trustForward && strings.EqualFold(h.r.Header.Get("X-Forwarded-Proto"), "https")
}

func (h httpRequest) Path() string {
	return h.r.URL.Path
}

func (h httpRequest) RawQuery() string {
	return h.r.URL.RawQuery
}
