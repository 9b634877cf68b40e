package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/tenancy/pkg/httputil"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/platinummonkey/tenancy/pkg/rbac"
	"github.com/platinummonkey/tenancy/pkg/scoped"
	"github.com/platinummonkey/tenancy/pkg/tenancy"
	"github.com/sirupsen/logrus"
)

// Permissions guarding the admin routes
const (
	PermViewTenant       rbac.Permission = "multitenancy.view_tenant"
	PermAddTenant        rbac.Permission = "multitenancy.add_tenant"
	PermChangeTenant     rbac.Permission = "multitenancy.change_tenant"
	PermDeleteTenant     rbac.Permission = "multitenancy.delete_tenant"
	PermViewTenantGroup  rbac.Permission = "multitenancy.view_tenantgroup"
	PermAddTenantGroup   rbac.Permission = "multitenancy.add_tenantgroup"
	PermClearTenantCache rbac.Permission = "multitenancy.clear_cache"
)

var permissionNames = map[rbac.Permission]string{
	PermViewTenant:       "Can view site",
	PermAddTenant:        "Can add site",
	PermChangeTenant:     "Can change site",
	PermDeleteTenant:     "Can delete site",
	PermViewTenantGroup:  "Can view tenant group",
	PermAddTenantGroup:   "Can add tenant group",
	PermClearTenantCache: "Can clear the site cache",
}

// PermissionCreator registers permissions
type PermissionCreator interface {
	CreatePermission(ctx context.Context, perm rbac.Permission, name string) error
}

// RegisterPermissions makes the admin permissions known to the store so
// they can be granted and are part of a superuser's universe. It is
// idempotent.
func RegisterPermissions(ctx context.Context, store PermissionCreator) error {
	for perm, name := range permissionNames {
		if err := store.CreatePermission(ctx, perm, name); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPathPrefix is where the routes are mounted when Options.PathPrefix
// is empty
const DefaultPathPrefix = "/api/v1"

// Scope selects which tenants the API can reach
type Scope int

const (
	// ScopeSite limits the API to the tenant bound to the request: its own
	// record, its aliases and its tenant groups
	ScopeSite Scope = iota
	// ScopeRoot adds the cross-tenant routes and the cache flush. Mount it
	// behind middleware.RequireRootSite.
	ScopeRoot
)

// Options configures the admin API
type Options struct {
	// PathPrefix is the mount point of the routes
	PathPrefix string
	Scope      Scope
	Tenants    *tenancy.Service
	// Permissions serves tenant groups and, when Authorize is set, the
	// permission checks
	Permissions *rbac.Resolver
	// Authorize guards every route with its permission. Requests must
	// carry a principal bound by middleware.Principal.
	Authorize bool
	Logger    *logrus.Logger
}

// Server is the admin HTTP API
type Server struct {
	router  *mux.Router
	scope   Scope
	tenants *tenancy.Service
	perms   *rbac.Resolver
	groups  *scoped.Repository[*rbac.TenantGroup]
	log     *logrus.Logger
}

// NewServer creates the admin API with its routes under the path prefix
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	s := &Server{
		router:  mux.NewRouter(),
		scope:   opts.Scope,
		tenants: opts.Tenants,
		perms:   opts.Permissions,
		log:     opts.Logger,
	}
	if s.perms != nil {
		s.groups = s.perms.TenantGroups()
	}
	prefix := strings.TrimSuffix(opts.PathPrefix, "/")
	if prefix == "" {
		prefix = DefaultPathPrefix
	}
	s.setupRoutes(prefix, opts.Authorize)
	return s
}

func (s *Server) setupRoutes(prefix string, authorize bool) {
	v1 := s.router.PathPrefix(prefix).Subrouter()
	v1.Use(httputil.ContentTypeMiddleware, httputil.MaxBytesMiddleware(1<<20))

	handle := func(path, method string, perm rbac.Permission, h http.HandlerFunc) {
		var handler http.Handler = h
		if authorize && s.perms != nil {
			handler = rbac.RequirePermission(s.perms, perm)(handler)
		}
		v1.Handle(path, handler).Methods(method)
	}

	// Tenants and aliases
	if s.scope == ScopeRoot {
		handle("/tenants", http.MethodGet, PermViewTenant, s.listTenants)
		handle("/tenants", http.MethodPost, PermAddTenant, s.createTenant)
		handle("/tenants/{id}", http.MethodGet, PermViewTenant, s.getTenant)
		handle("/tenants/{id}", http.MethodPatch, PermChangeTenant, s.updateTenant)
		handle("/tenants/{id}", http.MethodDelete, PermDeleteTenant, s.deleteTenant)
		handle("/tenants/{id}/aliases", http.MethodPost, PermChangeTenant, s.addAlias)
		handle("/aliases/{id}", http.MethodDelete, PermChangeTenant, s.removeAlias)
		handle("/cache/clear", http.MethodPost, PermClearTenantCache, s.clearCache)
	} else {
		handle("/tenants/{id}", http.MethodGet, PermViewTenant, s.ownTenant(s.getTenant))
		handle("/tenants/{id}", http.MethodPatch, PermChangeTenant, s.ownTenant(s.updateTenant))
		handle("/tenants/{id}/aliases", http.MethodPost, PermChangeTenant, s.ownTenant(s.addAlias))
		handle("/aliases/{id}", http.MethodDelete, PermChangeTenant, s.removeAlias)
	}

	// Tenant groups of the current tenant
	if s.groups != nil {
		handle("/groups", http.MethodGet, PermViewTenantGroup, s.listGroups)
		handle("/groups", http.MethodPost, PermAddTenantGroup, s.createGroup)
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "not found")
	})
	s.router.NotFoundHandler = notFound
	if s.scope == ScopeSite {
		// a site does not learn which methods the root surface offers
		s.router.MethodNotAllowedHandler = notFound
	}
}

// ownTenant serves next only when the {id} path variable names the tenant
// bound to the request. Any other id is reported as not found.
func (s *Server) ownTenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := httputil.ParsePathInt64OrError(w, r, "id")
		if !ok {
			return
		}
		if id != tenancy.CurrentTenantID(r.Context()) {
			httputil.WriteNotFoundError(w, "not found")
			return
		}
		next(w, r)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router for additional routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// writeError maps domain errors to responses
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *tenancy.ValidationError
		ie *tenancy.InvariantViolationError
	)
	switch {
	case errors.As(err, &ve):
		httputil.WriteFieldError(w, ve.Field, ve.Message)
	case errors.As(err, &ie):
		httputil.WriteFieldError(w, "is_root_site", ie.Error())
	case errors.Is(err, tenancy.ErrNotFound):
		httputil.WriteNotFoundError(w, "not found")
	case errors.Is(err, scoped.ErrTenantRequired):
		httputil.WriteBadRequest(w, "this operation requires a site")
	default:
		observability.FromContext(r.Context(), s.log).WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("admin request failed")
		httputil.WriteInternalError(w)
	}
}
