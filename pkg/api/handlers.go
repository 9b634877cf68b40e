package api

import (
	"net/http"

	"github.com/platinummonkey/tenancy/pkg/httputil"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/platinummonkey/tenancy/pkg/rbac"
	"github.com/platinummonkey/tenancy/pkg/tenancy"
)

const defaultPageSize = 50

// AliasRequest is the body of POST /tenants/{id}/aliases
type AliasRequest struct {
	Domain string `json:"domain"`
}

// GroupRequest is the body of POST /groups
type GroupRequest struct {
	Name    string `json:"name"`
	GroupID int64  `json:"group_id"`
}

// listTenants handles GET /api/v1/tenants
func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.tenants.ListTenants(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tenants == nil {
		tenants = []*tenancy.Tenant{}
	}
	httputil.WriteSuccess(w, tenants)
}

// createTenant handles POST /api/v1/tenants
func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var req tenancy.CreateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	t, err := s.tenants.CreateTenant(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, t)
}

// getTenant handles GET /api/v1/tenants/{id}
func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	t, err := s.tenants.GetTenant(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, t)
}

// updateTenant handles PATCH /api/v1/tenants/{id}
func (s *Server) updateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req tenancy.UpdateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if s.scope == ScopeSite && req.IsRootSite != nil {
		httputil.WriteFieldError(w, "is_root_site", "Only the root site can change this field.")
		return
	}
	t, err := s.tenants.UpdateTenant(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, t)
}

// deleteTenant handles DELETE /api/v1/tenants/{id}
func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.tenants.DeleteTenant(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// addAlias handles POST /api/v1/tenants/{id}/aliases
func (s *Server) addAlias(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req AliasRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	alias, err := s.tenants.AddAlias(r.Context(), id, req.Domain)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, alias)
}

// removeAlias handles DELETE /api/v1/aliases/{id}. On a site only the
// site's own aliases are visible.
func (s *Server) removeAlias(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if s.scope == ScopeSite {
		alias, err := s.tenants.GetAlias(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if alias.TenantID != tenancy.CurrentTenantID(r.Context()) {
			httputil.WriteNotFoundError(w, "not found")
			return
		}
	}
	if err := s.tenants.RemoveAlias(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// clearCache handles POST /api/v1/cache/clear
func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	s.tenants.ClearCache(r.Context())
	observability.FromContext(r.Context(), s.log).Info("tenant cache cleared")
	httputil.WriteNoContent(w)
}

// listGroups handles GET /api/v1/groups?limit=&offset=
func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryUint(r, "limit", defaultPageSize)
	if err != nil {
		httputil.WriteFieldError(w, "limit", err.Error())
		return
	}
	offset, err := httputil.ParseQueryUint(r, "offset", 0)
	if err != nil {
		httputil.WriteFieldError(w, "offset", err.Error())
		return
	}
	groups, err := s.groups.ListPage(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if groups == nil {
		groups = []*rbac.TenantGroup{}
	}
	httputil.WriteSuccess(w, groups)
}

// createGroup handles POST /api/v1/groups in the current tenant
func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	g := &rbac.TenantGroup{Name: req.Name, GroupID: req.GroupID}
	if err := s.groups.Create(r.Context(), g); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, g)
}
