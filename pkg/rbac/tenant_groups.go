package rbac

import (
	"context"
	"strings"

	"github.com/platinummonkey/tenancy/pkg/scoped"
	"github.com/platinummonkey/tenancy/pkg/tenancy"
)

// TenantGroups returns a repository of tenant groups scoped to the tenant
// bound to the request
func (r *Resolver) TenantGroups() *scoped.Repository[*TenantGroup] {
	return scoped.NewRepository(r.store.TenantGroups(), scoped.Options[*TenantGroup]{
		Check:  checkTenantGroup,
		Logger: r.log,
	})
}

func checkTenantGroup(_ context.Context, g *TenantGroup) error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return &tenancy.ValidationError{Field: "name", Message: "Group name cannot be blank."}
	}
	if g.GroupID == 0 {
		return &tenancy.ValidationError{Field: "group_id", Message: "A tenant group must be backed by a group."}
	}
	return nil
}
