package tenancy

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/tenancy/pkg/storage"
	"github.com/sirupsen/logrus"
)

// MigrationsTable tracks applied tenancy schema versions
const MigrationsTable = "tenancy_migrations"

// Constraint names the repository maps back to typed errors
const (
	constraintTenantDomain = "tenants_domain_key"
	constraintSingleRoot   = "tenants_single_root"
	constraintAliasDomain  = "site_aliases_domain_key"
)

// Migrations returns the tenant and alias schema
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create tenants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenants (
					id BIGSERIAL PRIMARY KEY,
					domain VARCHAR(255) NOT NULL,
					name VARCHAR(255) NOT NULL,
					preferred_domain VARCHAR(255) NOT NULL DEFAULT '',
					is_root_site BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS ` + constraintTenantDomain + ` ON tenants (lower(domain));
				CREATE UNIQUE INDEX IF NOT EXISTS ` + constraintSingleRoot + ` ON tenants (is_root_site) WHERE is_root_site;
			`,
		},
		{
			Version:     2,
			Description: "Create site_aliases table",
			SQL: `
				CREATE TABLE IF NOT EXISTS site_aliases (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					domain VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS ` + constraintAliasDomain + ` ON site_aliases (lower(domain));
				CREATE INDEX IF NOT EXISTS idx_site_aliases_tenant_id ON site_aliases(tenant_id);
			`,
		},
	}
}

// RunMigrations applies the tenancy schema
func RunMigrations(ctx context.Context, db *sql.DB, log *logrus.Logger) error {
	return storage.RunMigrations(ctx, db, MigrationsTable, Migrations(), log)
}
