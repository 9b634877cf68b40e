package rbac

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/tenancy/pkg/storage"
	"github.com/sirupsen/logrus"
)

// MigrationsTable tracks applied rbac schema versions
const MigrationsTable = "rbac_migrations"

const constraintMembership = "tenant_memberships_tenant_user_key"

// Migrations returns the user, group and membership schema. The tenancy
// schema must be applied first; memberships and tenant groups reference
// tenants.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create users and api_tokens tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(150) NOT NULL UNIQUE,
					email VARCHAR(254) NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_staff BOOLEAN NOT NULL DEFAULT FALSE,
					is_superuser BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS api_tokens (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					token_hash CHAR(64) NOT NULL UNIQUE,
					token_prefix VARCHAR(20) NOT NULL,
					expires_at TIMESTAMP,
					revoked_at TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_api_tokens_user_id ON api_tokens(user_id);
			`,
		},
		{
			Version:     2,
			Description: "Create permissions and groups tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					app_label VARCHAR(100) NOT NULL,
					codename VARCHAR(100) NOT NULL,
					name VARCHAR(255) NOT NULL DEFAULT '',
					UNIQUE (app_label, codename)
				);

				CREATE TABLE IF NOT EXISTS groups (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(150) NOT NULL UNIQUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS group_permissions (
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					PRIMARY KEY (group_id, permission_id)
				);

				CREATE TABLE IF NOT EXISTS user_groups (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, group_id)
				);

				CREATE TABLE IF NOT EXISTS user_permissions (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, permission_id)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create tenant membership and tenant group tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_memberships (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_staff BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CONSTRAINT ` + constraintMembership + ` UNIQUE (tenant_id, user_id)
				);

				CREATE TABLE IF NOT EXISTS tenant_groups (
					id BIGSERIAL PRIMARY KEY,
					tenant_id BIGINT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					group_id BIGINT NOT NULL UNIQUE REFERENCES groups(id) ON DELETE CASCADE,
					name VARCHAR(150) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE (tenant_id, name)
				);

				CREATE TABLE IF NOT EXISTS tenant_group_users (
					tenant_group_id BIGINT NOT NULL REFERENCES tenant_groups(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					PRIMARY KEY (tenant_group_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_tenant_memberships_user_id ON tenant_memberships(user_id);
				CREATE INDEX IF NOT EXISTS idx_tenant_group_users_user_id ON tenant_group_users(user_id);
			`,
		},
	}
}

// RunMigrations applies the rbac schema
func RunMigrations(ctx context.Context, db *sql.DB, log *logrus.Logger) error {
	return storage.RunMigrations(ctx, db, MigrationsTable, Migrations(), log)
}
