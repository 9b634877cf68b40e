package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/platinummonkey/tenancy/pkg/observability"
)

// tenantWriteLock serializes tenant and alias writes so the cross-table
// domain check and the root check see a stable view
const tenantWriteLock int64 = 0x74656e616e74

const tenantColumns = `id, domain, name, preferred_domain, is_root_site, created_at, updated_at`

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresOptions configures a PostgresRepository
type PostgresOptions struct {
	// Lister serves ListTenants, whose result is never cached; defaults
	// to the primary
	Lister  *sql.DB
	Metrics *observability.Metrics
}

// PostgresRepository implements Repository using PostgreSQL. Host and id
// lookups always run on the primary: resolved tenants stay cached until a
// write evicts them, and a lagging replica could answer after the eviction
// and put a deleted or renamed tenant back into the cache.
type PostgresRepository struct {
	db      *sql.DB
	lister  *sql.DB
	metrics *observability.Metrics
}

// NewPostgresRepository creates a new PostgresRepository
func NewPostgresRepository(db *sql.DB, opts ...PostgresOptions) *PostgresRepository {
	r := &PostgresRepository{db: db, lister: db}
	if len(opts) > 0 {
		if opts[0].Lister != nil {
			r.lister = opts[0].Lister
		}
		r.metrics = opts[0].Metrics
	}
	return r
}

// CreateTenant inserts t and fills in its id and timestamps
func (r *PostgresRepository) CreateTenant(ctx context.Context, t *Tenant) (err error) {
	defer r.observe("create_tenant", time.Now(), &err)

	return r.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := r.checkWrite(ctx, tx, t, Exclusion{}); err != nil {
			return err
		}
		query := `
			INSERT INTO tenants (domain, name, preferred_domain, is_root_site)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`
		err := tx.QueryRowContext(ctx, query, t.Domain, t.Name, t.PreferredDomain, t.IsRootSite).
			Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return mapConstraintError(err)
		}
		return nil
	})
}

// UpdateTenant writes every mutable field of t
func (r *PostgresRepository) UpdateTenant(ctx context.Context, t *Tenant) (err error) {
	defer r.observe("update_tenant", time.Now(), &err)

	return r.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := r.checkWrite(ctx, tx, t, Exclusion{TenantID: t.ID}); err != nil {
			return err
		}
		if err := checkPreferred(ctx, tx, t); err != nil {
			return err
		}
		query := `
			UPDATE tenants
			SET domain = $1, name = $2, preferred_domain = $3, is_root_site = $4, updated_at = NOW()
			WHERE id = $5
			RETURNING updated_at
		`
		err := tx.QueryRowContext(ctx, query, t.Domain, t.Name, t.PreferredDomain, t.IsRootSite, t.ID).
			Scan(&t.UpdatedAt)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return mapConstraintError(err)
		}
		return nil
	})
}

// DeleteTenant removes the tenant; aliases go with it through ON DELETE CASCADE
func (r *PostgresRepository) DeleteTenant(ctx context.Context, id int64) (err error) {
	defer r.observe("delete_tenant", time.Now(), &err)

	res, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	return requireAffected(res)
}

// GetTenant retrieves a tenant by id
func (r *PostgresRepository) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return r.getTenant(ctx, r.db, "get_tenant", query, id)
}

// GetTenantByDomain matches the canonical domain case-insensitively
func (r *PostgresRepository) GetTenantByDomain(ctx context.Context, domain string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE lower(domain) = $1`
	return r.getTenant(ctx, r.db, "get_tenant_by_domain", query, NormalizeDomain(domain))
}

// GetTenantByAlias returns the tenant owning the alias domain
func (r *PostgresRepository) GetTenantByAlias(ctx context.Context, domain string) (*Tenant, error) {
	query := `
		SELECT t.id, t.domain, t.name, t.preferred_domain, t.is_root_site, t.created_at, t.updated_at
		FROM tenants t
		JOIN site_aliases a ON a.tenant_id = t.id
		WHERE lower(a.domain) = $1
	`
	return r.getTenant(ctx, r.db, "get_tenant_by_alias", query, NormalizeDomain(domain))
}

// GetRootTenant returns the tenant holding the root flag
func (r *PostgresRepository) GetRootTenant(ctx context.Context) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE is_root_site`
	return r.getTenant(ctx, r.db, "get_root_tenant", query)
}

// ListTenants returns every tenant ordered by domain
func (r *PostgresRepository) ListTenants(ctx context.Context) (tenants []*Tenant, err error) {
	defer r.observe("list_tenants", time.Now(), &err)

	rows, err := r.lister.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*Tenant)
	var ids []int64
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	if len(ids) == 0 {
		return tenants, nil
	}

	aliasRows, err := r.lister.QueryContext(ctx, `
		SELECT id, tenant_id, domain, created_at
		FROM site_aliases
		WHERE tenant_id = ANY($1)
		ORDER BY id
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer aliasRows.Close()

	for aliasRows.Next() {
		var a SiteAlias
		if err := aliasRows.Scan(&a.ID, &a.TenantID, &a.Domain, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		if t, ok := byID[a.TenantID]; ok {
			t.Aliases = append(t.Aliases, a)
		}
	}
	if err := aliasRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	return tenants, nil
}

// CreateAlias inserts a and fills in its id and creation time
func (r *PostgresRepository) CreateAlias(ctx context.Context, a *SiteAlias) (err error) {
	defer r.observe("create_alias", time.Now(), &err)

	return r.withWriteTx(ctx, func(tx *sql.Tx) error {
		inUse, err := domainInUse(ctx, tx, a.Domain, Exclusion{AliasID: a.ID})
		if err != nil {
			return err
		}
		if inUse {
			return newValidationError("domain", msgDomainInUse)
		}
		query := `
			INSERT INTO site_aliases (tenant_id, domain)
			VALUES ($1, $2)
			RETURNING id, created_at
		`
		err = tx.QueryRowContext(ctx, query, a.TenantID, a.Domain).Scan(&a.ID, &a.CreatedAt)
		if err != nil {
			return mapConstraintError(err)
		}
		return nil
	})
}

// GetAlias retrieves an alias by id
func (r *PostgresRepository) GetAlias(ctx context.Context, id int64) (*SiteAlias, error) {
	a := &SiteAlias{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, domain, created_at FROM site_aliases WHERE id = $1`, id).
		Scan(&a.ID, &a.TenantID, &a.Domain, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alias: %w", err)
	}
	return a, nil
}

// DeleteAlias removes an alias unless it is its tenant's preferred domain
func (r *PostgresRepository) DeleteAlias(ctx context.Context, id int64) (err error) {
	defer r.observe("delete_alias", time.Now(), &err)

	return r.withWriteTx(ctx, func(tx *sql.Tx) error {
		var preferred bool
		err := tx.QueryRowContext(ctx, `
			SELECT lower(t.preferred_domain) = lower(a.domain)
			FROM site_aliases a
			JOIN tenants t ON t.id = a.tenant_id
			WHERE a.id = $1
		`, id).Scan(&preferred)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get alias: %w", err)
		}
		if preferred {
			return newValidationError("preferred_domain", msgPreferredAlias)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM site_aliases WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete alias: %w", err)
		}
		return requireAffected(res)
	})
}

// DomainInUse reports whether any tenant or alias other than exclude owns domain
func (r *PostgresRepository) DomainInUse(ctx context.Context, domain string, exclude Exclusion) (bool, error) {
	return domainInUse(ctx, r.db, domain, exclude)
}

func (r *PostgresRepository) getTenant(ctx context.Context, q queryer, op, query string, args ...interface{}) (t *Tenant, err error) {
	defer r.observe(op, time.Now(), &err)

	t, err = scanTenant(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if err := loadAliases(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}

// checkWrite runs the root and uniqueness checks inside the write lock
func (r *PostgresRepository) checkWrite(ctx context.Context, tx *sql.Tx, t *Tenant, exclude Exclusion) error {
	if t.IsRootSite {
		var rootDomain string
		err := tx.QueryRowContext(ctx,
			`SELECT domain FROM tenants WHERE is_root_site AND id <> $1`, t.ID).Scan(&rootDomain)
		switch {
		case err == nil:
			return &InvariantViolationError{RootDomain: rootDomain}
		case err != sql.ErrNoRows:
			return fmt.Errorf("failed to check root tenant: %w", err)
		}
	}

	inUse, err := domainInUse(ctx, tx, t.Domain, exclude)
	if err != nil {
		return err
	}
	if inUse {
		return newValidationError("domain", msgDomainInUse)
	}
	return nil
}

// checkPreferred confirms the preferred domain is still the canonical
// domain or an alias of the tenant as of the locked transaction
func checkPreferred(ctx context.Context, tx *sql.Tx, t *Tenant) error {
	preferred := NormalizeDomain(t.PreferredDomain)
	if preferred == "" || preferred == NormalizeDomain(t.Domain) {
		return nil
	}
	var owned bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM site_aliases WHERE tenant_id = $1 AND lower(domain) = $2)`,
		t.ID, preferred).Scan(&owned)
	if err != nil {
		return fmt.Errorf("failed to check preferred domain: %w", err)
	}
	if !owned {
		return newValidationError("preferred_domain", msgPreferredDomain)
	}
	return nil
}

func (r *PostgresRepository) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, tenantWriteLock); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to acquire tenant write lock: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapConstraintError(err))
	}
	return nil
}

func (r *PostgresRepository) observe(op string, start time.Time, err *error) {
	var e error
	if err != nil && !errors.Is(*err, ErrNotFound) {
		e = *err
	}
	r.metrics.RecordStorageOperation(op, time.Since(start), e)
}

func domainInUse(ctx context.Context, q queryer, domain string, exclude Exclusion) (bool, error) {
	query := `
		SELECT EXISTS (SELECT 1 FROM tenants WHERE lower(domain) = $1 AND id <> $2)
		    OR EXISTS (SELECT 1 FROM site_aliases WHERE lower(domain) = $1 AND id <> $3)
	`
	var inUse bool
	if err := q.QueryRowContext(ctx, query, NormalizeDomain(domain), exclude.TenantID, exclude.AliasID).Scan(&inUse); err != nil {
		return false, fmt.Errorf("failed to check domain: %w", err)
	}
	return inUse, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	err := row.Scan(&t.ID, &t.Domain, &t.Name, &t.PreferredDomain, &t.IsRootSite, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	return t, nil
}

func loadAliases(ctx context.Context, q queryer, t *Tenant) error {
	rows, err := q.QueryContext(ctx,
		`SELECT id, tenant_id, domain, created_at FROM site_aliases WHERE tenant_id = $1 ORDER BY id`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to load aliases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a SiteAlias
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Domain, &a.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan alias: %w", err)
		}
		t.Aliases = append(t.Aliases, a)
	}
	return rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// mapConstraintError turns constraint violations raised by the database
// into the typed errors the service surfaces
func mapConstraintError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		if pqErr.Constraint == constraintSingleRoot {
			return &InvariantViolationError{}
		}
		return newValidationError("domain", msgDomainInUse)
	case "23503":
		return ErrNotFound
	}
	return err
}
