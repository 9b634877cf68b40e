package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/platinummonkey/tenancy/pkg/scoped"
)

const userColumns = `u.id, u.username, u.email, u.is_active, u.is_staff, u.is_superuser, u.created_at`

// TenantGroupMapping maps TenantGroup onto the tenant_groups table
func TenantGroupMapping() scoped.Mapping[*TenantGroup] {
	return scoped.Mapping[*TenantGroup]{
		Table:   "tenant_groups",
		Columns: []string{"tenant_id", "group_id", "name"},
		New:     func() *TenantGroup { return &TenantGroup{} },
		Values: func(g *TenantGroup) []interface{} {
			return []interface{}{g.TenantID, g.GroupID, g.Name}
		},
		Targets: func(g *TenantGroup) []interface{} {
			return []interface{}{&g.ID, &g.TenantID, &g.GroupID, &g.Name}
		},
	}
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db           *sql.DB
	builder      sq.StatementBuilderType
	tenantGroups *scoped.SQLStore[*TenantGroup]
	metrics      *observability.Metrics
}

// NewPostgresStore creates a new PostgresStore. metrics may be nil.
func NewPostgresStore(db *sql.DB, metrics *observability.Metrics) (*PostgresStore, error) {
	groups, err := scoped.NewSQLStore(db, TenantGroupMapping(), metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant group store: %w", err)
	}
	return &PostgresStore{
		db:           db,
		builder:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		tenantGroups: groups,
		metrics:      metrics,
	}, nil
}

// CreateUser inserts u and fills in its id
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) (err error) {
	defer s.observe("create_user", time.Now(), &err)

	query := `
		INSERT INTO users (username, email, is_active, is_staff, is_superuser)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	if err := s.db.QueryRowContext(ctx, query, u.Username, u.Email, u.IsActive, u.IsStaff, u.IsSuperuser).
		Scan(&u.ID, &u.CreatedAt); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser returns the user with id
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (u *User, err error) {
	defer s.observe("get_user", time.Now(), &err)
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id))
}

// GetUserByTokenHash returns the owner of an unrevoked, unexpired token
func (s *PostgresStore) GetUserByTokenHash(ctx context.Context, hash string) (u *User, err error) {
	defer s.observe("get_user_by_token", time.Now(), &err)

	query := `
		SELECT ` + userColumns + `
		FROM api_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1
		  AND t.revoked_at IS NULL
		  AND (t.expires_at IS NULL OR t.expires_at > NOW())
	`
	return scanUser(s.db.QueryRowContext(ctx, query, hash))
}

// CreateToken records a token hash for userID
func (s *PostgresStore) CreateToken(ctx context.Context, userID int64, hash, prefix string) (err error) {
	defer s.observe("create_token", time.Now(), &err)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_tokens (user_id, token_hash, token_prefix) VALUES ($1, $2, $3)`,
		userID, hash, prefix)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", mapForeignKey(err))
	}
	return nil
}

// UserPermissions returns direct grants
func (s *PostgresStore) UserPermissions(ctx context.Context, userID int64) (perms []Permission, err error) {
	defer s.observe("user_permissions", time.Now(), &err)

	query := `
		SELECT p.app_label || '.' || p.codename AS perm
		FROM permissions p
		JOIN user_permissions up ON up.permission_id = p.id
		WHERE up.user_id = $1
		ORDER BY perm
	`
	return s.queryPermissions(ctx, query, userID)
}

// GroupPermissions returns permissions from global groups and from tenant
// groups of tenantID where the membership is active
func (s *PostgresStore) GroupPermissions(ctx context.Context, userID, tenantID int64) (perms []Permission, err error) {
	defer s.observe("group_permissions", time.Now(), &err)

	query := `
		SELECT DISTINCT p.app_label || '.' || p.codename AS perm
		FROM permissions p
		JOIN group_permissions gp ON gp.permission_id = p.id
		WHERE gp.group_id IN (SELECT group_id FROM user_groups WHERE user_id = $1)
		   OR gp.group_id IN (
			SELECT tg.group_id
			FROM tenant_groups tg
			JOIN tenant_group_users tgu ON tgu.tenant_group_id = tg.id
			JOIN tenant_memberships m ON m.tenant_id = tg.tenant_id AND m.user_id = tgu.user_id
			WHERE tgu.user_id = $1 AND tg.tenant_id = $2 AND m.is_active
		   )
		ORDER BY perm
	`
	return s.queryPermissions(ctx, query, userID, tenantID)
}

// AllPermissions returns every registered permission
func (s *PostgresStore) AllPermissions(ctx context.Context) (perms []Permission, err error) {
	defer s.observe("all_permissions", time.Now(), &err)
	return s.queryPermissions(ctx, `SELECT app_label || '.' || codename AS perm FROM permissions ORDER BY perm`)
}

func (s *PostgresStore) queryPermissions(ctx context.Context, query string, args ...interface{}) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, Permission(p))
	}
	return perms, rows.Err()
}

// IsSuperAdmin reports direct membership of a group backing a tenant group
func (s *PostgresStore) IsSuperAdmin(ctx context.Context, userID int64) (super bool, err error) {
	defer s.observe("is_super_admin", time.Now(), &err)

	query := `
		SELECT EXISTS (
			SELECT 1 FROM user_groups ug
			JOIN tenant_groups tg ON tg.group_id = ug.group_id
			WHERE ug.user_id = $1
		)
	`
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&super); err != nil {
		return false, fmt.Errorf("failed to check super admin: %w", err)
	}
	return super, nil
}

// UsersWithPermission returns matching user ids in ascending order
func (s *PostgresStore) UsersWithPermission(ctx context.Context, perm Permission, tenantID int64, opts UsersWithPermissionOptions) (ids []int64, err error) {
	defer s.observe("users_with_permission", time.Now(), &err)

	query, args, err := s.usersWithPermissionQuery(perm, tenantID, opts).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) usersWithPermissionQuery(perm Permission, tenantID int64, opts UsersWithPermissionOptions) sq.SelectBuilder {
	const match = "p.app_label = ? AND p.codename = ?"
	app, code := perm.AppLabel(), perm.Codename()

	holds := sq.Or{
		sq.Expr(`EXISTS (SELECT 1 FROM user_permissions up
			JOIN permissions p ON p.id = up.permission_id
			WHERE up.user_id = u.id AND `+match+`)`, app, code),
		sq.Expr(`EXISTS (SELECT 1 FROM tenant_group_users tgu
			JOIN tenant_groups tg ON tg.id = tgu.tenant_group_id
			JOIN group_permissions gp ON gp.group_id = tg.group_id
			JOIN permissions p ON p.id = gp.permission_id
			WHERE tgu.user_id = u.id AND tg.tenant_id = ? AND `+match+`)`, tenantID, app, code),
	}
	if opts.IncludeSuperAdmins {
		holds = append(holds, sq.Expr(`EXISTS (SELECT 1 FROM user_groups ug
			JOIN group_permissions gp ON gp.group_id = ug.group_id
			JOIN permissions p ON p.id = gp.permission_id
			WHERE ug.user_id = u.id AND `+match+`)`, app, code))
	}
	if opts.IncludeSuperusers {
		holds = append(holds, sq.Expr("u.is_superuser"))
	}

	q := s.builder.Select("u.id").From("users u").Where(holds)
	if opts.IsActive != nil {
		q = q.Where(sq.Eq{"u.is_active": *opts.IsActive}).
			Where(sq.Expr(`EXISTS (SELECT 1 FROM tenant_memberships m
				WHERE m.user_id = u.id AND m.tenant_id = ? AND m.is_active = ?)`, tenantID, *opts.IsActive))
	}
	return q.OrderBy("u.id")
}

// CreatePermission registers perm; registering an existing one is a no-op
func (s *PostgresStore) CreatePermission(ctx context.Context, perm Permission, name string) (err error) {
	defer s.observe("create_permission", time.Now(), &err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO permissions (app_label, codename, name) VALUES ($1, $2, $3)
		ON CONFLICT (app_label, codename) DO NOTHING
	`, perm.AppLabel(), perm.Codename(), name)
	if err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}
	return nil
}

// GrantUserPermission grants perm to userID directly
func (s *PostgresStore) GrantUserPermission(ctx context.Context, userID int64, perm Permission) (err error) {
	defer s.observe("grant_user_permission", time.Now(), &err)

	permID, err := permissionID(ctx, s.db, perm)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_permissions (user_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, permID)
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", mapForeignKey(err))
	}
	return nil
}

// CreateGroup inserts g with its permissions
func (s *PostgresStore) CreateGroup(ctx context.Context, g *Group) (err error) {
	defer s.observe("create_group", time.Now(), &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO groups (name) VALUES ($1) RETURNING id, created_at`, g.Name).
		Scan(&g.ID, &g.CreatedAt); err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	for _, p := range g.Permissions {
		permID, err := permissionID(ctx, tx, p)
		if err != nil {
			return fmt.Errorf("unknown permission %q: %w", p, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_permissions (group_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			g.ID, permID); err != nil {
			return fmt.Errorf("failed to add permission to group: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AddUserToGroup adds userID to a global group
func (s *PostgresStore) AddUserToGroup(ctx context.Context, userID, groupID int64) (err error) {
	defer s.observe("add_user_to_group", time.Now(), &err)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_groups (user_id, group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, groupID)
	if err != nil {
		return fmt.Errorf("failed to add user to group: %w", mapForeignKey(err))
	}
	return nil
}

// AddUserToTenantGroup adds userID to a tenant group
func (s *PostgresStore) AddUserToTenantGroup(ctx context.Context, userID, tenantGroupID int64) (err error) {
	defer s.observe("add_user_to_tenant_group", time.Now(), &err)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_group_users (tenant_group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		tenantGroupID, userID)
	if err != nil {
		return fmt.Errorf("failed to add user to tenant group: %w", mapForeignKey(err))
	}
	return nil
}

// TenantGroups returns the tenant_groups store
func (s *PostgresStore) TenantGroups() scoped.Store[*TenantGroup] {
	return s.tenantGroups
}

const membershipColumns = `id, tenant_id, user_id, is_active, is_staff, created_at`

// GetMembership returns the membership of userID in tenantID
func (s *PostgresStore) GetMembership(ctx context.Context, tenantID, userID int64) (m *Membership, err error) {
	defer s.observe("get_membership", time.Now(), &err)

	m = &Membership{}
	err = s.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM tenant_memberships WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID).
		Scan(&m.ID, &m.TenantID, &m.UserID, &m.IsActive, &m.IsStaff, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// AddMembership creates m, or fills it from the existing row when the pair
// is already a member
func (s *PostgresStore) AddMembership(ctx context.Context, m *Membership) (err error) {
	defer s.observe("add_membership", time.Now(), &err)

	query := `
		INSERT INTO tenant_memberships (tenant_id, user_id, is_active, is_staff)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ON CONSTRAINT ` + constraintMembership + ` DO NOTHING
		RETURNING id, created_at
	`
	err = s.db.QueryRowContext(ctx, query, m.TenantID, m.UserID, m.IsActive, m.IsStaff).Scan(&m.ID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := s.GetMembership(ctx, m.TenantID, m.UserID)
		if err != nil {
			return err
		}
		*m = *existing
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to add membership: %w", mapForeignKey(err))
	}
	return nil
}

// UpdateMembership stores the flags of m
func (s *PostgresStore) UpdateMembership(ctx context.Context, m *Membership) (err error) {
	defer s.observe("update_membership", time.Now(), &err)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tenant_memberships SET is_active = $1, is_staff = $2 WHERE tenant_id = $3 AND user_id = $4`,
		m.IsActive, m.IsStaff, m.TenantID, m.UserID)
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) observe(op string, start time.Time, err *error) {
	var e error
	if *err != nil && !errors.Is(*err, ErrNotFound) {
		e = *err
	}
	s.metrics.RecordStorageOperation(op, time.Since(start), e)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func permissionID(ctx context.Context, q rowQueryer, perm Permission) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM permissions WHERE app_label = $1 AND codename = $2`,
		perm.AppLabel(), perm.Codename()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up permission: %w", err)
	}
	return id, nil
}

func scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.IsActive, &u.IsStaff, &u.IsSuperuser, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

// mapForeignKey reports references to missing rows as ErrNotFound
func mapForeignKey(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}
