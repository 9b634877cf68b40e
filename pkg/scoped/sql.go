package scoped

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/platinummonkey/tenancy/pkg/observability"
)

// TenantColumn is the column every scoped table stores the owner in
const TenantColumn = "tenant_id"

// Mapping describes how a record type maps onto a table
type Mapping[T Model] struct {
	Table string
	// Columns lists the persisted columns other than "id". It must include
	// TenantColumn.
	Columns []string
	// New returns an empty record to scan into
	New func() T
	// Values returns the column values of v in Columns order
	Values func(v T) []interface{}
	// Targets returns scan destinations for "id" followed by Columns
	Targets func(v T) []interface{}
}

// SQLStore persists records in a single table through database/sql
type SQLStore[T Model] struct {
	db      *sql.DB
	m       Mapping[T]
	builder sq.StatementBuilderType
	metrics *observability.Metrics
}

// NewSQLStore returns a store for m.Table. metrics may be nil.
func NewSQLStore[T Model](db *sql.DB, m Mapping[T], metrics *observability.Metrics) (*SQLStore[T], error) {
	if m.Table == "" || m.New == nil || m.Values == nil || m.Targets == nil {
		return nil, fmt.Errorf("incomplete mapping for table %q", m.Table)
	}
	hasTenant := false
	for _, c := range m.Columns {
		if c == TenantColumn {
			hasTenant = true
			break
		}
	}
	if !hasTenant {
		return nil, fmt.Errorf("mapping for table %q has no %s column", m.Table, TenantColumn)
	}
	return &SQLStore[T]{
		db:      db,
		m:       m,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		metrics: metrics,
	}, nil
}

func (s *SQLStore[T]) selectColumns() []string {
	return append([]string{"id"}, s.m.Columns...)
}

// List returns matching rows ordered by id
func (s *SQLStore[T]) List(ctx context.Context, filter Filter) (items []T, err error) {
	defer s.observe("list", time.Now(), &err)

	q := s.builder.Select(s.selectColumns()...).From(s.m.Table).OrderBy("id")
	if filter.TenantID != 0 {
		q = q.Where(sq.Eq{TenantColumn: filter.TenantID})
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.m.Table, err)
	}
	defer rows.Close()

	items = []T{}
	for rows.Next() {
		v := s.m.New()
		if err := rows.Scan(s.m.Targets(v)...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", s.m.Table, err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", s.m.Table, err)
	}
	return items, nil
}

// Get returns the row with id
func (s *SQLStore[T]) Get(ctx context.Context, id int64) (v T, err error) {
	defer s.observe("get", time.Now(), &err)

	query, args, err := s.builder.Select(s.selectColumns()...).
		From(s.m.Table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return v, fmt.Errorf("failed to build query: %w", err)
	}

	out := s.m.New()
	err = s.db.QueryRowContext(ctx, query, args...).Scan(s.m.Targets(out)...)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, fmt.Errorf("failed to get %s row: %w", s.m.Table, err)
	}
	return out, nil
}

// Insert adds v and sets its id from the database
func (s *SQLStore[T]) Insert(ctx context.Context, v T) (err error) {
	defer s.observe("insert", time.Now(), &err)

	query, args, err := s.builder.Insert(s.m.Table).
		Columns(s.m.Columns...).
		Values(s.m.Values(v)...).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", s.m.Table, err)
	}
	v.SetID(id)
	return nil
}

// Update writes every mapped column of v
func (s *SQLStore[T]) Update(ctx context.Context, v T) (err error) {
	defer s.observe("update", time.Now(), &err)

	q := s.builder.Update(s.m.Table)
	for i, val := range s.m.Values(v) {
		q = q.Set(s.m.Columns[i], val)
	}
	query, args, err := q.Where(sq.Eq{"id": v.GetID()}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", s.m.Table, err)
	}
	return requireAffected(res)
}

// Delete removes the row with id
func (s *SQLStore[T]) Delete(ctx context.Context, id int64) (err error) {
	defer s.observe("delete", time.Now(), &err)

	query, args, err := s.builder.Delete(s.m.Table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", s.m.Table, err)
	}
	return requireAffected(res)
}

func (s *SQLStore[T]) observe(op string, start time.Time, err *error) {
	var recorded error
	if *err != nil && !errors.Is(*err, ErrNotFound) {
		recorded = *err
	}
	s.metrics.RecordStorageOperation(s.m.Table+"_"+op, time.Since(start), recorded)
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
