package scoped

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noteMapping() Mapping[*note] {
	return Mapping[*note]{
		Table:   "notes",
		Columns: []string{"tenant_id", "body"},
		New:     func() *note { return &note{} },
		Values:  func(n *note) []interface{} { return []interface{}{n.TenantID, n.Body} },
		Targets: func(n *note) []interface{} { return []interface{}{&n.ID, &n.TenantID, &n.Body} },
	}
}

func newNoteStore(t *testing.T) (*SQLStore[*note], sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store, err := NewSQLStore[*note](db, noteMapping(), metrics)
	require.NoError(t, err)
	return store, mock, metrics
}

func TestNewSQLStore_RejectsBadMapping(t *testing.T) {
	m := noteMapping()
	m.Columns = []string{"body"}
	_, err := NewSQLStore[*note](nil, m, nil)
	assert.ErrorContains(t, err, "no tenant_id column")

	m = noteMapping()
	m.New = nil
	_, err = NewSQLStore[*note](nil, m, nil)
	assert.ErrorContains(t, err, "incomplete mapping")
}

func TestSQLStore_ListScoped(t *testing.T) {
	store, mock, metrics := newNoteStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tenant_id, body FROM notes WHERE tenant_id = $1 ORDER BY id LIMIT 10 OFFSET 20")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "body"}).
			AddRow(int64(21), int64(3), "x").
			AddRow(int64(22), int64(3), "y"))

	got, err := store.List(context.Background(), Filter{TenantID: 3, Limit: 10, Offset: 20})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(21), got[0].ID)
	assert.Equal(t, "y", got[1].Body)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("notes_list", "success")))
}

func TestSQLStore_ListUnscoped(t *testing.T) {
	store, mock, _ := newNoteStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tenant_id, body FROM notes ORDER BY id")).
		WithoutArgs().
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "body"}))

	got, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Get(t *testing.T) {
	store, mock, metrics := newNoteStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tenant_id, body FROM notes WHERE id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "body"}).AddRow(int64(5), int64(2), "hello"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tenant_id, body FROM notes WHERE id = $1")).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "body"}))

	got, err := store.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TenantID)
	assert.Equal(t, "hello", got.Body)

	_, err = store.Get(context.Background(), 6)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("notes_get", "success")))
}

func TestSQLStore_Insert(t *testing.T) {
	store, mock, _ := newNoteStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notes (tenant_id,body) VALUES ($1,$2) RETURNING id")).
		WithArgs(int64(4), "new").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(40)))

	n := &note{TenantOwned: TenantOwned{TenantID: 4}, Body: "new"}
	require.NoError(t, store.Insert(context.Background(), n))
	assert.Equal(t, int64(40), n.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateAndDelete(t *testing.T) {
	store, mock, metrics := newNoteStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE notes SET tenant_id = $1, body = $2 WHERE id = $3")).
		WithArgs(int64(4), "changed", int64(40)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE notes SET tenant_id = $1, body = $2 WHERE id = $3")).
		WithArgs(int64(4), "gone", int64(41)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM notes WHERE id = $1")).
		WithArgs(int64(40)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM notes WHERE id = $1")).
		WithArgs(int64(41)).
		WillReturnError(sql.ErrConnDone)

	require.NoError(t, store.Update(context.Background(), &note{ID: 40, TenantOwned: TenantOwned{TenantID: 4}, Body: "changed"}))
	err := store.Update(context.Background(), &note{ID: 41, TenantOwned: TenantOwned{TenantID: 4}, Body: "gone"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(context.Background(), 40))
	err = store.Delete(context.Background(), 41)
	assert.True(t, errors.Is(err, sql.ErrConnDone))

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("notes_delete", "error")))
}

func TestSQLStore_BehindRepository(t *testing.T) {
	store, mock, _ := newNoteStore(t)
	repo := NewRepository[*note](store)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO notes (tenant_id,body) VALUES ($1,$2) RETURNING id")).
		WithArgs(int64(9), "scoped").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	n := &note{Body: "scoped"}
	require.NoError(t, repo.Create(tenantCtx(9), n))
	assert.Equal(t, int64(9), n.TenantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
