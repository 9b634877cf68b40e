package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMigrations = []Migration{
	{Version: 1, Description: "Create widgets", SQL: "CREATE TABLE widgets (id BIGSERIAL PRIMARY KEY)"},
	{Version: 2, Description: "Index widgets", SQL: "CREATE INDEX widgets_id ON widgets (id)"},
}

func TestRunMigrations_AppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS widget_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM widget_migrations ORDER BY version`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE INDEX widgets_id`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO widget_migrations \(version, description\) VALUES \(\$1, \$2\)`).
		WithArgs(2, "Index widgets").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, RunMigrations(context.Background(), db, "widget_migrations", testMigrations, quietLogger()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_RollsBackFailedStep(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS widget_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM widget_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE widgets`).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err = RunMigrations(context.Background(), db, "widget_migrations", testMigrations, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_RejectsTableName(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = RunMigrations(context.Background(), db, "widgets; DROP TABLE tenants", testMigrations, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid migrations table name")
	assert.NoError(t, mock.ExpectationsWereMet())
}
