package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
)

// Migration is one versioned schema step
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var trackingTablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// RunMigrations applies every migration not yet recorded in the tracking
// table, each in its own transaction, in slice order. Each package owns its
// tracking table so schemas can evolve independently.
func RunMigrations(ctx context.Context, db *sql.DB, table string, migrations []Migration, log *logrus.Logger) error {
	if log == nil {
		log = logrus.New()
	}
	if !trackingTablePattern.MatchString(table) {
		return fmt.Errorf("invalid migrations table name %q", table)
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM "+table+" ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+table+" (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}

		log.WithFields(logrus.Fields{
			"table":       table,
			"version":     m.Version,
			"description": m.Description,
		}).Info("migration applied")
	}

	return nil
}
