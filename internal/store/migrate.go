package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/edu-etl/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationLockID = 8675309

// migrate runs all pending SQL migrations in lexicographic order inside one
// transaction. It creates the schema and its schema_migrations tracking table
// if needed, then applies any .sql files not yet recorded. {{schema}} in a
// file is replaced by the quoted schema name.
func migrate(ctx context.Context, pool db.Pool, schema string) error {
	log := zap.L().With(zap.String("component", "store.migrate"), zap.String("schema", schema))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "store: begin migration tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Transaction-scoped lock: held on the tx's connection, released on
	// commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "store: acquire migration advisory lock")
	}

	quoted := pgx.Identifier{schema}.Sanitize()
	if err := ensureMigrationTable(ctx, tx, quoted); err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "store: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := appliedMigrations(ctx, tx, quoted)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}

		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "store: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))

		if _, err := tx.Exec(ctx, strings.ReplaceAll(string(data), "{{schema}}", quoted)); err != nil {
			return eris.Wrapf(err, "store: apply migration %s", name)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO "+quoted+".schema_migrations (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "store: record migration %s", name)
		}

		log.Info("migration applied", zap.String("file", name))
	}

	return eris.Wrap(tx.Commit(ctx), "store: commit migrations")
}

func ensureMigrationTable(ctx context.Context, pool db.Querier, quoted string) error {
	sql := `
		CREATE SCHEMA IF NOT EXISTS ` + quoted + `;
		CREATE TABLE IF NOT EXISTS ` + quoted + `.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "store: ensure migration table")
	}
	return nil
}

// appliedMigrations returns the set of already-applied migration filenames.
func appliedMigrations(ctx context.Context, pool db.Querier, quoted string) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM "+quoted+".schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "store: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "store: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
