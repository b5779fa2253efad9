// Package db holds the Postgres write paths shared by the store: COPY for
// append-only tables, temp-table upserts for keyed ones and additive schema
// changes.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom appends rows to a possibly schema-qualified table with the COPY
// protocol. Inside a transaction nothing is visible until commit.
func CopyFrom(ctx context.Context, q Querier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, eris.Errorf("db: copy into %s: no columns", table)
	}

	n, err := q.CopyFrom(ctx, tableIdentifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy into %s", table)
	}
	return n, nil
}
