package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"

	"github.com/sells-group/edu-etl/internal/model"
)

// sqliteConstraint is SQLITE_CONSTRAINT; extended codes keep it in the low byte.
const sqliteConstraint = 19

// IsConstraintViolation reports whether err is a row-level integrity failure:
// Postgres SQLSTATE class 23 or a SQLite constraint error.
func IsConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqliteConstraint
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}

// Classify maps a batch write error to an ErrorKind.
func Classify(err error) model.ErrorKind {
	switch {
	case err == nil:
		return model.ErrorKindNone
	case IsConstraintViolation(err):
		return model.ErrorKindConstraint
	default:
		return model.ErrorKindStore
	}
}
