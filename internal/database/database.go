// Package database provides the gameserver's gateway to the PostgreSQL
// game database. All access runs through short transactions, the
// daemons share no other mutable state.
//
// The schema is owned by the web application, this package only reads
// and writes the subset of tables the runtime components need.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Postgres error codes we need to tell apart, see
// https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	pgInsufficientPrivilege = pq.ErrorCode("42501")
	pgSerializationFailure  = pq.ErrorCode("40001")
	pgUniqueViolation       = pq.ErrorCode("23505")
)

// DataError indicates unusable database contents, e.g. missing game
// control information. It means "fix your data", in contrast to
// driver-level errors which mean "fix your connection or grants".
type DataError struct {
	msg string
}

func (e DataError) Error() string {
	return e.msg
}

var (
	// ErrTeamNotExisting is returned when no team matches the given
	// parameters.
	ErrTeamNotExisting = DataError{msg: "team could not be found in the database"}
	// ErrDuplicateCapture is returned when a team submits a flag it
	// has already captured before.
	ErrDuplicateCapture = DataError{msg: "flag has already been captured by this team"}
	// ErrNoStartTime is returned when an operation requires the
	// competition start time and the operator has not set one yet.
	ErrNoStartTime = DataError{msg: "competition start time has not been configured"}
)

func errNoGameControl() error {
	return DataError{msg: "game control information has not been configured"}
}

// Gateway wraps the database handle. The zero value is not usable, use
// Open or New.
type Gateway struct {
	db *sql.DB

	// prohibitChanges unconditionally rolls back every transaction. It
	// is enabled on the copy returned by ProhibitChanges and used for
	// the startup grant checks.
	prohibitChanges bool
}

// Open connects to the given database. Empty host and password are
// valid, libpq then falls back to its defaults (Unix socket, no
// password). The session time zone is pinned to UTC on every pooled
// connection to keep timestamp handling sane.
func Open(host, dbName, user, password string) (*Gateway, error) {
	parts := []string{"timezone=UTC"}
	add := func(key, value string) {
		if value != "" {
			value = strings.ReplaceAll(value, `\`, `\\`)
			value = strings.ReplaceAll(value, `'`, `\'`)
			parts = append(parts, fmt.Sprintf("%s='%s'", key, value))
		}
	}
	add("host", host)
	add("dbname", dbName)
	add("user", user)
	add("password", password)

	db, err := sql.Open("postgres", strings.Join(parts, " "))
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "could not establish database connection")
	}
	return New(db), nil
}

// New wraps an existing handle, mostly useful for tests.
func New(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// Close releases the underlying connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// ProhibitChanges returns a gateway that rolls back all transactions
// instead of committing them. PostgreSQL checks grants even when a
// statement matches no rows, so issuing every write once through such
// a gateway verifies the grants without touching the data.
func (g *Gateway) ProhibitChanges() *Gateway {
	return &Gateway{db: g.db, prohibitChanges: true}
}

// inTransaction runs fn inside a transaction, committing on success
// and rolling back on error or in prohibit-changes mode.
func (g *Gateway) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if g.prohibitChanges {
		return errors.Wrap(tx.Rollback(), "could not roll back transaction")
	}
	return errors.Wrap(tx.Commit(), "could not commit transaction")
}

// IsInsufficientPrivilege reports whether err stems from missing
// database grants.
func IsInsufficientPrivilege(err error) bool {
	return hasPgCode(err, pgInsufficientPrivilege)
}

// IsDataError reports whether err is a DataError, i.e. a problem with
// the database contents rather than the database connection.
func IsDataError(err error) bool {
	var dataErr DataError
	return errors.As(err, &dataErr)
}

func hasPgCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == code
	}
	return false
}
