package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect captures the differences between the supported databases: driver
// naming, placeholder format, and row-locking clauses.
type Dialect interface {
	Name() string
	DriverName() string
	GooseDialect() string

	// Rebind converts ?-style placeholders to the dialect's native format.
	Rebind(query string) string

	// ForUpdateNowait is appended to single-row selects that must fail fast
	// when the row is locked by a concurrent transaction.
	ForUpdateNowait() string

	// ForUpdateSkipLocked is appended to bulk selects that should make
	// progress on unlocked rows.
	ForUpdateSkipLocked() string

	// IsLockNotAvailable reports whether err means a row lock could not be
	// taken; callers surface this as a retryable condition.
	IsLockNotAvailable(err error) bool
}

// dialectForURI picks the dialect from the connection URI and returns the
// DSN the driver expects.
func dialectForURI(uri string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return postgresDialect{}, uri, nil
	case strings.HasPrefix(uri, "sqlite://"):
		return sqliteDialect{}, strings.TrimPrefix(uri, "sqlite://"), nil
	case uri == "":
		return nil, "", fmt.Errorf("database URI is empty")
	default:
		// A bare path is treated as a sqlite file.
		return sqliteDialect{}, uri, nil
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string         { return "postgres" }
func (postgresDialect) DriverName() string   { return "pgx" }
func (postgresDialect) GooseDialect() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) ForUpdateNowait() string     { return " FOR UPDATE NOWAIT" }
func (postgresDialect) ForUpdateSkipLocked() string { return " FOR UPDATE SKIP LOCKED" }

func (postgresDialect) IsLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 55P03 lock_not_available (NOWAIT), 40P01 deadlock_detected.
		return pgErr.Code == "55P03" || pgErr.Code == "40P01"
	}
	return false
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string         { return "sqlite" }
func (sqliteDialect) DriverName() string   { return "sqlite" }
func (sqliteDialect) GooseDialect() string { return "sqlite3" }

func (sqliteDialect) Rebind(query string) string { return query }

// SQLite has a single writer; row-locking clauses degrade to plain selects.
func (sqliteDialect) ForUpdateNowait() string     { return "" }
func (sqliteDialect) ForUpdateSkipLocked() string { return "" }

func (sqliteDialect) IsLockNotAvailable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
