package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect captures the SQL differences between the supported backends.
type Dialect struct {
	Name       string
	DriverName string
}

var (
	SQLite   = Dialect{Name: "sqlite", DriverName: "sqlite"}
	Postgres = Dialect{Name: "pgx", DriverName: "pgx"}
)

func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "":
		return SQLite, nil
	case "pgx", "postgres":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d.Name != Postgres.Name {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) monitoringDDL(table string) string {
	if d.Name == Postgres.Name {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			ts TEXT,
			duration_secs DOUBLE PRECISION,
			transactional_rows BIGINT,
			aggregated_rows BIGINT,
			total_revenue DOUBLE PRECISION,
			notes TEXT
		);`, table)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT,
			duration_secs REAL,
			transactional_rows INTEGER,
			aggregated_rows INTEGER,
			total_revenue REAL,
			notes TEXT
		);`, table)
}

func (d Dialect) columnsQuery(table string) (string, []any) {
	if d.Name == Postgres.Name {
		return `SELECT column_name FROM information_schema.columns
			WHERE table_name = $1 ORDER BY ordinal_position`, []any{table}
	}
	return fmt.Sprintf(`SELECT name FROM pragma_table_info('%s') ORDER BY cid`, table), nil
}

// Open connects and pings the database. For sqlite the parent directory of a
// plain file path is created first, and the pool is limited to a single
// connection since the monitoring table has one writer.
func Open(ctx context.Context, d Dialect, dsn string, pingTimeout time.Duration) (*sql.DB, error) {
	if d.Name == SQLite.Name && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if d.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	}

	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func validIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}
