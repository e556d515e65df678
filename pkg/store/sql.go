package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

type sqlBackend struct {
	dialect dialect
	db      *sql.DB
}

func openSQL(ctx context.Context, driver, dsn string) (*sqlBackend, error) {
	var (
		driverName string
		d          = dialectSQLite
	)
	switch driver {
	case DriverSQLite:
		// modernc.org/sqlite, no cgo.
		driverName = "sqlite"
		if dsn == "" {
			dsn = filepath.Join("data", "tilesync.db")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	case DriverSQLite3:
		driverName = "sqlite3"
		if dsn == "" {
			dsn = filepath.Join("data", "tilesync.db")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPostgres:
		driverName = "pgx"
		d = dialectPostgres
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
		}
		if dsn == "" {
			return nil, errors.New("postgres store requires a DSN or DATABASE_URL")
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if d == dialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	b := &sqlBackend{dialect: d, db: db}
	if err := b.applyMigrations(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqlBackend) bind(pos int) string {
	if b.dialect == dialectPostgres {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}

func (b *sqlBackend) applyMigrations(ctx context.Context) error {
	create := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`
	if _, err := b.db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := b.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate schema migrations: %w", err)
	}
	rows.Close()

	files, err := fs.Glob(migrationFS, fmt.Sprintf("migrations/%s/*.sql", b.dialect))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := filepath.Base(file)
		if applied[base] {
			continue
		}
		stmt, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(stmt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		q := fmt.Sprintf("INSERT INTO schema_migrations (version, applied_at) VALUES (%s, %s)", b.bind(1), b.bind(2))
		if _, err := tx.ExecContext(ctx, q, base, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

func (b *sqlBackend) Put(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf(`INSERT INTO kv (full_key, value, updated_at) VALUES (%s, %s, %s)
		ON CONFLICT (full_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		b.bind(1), b.bind(2), b.bind(3))
	_, err := b.db.ExecContext(ctx, q, key, value, time.Now().UTC())
	return err
}

func (b *sqlBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	q := fmt.Sprintf("SELECT value FROM kv WHERE full_key = %s", b.bind(1))
	var value []byte
	err := b.db.QueryRowContext(ctx, q, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *sqlBackend) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf("DELETE FROM kv WHERE full_key = %s", b.bind(1))
	_, err := b.db.ExecContext(ctx, q, key)
	return err
}

// Keys matches with substr rather than LIKE so that '_' in a prefix is literal.
func (b *sqlBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	q := fmt.Sprintf("SELECT full_key FROM kv WHERE substr(full_key, 1, %s) = %s ORDER BY full_key", b.bind(1), b.bind(2))
	rows, err := b.db.QueryContext(ctx, q, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}
