// Package directory implements the persisted user-limit lookup using
// SQLite via modernc.org/sqlite.
package directory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	proxy "github.com/bahtman/litellm/internal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite serves per-user limit overrides for the gate's LimitResolver.
type SQLite struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

// New opens a SQLite database, runs migrations, and returns the directory.
func New(dsn string) (*SQLite, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	// For :memory: databases, use shared cache so read/write pools share the same data
	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &SQLite{write: write, read: read}, nil
}

// runMigrations applies embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// GetUserLimits returns the persisted overrides for a user, or (nil, nil)
// when the user has none.
func (s *SQLite) GetUserLimits(ctx context.Context, userID string) (*proxy.UserLimits, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT user_id, tpm_limit, rpm_limit, max_parallel_requests
		 FROM user_limits WHERE user_id=?`, userID,
	)

	var ul proxy.UserLimits
	var tpm, rpm, maxPar sql.NullInt64
	err := row.Scan(&ul.UserID, &tpm, &rpm, &maxPar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user limits: %w", err)
	}
	if tpm.Valid {
		ul.TPMLimit = &tpm.Int64
	}
	if rpm.Valid {
		ul.RPMLimit = &rpm.Int64
	}
	if maxPar.Valid {
		ul.MaxParallelRequests = &maxPar.Int64
	}
	return &ul, nil
}

// UpsertUserLimits inserts or replaces a user's overrides.
func (s *SQLite) UpsertUserLimits(ctx context.Context, ul *proxy.UserLimits) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO user_limits (user_id, tpm_limit, rpm_limit, max_parallel_requests)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   tpm_limit=excluded.tpm_limit,
		   rpm_limit=excluded.rpm_limit,
		   max_parallel_requests=excluded.max_parallel_requests`,
		ul.UserID, nullInt(ul.TPMLimit), nullInt(ul.RPMLimit), nullInt(ul.MaxParallelRequests),
	)
	return err
}

// DeleteUserLimits removes a user's overrides.
func (s *SQLite) DeleteUserLimits(ctx context.Context, userID string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM user_limits WHERE user_id=?`, userID)
	return err
}

// Ping verifies database connectivity by pinging the read pool.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *SQLite) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
