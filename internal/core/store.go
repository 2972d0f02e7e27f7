package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// LaunchRecord is one launch attempt as kept in history.
type LaunchRecord struct {
	ID        string
	Target    string
	Outcome   string
	Message   string
	PID       int
	Host      string
	CreatedAt time.Time
}

// Store is the launch history, backed by SQLite or PostgreSQL.
type Store struct {
	db     *sql.DB
	driver string
}

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(driver, dsn string) (*Store, error) {
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
				return nil, fmt.Errorf("mkdir store dir: %w", err)
			}
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// one writer; also keeps :memory: on a single connection
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) RecordLaunch(ctx context.Context, r LaunchRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO launches (id, target, outcome, message, pid, host, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Target, r.Outcome, r.Message, r.PID, r.Host, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert launch: %w", err)
	}
	return nil
}

// ListLaunches returns the newest launches first. An empty target lists all.
func (s *Store) ListLaunches(ctx context.Context, target string, limit int) ([]LaunchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, target, outcome, message, pid, host, created_at FROM launches`
	args := []interface{}{}
	if target != "" {
		q += ` WHERE target = ?`
		args = append(args, target)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query launches: %w", err)
	}
	defer rows.Close()
	var out []LaunchRecord
	for rows.Next() {
		var r LaunchRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.Target, &r.Outcome, &r.Message, &r.PID, &r.Host, &created); err != nil {
			return nil, fmt.Errorf("scan launch: %w", err)
		}
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
