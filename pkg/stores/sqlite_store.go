package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeFormat has a fixed width so timestamps compare as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database. File databases run in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Record implements controller.Journal.
func (s *SQLiteStore) Record(ctx context.Context, entry controller.JournalEntry) error {
	op, err := json.Marshal(entry.Operation)
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}

	var comp *string
	if entry.Compensating != nil {
		data, err := json.Marshal(*entry.Compensating)
		if err != nil {
			return fmt.Errorf("failed to encode compensating operation: %w", err)
		}
		c := string(data)
		comp = &c
	}

	var failure *string
	if entry.Failure != "" {
		failure = &entry.Failure
	}

	recordedAt := entry.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	query := `
		INSERT INTO journal (id, operation_name, address, operation, mode, outcome, compensating, failure, recorded_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Operation.Name(),
		entry.Operation.Address().String(),
		string(op),
		entry.Mode,
		entry.Outcome,
		comp,
		failure,
		recordedAt.UTC().Format(timeFormat),
		int64(entry.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

const entryColumns = `seq, id, operation, mode, outcome, compensating, failure, recorded_at, duration_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		op         string
		comp       sql.NullString
		failure    sql.NullString
		recordedAt string
		duration   int64
	)
	if err := row.Scan(&e.Seq, &e.ID, &op, &e.Mode, &e.Outcome, &comp, &failure, &recordedAt, &duration); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(op), &e.Operation); err != nil {
		return nil, fmt.Errorf("failed to decode operation of entry %s: %w", e.ID, err)
	}
	if comp.Valid {
		var c model.Operation
		if err := json.Unmarshal([]byte(comp.String), &c); err != nil {
			return nil, fmt.Errorf("failed to decode compensating operation of entry %s: %w", e.ID, err)
		}
		e.Compensating = &c
	}
	e.Failure = failure.String

	t, err := time.Parse(timeFormat, recordedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp of entry %s: %w", e.ID, err)
	}
	e.RecordedAt = t
	e.Duration = time.Duration(duration)
	return &e, nil
}

// Get retrieves an entry by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM journal WHERE id = ?`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entry: %w", err)
	}
	return e, nil
}

// List returns entries matching filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Address != nil && !filter.Address.IsRoot() {
		prefix := filter.Address.String()
		where = append(where, "(address = ? OR substr(address, 1, ?) = ?)")
		args = append(args, prefix, len(prefix)+1, prefix+"/")
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, filter.Mode)
	}
	if !filter.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}

	query := `SELECT ` + entryColumns + ` FROM journal`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}
	return entries, nil
}

// Compensating returns the operation that undoes entry id.
func (s *SQLiteStore) Compensating(ctx context.Context, id string) (model.Operation, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return model.Operation{}, err
	}
	if e.Compensating == nil {
		return model.Operation{}, fmt.Errorf("%w: %s", ErrNoCompensation, id)
	}
	return *e.Compensating, nil
}

// Prune deletes entries recorded before the given time.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE recorded_at < ?`, before.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// HealthCheck checks that the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
