package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/weftworks/weft/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	cfg       Config
	maxTables int
	maxBytes  int64

	// apps caches applications already admitted against the sub-table cap.
	mu   sync.Mutex
	apps map[string]bool
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	maxTables, err := cfg.resolveMaxTables()
	if err != nil {
		return nil, engine.NewPermanentError("store misconfigured", err).
			WithCode(engine.ErrCodeConfig)
	}
	maxBytes, err := cfg.resolveMaxMapSize()
	if err != nil {
		return nil, engine.NewPermanentError("store misconfigured", err).
			WithCode(engine.ErrCodeConfig)
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

	return &SQLiteStore{
		cfg:       cfg,
		maxTables: maxTables,
		maxBytes:  maxBytes,
		apps:      make(map[string]bool),
	}, nil
}

// Init opens the database, enables WAL mode, and caps the backing map size.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	if s.cfg.Path == ":memory:" {
		// An in-memory database exists per connection.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Enforce the backing map size via the page budget.
	var pageSize int64
	if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to read page size: %w", err)
	}
	if pageSize > 0 {
		maxPages := s.maxBytes / pageSize
		if maxPages < 1 {
			maxPages = 1
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", maxPages)); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to cap database size: %w", err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database connection.
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

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// ensureApp admits an application against the named sub-table cap. Every
// application owns two logical sub-tables: {app}:memo and {app}:targets.
func (s *SQLiteStore) ensureApp(ctx context.Context, app string) error {
	s.mu.Lock()
	admitted := s.apps[app]
	s.mu.Unlock()
	if admitted {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT app FROM (
			SELECT app FROM memo_entries
			UNION SELECT app FROM target_tracking
			UNION SELECT app FROM components
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to count applications: %w", err)
	}
	defer rows.Close()

	known := false
	count := 0
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return fmt.Errorf("failed to scan application: %w", err)
		}
		count++
		if a == app {
			known = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating applications: %w", err)
	}

	if !known {
		count++
	}
	if 2*count > s.maxTables {
		return engine.NewPermanentError(
			fmt.Sprintf("sub-table limit exceeded: %d applications need %d sub-tables, limit is %d",
				count, 2*count, s.maxTables), nil).
			WithCode(engine.ErrCodeConfig)
	}

	s.mu.Lock()
	s.apps[app] = true
	s.mu.Unlock()
	return nil
}

// GetMemo returns the memo entry for a call site, or nil when none exists.
func (s *SQLiteStore) GetMemo(ctx context.Context, app, site string) (*engine.MemoEntry, error) {
	query := `
		SELECT site, fingerprint, value, freshness, updated_at
		FROM memo_entries
		WHERE app = ? AND site = ?
	`

	entry := &engine.MemoEntry{}
	var freshness []byte
	var value []byte
	err := s.db.QueryRowContext(ctx, query, app, site).Scan(
		&entry.Site,
		&entry.Fingerprint,
		&value,
		&freshness,
		&entry.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memo entry: %w", err)
	}

	entry.Value = value
	if len(freshness) > 0 {
		if err := json.Unmarshal(freshness, &entry.Freshness); err != nil {
			return nil, fmt.Errorf("failed to decode freshness states: %w", err)
		}
	}
	return entry, nil
}

// PutMemo creates or overwrites the memo entry for a call site.
func (s *SQLiteStore) PutMemo(ctx context.Context, app string, entry *engine.MemoEntry) error {
	if err := s.ensureApp(ctx, app); err != nil {
		return err
	}

	var freshness []byte
	if len(entry.Freshness) > 0 {
		b, err := json.Marshal(entry.Freshness)
		if err != nil {
			return fmt.Errorf("failed to encode freshness states: %w", err)
		}
		freshness = b
	}

	query := `
		INSERT INTO memo_entries (app, site, fingerprint, value, freshness, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(app, site) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			value = excluded.value,
			freshness = excluded.freshness,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		app,
		entry.Site,
		entry.Fingerprint,
		[]byte(entry.Value),
		freshness,
		entry.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put memo entry: %w", err)
	}
	return nil
}

// trackingRow is one raw row of the target_tracking table.
type trackingRow struct {
	componentPath string
	targetKey     string
	record        engine.TrackingRecord
	staged        bool
}

func (s *SQLiteStore) queryTracking(ctx context.Context, where string, args ...any) ([]trackingRow, error) {
	query := `
		SELECT component_path, target_key, record, staged
		FROM target_tracking
		WHERE ` + where + `
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracking records: %w", err)
	}
	defer rows.Close()

	out := []trackingRow{}
	for rows.Next() {
		var r trackingRow
		var record []byte
		var staged int
		if err := rows.Scan(&r.componentPath, &r.targetKey, &record, &staged); err != nil {
			return nil, fmt.Errorf("failed to scan tracking record: %w", err)
		}
		if err := json.Unmarshal(record, &r.record); err != nil {
			return nil, fmt.Errorf("failed to decode tracking record: %w", err)
		}
		r.staged = staged != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracking records: %w", err)
	}
	return out, nil
}

// groupTracking folds raw rows into per-key tracked targets, preserving row
// order within each key.
func groupTracking(rows []trackingRow) []engine.TrackedTarget {
	index := make(map[string]int)
	out := []engine.TrackedTarget{}
	for _, r := range rows {
		k := r.componentPath + "\x1f" + r.targetKey
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, engine.TrackedTarget{
				ComponentPath: r.componentPath,
				Key:           r.targetKey,
			})
		}
		if r.staged {
			out[i].Staged = append(out[i].Staged, r.record)
		} else {
			out[i].Records = append(out[i].Records, r.record)
		}
	}
	return out
}

// GetTracked returns the tracked view of one target key, or nil when the key
// has no committed or staged records.
func (s *SQLiteStore) GetTracked(ctx context.Context, app, componentPath, key string) (*engine.TrackedTarget, error) {
	rows, err := s.queryTracking(ctx,
		"app = ? AND component_path = ? AND target_key = ?",
		app, componentPath, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	grouped := groupTracking(rows)
	return &grouped[0], nil
}

// ListTracked returns all tracked keys of one component.
func (s *SQLiteStore) ListTracked(ctx context.Context, app, componentPath string) ([]engine.TrackedTarget, error) {
	rows, err := s.queryTracking(ctx,
		"app = ? AND component_path = ?",
		app, componentPath)
	if err != nil {
		return nil, err
	}
	return groupTracking(rows), nil
}

// ListAllTracked returns every tracked target of an application.
func (s *SQLiteStore) ListAllTracked(ctx context.Context, app string) ([]engine.TrackedTarget, error) {
	rows, err := s.queryTracking(ctx, "app = ?", app)
	if err != nil {
		return nil, err
	}
	return groupTracking(rows), nil
}

// StageTracking durably records the intent to apply an action before the
// action executes.
func (s *SQLiteStore) StageTracking(ctx context.Context, app, componentPath, key string, rec engine.TrackingRecord) error {
	if err := s.ensureApp(ctx, app); err != nil {
		return err
	}

	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode tracking record: %w", err)
	}

	query := `
		INSERT INTO target_tracking (app, component_path, target_key, record, staged, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, app, componentPath, key, record, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to stage tracking record: %w", err)
	}
	return nil
}

// PromoteTracking atomically replaces every candidate record of a key after
// its action succeeded. A nil record clears the key entirely.
func (s *SQLiteStore) PromoteTracking(ctx context.Context, app, componentPath, key string, rec *engine.TrackingRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM target_tracking WHERE app = ? AND component_path = ? AND target_key = ?",
		app, componentPath, key); err != nil {
		return fmt.Errorf("failed to clear tracking records: %w", err)
	}

	if rec != nil {
		record, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode tracking record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO target_tracking (app, component_path, target_key, record, staged, created_at)
			VALUES (?, ?, ?, ?, 0, ?)
		`, app, componentPath, key, record, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to promote tracking record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tracking promotion: %w", err)
	}
	return nil
}

// PutComponent records that a path was mounted under a parent.
func (s *SQLiteStore) PutComponent(ctx context.Context, app, path, parentPath string) error {
	if err := s.ensureApp(ctx, app); err != nil {
		return err
	}

	query := `
		INSERT INTO components (app, path, parent_path, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(app, path) DO UPDATE SET
			parent_path = excluded.parent_path,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, app, path, parentPath, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to put component: %w", err)
	}
	return nil
}

// DeleteComponent removes a path from the component registry.
func (s *SQLiteStore) DeleteComponent(ctx context.Context, app, path string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM components WHERE app = ? AND path = ?", app, path); err != nil {
		return fmt.Errorf("failed to delete component: %w", err)
	}
	return nil
}

// ListChildComponents returns the encoded paths mounted under a parent.
func (s *SQLiteStore) ListChildComponents(ctx context.Context, app, parentPath string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path FROM components WHERE app = ? AND parent_path = ? ORDER BY path ASC",
		app, parentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list child components: %w", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan component path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating components: %w", err)
	}
	return paths, nil
}

// ListApps returns the names of all applications present in the store.
func (s *SQLiteStore) ListApps(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT app FROM (
			SELECT app FROM memo_entries
			UNION SELECT app FROM target_tracking
			UNION SELECT app FROM components
		)
		ORDER BY app ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	apps := []string{}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applications: %w", err)
	}
	return apps, nil
}

// DropApp removes all memo entries, tracking records, and component rows of
// an application.
func (s *SQLiteStore) DropApp(ctx context.Context, app string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"memo_entries", "target_tracking", "components"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE app = ?", app); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit drop: %w", err)
	}

	s.mu.Lock()
	delete(s.apps, app)
	s.mu.Unlock()
	return nil
}
