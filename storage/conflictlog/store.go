// Package conflictlog archives conflict resolutions in a local SQLite
// database so strategy quality can be reviewed offline.
package conflictlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/medtranslate/edge-sync/edgesync"
	syncErrors "github.com/medtranslate/edge-sync/errors"
	"github.com/medtranslate/edge-sync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var ErrStoreClosed = errors.New("conflict log is closed")

// Config holds the connection options for the conflict log.
type Config struct {
	// DataSourceName is the SQLite connection string.
	DataSourceName string

	// EnableWAL appends the WAL journal mode to the connection string.
	// Enabled by default via DefaultConfig.
	EnableWAL bool

	// TableName defaults to "resolutions".
	TableName string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "resolutions"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.Logger == nil {
		c.Logger = logging.Default().WithComponent("conflictlog")
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		if strings.Contains(c.DataSourceName, "?") {
			c.DataSourceName += "&_journal_mode=WAL"
		} else {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with WAL enabled and small pool sizes
// suited to a single-device workload.
func DefaultConfig(dataSourceName string) *Config {
	cfg := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	cfg.setDefaults()
	return cfg
}

// Store is the SQLite-backed resolution archive.
type Store struct {
	db     *sql.DB
	table  string
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

var _ edgesync.ConflictArchiver = (*Store)(nil)

// New opens the conflict log and creates the schema if needed.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("conflictlog: config cannot be nil")
	}
	cfg.setDefaults()
	if cfg.DataSourceName == "" {
		return nil, errors.New("conflictlog: DataSourceName is required")
	}

	db, err := sql.Open("sqlite3", cfg.DataSourceName)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpConflictResolve, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpConflictResolve, err)
	}

	s := &Store{db: db, table: cfg.TableName, logger: cfg.Logger}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpConflictResolve, err)
	}

	s.logger.Info("conflict log opened", "data_source", cfg.DataSourceName)
	return s, nil
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS ` + s.table + ` (
        seq          INTEGER PRIMARY KEY AUTOINCREMENT,
        id           TEXT NOT NULL UNIQUE,
        item_id      TEXT NOT NULL,
        strategy     TEXT NOT NULL,
        sub_strategy TEXT,
        scores       TEXT,
        reasons      TEXT,
        result       TEXT,
        resolved_at  TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_item_id ON ` + s.table + ` (item_id);
    CREATE INDEX IF NOT EXISTS idx_resolved_at ON ` + s.table + ` (resolved_at);
    `
	_, err := s.db.Exec(query)
	return err
}

// Archive persists one resolution record.
func (s *Store) Archive(ctx context.Context, res *edgesync.Resolution) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.NewStorageError(syncErrors.OpConflictResolve, ErrStoreClosed)
	}

	scores, err := json.Marshal(res.Scores)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpConflictResolve, err)
	}
	reasons, err := json.Marshal(res.Reasons)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpConflictResolve, err)
	}
	result, err := json.Marshal(res.Result)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpConflictResolve, err)
	}

	query := `INSERT INTO ` + s.table + ` (id, item_id, strategy, sub_strategy, scores, reasons, result, resolved_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		res.ID, res.ItemID, string(res.Strategy), res.SubStrategy,
		string(scores), string(reasons), string(result), res.ResolvedAt.UTC()); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpConflictResolve, err)
	}
	return nil
}

// Recent returns up to limit resolutions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]edgesync.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, ErrStoreClosed)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, item_id, strategy, sub_strategy, scores, reasons, result, resolved_at
              FROM ` + s.table + ` ORDER BY seq DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	defer rows.Close()

	var out []edgesync.Resolution
	for rows.Next() {
		var res edgesync.Resolution
		var strategy string
		var scores, reasons, result sql.NullString
		if err := rows.Scan(&res.ID, &res.ItemID, &strategy, &res.SubStrategy,
			&scores, &reasons, &result, &res.ResolvedAt); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}
		res.Strategy = edgesync.Strategy(strategy)
		if scores.Valid && scores.String != "" {
			_ = json.Unmarshal([]byte(scores.String), &res.Scores)
		}
		if reasons.Valid && reasons.String != "" {
			_ = json.Unmarshal([]byte(reasons.String), &res.Reasons)
		}
		if result.Valid && result.String != "" {
			_ = json.Unmarshal([]byte(result.String), &res.Result)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	return out, nil
}

// StrategyCounts returns how often each strategy was chosen.
func (s *Store) StrategyCounts(ctx context.Context) (map[edgesync.Strategy]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, ErrStoreClosed)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT strategy, COUNT(*) FROM `+s.table+` GROUP BY strategy`)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}
	defer rows.Close()

	counts := make(map[edgesync.Strategy]int)
	for rows.Next() {
		var strategy string
		var n int
		if err := rows.Scan(&strategy, &n); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}
		counts[edgesync.Strategy(strategy)] = n
	}
	return counts, rows.Err()
}

// Close releases the database handle. Subsequent calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
