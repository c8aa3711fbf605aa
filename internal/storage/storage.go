// Package storage provides SQLite-backed persistence for the watchlist,
// alerts, and client preferences.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/models"
)

const (
	keyPreferences     = "preferences"
	keyWatchlistSaved  = "watchlist.saved"
	inMemoryDataSource = ":memory:"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db   *sql.DB
	path string
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/quotesync/state.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "quotesync", "state.db")
	}
	if dbPath != inMemoryDataSource {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps one :memory: database alive
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, path: dbPath}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Open is New with a fallback: when the database cannot be opened (missing
// directory permissions, corrupt file) it logs at debug level and returns an
// in-memory database so startup never fails on local state.
func Open(dbPath string) *Storage {
	s, err := New(dbPath)
	if err == nil {
		return s
	}
	logger.Debug("Local state unavailable at %q, using in-memory defaults: %v", dbPath, err)
	s, err = New(inMemoryDataSource)
	if err != nil {
		// the pure-Go driver always opens :memory:
		panic(fmt.Sprintf("in-memory sqlite failed: %v", err))
	}
	return s
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the data source in use.
func (s *Storage) Path() string {
	return s.path
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS watchlist (
			symbol       TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			position     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id           TEXT PRIMARY KEY,
			symbol       TEXT NOT NULL,
			condition    TEXT NOT NULL,
			target_price TEXT NOT NULL,
			triggered    INTEGER NOT NULL DEFAULT 0,
			triggered_at INTEGER,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON alerts(symbol)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the raw value stored under key.
func (s *Storage) Get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key.
func (s *Storage) Set(key, value string) error {
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// LoadPreferences returns the persisted preferences, or the defaults when
// nothing is stored or the stored value cannot be parsed.
func (s *Storage) LoadPreferences() models.Preferences {
	raw, ok, err := s.Get(keyPreferences)
	if err != nil {
		logger.Debug("Falling back to default preferences: %v", err)
		return models.DefaultPreferences()
	}
	if !ok {
		return models.DefaultPreferences()
	}
	p := models.DefaultPreferences()
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		logger.Debug("Falling back to default preferences, stored value unreadable: %v", err)
		return models.DefaultPreferences()
	}
	return p.Normalize()
}

// SavePreferences persists p.
func (s *Storage) SavePreferences(p models.Preferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	return s.Set(keyPreferences, string(raw))
}

// LoadWatchlist returns the saved watchlist in user order. ok is false when
// no watchlist has ever been saved.
func (s *Storage) LoadWatchlist() (entries []models.WatchlistEntry, ok bool, err error) {
	if _, ok, err = s.Get(keyWatchlistSaved); err != nil || !ok {
		return nil, false, err
	}
	rows, err := s.db.Query(`SELECT symbol, display_name FROM watchlist ORDER BY position`)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	entries = []models.WatchlistEntry{}
	for rows.Next() {
		var e models.WatchlistEntry
		if err := rows.Scan(&e.Symbol, &e.DisplayName); err != nil {
			return nil, false, fmt.Errorf("failed to scan watchlist entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, true, rows.Err()
}

// SaveWatchlist replaces the saved watchlist.
func (s *Storage) SaveWatchlist(entries []models.WatchlistEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM watchlist`); err != nil {
		return fmt.Errorf("failed to clear watchlist: %w", err)
	}
	for i, e := range entries {
		if _, err := tx.Exec(`INSERT INTO watchlist (symbol, display_name, position) VALUES (?,?,?)`,
			e.Symbol, e.DisplayName, i); err != nil {
			return fmt.Errorf("failed to insert %s: %w", e.Symbol, err)
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO kv (key, value) VALUES (?, '1')`, keyWatchlistSaved); err != nil {
		return fmt.Errorf("failed to mark watchlist saved: %w", err)
	}
	return tx.Commit()
}

// SaveAlert inserts or replaces one alert.
func (s *Storage) SaveAlert(a models.Alert) error {
	return saveAlert(s.db, a)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func saveAlert(db execer, a models.Alert) error {
	var triggeredAt sql.NullInt64
	if a.TriggeredAt != nil {
		triggeredAt = sql.NullInt64{Int64: a.TriggeredAt.UnixNano(), Valid: true}
	}
	_, err := db.Exec(`
		INSERT OR REPLACE INTO alerts
			(id, symbol, condition, target_price, triggered, triggered_at, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Symbol, string(a.Condition), a.TargetPrice.String(),
		boolToInt(a.Triggered), triggeredAt, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

// ReplaceAlerts makes the saved alert set equal to list: every alert in list
// is upserted and saved alerts whose id is absent from list are deleted.
// Rows are never cleared wholesale, so a concurrent SaveAlert of an id in
// list is not lost to a delete.
func (s *Storage) ReplaceAlerts(list []models.Alert) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	keep := make(map[string]bool, len(list))
	for _, a := range list {
		keep[a.ID] = true
		if err := saveAlert(tx, a); err != nil {
			return err
		}
	}

	rows, err := tx.Query(`SELECT id FROM alerts`)
	if err != nil {
		return fmt.Errorf("failed to query alert ids: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan alert id: %w", err)
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, id := range stale {
		if _, err := tx.Exec(`DELETE FROM alerts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete alert %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// DeleteAlert removes an alert; deleting an unknown id is not an error.
func (s *Storage) DeleteAlert(id string) error {
	if _, err := s.db.Exec(`DELETE FROM alerts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete alert %s: %w", id, err)
	}
	return nil
}

// LoadAlerts returns every saved alert ordered by creation time. Rows that
// cannot be decoded are skipped.
func (s *Storage) LoadAlerts() ([]models.Alert, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, condition, target_price, triggered, triggered_at, created_at
		FROM alerts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		var (
			a             models.Alert
			cond, target  string
			triggered     int
			triggeredAt   sql.NullInt64
			createdAtNano int64
		)
		if err := rows.Scan(&a.ID, &a.Symbol, &cond, &target, &triggered, &triggeredAt, &createdAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		price, err := decimal.NewFromString(target)
		if err != nil {
			logger.Debug("Skipping stored alert %s with bad target %q", a.ID, target)
			continue
		}
		a.Condition = models.Condition(cond)
		a.TargetPrice = price
		a.Triggered = triggered != 0
		if triggeredAt.Valid {
			at := time.Unix(0, triggeredAt.Int64)
			a.TriggeredAt = &at
		}
		a.CreatedAt = time.Unix(0, createdAtNano)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
