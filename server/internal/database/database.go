package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zhaobenny/haikugate/internal/ledger"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// APIKey is a caller credential for the generation API
type APIKey struct {
	Key        string
	Name       string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Generation is one successful upstream generation, kept for usage reporting
type Generation struct {
	ID           int64
	SourceID     string
	Language     string
	Model        string
	APIKey       string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	CreatedAt    time.Time
}

// AggregatedUsage is generation usage summed over a period
type AggregatedUsage struct {
	Period       string  `json:"period"`
	Generations  int64   `json:"generations"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost_usd"`
}

// Open opens a SQLite database connection
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to avoid "database is locked" errors under concurrent load
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Migrate creates the database schema
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		key TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS quota_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_quota_events_subject ON quota_events(kind, subject, at);

	CREATE TABLE IF NOT EXISTS generations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		language TEXT NOT NULL,
		model TEXT NOT NULL,
		api_key TEXT,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost REAL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_generations_created ON generations(created_at);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		expiry REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expiry);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateAPIKey stores a new API key
func (db *DB) CreateAPIKey(k *APIKey) error {
	_, err := db.Exec(
		`INSERT INTO api_keys (key, name, created_at) VALUES (?, ?, ?)`,
		k.Key, k.Name, k.CreatedAt.UTC(),
	)
	return err
}

// GetAPIKey retrieves an API key, returning nil when it does not exist
func (db *DB) GetAPIKey(key string) (*APIKey, error) {
	k := &APIKey{}
	var lastUsed sql.NullTime
	err := db.QueryRow(
		`SELECT key, name, created_at, last_used_at FROM api_keys WHERE key = ?`,
		key,
	).Scan(&k.Key, &k.Name, &k.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return k, nil
}

// ListAPIKeys returns all keys ordered by creation time
func (db *DB) ListAPIKeys() ([]APIKey, error) {
	rows, err := db.Query(`SELECT key, name, created_at, last_used_at FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.Key, &k.Name, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			k.LastUsedAt = &lastUsed.Time
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey updates the last use time of a key
func (db *DB) TouchAPIKey(key string, at time.Time) error {
	_, err := db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE key = ?`, at.UTC(), key)
	return err
}

// DeleteAPIKey revokes a key by name
func (db *DB) DeleteAPIKey(name string) (bool, error) {
	res, err := db.Exec(`DELETE FROM api_keys WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Load returns the quota events for subject at or after since
func (db *DB) Load(ctx context.Context, window ledger.Window, subject string, since time.Time) ([]time.Time, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT at FROM quota_events WHERE kind = ? AND subject = ? AND at >= ? ORDER BY at`,
		string(window), subject, since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		events = append(events, at)
	}
	return events, rows.Err()
}

// Append stores one quota event
func (db *DB) Append(ctx context.Context, window ledger.Window, subject string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO quota_events (kind, subject, at) VALUES (?, ?, ?)`,
		string(window), subject, at.UTC(),
	)
	return err
}

// Prune deletes quota events older than before
func (db *DB) Prune(ctx context.Context, window ledger.Window, before time.Time) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM quota_events WHERE kind = ? AND at < ?`,
		string(window), before.UTC(),
	)
	return err
}

// Clear deletes every quota event of subject
func (db *DB) Clear(ctx context.Context, window ledger.Window, subject string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM quota_events WHERE kind = ? AND subject = ?`,
		string(window), subject,
	)
	return err
}

// InsertGeneration records a successful generation
func (db *DB) InsertGeneration(g *Generation) error {
	res, err := db.Exec(
		`INSERT INTO generations
		(source_id, language, model, api_key, input_tokens, output_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.SourceID, g.Language, g.Model, g.APIKey, g.InputTokens, g.OutputTokens, g.Cost, g.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	g.ID, _ = res.LastInsertId()
	return nil
}

// GetUsageByDay returns generation usage per UTC day for the last days days,
// newest first
func (db *DB) GetUsageByDay(days int) ([]AggregatedUsage, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := db.Query(`
		SELECT DATE(created_at) AS day, COUNT(*),
		       COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
		FROM generations
		WHERE created_at >= ?
		GROUP BY day
		ORDER BY day DESC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AggregatedUsage
	for rows.Next() {
		var u AggregatedUsage
		if err := rows.Scan(&u.Period, &u.Generations, &u.InputTokens, &u.OutputTokens, &u.Cost); err != nil {
			return nil, err
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// GetTotalUsage sums all recorded generations
func (db *DB) GetTotalUsage() (*AggregatedUsage, error) {
	u := AggregatedUsage{Period: "total"}
	err := db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
		FROM generations
	`).Scan(&u.Generations, &u.InputTokens, &u.OutputTokens, &u.Cost)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

var _ ledger.EventStore = (*DB)(nil)
