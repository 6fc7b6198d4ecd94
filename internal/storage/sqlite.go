package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding navigation patterns and cached predictions.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "prefetchd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migrations that are not yet recorded in schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// timeLayout is fixed-width UTC with nanoseconds, so stored timestamps sort
// the same as text and as time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Navigation patterns ---

// RecordTransition counts one move from fromPage to toPage and folds timeOnPage
// into the running average. The increment and the average are computed by SQLite
// in a single statement, so concurrent writers for the same triple do not lose updates.
func (s *Store) RecordTransition(ctx context.Context, userID int64, fromPage, toPage string, timeOnPage int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_patterns (user_id, from_page, to_page, transition_count, avg_time_on_page, last_transition_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(user_id, from_page, to_page) DO UPDATE SET
			transition_count = user_patterns.transition_count + 1,
			avg_time_on_page = CAST(ROUND(
				(user_patterns.avg_time_on_page * user_patterns.transition_count + excluded.avg_time_on_page) * 1.0
				/ (user_patterns.transition_count + 1)) AS INTEGER),
			last_transition_at = excluded.last_transition_at`,
		userID, fromPage, toPage, timeOnPage, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

// GetPattern returns the aggregate for one (user, from, to) triple.
func (s *Store) GetPattern(ctx context.Context, userID int64, fromPage, toPage string) (NavigationPattern, error) {
	var p NavigationPattern
	var lastAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, from_page, to_page, transition_count, avg_time_on_page, last_transition_at
		FROM user_patterns WHERE user_id = ? AND from_page = ? AND to_page = ?`,
		userID, fromPage, toPage,
	).Scan(&p.UserID, &p.FromPage, &p.ToPage, &p.TransitionCount, &p.AvgTimeOnPage, &lastAt)
	if err == sql.ErrNoRows {
		return NavigationPattern{}, ErrNotFound
	}
	if err != nil {
		return NavigationPattern{}, err
	}
	if p.LastTransitionAt, err = parseTime("last_transition_at", lastAt); err != nil {
		return NavigationPattern{}, err
	}
	return p, nil
}

// TopTransitions returns the user's most frequent destinations from fromPage.
func (s *Store) TopTransitions(ctx context.Context, userID int64, fromPage string, limit int) ([]PageCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_page, transition_count FROM user_patterns
		WHERE user_id = ? AND from_page = ?
		ORDER BY transition_count DESC, last_transition_at DESC, to_page ASC
		LIMIT ?`, userID, fromPage, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying user transitions: %w", err)
	}
	return scanPageCounts(rows)
}

// GlobalTopTransitions sums transitions from fromPage across all users.
func (s *Store) GlobalTopTransitions(ctx context.Context, fromPage string, limit int) ([]PageCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_page, SUM(transition_count) AS total FROM user_patterns
		WHERE from_page = ?
		GROUP BY to_page
		ORDER BY total DESC, to_page ASC
		LIMIT ?`, fromPage, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying global transitions: %w", err)
	}
	return scanPageCounts(rows)
}

func scanPageCounts(rows *sql.Rows) ([]PageCount, error) {
	defer rows.Close()
	var results []PageCount
	for rows.Next() {
		var pc PageCount
		if err := rows.Scan(&pc.Page, &pc.Count); err != nil {
			return nil, err
		}
		results = append(results, pc)
	}
	return results, rows.Err()
}

// RecentPatterns lists the user's aggregates, most recently observed first.
func (s *Store) RecentPatterns(ctx context.Context, userID int64, limit int) ([]NavigationPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, from_page, to_page, transition_count, avg_time_on_page, last_transition_at
		FROM user_patterns WHERE user_id = ?
		ORDER BY last_transition_at DESC, transition_count DESC
		LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	var results []NavigationPattern
	for rows.Next() {
		var p NavigationPattern
		var lastAt string
		if err := rows.Scan(&p.UserID, &p.FromPage, &p.ToPage, &p.TransitionCount, &p.AvgTimeOnPage, &lastAt); err != nil {
			return nil, err
		}
		if p.LastTransitionAt, err = parseTime("last_transition_at", lastAt); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// --- Prediction cache ---

// GetPredictionCache returns the stored row for (user, page) regardless of expiry.
func (s *Store) GetPredictionCache(ctx context.Context, userID int64, currentPage string) (PredictionCacheEntry, error) {
	var e PredictionCacheEntry
	var pagesJSON, expiresAt, createdAt, updatedAt string
	var warmedAt sql.NullString
	var warmed int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, current_page, predicted_pages, confidence, cache_warmed, warmed_at,
			hit_count, miss_count, expires_at, created_at, updated_at
		FROM prediction_cache WHERE user_id = ? AND current_page = ?`, userID, currentPage,
	).Scan(&e.UserID, &e.CurrentPage, &pagesJSON, &e.Confidence, &warmed, &warmedAt,
		&e.HitCount, &e.MissCount, &expiresAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return PredictionCacheEntry{}, ErrNotFound
	}
	if err != nil {
		return PredictionCacheEntry{}, fmt.Errorf("querying prediction cache: %w", err)
	}

	e.CacheWarmed = warmed != 0
	if err := json.Unmarshal([]byte(pagesJSON), &e.PredictedPages); err != nil {
		return PredictionCacheEntry{}, fmt.Errorf("decoding predicted_pages: %w", err)
	}
	if warmedAt.Valid && warmedAt.String != "" {
		if e.WarmedAt, err = parseTime("warmed_at", warmedAt.String); err != nil {
			return PredictionCacheEntry{}, err
		}
	}
	if e.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return PredictionCacheEntry{}, err
	}
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return PredictionCacheEntry{}, err
	}
	if e.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return PredictionCacheEntry{}, err
	}
	return e, nil
}

// UpsertPredictionCache writes a freshly warmed prediction. An existing row keeps
// its hit_count, miss_count and created_at.
func (s *Store) UpsertPredictionCache(ctx context.Context, e PredictionCacheEntry) error {
	pages := e.PredictedPages
	if pages == nil {
		pages = []string{}
	}
	pagesJSON, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("encoding predicted_pages: %w", err)
	}
	warmed := 0
	if e.CacheWarmed {
		warmed = 1
	}
	now := formatTime(e.WarmedAt)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prediction_cache (user_id, current_page, predicted_pages, confidence, cache_warmed, warmed_at,
			hit_count, miss_count, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
		ON CONFLICT(user_id, current_page) DO UPDATE SET
			predicted_pages = excluded.predicted_pages,
			confidence = excluded.confidence,
			cache_warmed = excluded.cache_warmed,
			warmed_at = excluded.warmed_at,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		e.UserID, e.CurrentPage, string(pagesJSON), e.Confidence, warmed, now,
		formatTime(e.ExpiresAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting prediction cache: %w", err)
	}
	return nil
}

// IncrementCacheOutcome bumps hit_count when hit is true, miss_count otherwise.
func (s *Store) IncrementCacheOutcome(ctx context.Context, userID int64, currentPage string, hit bool, now time.Time) error {
	query := `UPDATE prediction_cache SET miss_count = miss_count + 1, updated_at = ? WHERE user_id = ? AND current_page = ?`
	if hit {
		query = `UPDATE prediction_cache SET hit_count = hit_count + 1, updated_at = ? WHERE user_id = ? AND current_page = ?`
	}
	res, err := s.db.ExecContext(ctx, query, formatTime(now), userID, currentPage)
	if err != nil {
		return fmt.Errorf("recording cache outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CacheTotals counts the user's cache rows and sums their hit/miss counters.
func (s *Store) CacheTotals(ctx context.Context, userID int64) (CacheTotals, error) {
	var t CacheTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(hit_count), 0), COALESCE(SUM(miss_count), 0)
		FROM prediction_cache WHERE user_id = ?`, userID,
	).Scan(&t.Entries, &t.Hits, &t.Misses)
	if err != nil {
		return CacheTotals{}, fmt.Errorf("aggregating prediction cache: %w", err)
	}
	return t, nil
}

// DeleteExpiredCache removes rows whose expires_at is before now.
func (s *Store) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prediction_cache WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired cache rows: %w", err)
	}
	return res.RowsAffected()
}

// TableCounts reports the total row counts of both tables.
func (s *Store) TableCounts(ctx context.Context) (patterns, cacheEntries int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_patterns`).Scan(&patterns); err != nil {
		return 0, 0, fmt.Errorf("counting patterns: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prediction_cache`).Scan(&cacheEntries); err != nil {
		return 0, 0, fmt.Errorf("counting cache entries: %w", err)
	}
	return patterns, cacheEntries, nil
}
