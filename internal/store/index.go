package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/powercast/internal/database"
	"github.com/aristath/powercast/internal/market"
)

// IndexEntry is one row of the storage index. FilePath is relative to the
// store root so the data directory stays relocatable.
type IndexEntry struct {
	Product             market.Product `json:"product"`
	StartTime           time.Time      `json:"start_time"`
	EndTime             time.Time      `json:"end_time"`
	GenerationTimestamp time.Time      `json:"generation_timestamp"`
	IsFallback          bool           `json:"is_fallback"`
	FilePath            string         `json:"file_path"`
	SchemaVersion       string         `json:"schema_version"`
}

const indexColumns = "product, start_time, end_time, generation_timestamp, is_fallback, file_path, schema_version"

// indexRepository runs the SQL behind the storage index.
type indexRepository struct {
	db  *database.DB
	loc *time.Location
}

func newIndexRepository(db *database.DB, loc *time.Location) *indexRepository {
	return &indexRepository{db: db, loc: loc}
}

func (r *indexRepository) insert(tx *sql.Tx, e *IndexEntry) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO artifacts (`+indexColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.Product),
		e.StartTime.Unix(),
		e.EndTime.Unix(),
		e.GenerationTimestamp.Unix(),
		e.IsFallback,
		e.FilePath,
		e.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to insert index entry for %s: %w", e.Product, err)
	}
	return nil
}

// findByDate returns the newest artifact whose window contains ts.
func (r *indexRepository) findByDate(product market.Product, ts time.Time) (*IndexEntry, error) {
	row := r.db.QueryRow(`
		SELECT `+indexColumns+`
		FROM artifacts
		WHERE product = ? AND start_time <= ? AND end_time > ?
		ORDER BY generation_timestamp DESC
		LIMIT 1`,
		string(product), ts.Unix(), ts.Unix(),
	)
	return r.scanEntry(row)
}

// findRange returns all artifacts intersecting [start, end], ordered by
// start time then generation time.
func (r *indexRepository) findRange(product market.Product, start, end time.Time) ([]*IndexEntry, error) {
	rows, err := r.db.Query(`
		SELECT `+indexColumns+`
		FROM artifacts
		WHERE product = ? AND start_time <= ? AND end_time > ?
		ORDER BY start_time ASC, generation_timestamp ASC`,
		string(product), end.Unix(), start.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query index range: %w", err)
	}
	defer rows.Close()

	var entries []*IndexEntry
	for rows.Next() {
		entry, err := r.scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// findLatest returns the newest artifact of product regardless of window
// containment, by start time then generation time.
func (r *indexRepository) findLatest(product market.Product) (*IndexEntry, error) {
	row := r.db.QueryRow(`
		SELECT `+indexColumns+`
		FROM artifacts
		WHERE product = ?
		ORDER BY start_time DESC, generation_timestamp DESC
		LIMIT 1`,
		string(product),
	)
	return r.scanEntry(row)
}

// findLatestNonFallbackBefore returns the newest artifact with
// is_fallback=false whose window starts before ts. Windows overlap day to
// day, so the start time is what orders recency.
func (r *indexRepository) findLatestNonFallbackBefore(product market.Product, ts time.Time) (*IndexEntry, error) {
	row := r.db.QueryRow(`
		SELECT `+indexColumns+`
		FROM artifacts
		WHERE product = ? AND is_fallback = 0 AND start_time < ?
		ORDER BY start_time DESC, generation_timestamp DESC
		LIMIT 1`,
		string(product), ts.Unix(),
	)
	return r.scanEntry(row)
}

func (r *indexRepository) clear(tx *sql.Tx) error {
	if _, err := tx.Exec(`DELETE FROM artifacts`); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}
	return nil
}

// coverage summarizes one product's index rows.
type coverage struct {
	Count         int        `json:"count"`
	FallbackCount int        `json:"fallback_count"`
	Oldest        *time.Time `json:"oldest,omitempty"`
	Newest        *time.Time `json:"newest,omitempty"`
}

func (r *indexRepository) coverageByProduct() (map[market.Product]coverage, error) {
	rows, err := r.db.Query(`
		SELECT product,
		       COUNT(*),
		       SUM(is_fallback),
		       MIN(start_time),
		       MAX(start_time)
		FROM artifacts
		GROUP BY product`)
	if err != nil {
		return nil, fmt.Errorf("failed to query index coverage: %w", err)
	}
	defer rows.Close()

	out := make(map[market.Product]coverage)
	for rows.Next() {
		var (
			product        string
			count          int
			fallbackCount  int
			oldest, newest int64
		)
		if err := rows.Scan(&product, &count, &fallbackCount, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("failed to scan coverage row: %w", err)
		}
		oldestTS := time.Unix(oldest, 0).In(r.loc)
		newestTS := time.Unix(newest, 0).In(r.loc)
		out[market.Product(product)] = coverage{
			Count:         count,
			FallbackCount: fallbackCount,
			Oldest:        &oldestTS,
			Newest:        &newestTS,
		}
	}
	return out, rows.Err()
}

func (r *indexRepository) count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM artifacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count index entries: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *indexRepository) scanEntry(row *sql.Row) (*IndexEntry, error) {
	entry, err := r.scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func (r *indexRepository) scanEntryRows(rows *sql.Rows) (*IndexEntry, error) {
	return r.scan(rows)
}

func (r *indexRepository) scan(s rowScanner) (*IndexEntry, error) {
	var (
		entry      IndexEntry
		product    string
		start, end int64
		generated  int64
	)
	err := s.Scan(&product, &start, &end, &generated, &entry.IsFallback, &entry.FilePath, &entry.SchemaVersion)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan index entry: %w", err)
	}
	entry.Product = market.Product(product)
	entry.StartTime = time.Unix(start, 0).In(r.loc)
	entry.EndTime = time.Unix(end, 0).In(r.loc)
	entry.GenerationTimestamp = time.Unix(generated, 0).In(r.loc)
	return &entry, nil
}
