package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/powercast/internal/database"
	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/validation"
	"github.com/aristath/powercast/pkg/logger"
)

const (
	artifactExt   = ".csv"
	latestDirName = "latest"
	modelsDirName = "models"
	indexFileName = "index.db"
)

// Store is the forecast artifact store. Index mutations and latest-pointer
// swaps are serialized under the mutex; reads go straight to the index
// database and the filesystem.
type Store struct {
	mu          sync.Mutex
	root        string
	db          *database.DB
	index       *indexRepository
	sampleCount int
	loc         *time.Location
	logger      zerolog.Logger
}

// New opens a store rooted at dir, creating the directory layout and the
// index database as needed.
func New(dir string, sampleCount int, tz string) (*Store, error) {
	loc, err := market.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root: %w", err)
	}
	for _, sub := range []string{"", latestDirName, modelsDirName} {
		if err := os.MkdirAll(filepath.Join(absRoot, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := database.New(filepath.Join(absRoot, indexFileName))
	if err != nil {
		return nil, err
	}

	return &Store{
		root:        absRoot,
		db:          db,
		index:       newIndexRepository(db, loc),
		sampleCount: sampleCount,
		loc:         loc,
		logger:      logger.Component("forecast_store"),
	}, nil
}

// Close closes the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the absolute store root directory.
func (s *Store) Root() string {
	return s.root
}

// ModelsDir returns the directory holding model registry artifacts.
func (s *Store) ModelsDir() string {
	return filepath.Join(s.root, modelsDirName)
}

// DB exposes the index database for collaborators that persist alongside
// the index (job run history).
func (s *Store) DB() *database.DB {
	return s.db
}

// Put validates, writes and indexes an ensemble, then swings the latest
// pointer. The artifact write is atomic (tmp then rename); a failure after
// the rename leaves the file present but unindexed, repaired by a rebuild.
func (s *Store) Put(e *forecast.Ensemble) (*IndexEntry, error) {
	if result := validation.Schema(e, s.sampleCount); !result.IsValid {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, result.Errors[market.CategorySchema])
	}
	if result := validation.Completeness(e); !result.IsValid {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, result.Errors[market.CategoryCompleteness])
	}

	var buf bytes.Buffer
	if err := encodeEnsemble(&buf, e, s.sampleCount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	relPath := s.artifactRelPath(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	absPath := filepath.Join(s.root, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}
	if err := atomicWriteFile(absPath, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	entry := &IndexEntry{
		Product:             e.Product,
		StartTime:           e.StartTime,
		EndTime:             e.EndTime,
		GenerationTimestamp: e.GenerationTimestamp,
		IsFallback:          e.IsFallback(),
		FilePath:            relPath,
		SchemaVersion:       market.SchemaVersion,
	}
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		return s.index.insert(tx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	latestPath := filepath.Join(s.root, latestDirName, string(e.Product)+artifactExt)
	if err := atomicWriteFile(latestPath, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	s.logger.Info().Str("product", string(e.Product)).
		Time("start", e.StartTime).Bool("is_fallback", entry.IsFallback).
		Str("path", relPath).Msg("Artifact written")
	return entry, nil
}

// Get returns the ensemble whose window contains the given instant. Dates
// are interpreted by callers as local midnight in the market zone.
func (s *Store) Get(date time.Time, product market.Product) (*forecast.Ensemble, error) {
	if !product.IsValid() {
		return nil, fmt.Errorf("invalid product %q: not one of {DALMP, RTLMP, RegUp, RegDown, RRS, NSRS}", product)
	}
	entry, err := s.index.findByDate(product, date)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageRead, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: no artifact for %s covering %s", ErrNotFound, product, date.Format("2006-01-02"))
	}
	return s.readArtifact(entry.FilePath)
}

// GetLatest returns the artifact behind the latest pointer for product.
func (s *Store) GetLatest(product market.Product) (*forecast.Ensemble, error) {
	if !product.IsValid() {
		return nil, fmt.Errorf("invalid product %q: not one of {DALMP, RTLMP, RegUp, RegDown, RRS, NSRS}", product)
	}
	path := filepath.Join(latestDirName, string(product)+artifactExt)
	ensemble, err := s.readArtifact(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: no artifact exists for %s", ErrNotFound, product)
		}
		return nil, err
	}
	return ensemble, nil
}

// LatestEntry returns the index row for the newest artifact of product, or
// nil when none exist.
func (s *Store) LatestEntry(product market.Product) (*IndexEntry, error) {
	entry, err := s.index.findLatest(product)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageRead, err)
	}
	return entry, nil
}

// GetRange returns all ensembles whose windows intersect [start, end],
// ordered by start time.
func (s *Store) GetRange(start, end time.Time, product market.Product) ([]*forecast.Ensemble, error) {
	if !product.IsValid() {
		return nil, fmt.Errorf("invalid product %q: not one of {DALMP, RTLMP, RegUp, RegDown, RRS, NSRS}", product)
	}
	entries, err := s.index.findRange(product, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageRead, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no artifacts for %s in [%s, %s]", ErrNotFound, product,
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	ensembles := make([]*forecast.Ensemble, 0, len(entries))
	for _, entry := range entries {
		e, err := s.readArtifact(entry.FilePath)
		if err != nil {
			return nil, err
		}
		ensembles = append(ensembles, e)
	}
	return ensembles, nil
}

// FindLatestNonFallbackBefore locates the most recent genuine (non-fallback)
// artifact whose window starts before ts. Used by the fallback engine.
// Returns (nil, nil) on a cold start.
func (s *Store) FindLatestNonFallbackBefore(product market.Product, ts time.Time) (*forecast.Ensemble, error) {
	entry, err := s.index.findLatestNonFallbackBefore(product, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageRead, err)
	}
	if entry == nil {
		return nil, nil
	}
	ensemble, err := s.readArtifact(entry.FilePath)
	if err != nil {
		return nil, err
	}
	return ensemble, nil
}

// RebuildIndex walks the artifact tree and rewrites the index from file
// contents. Idempotent; returns the number of artifacts indexed.
func (s *Store) RebuildIndex() (int, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// The latest pointers duplicate indexed artifacts and the
			// models directory is not ours to index.
			if path != s.root && (d.Name() == latestDirName || d.Name() == modelsDirName) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, artifactExt) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorageRead, err)
	}
	sort.Strings(paths)

	entries := make([]*IndexEntry, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStorageRead, err)
		}
		meta, err := readArtifactMeta(f, s.loc)
		f.Close()
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable artifact during rebuild")
			continue
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStorageRead, err)
		}
		entries = append(entries, &IndexEntry{
			Product:             meta.Product,
			StartTime:           meta.StartTime,
			EndTime:             meta.EndTime,
			GenerationTimestamp: meta.GenerationTimestamp,
			IsFallback:          meta.IsFallback,
			FilePath:            rel,
			SchemaVersion:       meta.SchemaVersion,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		if err := s.index.clear(tx); err != nil {
			return err
		}
		for _, entry := range entries {
			if err := s.index.insert(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	s.logger.Info().Int("artifacts", len(entries)).Msg("Index rebuilt")
	return len(entries), nil
}

// Info summarizes the store: counts, per-product coverage and disk usage.
type Info struct {
	Root           string                         `json:"root"`
	TotalArtifacts int                            `json:"total_artifacts"`
	Coverage       map[market.Product]coverage    `json:"coverage"`
	Latest         map[market.Product]*IndexEntry `json:"latest,omitempty"`
	ArtifactBytes  int64                          `json:"artifact_bytes"`
	DiskTotalBytes uint64                         `json:"disk_total_bytes"`
	DiskFreeBytes  uint64                         `json:"disk_free_bytes"`
	DiskUsedPct    float64                        `json:"disk_used_pct"`
}

// Info reports store status.
func (s *Store) Info() (*Info, error) {
	total, err := s.index.count()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageRead, err)
	}
	cov, err := s.index.coverageByProduct()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageRead, err)
	}

	latest := make(map[market.Product]*IndexEntry)
	for _, p := range market.Products {
		entry, err := s.LatestEntry(p)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			latest[p] = entry
		}
	}

	var artifactBytes int64
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			artifactBytes += info.Size()
		}
		return nil
	})

	info := &Info{
		Root:           s.root,
		TotalArtifacts: total,
		Coverage:       cov,
		Latest:         latest,
		ArtifactBytes:  artifactBytes,
	}
	if usage, err := disk.Usage(s.root); err == nil {
		info.DiskTotalBytes = usage.Total
		info.DiskFreeBytes = usage.Free
		info.DiskUsedPct = usage.UsedPercent
	} else {
		s.logger.Warn().Err(err).Msg("Failed to read disk usage")
	}
	return info, nil
}

// HealthCheck verifies the index database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.QuickCheck(ctx)
}

func (s *Store) artifactRelPath(e *forecast.Ensemble) string {
	start := e.StartTime.In(s.loc)
	name := fmt.Sprintf("%s_%s%s", e.Product, e.GenerationTimestamp.In(s.loc).Format("20060102T150405"), artifactExt)
	return filepath.Join(
		fmt.Sprintf("%04d", start.Year()),
		fmt.Sprintf("%02d", int(start.Month())),
		name,
	)
}

func (s *Store) readArtifact(relPath string) (*forecast.Ensemble, error) {
	f, err := os.Open(filepath.Join(s.root, relPath))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageRead, err)
	}
	defer f.Close()

	ensemble, _, err := decodeEnsemble(f, s.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageRead, err)
	}
	return ensemble, nil
}

// atomicWriteFile writes data to path via a temp file, fsync and rename.
func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
