package models

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/pkg/logger"
)

const (
	modelExt      = ".msgpack"
	indexFileName = "registry_index" + modelExt
)

// Entry is one registered model with its feature-name contract and metrics.
type Entry struct {
	Product      market.Product `msgpack:"product" json:"product"`
	Hour         int            `msgpack:"hour" json:"hour"`
	Model        *LinearModel   `msgpack:"model" json:"model"`
	FeatureNames []string       `msgpack:"feature_names" json:"feature_names"`
	Metrics      Metrics        `msgpack:"metrics" json:"metrics"`
}

// Registry resolves (product, hour) keys to model entries. It is read-mostly;
// mutation happens only through Register and Delete under the mutex.
type Registry struct {
	mu          sync.RWMutex
	dir         string
	entries     map[string]*Entry
	initialized bool
	logger      zerolog.Logger
}

// NewRegistry creates a registry persisting to the given models directory.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:     dir,
		entries: make(map[string]*Entry),
		logger:  logger.Component("model_registry"),
	}
}

// Initialize loads all persisted models. Repeated calls are no-ops.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}
	if err := r.loadAllLocked(); err != nil {
		return err
	}
	r.initialized = true
	r.logger.Info().Int("models", len(r.entries)).Str("dir", r.dir).Msg("Model registry initialized")
	return nil
}

// Register stores an entry in memory and serializes it to disk. Existing
// files are replaced via write-then-rename, never truncated in place.
func (r *Registry) Register(product market.Product, hour int, model *LinearModel, featureNames []string, metrics Metrics) error {
	if !product.IsValid() {
		return fmt.Errorf("invalid product %q: not one of {DALMP, RTLMP, RegUp, RegDown, RRS, NSRS}", product)
	}
	if err := market.ValidateHour(hour); err != nil {
		return err
	}
	if model == nil {
		return fmt.Errorf("model for %s hour %d is nil", product, hour)
	}
	if len(featureNames) != len(model.Coefficients) {
		return fmt.Errorf("model for %s hour %d has %d coefficients but %d feature names",
			product, hour, len(model.Coefficients), len(featureNames))
	}

	entry := &Entry{
		Product:      product,
		Hour:         hour,
		Model:        model,
		FeatureNames: featureNames,
		Metrics:      metrics,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writeEntryLocked(entry); err != nil {
		return err
	}
	r.entries[market.ModelKey(product, hour)] = entry
	r.logger.Debug().Str("product", string(product)).Int("hour", hour).Msg("Model registered")
	return nil
}

// Get returns the entry for (product, hour), or (nil, false) when absent.
func (r *Registry) Get(product market.Product, hour int) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[market.ModelKey(product, hour)]
	return entry, ok
}

// Has reports whether a model exists for (product, hour).
func (r *Registry) Has(product market.Product, hour int) bool {
	_, ok := r.Get(product, hour)
	return ok
}

// List returns all registered keys ordered by product (canonical order)
// then hour.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	rank := make(map[market.Product]int, len(market.Products))
	for i, p := range market.Products {
		rank[p] = i
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Product != out[j].Product {
			return rank[out[i].Product] < rank[out[j].Product]
		}
		return out[i].Hour < out[j].Hour
	})
	return out
}

// Count returns the number of registered models.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Delete removes a model from memory and disk. Returns false when the key
// was not registered.
func (r *Registry) Delete(product market.Product, hour int) bool {
	key := market.ModelKey(product, hour)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	if err := os.Remove(r.entryPath(product, hour)); err != nil && !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Str("key", key).Msg("Failed to remove model file")
	}
	return true
}

// SaveAll rewrites every entry and the index file.
func (r *Registry) SaveAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for key, entry := range r.entries {
		if err := r.writeEntryLocked(entry); err != nil {
			return err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	data, err := msgpack.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to encode model index: %w", err)
	}
	return atomicWrite(filepath.Join(r.dir, indexFileName), data)
}

// LoadAll reloads every entry from disk, replacing the in-memory map.
func (r *Registry) LoadAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadAllLocked()
}

func (r *Registry) loadAllLocked() error {
	loaded := make(map[string]*Entry)

	keys, err := r.readIndex()
	if err != nil {
		return err
	}
	if keys == nil {
		// No index file; scan the directory parsing filenames.
		keys, err = r.scanDir()
		if err != nil {
			return err
		}
	}

	for _, key := range keys {
		product, hour, ok := parseModelKey(key)
		if !ok {
			r.logger.Warn().Str("key", key).Msg("Skipping unparseable model key")
			continue
		}
		entry, err := r.readEntry(product, hour)
		if err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("Skipping unreadable model file")
			continue
		}
		loaded[key] = entry
	}

	r.entries = loaded
	return nil
}

// readIndex returns the persisted key list, or nil when no index exists.
func (r *Registry) readIndex() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, indexFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model index: %w", err)
	}
	var keys []string
	if err := msgpack.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode model index: %w", err)
	}
	return keys, nil
}

func (r *Registry) scanDir() ([]string, error) {
	dirEntries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan models directory: %w", err)
	}
	var keys []string
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, modelExt) || name == indexFileName {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, modelExt))
	}
	return keys, nil
}

func (r *Registry) entryPath(product market.Product, hour int) string {
	return filepath.Join(r.dir, market.ModelKey(product, hour)+modelExt)
}

func (r *Registry) writeEntryLocked(entry *Entry) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode model %s hour %d: %w", entry.Product, entry.Hour, err)
	}
	return atomicWrite(r.entryPath(entry.Product, entry.Hour), data)
}

func (r *Registry) readEntry(product market.Product, hour int) (*Entry, error) {
	data, err := os.ReadFile(r.entryPath(product, hour))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode model file: %w", err)
	}
	if entry.Model == nil {
		return nil, fmt.Errorf("model file for %s hour %d has no model payload", product, hour)
	}
	return &entry, nil
}

func parseModelKey(key string) (market.Product, int, bool) {
	idx := strings.LastIndex(key, "_")
	if idx < 0 {
		return "", 0, false
	}
	product, err := market.ParseProduct(key[:idx])
	if err != nil {
		return "", 0, false
	}
	hour, err := strconv.Atoi(key[idx+1:])
	if err != nil || market.ValidateHour(hour) != nil {
		return "", 0, false
	}
	return product, hour, true
}

// atomicWrite replaces path via a temp file and rename so readers never
// observe a partial file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
