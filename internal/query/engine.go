package query

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/logforge/daemon/internal/logger"
	"github.com/logforge/daemon/internal/schema"
	"github.com/logforge/daemon/internal/storage"
	"github.com/logforge/daemon/internal/storage/catalog"
	"github.com/rs/zerolog"
)

// Engine performs full-scan reads over the storage directory. The
// optional catalog lets it count without opening files and prune scans
// by time range; without one it falls back to walking the directory.
type Engine struct {
	storageDir string
	catalog    *catalog.Catalog
	log        zerolog.Logger
}

// NewEngine creates a query engine. The catalog may be nil.
func NewEngine(storageDir string, cat *catalog.Catalog) *Engine {
	return &Engine{
		storageDir: storageDir,
		catalog:    cat,
		log:        logger.WithComponent("query"),
	}
}

// Count returns the total number of persisted records.
func (e *Engine) Count() (int64, error) {
	if e.catalog != nil {
		return e.catalog.TotalRows()
	}

	files, err := storage.ListFiles(e.storageDir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, path := range files {
		n, err := storage.CountFile(path)
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", path, err)
		}
		total += n
	}

	return total, nil
}

// ReadAll returns every persisted record in file-sequence order.
func (e *Engine) ReadAll() ([]schema.Record, error) {
	return e.ReadRange(time.Time{}, time.Time{})
}

// ReadRange returns persisted records whose file time spans overlap the
// given range. Zero bounds are unbounded. Within-file order is
// preserved; files are visited in sequence order. Without a catalog the
// range is not applied and every file is returned.
func (e *Engine) ReadRange(from, to time.Time) ([]schema.Record, error) {
	files, err := e.filesFor(from, to)
	if err != nil {
		return nil, err
	}

	var out []schema.Record
	for _, path := range files {
		records, err := storage.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		out = append(out, records...)
	}

	return out, nil
}

func (e *Engine) filesFor(from, to time.Time) ([]string, error) {
	if e.catalog != nil {
		entries, err := e.catalog.ListRange(from, to)
		if err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(entries))
		for _, entry := range entries {
			paths = append(paths, entry.Path)
		}
		return paths, nil
	}

	// No catalog: scan everything, records are filtered nowhere since
	// file spans are unknown. Full-scan semantics still hold.
	return storage.ListFiles(e.storageDir)
}

// Print writes records to w as JSON lines.
func (e *Engine) Print(w io.Writer, records []schema.Record) error {
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return err
		}
	}
	return nil
}
