package catalog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/logforge/daemon/internal/logger"
	"github.com/rs/zerolog"
)

// Entry describes one closed output file. Closed files are immutable, so
// an entry is written exactly once, at rotation or final close.
type Entry struct {
	Seq          uint64    `json:"seq"`
	Path         string    `json:"path"`
	Rows         int64     `json:"rows"`
	Bytes        int64     `json:"bytes"`
	MinTimestamp time.Time `json:"min_timestamp"`
	MaxTimestamp time.Time `json:"max_timestamp"`
	CreatedAt    time.Time `json:"created_at"`
	ClosedAt     time.Time `json:"closed_at"`
}

// Catalog is a pebble-backed manifest of closed output files. The writer
// records entries; the query engine reads them to count rows and prune
// files by time range without opening every parquet footer.
type Catalog struct {
	db  *pebble.DB
	log zerolog.Logger
	mu  sync.Mutex
}

// Open opens (or creates) the catalog database in dir
func Open(dir string) (*Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog at %s: %w", dir, err)
	}

	return &Catalog{
		db:  db,
		log: logger.WithComponent("catalog"),
	}, nil
}

// OpenReadOnly opens an existing catalog for reading, e.g. from the
// query CLI while the daemon may still hold the write lock.
func OpenReadOnly(dir string) (*Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog at %s: %w", dir, err)
	}

	return &Catalog{
		db:  db,
		log: logger.WithComponent("catalog"),
	}, nil
}

// Record persists the entry for a closed file
func (c *Catalog) Record(entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog entry: %w", err)
	}

	if err := c.db.Set(keyFor(entry.Seq), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist catalog entry: %w", err)
	}

	c.log.Debug().
		Uint64("seq", entry.Seq).
		Str("path", entry.Path).
		Int64("rows", entry.Rows).
		Int64("bytes", entry.Bytes).
		Msg("Catalogued closed file")

	return nil
}

// List returns all entries in sequence order
func (c *Catalog) List() ([]Entry, error) {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate catalog: %w", err)
	}
	defer func() {
		_ = iter.Close()
	}()

	var entries []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("corrupt catalog entry at %s: %w", iter.Key(), err)
		}
		entries = append(entries, entry)
	}

	return entries, iter.Error()
}

// ListRange returns entries whose [MinTimestamp, MaxTimestamp] span
// overlaps the given range. A zero bound is unbounded.
func (c *Catalog) ListRange(from, to time.Time) ([]Entry, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, entry := range entries {
		if !from.IsZero() && entry.MaxTimestamp.Before(from) {
			continue
		}
		if !to.IsZero() && entry.MinTimestamp.After(to) {
			continue
		}
		out = append(out, entry)
	}

	return out, nil
}

// TotalRows sums the row counts of all catalogued files
func (c *Catalog) TotalRows() (int64, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, entry := range entries {
		total += entry.Rows
	}

	return total, nil
}

// NextSeq returns one past the highest catalogued sequence number, so a
// restarted process does not reuse file names from a previous run.
func (c *Catalog) NextSeq() (uint64, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}

	if len(entries) == 0 {
		return 0, nil
	}

	return entries[len(entries)-1].Seq + 1, nil
}

// Close closes the underlying database
func (c *Catalog) Close() error {
	return c.db.Close()
}

const keyPrefix = "file/"

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}
