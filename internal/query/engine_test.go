package query

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logforge/daemon/internal/metrics"
	"github.com/logforge/daemon/internal/pipeline"
	"github.com/logforge/daemon/internal/schema"
	"github.com/logforge/daemon/internal/storage"
	"github.com/logforge/daemon/internal/storage/catalog"
	"github.com/logforge/daemon/internal/test"
)

// persist runs a writer over the given records and returns the storage
// directory and catalog it produced.
func persist(t *testing.T, cfg storage.WriterConfig, records []schema.Record) (string, *catalog.Catalog) {
	t.Helper()

	dir := test.StorageDir(t)
	cfg.StorageDir = dir
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.RotationBytes == 0 {
		cfg.RotationBytes = 100 * 1024 * 1024
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	cfg.Compression = "snappy"

	cat, err := catalog.Open(filepath.Join(test.TempDir(t), "catalog"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cat.Close()
	})

	queue := pipeline.NewQueue(len(records) + 1)
	pm := metrics.NewPipelineMetrics(metrics.NewCollector())

	writer, err := storage.NewWriter(cfg, queue, pm, cat, nil)
	require.NoError(t, err)

	for _, rec := range records {
		require.True(t, queue.TryPush(rec))
	}
	queue.Close()

	require.NoError(t, writer.Run(context.Background()))

	return dir, cat
}

func sampleRecords(n int) []schema.Record {
	base := time.Date(2026, 1, 15, 19, 0, 0, 0, time.UTC)
	out := make([]schema.Record, n)
	for i := range out {
		out[i] = schema.Record{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     schema.LevelInfo,
			Message:   fmt.Sprintf("query-%03d", i),
		}
	}
	return out
}

func TestEngine_CountAndReadAll(t *testing.T) {
	records := sampleRecords(25)
	dir, cat := persist(t, storage.WriterConfig{BatchSize: 10, RotationBytes: 64}, records)

	for _, engine := range []*Engine{
		NewEngine(dir, cat),
		NewEngine(dir, nil),
	} {
		total, err := engine.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(25), total)

		all, err := engine.ReadAll()
		require.NoError(t, err)
		require.Len(t, all, 25)
		for i, rec := range all {
			assert.Equal(t, fmt.Sprintf("query-%03d", i), rec.Message)
		}
	}
}

func TestEngine_ReadRangePrunes(t *testing.T) {
	// Three files of ten one-second-spaced records each
	records := sampleRecords(30)
	dir, cat := persist(t, storage.WriterConfig{BatchSize: 10, RotationBytes: 64}, records)

	engine := NewEngine(dir, cat)

	base := time.Date(2026, 1, 15, 19, 0, 0, 0, time.UTC)

	// Only the middle file's span
	out, err := engine.ReadRange(base.Add(10*time.Second), base.Add(19*time.Second))
	require.NoError(t, err)
	assert.Len(t, out, 10)
	assert.Equal(t, "query-010", out[0].Message)

	// Unbounded range returns everything
	out, err = engine.ReadRange(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, out, 30)
}

func TestEngine_EmptyStorage(t *testing.T) {
	dir := test.StorageDir(t)
	engine := NewEngine(dir, nil)

	total, err := engine.Count()
	require.NoError(t, err)
	assert.Zero(t, total)

	all, err := engine.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEngine_Print(t *testing.T) {
	records := sampleRecords(2)
	engine := NewEngine("", nil)

	var buf bytes.Buffer
	require.NoError(t, engine.Print(&buf, records))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"query-000"`)
	assert.Contains(t, string(lines[1]), `"query-001"`)
}
