package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	parquet "github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/logforge/daemon/internal/logger"
	"github.com/logforge/daemon/internal/metrics"
	"github.com/logforge/daemon/internal/pipeline"
	"github.com/logforge/daemon/internal/schema"
	"github.com/logforge/daemon/internal/storage/catalog"
)

// DefaultDrainTimeout bounds the final pop loop during shutdown
const DefaultDrainTimeout = 500 * time.Millisecond

// WriterConfig holds writer configuration
type WriterConfig struct {
	StorageDir    string
	BatchSize     int
	Compression   string
	RotationBytes int64
	FlushInterval time.Duration
	DrainTimeout  time.Duration
}

// Writer is the sole owner of the filesystem output. It consumes records
// from the bounded queue, batches them into parquet row groups, and
// rotates files on the size threshold. It runs as a single goroutine; no
// other component touches its file descriptors or batch buffer.
type Writer struct {
	cfg     WriterConfig
	queue   *pipeline.Queue
	metrics *metrics.PipelineMetrics
	catalog *catalog.Catalog
	tracer  trace.Tracer
	log     zerolog.Logger

	policy RotationPolicy
	codec  parquet.WriterOption

	file     *os.File
	counted  *countingWriter
	pw       *parquet.GenericWriter[schema.Record]
	path     string
	batch    []schema.Record
	seq      uint64
	openedAt time.Time

	rowsInFile int64
	minTS      time.Time
	maxTS      time.Time
}

// NewWriter creates a writer. The catalog may be nil; the tracer may be
// nil for a no-op tracer. The first output file is opened by Run.
func NewWriter(cfg WriterConfig, queue *pipeline.Queue, pm *metrics.PipelineMetrics, cat *catalog.Catalog, tracer trace.Tracer) (*Writer, error) {
	dir, err := InitStorageDir(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	cfg.StorageDir = dir

	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("storage.writer")
	}

	w := &Writer{
		cfg:     cfg,
		queue:   queue,
		metrics: pm,
		catalog: cat,
		tracer:  tracer,
		log:     logger.WithComponent("storage.writer"),
		policy:  RotationPolicy{RotationBytes: cfg.RotationBytes},
		codec:   Codec(cfg.Compression),
		batch:   make([]schema.Record, 0, cfg.BatchSize),
	}

	if cat != nil {
		seq, err := cat.NextSeq()
		if err != nil {
			return nil, err
		}
		w.seq = seq
	}

	return w, nil
}

// Run consumes the queue until it is closed or the context is cancelled.
// A non-nil return is fatal and escalates to process shutdown.
func (w *Writer) Run(ctx context.Context) error {
	if err := w.openFile(); err != nil {
		return err
	}

	w.log.Info().
		Str("dir", w.cfg.StorageDir).
		Int("batch_size", w.cfg.BatchSize).
		Str("compression", CodecName(w.cfg.Compression)).
		Int64("rotation_bytes", w.cfg.RotationBytes).
		Dur("flush_interval", w.cfg.FlushInterval).
		Msg("Writer started")

	for {
		rec, err := w.queue.Pop(w.cfg.FlushInterval)
		switch {
		case err == nil:
			w.batch = append(w.batch, rec)
			if len(w.batch) >= w.cfg.BatchSize {
				if ferr := w.flush(ctx); ferr != nil {
					return ferr
				}
			}
		case errors.Is(err, pipeline.ErrPopTimeout):
			if ferr := w.flush(ctx); ferr != nil {
				return ferr
			}
		case errors.Is(err, pipeline.ErrClosed):
			return w.shutdown(ctx)
		}

		if ctx.Err() != nil {
			return w.shutdown(ctx)
		}
	}
}

// shutdown drains remaining records, performs a final flush, and closes
// the open file.
func (w *Writer) shutdown(ctx context.Context) error {
	w.log.Info().Int("buffered", len(w.batch)).Int("queued", w.queue.Len()).Msg("Writer draining")

	deadline := time.Now().Add(w.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		rec, ok := w.queue.TryPop()
		if !ok {
			break
		}
		w.batch = append(w.batch, rec)
		if len(w.batch) >= w.cfg.BatchSize {
			if err := w.flush(ctx); err != nil {
				return err
			}
		}
	}

	if err := w.flush(ctx); err != nil {
		return err
	}

	if err := w.closeFile(); err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("Failed to close output file on shutdown")
		if IsDiskFull(err) {
			return fmt.Errorf("final close: %w", ErrDiskFull)
		}
	}

	w.log.Info().Uint64("files", w.seq+1).Msg("Writer stopped")
	return nil
}

// flush serializes the buffered records into one row group, updates the
// metrics, and consults the rotation policy. A non-nil return is fatal.
func (w *Writer) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}

	_, span := w.tracer.Start(ctx, "writer.flush",
		trace.WithAttributes(attribute.Int("records", len(w.batch))))
	defer span.End()

	start := time.Now()
	before := w.counted.n

	written := 0
	for i := range w.batch {
		if _, err := w.pw.Write(w.batch[i : i+1]); err != nil {
			// A poison record must not sink the batch: drop it, count
			// it, keep going.
			w.metrics.RecordDrop(metrics.DropReasonSerialization)
			w.log.Warn().Err(err).Msg("Dropping unserializable record")
			continue
		}
		written++
	}

	if err := w.pw.Flush(); err != nil {
		return w.handleWriteFailure(err)
	}

	delta := w.counted.n - before
	elapsed := float64(time.Since(start).Nanoseconds()) / 1e6
	w.metrics.RecordBytesWritten(delta)
	w.metrics.RecordWriteLatency(elapsed)
	span.SetAttributes(attribute.Int64("bytes", delta))

	for i := range w.batch {
		ts := w.batch[i].Timestamp
		if w.minTS.IsZero() || ts.Before(w.minTS) {
			w.minTS = ts
		}
		if ts.After(w.maxTS) {
			w.maxTS = ts
		}
	}
	w.rowsInFile += int64(written)
	w.batch = w.batch[:0]

	w.log.Debug().
		Int("records", written).
		Int64("bytes", delta).
		Float64("latency_ms", elapsed).
		Str("path", w.path).
		Msg("Flushed row group")

	if w.policy.ShouldRotate(w.counted.n) {
		return w.rotate(ctx)
	}

	return nil
}

// handleWriteFailure abandons the current file and forces a rotation.
// Records in the failing batch were acknowledged but are lost; this is
// the documented weakness of at-most-once.
func (w *Writer) handleWriteFailure(err error) error {
	w.metrics.RecordWriteFailure()
	lost := len(w.batch)
	w.batch = w.batch[:0]

	w.log.Error().Err(err).Str("path", w.path).Int("records_lost", lost).
		Msg("Write failed, abandoning current file")

	if IsDiskFull(err) {
		return fmt.Errorf("write to %s: %w", w.path, ErrDiskFull)
	}

	// Discard the broken file handle; the partial file stays on disk
	// for operator inspection but is not catalogued.
	_ = w.file.Close()
	w.metrics.RecordRotation()
	w.seq++

	if oerr := w.openFile(); oerr != nil {
		return oerr
	}

	return nil
}

// rotate closes the open file and opens the next one in sequence.
func (w *Writer) rotate(ctx context.Context) error {
	_, span := w.tracer.Start(ctx, "writer.rotate",
		trace.WithAttributes(attribute.Int64("bytes", w.counted.n)))
	defer span.End()

	if err := w.closeFile(); err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("Rotation close failed")
		if IsDiskFull(err) {
			return fmt.Errorf("rotate %s: %w", w.path, ErrDiskFull)
		}
	}

	w.metrics.RecordRotation()
	w.seq++

	if err := w.openFile(); err != nil {
		return err
	}

	w.log.Info().Str("path", w.path).Uint64("seq", w.seq).Msg("Rotated output file")
	return nil
}

// closeFile finalizes the parquet footer and catalogs the closed file.
// An empty file is removed instead of catalogued.
func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}

	if err := w.pw.Close(); err != nil {
		_ = w.file.Close()
		w.file = nil
		return WriteError{Path: w.path, Err: err}
	}

	if err := w.file.Close(); err != nil {
		w.file = nil
		return RotationError{Path: w.path, Err: err}
	}

	if w.rowsInFile == 0 {
		_ = os.Remove(w.path)
		w.file = nil
		return nil
	}

	if w.catalog != nil {
		entry := catalog.Entry{
			Seq:          w.seq,
			Path:         w.path,
			Rows:         w.rowsInFile,
			Bytes:        w.counted.n,
			MinTimestamp: w.minTS,
			MaxTimestamp: w.maxTS,
			CreatedAt:    w.openedAt,
			ClosedAt:     time.Now().UTC(),
		}
		if err := w.catalog.Record(entry); err != nil {
			w.log.Error().Err(err).Str("path", w.path).Msg("Failed to catalog closed file")
		}
	}

	w.file = nil
	return nil
}

// openFile creates the next output file in sequence.
func (w *Writer) openFile() error {
	now := time.Now().UTC()
	name := fmt.Sprintf("logs_%s_%03d%s", now.Format("20060102_150405"), w.seq, FileExt)
	path := filepath.Join(w.cfg.StorageDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		if IsDiskFull(err) {
			return fmt.Errorf("open %s: %w", path, ErrDiskFull)
		}
		return RotationError{Path: path, Err: err}
	}

	w.file = file
	w.counted = &countingWriter{w: file}
	// Unbuffered, so each flushed row group reaches the counter (and the
	// rotation check) at flush time.
	w.pw = parquet.NewGenericWriter[schema.Record](w.counted, w.codec, parquet.WriteBufferSize(0))
	w.path = path
	w.openedAt = now
	w.rowsInFile = 0
	w.minTS = time.Time{}
	w.maxTS = time.Time{}

	return nil
}

// countingWriter tracks compressed bytes reaching the file
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
