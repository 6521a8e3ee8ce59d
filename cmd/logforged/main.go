package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/logforge/daemon/internal/config"
	"github.com/logforge/daemon/internal/logger"
	"github.com/logforge/daemon/internal/metrics"
	"github.com/logforge/daemon/internal/pipeline"
	"github.com/logforge/daemon/internal/query"
	"github.com/logforge/daemon/internal/schema"
	"github.com/logforge/daemon/internal/server"
	"github.com/logforge/daemon/internal/storage"
	"github.com/logforge/daemon/internal/storage/catalog"
	"github.com/logforge/daemon/internal/tracing"
	"github.com/logforge/daemon/internal/version"
)

const usageText = `logforge - structured log ingestion daemon

Usage:
  logforged serve [flags]            Start the log daemon
  logforged query [flags]            Read back stored logs
  logforged validate-schema <path>   Validate a JSON Schema document
  logforged ingest [flags]           Send stdin JSON lines to the daemon
  logforged version                  Print version information

Run "logforged <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "query":
		os.Exit(runQuery(os.Args[2:]))
	case "validate-schema":
		os.Exit(runValidateSchema(os.Args[2:]))
	case "ingest":
		os.Exit(runIngest(os.Args[2:]))
	case "version":
		fmt.Println(version.String())
	case "-h", "--help", "help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
}

func runServe(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	if err := logger.Init(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		Rotation:   cfg.Logging.Rotation,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}

	log.Info().Str("version", version.Get().Version).Msg("Starting logforge daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Insecure:    true,
	})
	if err != nil {
		log.Error().Err(err).Msg("Tracing init failed")
		return 1
	}
	defer func() {
		_ = tracer.Shutdown(context.Background())
	}()

	collector := metrics.NewCollector()
	pm := metrics.NewPipelineMetrics(collector)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, collector.Registry())
		if err := metricsServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server failed to start")
			return 1
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer stopCancel()
			_ = metricsServer.Stop(stopCtx)
		}()
	}

	validator, err := loadValidator(cfg.Storage.SchemaPath)
	if err != nil {
		log.Error().Err(err).Msg("Schema load failed")
		return 1
	}

	storageDir, err := storage.InitStorageDir(cfg.Storage.StorageDir)
	if err != nil {
		log.Error().Err(err).Msg("Storage directory unusable")
		return 1
	}

	cat, err := catalog.Open(filepath.Join(storageDir, "catalog"))
	if err != nil {
		log.Error().Err(err).Msg("Catalog open failed")
		return 1
	}
	defer func() {
		_ = cat.Close()
	}()

	queue := pipeline.NewQueue(cfg.Ingest.QueueCapacity)

	writer, err := storage.NewWriter(storage.WriterConfig{
		StorageDir:    storageDir,
		BatchSize:     cfg.Storage.BatchSize,
		Compression:   cfg.Storage.Compression,
		RotationBytes: cfg.Storage.RotationBytes,
		FlushInterval: cfg.Storage.FlushInterval,
	}, queue, pm, cat, tracer.GetTracer("storage.writer"))
	if err != nil {
		log.Error().Err(err).Msg("Writer init failed")
		return 1
	}

	writerErr := make(chan error, 1)
	go func() {
		writerErr <- writer.Run(ctx)
	}()

	srv := server.New(server.Config{
		SocketPath:     cfg.Ingest.SocketPath,
		MaxConnections: cfg.Ingest.MaxConnections,
		MaxFrameBytes:  cfg.Ingest.MaxFrameBytes,
		ShutdownGrace:  cfg.Ingest.ShutdownGrace,
	}, validator, queue, pm)

	if err := srv.Start(); err != nil {
		log.Error().Err(err).Msg("Server start failed")
		queue.Close()
		<-writerErr
		return 1
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
	diag := make(chan os.Signal, 1)
	signal.Notify(diag, syscall.SIGUSR1)

	exitCode := 0
	for running := true; running; {
		select {
		case sig := <-term:
			log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			running = false
		case <-diag:
			dumpSnapshot(pm)
		case err := <-writerErr:
			// Writer death is fatal for the process.
			log.Error().Err(err).Msg("Writer terminated")
			writerErr = nil
			exitCode = 1
			running = false
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		exitCode = 1
	}

	if writerErr != nil {
		if err := <-writerErr; err != nil {
			log.Error().Err(err).Msg("Writer drain failed")
			exitCode = 1
		}
	}

	log.Info().Int("exit_code", exitCode).Msg("Daemon stopped")
	return exitCode
}

func loadValidator(schemaPath string) (*schema.Validator, error) {
	if schemaPath != "" {
		log.Info().Str("path", schemaPath).Msg("Loading schema")
		return schema.NewFromFile(schemaPath)
	}
	log.Info().Msg("Using default schema")
	return schema.NewDefault()
}

func dumpSnapshot(pm *metrics.PipelineMetrics) {
	snap, err := pm.Snapshot()
	if err != nil {
		log.Error().Err(err).Msg("Metrics snapshot failed")
		return
	}
	log.Info().
		Uint64("ingest_count", snap.IngestCount).
		Uint64("bytes_processed", snap.BytesProcessed).
		Uint64("dropped_queue_full", snap.DroppedQueueFull).
		Uint64("dropped_serialization", snap.DroppedSerialization).
		Int64("active_connections", snap.ActiveConnections).
		Uint64("connections_rejected", snap.ConnectionsRejected).
		Uint64("validation_failures", snap.ValidationFailures).
		Uint64("files_rotated", snap.FilesRotated).
		Uint64("write_failures", snap.WriteFailures).
		Uint64("flush_count", snap.WriteLatencyCount).
		Float64("flush_total_ms", snap.WriteLatencySumMS).
		Msg("Metrics snapshot")
}

func runQuery(args []string) int {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	storageDir := fs.String("storage", "./logs", "Storage directory")
	countOnly := fs.Bool("count", false, "Show total count only")
	_ = fs.Parse(args)

	if err := logger.Init(&logger.Config{Level: "warn", Format: "text"}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}

	// The daemon holds the catalog lock while running; fall back to a
	// directory walk when it is unavailable.
	cat := openCatalogReadOnly(filepath.Join(*storageDir, "catalog"))
	if cat != nil {
		defer func() {
			_ = cat.Close()
		}()
	}

	engine := query.NewEngine(*storageDir, cat)

	if *countOnly {
		total, err := engine.Count()
		if err != nil {
			fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
			return 1
		}
		fmt.Printf("Total logs: %d\n", total)
		return 0
	}

	records, err := engine.ReadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		return 1
	}
	if err := engine.Print(os.Stdout, records); err != nil {
		fmt.Fprintf(os.Stderr, "print failed: %v\n", err)
		return 1
	}
	return 0
}

func openCatalogReadOnly(dir string) *catalog.Catalog {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	cat, err := catalog.OpenReadOnly(dir)
	if err != nil {
		return nil
	}
	return cat
}

func runValidateSchema(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: logforged validate-schema <path>")
		return 2
	}

	if _, err := schema.NewFromFile(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "schema is invalid: %v\n", err)
		return 1
	}

	fmt.Println("schema is valid")
	return 0
}

// runIngest reads JSON lines from stdin and sends them to the daemon as
// length-prefixed frames, printing each reply.
func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	socketPath := fs.String("socket", "/tmp/logforge.sock", "Unix socket path")
	_ = fs.Parse(args)

	conn, err := net.Dial("unix", *socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", *socketPath, err)
		return 1
	}
	defer conn.Close()

	fmt.Println("Enter JSON logs (one per line, Ctrl+D to exit):")

	replies := bufio.NewReader(conn)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Reject junk locally before putting it on the wire.
		if !json.Valid(line) {
			fmt.Fprintln(os.Stderr, "invalid JSON, skipped")
			continue
		}

		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(line)))
		if _, err := conn.Write(header[:]); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			return 1
		}
		if _, err := conn.Write(line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			return 1
		}

		reply, err := replies.ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "read reply failed: %v\n", err)
			return 1
		}
		fmt.Print(reply)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "stdin read failed: %v\n", err)
		return 1
	}
	return 0
}
