package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logforge/daemon/internal/metrics"
	"github.com/logforge/daemon/internal/pipeline"
	"github.com/logforge/daemon/internal/schema"
	"github.com/logforge/daemon/internal/storage"
	"github.com/logforge/daemon/internal/test"
)

type fixture struct {
	srv       *Server
	queue     *pipeline.Queue
	pm        *metrics.PipelineMetrics
	dir       string
	socket    string
	writerErr chan error
}

type fixtureOpts struct {
	queueCapacity  int
	maxConnections int
	maxFrameBytes  int
	startWriter    bool
	batchSize      int
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	if opts.queueCapacity == 0 {
		opts.queueCapacity = 1000
	}
	if opts.maxConnections == 0 {
		opts.maxConnections = 100
	}
	if opts.maxFrameBytes == 0 {
		opts.maxFrameBytes = 1024 * 1024
	}
	if opts.batchSize == 0 {
		opts.batchSize = 1000
	}

	validator, err := schema.NewDefault()
	require.NoError(t, err)

	queue := pipeline.NewQueue(opts.queueCapacity)
	pm := metrics.NewPipelineMetrics(metrics.NewCollector())
	socket := test.TempSocketPath(t)
	dir := test.StorageDir(t)

	f := &fixture{
		queue:     queue,
		pm:        pm,
		dir:       dir,
		socket:    socket,
		writerErr: make(chan error, 1),
	}

	if opts.startWriter {
		writer, err := storage.NewWriter(storage.WriterConfig{
			StorageDir:    dir,
			BatchSize:     opts.batchSize,
			Compression:   "snappy",
			RotationBytes: 100 * 1024 * 1024,
			FlushInterval: 30 * time.Millisecond,
		}, queue, pm, nil, nil)
		require.NoError(t, err)
		go func() {
			f.writerErr <- writer.Run(context.Background())
		}()
	} else {
		f.writerErr = nil
	}

	f.srv = New(Config{
		SocketPath:     socket,
		MaxConnections: opts.maxConnections,
		MaxFrameBytes:  opts.maxFrameBytes,
		ShutdownGrace:  200 * time.Millisecond,
	}, validator, queue, pm)

	require.NoError(t, f.srv.Start())
	t.Cleanup(func() {
		if f.srv.State() == StateRunning {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = f.srv.Shutdown(ctx)
		}
	})

	return f
}

func (f *fixture) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))
	if f.writerErr != nil {
		select {
		case err := <-f.writerErr:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("writer did not drain")
		}
	}
}

func dial(t *testing.T, socket string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	_, err := conn.Write(header[:])
	require.NoError(t, err)
	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)
}

func payload(i int) string {
	ts := time.Date(2026, 1, 15, 19, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Millisecond)
	return fmt.Sprintf(`{"timestamp":%q,"level":"info","message":"frame-%04d"}`, ts.Format(time.RFC3339Nano), i)
}

func TestServer_HappyPath(t *testing.T) {
	f := newFixture(t, fixtureOpts{startWriter: true})

	conn := dial(t, f.socket)
	replies := bufio.NewReader(conn)

	sendFrame(t, conn, `{"timestamp":"2026-01-15T19:00:00Z","level":"info","message":"hello"}`)
	reply, err := replies.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK\n", reply)

	require.NoError(t, conn.Close())
	f.shutdown(t)

	files, err := storage.ListFiles(f.dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	records, err := storage.ReadFile(files[0])
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Message)
	assert.Equal(t, "info", records[0].Level)
	assert.True(t, records[0].Timestamp.Equal(time.Date(2026, 1, 15, 19, 0, 0, 0, time.UTC)))

	// The endpoint file is gone after shutdown
	_, err = os.Stat(f.socket)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, StateStopped, f.srv.State())
}

func TestServer_ValidationMix(t *testing.T) {
	f := newFixture(t, fixtureOpts{startWriter: true})

	conn := dial(t, f.socket)
	replies := bufio.NewReader(conn)

	for i := 0; i < 6; i++ {
		if i%2 == 0 {
			sendFrame(t, conn, payload(i))
		} else {
			// Invalid: missing message
			sendFrame(t, conn, `{"timestamp":"2026-01-15T19:00:00Z","level":"info"}`)
		}

		reply, err := replies.ReadString('\n')
		require.NoError(t, err)
		if i%2 == 0 {
			assert.Equal(t, "OK\n", reply)
		} else {
			assert.True(t, strings.HasPrefix(reply, "ERROR: "), "got %q", reply)
		}
	}

	require.NoError(t, conn.Close())
	f.shutdown(t)

	// Only valid records persisted, in wire order
	files, err := storage.ListFiles(f.dir)
	require.NoError(t, err)
	var all []schema.Record
	for _, path := range files {
		records, err := storage.ReadFile(path)
		require.NoError(t, err)
		all = append(all, records...)
	}
	require.Len(t, all, 3)
	for i, rec := range all {
		assert.Equal(t, fmt.Sprintf("frame-%04d", i*2), rec.Message)
	}

	snap, err := f.pm.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.IngestCount)
	assert.Equal(t, uint64(3), snap.ValidationFailures)
}

func TestServer_ZeroLengthFrameClosesConnection(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	conn := dial(t, f.socket)
	var header [4]byte
	_, err := conn.Write(header[:])
	require.NoError(t, err)

	buf := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_OverlargeFrameClosesConnection(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxFrameBytes: 128})

	conn := dial(t, f.socket)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1024)
	_, err := conn.Write(header[:])
	require.NoError(t, err)

	buf := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_Backpressure(t *testing.T) {
	// Writer intentionally not running: the queue fills at capacity 4
	f := newFixture(t, fixtureOpts{queueCapacity: 4})

	conn := dial(t, f.socket)
	replies := bufio.NewReader(conn)

	for i := 0; i < 10; i++ {
		sendFrame(t, conn, payload(i))
		reply, err := replies.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "OK\n", reply, "drops must still be acknowledged")
	}

	snap, err := f.pm.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), snap.IngestCount)
	assert.Equal(t, uint64(6), snap.DroppedQueueFull)
	assert.Equal(t, 4, f.queue.Len())

	// Resuming the writer persists the four queued records
	writer, err := storage.NewWriter(storage.WriterConfig{
		StorageDir:    f.dir,
		BatchSize:     1000,
		Compression:   "snappy",
		RotationBytes: 100 * 1024 * 1024,
		FlushInterval: 30 * time.Millisecond,
	}, f.queue, f.pm, nil, nil)
	require.NoError(t, err)

	f.queue.Close()
	require.NoError(t, writer.Run(context.Background()))

	files, err := storage.ListFiles(f.dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	records, err := storage.ReadFile(files[0])
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestServer_ConnectionCap(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxConnections: 1})

	first := dial(t, f.socket)
	defer first.Close()

	// The gauge updates asynchronously with the accept loop
	require.Eventually(t, func() bool {
		return f.srv.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	second := dial(t, f.socket)
	buf := make([]byte, 1)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := second.Read(buf)
	assert.ErrorIs(t, err, io.EOF, "over-cap connection must be closed immediately")

	require.Eventually(t, func() bool {
		snap, err := f.pm.Snapshot()
		return err == nil && snap.ConnectionsRejected == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ConcurrentClients(t *testing.T) {
	const clients = 8
	const perClient = 100

	f := newFixture(t, fixtureOpts{startWriter: true, queueCapacity: clients * perClient})

	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()

			conn, err := net.Dial("unix", f.socket)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			replies := bufio.NewReader(conn)

			for i := 0; i < perClient; i++ {
				msg := fmt.Sprintf(`{"timestamp":"2026-01-15T19:00:00Z","level":"info","message":"c%d-%04d","service":"client-%d"}`, client, i, client)
				var header [4]byte
				binary.BigEndian.PutUint32(header[:], uint32(len(msg)))
				if _, err := conn.Write(header[:]); !assert.NoError(t, err) {
					return
				}
				if _, err := io.WriteString(conn, msg); !assert.NoError(t, err) {
					return
				}
				reply, err := replies.ReadString('\n')
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, "OK\n", reply)
			}
		}(c)
	}
	wg.Wait()

	f.shutdown(t)

	files, err := storage.ListFiles(f.dir)
	require.NoError(t, err)
	var all []schema.Record
	for _, path := range files {
		records, err := storage.ReadFile(path)
		require.NoError(t, err)
		all = append(all, records...)
	}

	snap, err := f.pm.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(clients*perClient), snap.IngestCount)
	assert.Equal(t, clients*perClient, len(all)+int(snap.Dropped()))

	// Per-session wire order survives in the output even though
	// cross-session order is unconstrained
	lastSeen := make(map[string]string)
	for _, rec := range all {
		require.NotNil(t, rec.Service)
		if prev, ok := lastSeen[*rec.Service]; ok {
			assert.Greater(t, rec.Message, prev, "order broken for %s", *rec.Service)
		}
		lastSeen[*rec.Service] = rec.Message
	}
}

func TestServer_GracefulShutdownFlushesBuffer(t *testing.T) {
	f := newFixture(t, fixtureOpts{startWriter: true, batchSize: 1000})

	conn := dial(t, f.socket)
	replies := bufio.NewReader(conn)

	for i := 0; i < 7; i++ {
		sendFrame(t, conn, payload(i))
		reply, err := replies.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "OK\n", reply)
	}
	require.NoError(t, conn.Close())

	f.shutdown(t)

	files, err := storage.ListFiles(f.dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	records, err := storage.ReadFile(files[0])
	require.NoError(t, err)
	assert.Len(t, records, 7)
}

func TestServer_BindFailure(t *testing.T) {
	dir := test.TempDir(t)

	validator, err := schema.NewDefault()
	require.NoError(t, err)
	queue := pipeline.NewQueue(10)
	pm := metrics.NewPipelineMetrics(metrics.NewCollector())

	srv := New(Config{
		SocketPath:     dir, // a directory cannot be bound
		MaxConnections: 10,
		MaxFrameBytes:  1024,
	}, validator, queue, pm)

	err = srv.Start()
	require.Error(t, err)
	assert.IsType(t, BindError{}, err)
}

func TestServer_StaleSocketRemoved(t *testing.T) {
	socket := test.TempSocketPath(t)

	// Leave a stale socket behind
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	// net.Listener removes its file on Close; recreate the stale state
	// by binding again with unlink-on-close disabled.
	if _, statErr := os.Stat(socket); os.IsNotExist(statErr) {
		l2, err := net.Listen("unix", socket)
		require.NoError(t, err)
		unixListener, ok := l2.(*net.UnixListener)
		require.True(t, ok)
		unixListener.SetUnlinkOnClose(false)
		require.NoError(t, l2.Close())
	}
	_, err = os.Stat(socket)
	require.NoError(t, err, "stale socket file should exist")

	validator, err := schema.NewDefault()
	require.NoError(t, err)
	queue := pipeline.NewQueue(10)
	pm := metrics.NewPipelineMetrics(metrics.NewCollector())

	srv := New(Config{
		SocketPath:     socket,
		MaxConnections: 10,
		MaxFrameBytes:  1024,
		ShutdownGrace:  100 * time.Millisecond,
	}, validator, queue, pm)

	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
