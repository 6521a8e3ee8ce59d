package server

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/logforge/daemon/internal/logger"
	"github.com/logforge/daemon/internal/metrics"
	"github.com/logforge/daemon/internal/pipeline"
	"github.com/logforge/daemon/internal/schema"
)

// State is the supervisor lifecycle state
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds listener configuration
type Config struct {
	SocketPath     string
	MaxConnections int
	MaxFrameBytes  int
	ShutdownGrace  time.Duration
}

// Server binds the ingest endpoint, accepts connections up to the cap,
// and supervises sessions. Shutdown stops the accept loop, gives
// in-flight sessions a bounded grace period, then closes them and
// signals the writer to drain by closing the queue.
type Server struct {
	cfg       Config
	validator *schema.Validator
	queue     *pipeline.Queue
	metrics   *metrics.PipelineMetrics
	log       zerolog.Logger

	listener net.Listener
	state    atomic.Int32
	active   atomic.Int64

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	sessions sync.WaitGroup
}

// New creates a server
func New(cfg Config, validator *schema.Validator, queue *pipeline.Queue, pm *metrics.PipelineMetrics) *Server {
	return &Server{
		cfg:       cfg,
		validator: validator,
		queue:     queue,
		metrics:   pm,
		log:       logger.WithComponent("server"),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start binds the unix socket and launches the accept loop. A stale
// endpoint file from a previous run is removed first; bind failure is
// fatal.
func (s *Server) Start() error {
	if err := removeStaleSocket(s.cfg.SocketPath); err != nil {
		return BindError{Path: s.cfg.SocketPath, Err: err}
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return BindError{Path: s.cfg.SocketPath, Err: err}
	}
	s.listener = listener
	s.state.Store(int32(StateRunning))

	s.log.Info().
		Str("socket", s.cfg.SocketPath).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Listening for log clients")

	go s.acceptLoop()

	return nil
}

// State returns the current lifecycle state
func (s *Server) State() State {
	return State(s.state.Load())
}

// ActiveConnections returns the number of open sessions
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.State() != StateRunning || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("Accept failed")
			continue
		}

		if s.active.Load() >= int64(s.cfg.MaxConnections) {
			s.metrics.ConnectionRejected()
			_ = conn.Close()
			continue
		}

		s.track(conn)
		s.active.Add(1)
		s.metrics.ConnectionOpened()
		s.sessions.Add(1)

		go func() {
			defer func() {
				_ = conn.Close()
				s.untrack(conn)
				s.active.Add(-1)
				s.metrics.ConnectionClosed()
				s.sessions.Done()
			}()

			sess := newSession(conn, s.validator, s.queue, s.metrics, s.cfg.MaxFrameBytes, s.log)
			if err := sess.run(); err != nil {
				s.log.Debug().Err(err).Msg("Session closed")
			}
		}()
	}
}

// Shutdown drains the server: the accept loop stops, in-flight sessions
// get the configured grace period to finish their current frame, then
// remaining connections are closed. Finally the queue is closed so the
// writer can drain, and the endpoint file is removed.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return nil
	}

	s.log.Info().Int64("active", s.active.Load()).Msg("Draining server")

	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}

	select {
	case <-done:
	case <-time.After(grace):
		s.log.Warn().Int64("active", s.active.Load()).Msg("Grace period elapsed, closing sessions")
		s.closeAll()
		<-done
	case <-ctx.Done():
		s.closeAll()
		<-done
	}

	s.queue.Close()
	_ = os.Remove(s.cfg.SocketPath)
	s.state.Store(int32(StateStopped))

	s.log.Info().Msg("Server stopped")
	return nil
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// removeStaleSocket removes a leftover endpoint file. Anything other
// than a socket at the path is left alone and surfaces as a bind error.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if info.Mode()&os.ModeSocket == 0 {
		return nil
	}

	return os.Remove(path)
}
