package server

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/logforge/daemon/internal/metrics"
	"github.com/logforge/daemon/internal/pipeline"
	"github.com/logforge/daemon/internal/schema"
)

const (
	replyOK    = "OK\n"
	replyError = "ERROR: "

	readBufferSize = 16 * 1024
)

// session is one logical conversation with one client. It parses the
// length-prefixed frame protocol, validates payloads, and offers the
// records to the bounded queue. Enqueue never blocks: a full queue drops
// the record silently and the client still sees OK.
type session struct {
	id            string
	conn          net.Conn
	validator     *schema.Validator
	queue         *pipeline.Queue
	metrics       *metrics.PipelineMetrics
	maxFrameBytes int
	log           zerolog.Logger
}

func newSession(conn net.Conn, validator *schema.Validator, queue *pipeline.Queue, pm *metrics.PipelineMetrics, maxFrameBytes int, log zerolog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:            id,
		conn:          conn,
		validator:     validator,
		queue:         queue,
		metrics:       pm,
		maxFrameBytes: maxFrameBytes,
		log:           log.With().Str("session_id", id).Logger(),
	}
}

// run processes frames until the client disconnects, framing breaks, or
// the connection is closed from outside. The returned error is nil for
// clean disconnects.
func (s *session) run() error {
	reader := bufio.NewReaderSize(s.conn, readBufferSize)
	writer := bufio.NewWriter(s.conn)

	var header [4]byte
	var payload []byte

	for {
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return BadFramingError{Reason: "truncated length prefix"}
			}
			return err
		}

		length := binary.BigEndian.Uint32(header[:])
		if length == 0 {
			return BadFramingError{Reason: "zero-length frame"}
		}
		if int(length) > s.maxFrameBytes {
			return OverlargeFrameError{Size: length, Max: s.maxFrameBytes}
		}

		if cap(payload) < int(length) {
			payload = make([]byte, length)
		}
		payload = payload[:length]
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return BadFramingError{Reason: "short payload read"}
		}

		rec, err := s.validator.Validate(payload)
		if err != nil {
			s.metrics.RecordValidationFailure()
			s.log.Debug().Err(err).Msg("Frame rejected")
			if werr := s.reply(writer, replyError+err.Error()+"\n"); werr != nil {
				return werr
			}
			continue
		}

		s.metrics.RecordIngest()

		if !s.queue.TryPush(rec) {
			s.metrics.RecordDrop(metrics.DropReasonQueueFull)
		}

		// The ack does not distinguish a drop: backpressure is surfaced
		// only through metrics.
		if werr := s.reply(writer, replyOK); werr != nil {
			return werr
		}
	}
}

func (s *session) reply(writer *bufio.Writer, msg string) error {
	if _, err := writer.WriteString(msg); err != nil {
		return err
	}
	return writer.Flush()
}
