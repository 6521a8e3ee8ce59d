package schema

import (
	"time"
)

// Level names accepted in the "level" field
const (
	LevelTrace = "trace"
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

// ValidLevels is the level enumeration
var ValidLevels = map[string]bool{
	LevelTrace: true,
	LevelDebug: true,
	LevelInfo:  true,
	LevelWarn:  true,
	LevelError: true,
	LevelFatal: true,
}

// Record is a validated log entry. It is created by the Validator,
// consumed exactly once by the storage writer, and maps one-to-one onto
// the parquet column layout. Metadata carries arbitrary JSON serialized
// as a string so the writer stays agnostic to schema drift.
type Record struct {
	Timestamp time.Time `parquet:"timestamp,timestamp(millisecond)" json:"timestamp"`
	Level     string    `parquet:"level" json:"level"`
	Message   string    `parquet:"message" json:"message"`
	Service   *string   `parquet:"service,optional" json:"service,omitempty"`
	TraceID   *string   `parquet:"trace_id,optional" json:"trace_id,omitempty"`
	Metadata  *string   `parquet:"metadata,optional" json:"metadata,omitempty"`
}
