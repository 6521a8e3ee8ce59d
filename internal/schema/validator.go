package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/valyala/fastjson"
)

// defaultSchema matches the canonical record field set. Payloads that
// only ever face this schema take the fast path: field extraction doubles
// as validation and the compiled schema is never consulted per frame.
const defaultSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["timestamp", "level", "message"],
	"properties": {
		"timestamp": { "type": "string" },
		"level": { "type": "string" },
		"message": { "type": "string", "minLength": 1 },
		"service": { "type": "string" },
		"trace_id": { "type": "string" },
		"metadata": { "type": "object" }
	}
}`

// Validator turns raw JSON payloads into typed Records. It is immutable
// after construction and safe for concurrent use by all sessions.
type Validator struct {
	compiled *jsonschema.Schema
	fastPath bool
	parsers  fastjson.ParserPool
}

// NewDefault creates a validator with the built-in schema.
func NewDefault() (*Validator, error) {
	v, err := compile("default.json", []byte(defaultSchema))
	if err != nil {
		return nil, err
	}
	return &Validator{compiled: v, fastPath: true}, nil
}

// NewFromFile creates a validator from an operator-supplied JSON Schema
// document. Compile failure aborts startup.
func NewFromFile(path string) (*Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, LoadError{Path: path, Err: err}
	}

	compiled, err := compile(path, data)
	if err != nil {
		return nil, LoadError{Path: path, Err: err}
	}

	return &Validator{compiled: compiled, fastPath: false}, nil
}

func compile(name string, definition []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(definition)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return compiled, nil
}

// Validate converts a complete JSON document payload into a Record.
// The payload must be UTF-8; timestamps are normalized to UTC.
func (v *Validator) Validate(payload []byte) (Record, error) {
	if !utf8.Valid(payload) {
		return Record{}, MalformedJSONError{Reason: "payload is not valid UTF-8"}
	}

	p := v.parsers.Get()
	defer v.parsers.Put(p)

	doc, err := p.ParseBytes(payload)
	if err != nil {
		return Record{}, MalformedJSONError{Reason: err.Error()}
	}

	if doc.Type() != fastjson.TypeObject {
		return Record{}, SchemaViolationError{Reason: "document is not an object"}
	}

	// Custom schemas need the full document-shape check before field
	// extraction. The default schema is covered by extraction itself.
	if !v.fastPath {
		var decoded interface{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return Record{}, MalformedJSONError{Reason: err.Error()}
		}
		if err := v.compiled.Validate(decoded); err != nil {
			return Record{}, asViolation(err)
		}
	}

	return extract(doc)
}

// extract pulls the typed fields out of a parsed document.
func extract(doc *fastjson.Value) (Record, error) {
	var rec Record

	ts, err := requiredString(doc, "timestamp")
	if err != nil {
		return Record{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Record{}, BadTimestampError{Value: ts}
	}
	rec.Timestamp = parsed.UTC()

	level, err := requiredString(doc, "level")
	if err != nil {
		return Record{}, err
	}
	if !ValidLevels[level] {
		return Record{}, BadLevelError{Value: level}
	}
	rec.Level = level

	msg, err := requiredString(doc, "message")
	if err != nil {
		return Record{}, err
	}
	if msg == "" {
		return Record{}, SchemaViolationError{Path: "/message", Reason: "must not be empty"}
	}
	rec.Message = msg

	if rec.Service, err = optionalString(doc, "service"); err != nil {
		return Record{}, err
	}
	if rec.TraceID, err = optionalString(doc, "trace_id"); err != nil {
		return Record{}, err
	}

	if meta := doc.Get("metadata"); meta != nil {
		if meta.Type() != fastjson.TypeObject {
			return Record{}, SchemaViolationError{Path: "/metadata", Reason: "must be an object"}
		}
		serialized := string(meta.MarshalTo(nil))
		rec.Metadata = &serialized
	}

	return rec, nil
}

func requiredString(doc *fastjson.Value, field string) (string, error) {
	val := doc.Get(field)
	if val == nil {
		return "", SchemaViolationError{Path: "/" + field, Reason: "required field missing"}
	}
	s, err := val.StringBytes()
	if err != nil {
		return "", SchemaViolationError{Path: "/" + field, Reason: "must be a string"}
	}
	return string(s), nil
}

func optionalString(doc *fastjson.Value, field string) (*string, error) {
	val := doc.Get(field)
	if val == nil || val.Type() == fastjson.TypeNull {
		return nil, nil
	}
	s, err := val.StringBytes()
	if err != nil {
		return nil, SchemaViolationError{Path: "/" + field, Reason: "must be a string"}
	}
	out := string(s)
	return &out, nil
}

// asViolation maps a jsonschema validation error onto the typed
// SchemaViolationError, keeping the instance path when available.
func asViolation(err error) error {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		path := leaf.InstanceLocation
		if !strings.HasPrefix(path, "/") && path != "" {
			path = "/" + path
		}
		return SchemaViolationError{Path: path, Reason: leaf.Message}
	}
	return SchemaViolationError{Reason: err.Error()}
}
