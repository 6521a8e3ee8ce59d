package storage

import (
	"strings"

	parquet "github.com/parquet-go/parquet-go"
)

// Codec maps a configured compression name onto a parquet writer option.
// Unrecognized names fall back to snappy, the default codec.
func Codec(name string) parquet.WriterOption {
	switch strings.ToLower(name) {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip", "gz":
		return parquet.Compression(&parquet.Gzip)
	case "none", "uncompressed":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// CodecName normalizes a configured compression name
func CodecName(name string) string {
	switch strings.ToLower(name) {
	case "zstd":
		return "zstd"
	case "gzip", "gz":
		return "gzip"
	case "none", "uncompressed":
		return "none"
	default:
		return "snappy"
	}
}
