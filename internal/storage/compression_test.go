package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodecName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"snappy", "snappy"},
		{"SNAPPY", "snappy"},
		{"zstd", "zstd"},
		{"gzip", "gzip"},
		{"gz", "gzip"},
		{"none", "none"},
		{"uncompressed", "none"},
		{"", "snappy"},
		{"lzma", "snappy"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CodecName(tt.in), "input %q", tt.in)
	}
}

func TestCodec_ReturnsOption(t *testing.T) {
	for _, name := range []string{"snappy", "zstd", "gzip", "none"} {
		assert.NotNil(t, Codec(name))
	}
}
