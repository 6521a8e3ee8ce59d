package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRotationPolicy(t *testing.T) {
	policy := RotationPolicy{RotationBytes: 1024}

	assert.False(t, policy.ShouldRotate(0))
	assert.False(t, policy.ShouldRotate(1023))
	assert.True(t, policy.ShouldRotate(1024))
	assert.True(t, policy.ShouldRotate(4096))
}
