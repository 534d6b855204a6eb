package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHash(t *testing.T) {
	h := ContentHash("internal links\n\tmatter")
	assert.Len(t, h, 64)
	assert.Equal(t, h, ContentHash("  internal   links matter "))
	assert.NotEqual(t, h, ContentHash("internal links matter!"))
}
