package proxyserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFakeJobID_StartsWithF(t *testing.T) {
	id := fakeJobID()
	assert.True(t, strings.HasPrefix(id, "f"), "fake job ids must start with 'f' per the keep-alive contract")
	assert.Greater(t, len(id), 1)
}

func TestFakeJobID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id := fakeJobID()
		assert.False(t, seen[id], "fakeJobID should not repeat across calls")
		seen[id] = true
	}
}
