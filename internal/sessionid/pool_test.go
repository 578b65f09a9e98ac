package sessionid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AllocUnique(t *testing.T) {
	p := New()
	seen := make(map[uint16]bool)

	for i := 0; i < 1000; i++ {
		id, ok := p.Alloc()
		require.True(t, ok)
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
	assert.Equal(t, 1000, p.Count())
}

func TestPool_FullThenFail(t *testing.T) {
	p := New()
	for i := 0; i < poolSize; i++ {
		_, ok := p.Alloc()
		require.True(t, ok)
	}
	assert.True(t, p.IsFull())

	_, ok := p.Alloc()
	assert.False(t, ok)
}

func TestPool_WraparoundReuse(t *testing.T) {
	p := New()

	var first uint16
	for i := 0; i < poolSize; i++ {
		id, ok := p.Alloc()
		require.True(t, ok)
		if i == 0 {
			first = id
		}
	}
	require.True(t, p.IsFull())

	p.Free(first)
	id, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, first, id)
}

func TestPool_FreeThenRealloc(t *testing.T) {
	p := New()
	id, ok := p.Alloc()
	require.True(t, ok)

	p.Free(id)
	assert.Equal(t, 0, p.Count())

	// The rolling cursor has already moved past id, so the next
	// allocation takes the following slot rather than reusing id.
	id2, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, id+1, id2)
}

func TestPool_FreeUnallocatedPanics(t *testing.T) {
	p := New()
	assert.Panics(t, func() {
		p.Free(5)
	})
}
