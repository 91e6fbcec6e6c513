package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestQueueAddIsIdempotent(t *testing.T) {
	q := NewRequestQueue()

	assert.True(t, q.Add(0, 0, 0, BlockSize))
	assert.False(t, q.Add(0, 0, 0, BlockSize))
	assert.Equal(t, 1, q.Len())
}

func TestRequestQueueHasAndRemove(t *testing.T) {
	q := NewRequestQueue()
	q.Add(2, 3, 3*BlockSize, BlockSize)

	assert.True(t, q.Has(2, 3))
	assert.False(t, q.Has(2, 4))

	removed, ok := q.Remove(2, 3)
	assert.True(t, ok)
	assert.Equal(t, uint32(3), removed.BlockIndex)
	assert.False(t, q.Has(2, 3))
	assert.Equal(t, 0, q.Len())
}

func TestRequestQueueRemoveMissingEntry(t *testing.T) {
	q := NewRequestQueue()
	_, ok := q.Remove(0, 0)
	assert.False(t, ok)
}

func TestRequestQueueBound(t *testing.T) {
	q := NewRequestQueue()
	for i := uint32(0); i < MaxConcurrentRequests; i++ {
		q.Add(0, i, i*BlockSize, BlockSize)
	}
	assert.LessOrEqual(t, q.Len(), MaxConcurrentRequests)
}
