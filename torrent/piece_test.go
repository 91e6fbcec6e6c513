package torrent

import (
	"crypto/sha1"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func tempFile(t *testing.T, size int64) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "piece-test-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestPieceStoreAndVerify(t *testing.T) {
	payload := repeatBytes(0xAB, BlockSize+100)
	hash := sha1.Sum(payload)
	length := int64(len(payload))

	f := tempFile(t, length)
	p := newPiece(0, length, 0, hash)
	require.Len(t, p.Blocks, 2)

	require.NoError(t, p.Store(f, 0, payload[:BlockSize]))
	assert.False(t, p.IsComplete)

	require.NoError(t, p.Store(f, 1, payload[BlockSize:]))
	assert.True(t, p.IsComplete)
}

func TestPieceStoreDuplicateIsNoOp(t *testing.T) {
	payload := repeatBytes(0x11, BlockSize)
	hash := sha1.Sum(payload)
	f := tempFile(t, BlockSize)
	p := newPiece(0, BlockSize, 0, hash)

	require.NoError(t, p.Store(f, 0, payload))
	assert.True(t, p.IsComplete)

	require.NoError(t, p.Store(f, 0, repeatBytes(0x99, BlockSize)))
	assert.True(t, p.IsComplete)
}

func TestPieceStoreHashMismatchClearsBlocks(t *testing.T) {
	good := repeatBytes(0x01, BlockSize)
	hash := sha1.Sum(good)
	f := tempFile(t, BlockSize)
	p := newPiece(0, BlockSize, 0, hash)

	bad := repeatBytes(0x02, BlockSize)
	require.NoError(t, p.Store(f, 0, bad))

	assert.False(t, p.IsComplete)
	assert.False(t, p.Blocks[0].Present)

	require.NoError(t, p.Store(f, 0, good))
	assert.True(t, p.IsComplete)
}

func TestPieceVerifyRecoversCompleteFromDisk(t *testing.T) {
	payload := repeatBytes(0x55, BlockSize)
	hash := sha1.Sum(payload)
	f := tempFile(t, BlockSize)
	_, err := f.WriteAt(payload, 0)
	require.NoError(t, err)

	p := newPiece(0, BlockSize, 0, hash)
	complete, err := p.Verify(f)
	require.NoError(t, err)
	assert.True(t, complete)
}

func repeatBytes(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
