package torrent

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func buildTestTorrent(t *testing.T, payload []byte, pieceLength int64) *TorrentFile {
	t.Helper()

	var pieces []byte
	for off := int64(0); off < int64(len(payload)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		h := sha1.Sum(payload[off:end])
		pieces = append(pieces, h[:]...)
	}

	return &TorrentFile{
		Info: TorrentInfo{
			PieceLength: pieceLength,
			Pieces:      string(pieces),
			Name:        "payload.bin",
			Length:      int64(len(payload)),
		},
	}
}

func TestNewDownloadRecognizesCompletePiecesOnRestart(t *testing.T) {
	payload := repeatBytes(0x42, int(2*BlockSize))
	meta := buildTestTorrent(t, payload, BlockSize)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, meta.Info.Name), payload, 0644))

	d, err := NewDownload("peer-a", meta, dir)
	require.NoError(t, err)
	defer d.Close()

	for _, complete := range d.HavePieces() {
		assert.True(t, complete)
	}
}

func TestDownloadFileLengthInvariant(t *testing.T) {
	payload := repeatBytes(0x5A, 40000)
	meta := buildTestTorrent(t, payload, 32768)
	meta.Info.Length = 40000

	dir := t.TempDir()
	d, err := NewDownload("peer-a", meta, dir)
	require.NoError(t, err)
	defer d.Close()

	info, err := os.Stat(filepath.Join(dir, meta.Info.Name))
	require.NoError(t, err)
	assert.EqualValues(t, 40000, info.Size())
}

func TestDownloadStoreIsIdempotentAndBroadcasts(t *testing.T) {
	payload := repeatBytes(0x7, BlockSize)
	meta := buildTestTorrent(t, payload, BlockSize)
	meta.Info.Length = BlockSize

	dir := t.TempDir()
	d, err := NewDownload("peer-a", meta, dir)
	require.NoError(t, err)
	defer d.Close()

	mailbox := NewMailbox()
	d.RegisterPeer(mailbox)

	require.NoError(t, d.Store(0, 0, payload))
	require.NoError(t, d.Store(0, 0, repeatBytes(0xFF, BlockSize)))

	have := d.HavePieces()
	assert.True(t, have[0])

	var kinds []EventKind
	for i := 0; i < 2; i++ {
		kinds = append(kinds, (<-mailbox.Events()).Kind)
	}
	assert.Contains(t, kinds, EventBlockComplete)
	assert.Contains(t, kinds, EventPieceComplete)
}

func TestDownloadRetrieveDataRequiresCompletePiece(t *testing.T) {
	payload := repeatBytes(0x9, BlockSize)
	meta := buildTestTorrent(t, payload, BlockSize)
	meta.Info.Length = BlockSize

	dir := t.TempDir()
	d, err := NewDownload("peer-a", meta, dir)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.RetrieveData(0, 0, BlockSize)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindMissingPieceData, kind)

	require.NoError(t, d.Store(0, 0, payload))
	data, err := d.RetrieveData(0, 0, BlockSize)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestIncompleteBlocksOfInterestExcludesInFlight(t *testing.T) {
	payload := repeatBytes(0x3, int(2*BlockSize))
	meta := buildTestTorrent(t, payload, 2*BlockSize)
	meta.Info.Length = int64(len(payload))

	dir := t.TempDir()
	d, err := NewDownload("peer-a", meta, dir)
	require.NoError(t, err)
	defer d.Close()

	peerHas := []bool{true}
	inFlight := NewRequestQueue()

	candidates := d.IncompleteBlocksOfInterest(peerHas, inFlight)
	require.Len(t, candidates, 2)

	inFlight.Add(candidates[0].PieceIndex, candidates[0].BlockIndex, candidates[0].Offset, candidates[0].BlockLength)
	remaining := d.IncompleteBlocksOfInterest(peerHas, inFlight)
	assert.Len(t, remaining, 1)
}
