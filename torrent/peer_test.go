package torrent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDownload(t *testing.T, numPieces int) *Download {
	t.Helper()
	meta := &TorrentFile{Info: TorrentInfo{
		Name:        "loopback.bin",
		PieceLength: BlockSize,
		Length:      int64(numPieces) * BlockSize,
		Pieces:      string(make([]byte, 20*numPieces)),
	}}
	d, err := NewDownload("our-peer-id-0123456", meta, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestCompleteHandshakeRejectsInfoHashMismatch(t *testing.T) {
	download := testDownload(t, 1)
	download.Metainfo.Info.InfoHash = [20]byte{1, 2, 3}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var mismatched [20]byte
		mismatched[0] = 0xFF
		client.Write(Handshake{InfoHash: mismatched, PeerID: [20]byte{9}}.Encode())
	}()

	_, err := completeHandshake(server, download, Peer{IP: "127.0.0.1", Port: 1}, false)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindInvalidInfoHash, kind)
}

func TestCompleteHandshakeRejectsSelfConnect(t *testing.T) {
	download := testDownload(t, 1)

	var ourID [20]byte
	copy(ourID[:], download.OurPeerID)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write(Handshake{InfoHash: download.Metainfo.Info.InfoHash, PeerID: ourID}.Encode())
	}()

	_, err := completeHandshake(server, download, Peer{IP: "127.0.0.1", Port: 1}, false)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindConnectingToSelf, kind)
}

func TestDialPeerRejectsOwnListenAddress(t *testing.T) {
	download := testDownload(t, 1)
	peer := Peer{IP: "127.0.0.1", Port: 6881}

	err := DialPeer(nil, download, peer, peer.String())
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindConnectingToSelf, kind)
}
