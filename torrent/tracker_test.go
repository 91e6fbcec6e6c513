package torrent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func TestDecodeCompactPeers(t *testing.T) {
	raw := string([]byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2})

	peers, err := decodeCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, peers, 2)

	assert.Equal(t, "127.0.0.1", peers[0].IP)
	assert.EqualValues(t, 0x1AE1, peers[0].Port)
	assert.Equal(t, "10.0.0.2", peers[1].IP)
}

func TestDecodeCompactPeersRejectsBadLength(t *testing.T) {
	_, err := decodeCompactPeers("not six")
	require.Error(t, err)
}

func TestPeerString(t *testing.T) {
	p := Peer{IP: "192.168.1.1", Port: 6881}
	assert.Equal(t, "192.168.1.1:6881", p.String())
}

func TestAnnounceURLsIncludesPublicFallback(t *testing.T) {
	meta := &TorrentFile{Announce: "http://tracker.example/announce"}
	urls := announceURLs(meta)

	assert.Contains(t, urls, "http://tracker.example/announce")
	assert.Contains(t, urls, publicTrackers[0])
}

func TestRefreshPeersDedupesAcrossRounds(t *testing.T) {
	calls := 0
	announce := func() (*AnnounceResult, error) {
		calls++
		return &AnnounceResult{
			Peers:    []Peer{{IP: "10.0.0.1", Port: 1}, {IP: "10.0.0.2", Port: 2}},
			Interval: time.Millisecond,
		}, nil
	}

	var mu sync.Mutex
	var dialed []Peer
	dial := func(p Peer) {
		mu.Lock()
		defer mu.Unlock()
		dialed = append(dialed, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	refreshPeersWithAnnounce(ctx, announce, dial)

	require.GreaterOrEqual(t, calls, 2)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, dialed, 2, "the same two peers across rounds should only be dialed once each")
}

func TestRefreshPeersStopsOnContextCancel(t *testing.T) {
	announce := func() (*AnnounceResult, error) {
		return &AnnounceResult{Interval: time.Hour}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		refreshPeersWithAnnounce(ctx, announce, func(Peer) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refreshPeersWithAnnounce did not return after context cancellation")
	}
}

func TestRefreshPeersContinuesAfterAnnounceError(t *testing.T) {
	calls := 0
	announce := func() (*AnnounceResult, error) {
		calls++
		if calls == 1 {
			return nil, newErr(KindProtocol, "no peers received from any tracker")
		}
		return &AnnounceResult{Peers: []Peer{{IP: "10.0.0.9", Port: 9}}, Interval: time.Millisecond}, nil
	}

	var dialed []Peer
	dial := func(p Peer) { dialed = append(dialed, p) }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	refreshPeersWithAnnounce(ctx, announce, dial)

	require.GreaterOrEqual(t, calls, 2)
	assert.Len(t, dialed, 1)
}
