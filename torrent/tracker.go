package torrent

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
)

// Peer is one compact peer entry from a tracker response.
type Peer struct {
	IP   string
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port)))
}

// trackerResponse is the bencoded reply from an HTTP tracker.
type trackerResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// publicTrackers backs torrents whose own announce list is thin or
// dead, mirroring how well-seeded swarms stay reachable in practice.
var publicTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
}

// AnnounceResult is what the tracker client hands back to the download
// coordinator: a deduplicated peer list and the tracker-preferred
// refresh interval.
type AnnounceResult struct {
	Peers    []Peer
	Interval time.Duration
}

func announceURLs(meta *TorrentFile) []string {
	set := make(map[string]struct{})
	if meta.Announce != "" {
		set[meta.Announce] = struct{}{}
	}
	for _, tier := range meta.AnnounceList {
		for _, u := range tier {
			if u != "" {
				set[u] = struct{}{}
			}
		}
	}
	for _, u := range publicTrackers {
		set[u] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}

// Announce contacts every known tracker (the torrent's own plus a
// fallback set of public ones) over whichever transport its URL scheme
// names, merges their peer lists, and keeps the shortest reported
// interval. A tracker that fails to respond is logged and skipped
// rather than failing the whole announce.
func Announce(meta *TorrentFile, ourPeerID string, port uint16, left uint64) (*AnnounceResult, error) {
	urls := announceURLs(meta)
	if len(urls) == 0 {
		return nil, newErr(KindProtocol, "no trackers available for this torrent")
	}

	peerSet := make(map[string]Peer)
	var interval time.Duration

	for _, u := range urls {
		var (
			resp *trackerResponse
			err  error
		)

		switch {
		case strings.HasPrefix(u, "udp://"):
			resp, err = announceUDP(meta, u, ourPeerID, port, left)
		case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
			resp, err = announceHTTP(meta, u, ourPeerID, port, left)
		default:
			continue
		}

		if err != nil {
			log.WithField("tracker", u).WithField("error", err).Warn("tracker announce failed")
			continue
		}

		peers, err := decodeCompactPeers(resp.Peers)
		if err != nil {
			log.WithField("tracker", u).WithField("error", err).Warn("bad compact peer list")
			continue
		}
		for _, p := range peers {
			peerSet[p.String()] = p
		}

		respInterval := time.Duration(resp.Interval) * time.Second
		if interval == 0 || (respInterval > 0 && respInterval < interval) {
			interval = respInterval
		}

		log.WithField("tracker", u).WithField("peers", len(peers)).Info("tracker announce succeeded")
	}

	if len(peerSet) == 0 {
		return nil, newErr(KindProtocol, "no peers received from any tracker")
	}
	if interval == 0 {
		interval = 30 * time.Minute
	}

	out := make([]Peer, 0, len(peerSet))
	for _, p := range peerSet {
		out = append(out, p)
	}
	return &AnnounceResult{Peers: out, Interval: interval}, nil
}

func announceHTTP(meta *TorrentFile, announceURL, ourPeerID string, port uint16, left uint64) (*trackerResponse, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, wrapErr(KindProtocol, err, "parsing tracker url")
	}

	params := url.Values{}
	params.Set("info_hash", string(meta.Info.InfoHash[:]))
	params.Set("peer_id", ourPeerID)
	params.Set("port", strconv.Itoa(int(port)))
	params.Set("uploaded", "0")
	params.Set("downloaded", "0")
	params.Set("left", strconv.FormatUint(left, 10))
	params.Set("compact", "1")
	params.Set("event", "started")
	u.RawQuery = params.Encode()

	client := &http.Client{Timeout: 15 * time.Second}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, wrapErr(KindProtocol, err, "building tracker request")
	}
	req.Header.Set("User-Agent", "gotorrent/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, wrapErr(KindIo, err, "contacting HTTP tracker")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newErr(KindProtocol, "tracker returned status %d", resp.StatusCode)
	}

	var tr trackerResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, wrapErr(KindProtocol, err, "decoding tracker response")
	}
	if tr.Failure != "" {
		return nil, newErr(KindProtocol, "tracker failure: %s", tr.Failure)
	}
	return &tr, nil
}

const udpProtocolID uint64 = 0x41727101980

func announceUDP(meta *TorrentFile, announceURL, ourPeerID string, port uint16, left uint64) (*trackerResponse, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, wrapErr(KindProtocol, err, "parsing tracker url")
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, wrapErr(KindIo, err, "resolving UDP tracker address")
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, wrapErr(KindIo, err, "dialing UDP tracker")
	}
	defer conn.Close()

	transactionID, err := randomUint32()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		connID, rerr := udpConnect(conn, transactionID, attempt)
		if rerr != nil {
			lastErr = rerr
			continue
		}

		return udpAnnounce(conn, meta, ourPeerID, port, left, connID, transactionID)
	}

	return nil, wrapErr(KindIo, lastErr, "UDP tracker connect failed after 3 attempts")
}

func udpConnect(conn *net.UDPConn, transactionID uint32, attempt int) (uint64, error) {
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], 0)
	binary.BigEndian.PutUint32(req[12:16], transactionID)

	conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
	if _, err := conn.Write(req); err != nil {
		return 0, wrapErr(KindIo, err, "sending UDP connect")
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, wrapErr(KindIo, err, "reading UDP connect response")
	}
	if n < 16 {
		return 0, newErr(KindProtocol, "short UDP connect response: %d bytes", n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != 0 {
		return 0, newErr(KindProtocol, "unexpected UDP connect action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return 0, newErr(KindProtocol, "UDP transaction id mismatch")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounce(conn *net.UDPConn, meta *TorrentFile, ourPeerID string, port uint16, left uint64, connID uint64, transactionID uint32) (*trackerResponse, error) {
	const (
		actionAnnounce = 1
		eventStarted   = 2
	)

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], transactionID)
	copy(req[16:36], meta.Info.InfoHash[:])
	copy(req[36:56], []byte(ourPeerID))
	binary.BigEndian.PutUint64(req[56:64], 0) // downloaded
	binary.BigEndian.PutUint64(req[64:72], left)
	binary.BigEndian.PutUint64(req[72:80], 0) // uploaded
	binary.BigEndian.PutUint32(req[80:84], eventStarted)
	binary.BigEndian.PutUint32(req[84:88], 0) // IP, 0 = tracker's view
	key, err := randomUint32()
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(req[88:92], key)
	binary.BigEndian.PutUint32(req[92:96], uint32(int32(-1))) // num_want: default
	binary.BigEndian.PutUint16(req[96:98], port)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(req); err != nil {
		return nil, wrapErr(KindIo, err, "sending UDP announce")
	}

	resp := make([]byte, 1024)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, wrapErr(KindIo, err, "reading UDP announce response")
	}
	if n < 20 {
		return nil, newErr(KindProtocol, "short UDP announce response: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == 3 {
		return nil, newErr(KindProtocol, "tracker error: %s", string(resp[8:n]))
	}
	if action != actionAnnounce {
		return nil, newErr(KindProtocol, "unexpected UDP announce action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return nil, newErr(KindProtocol, "UDP transaction id mismatch")
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	peers := resp[20:n]
	if len(peers)%6 != 0 {
		return nil, newErr(KindProtocol, "compact peer list not a multiple of 6 bytes")
	}

	return &trackerResponse{Interval: interval, Peers: string(peers)}, nil
}

func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, wrapErr(KindIo, err, "generating random transaction id")
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// RefreshPeers re-announces to the tracker set on the interval the
// trackers themselves reported, dialing any peer address that wasn't
// already seen in a previous round. It runs until ctx is cancelled.
// The dedup by peer address across rounds happens here, so dial is
// called at most once per address; dial is called inline for each
// fresh peer and nothing here waits on the outcome of a connection.
func RefreshPeers(ctx context.Context, meta *TorrentFile, ourPeerID string, port uint16, left uint64, dial func(Peer)) {
	refreshPeersWithAnnounce(ctx, func() (*AnnounceResult, error) {
		return Announce(meta, ourPeerID, port, left)
	}, dial)
}

// refreshPeersWithAnnounce is RefreshPeers with the tracker round-trip
// factored out behind announce, so the dedup/interval/cancellation loop
// can be exercised without a live tracker.
func refreshPeersWithAnnounce(ctx context.Context, announce func() (*AnnounceResult, error), dial func(Peer)) {
	seen := make(map[string]struct{})

	for {
		result, err := announce()
		if err != nil {
			log.WithField("error", err).Warn("peer refresh: announce failed")
		} else {
			fresh := 0
			for _, p := range result.Peers {
				key := p.String()
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				fresh++
				dial(p)
			}
			log.WithField("fresh_peers", fresh).WithField("total_peers", len(result.Peers)).Info("peer refresh: announce succeeded")
		}

		interval := 30 * time.Minute
		if result != nil && result.Interval > 0 {
			interval = result.Interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// decodeCompactPeers unpacks a tracker's compact peer string: 6 bytes
// per peer, 4 for IPv4 then 2 for a big-endian port.
func decodeCompactPeers(peers string) ([]Peer, error) {
	raw := []byte(peers)
	if len(raw)%6 != 0 {
		return nil, newErr(KindProtocol, "invalid compact peer list length %d", len(raw))
	}

	out := make([]Peer, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		out = append(out, Peer{IP: ip, Port: port})
	}
	return out, nil
}
