package torrent

import (
	"fmt"
	"net"
)

// DefaultPort is the conventional BitTorrent listening port.
const DefaultPort = 6881

// Listener accepts inbound peer connections on a single TCP port,
// spawning one peer task per accepted connection.
type Listener struct {
	ln       net.Listener
	download *Download
}

// Listen opens a TCP listener on port and returns a Listener ready to
// Serve.
func Listen(port uint16, download *Download) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, wrapErr(KindIo, err, "opening listen socket")
	}
	return &Listener{ln: ln, download: download}, nil
}

// Addr returns the listener's bound address. When bound to all
// interfaces (":port"), its string form is a wildcard address such as
// "[::]:6881", which never equals a dialed peer's "ip:port".
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections until the listener is closed, handing each
// one off to AcceptPeer on its own goroutine. An accept error halts the
// loop; a per-connection handshake failure only logs and continues.
func (l *Listener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			log.WithField("error", err).Info("listener shutting down")
			return
		}

		go func() {
			if err := AcceptPeer(conn, l.download); err != nil {
				log.WithField("remote", conn.RemoteAddr()).WithField("error", err).Debug("inbound handshake failed")
			}
		}()
	}
}
