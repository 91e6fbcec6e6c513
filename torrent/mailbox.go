package torrent

import "sync"

// EventKind discriminates the variants carried by a peer's mailbox:
// a message that arrived off the wire, or a coordination event raised
// by the Download.
type EventKind int

const (
	EventRemoteMessage EventKind = iota
	EventBlockComplete
	EventPieceComplete
	EventDownloadComplete
)

// Event is the single type flowing through a peer's mailbox. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind        EventKind
	Message     Message
	PieceIndex  uint32
	BlockIndex  uint32
}

// mailboxBuffer bounds how many coordination/remote events a peer can
// have queued before it's considered too far behind to keep up; this is
// generous relative to MaxConcurrentRequests so a burst of Have/Piece
// traffic never blocks the sender.
const mailboxBuffer = 256

// Mailbox is one peer connection's inbox: a single channel fed by that
// peer's reader goroutine (RemoteMessage events) and by Download
// (coordination events), consumed solely by that peer's event loop.
type Mailbox struct {
	events chan Event

	mu     sync.Mutex
	closed bool
}

// NewMailbox allocates a fresh, open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{events: make(chan Event, mailboxBuffer)}
}

// Events exposes the receive side for the owning peer's event loop.
func (m *Mailbox) Events() <-chan Event {
	return m.events
}

// Send delivers an event to this mailbox. It reports false instead of
// panicking if the mailbox has already been closed by its owning peer
// task — the signal Download.broadcast uses to garbage-collect a dead
// peer.
func (m *Mailbox) Send(e Event) (ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}

	select {
	case m.events <- e:
		return true
	default:
		// Buffer full: this peer is too far behind to keep up. Treat it
		// the same as a dropped receiver rather than blocking every other
		// peer's broadcast on one slow connection.
		return false
	}
}

// Close marks the mailbox dead. Called by the owning peer task on exit;
// subsequent Send calls report failure without touching the channel
// again.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.events)
}
