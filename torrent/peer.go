package torrent

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/semaphore"
)

// MaxConcurrentRequests bounds how many blocks we keep in flight to a
// single peer at once (pipelining).
const MaxConcurrentRequests = 10

// dialTimeout, messageTimeout bound how long we wait on a socket before
// giving up on a peer outright.
const (
	dialTimeout    = 5 * time.Second
	messageTimeout = 2 * time.Minute
)

// PeerConnection is one peer's connection state, owned exclusively by
// that peer's own goroutines: a reader goroutine that only ever pushes
// RemoteMessage events into the mailbox, and an event-loop goroutine
// that owns everything else. The Download's coarse mutex is only ever
// touched from the event-loop goroutine.
type PeerConnection struct {
	Peer   Peer
	PeerID string
	conn   net.Conn

	download *Download
	mailbox  *Mailbox

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	peerHas   []bool
	requested *RequestQueue
}

// dialSemaphore bounds how many outbound handshakes can be in flight
// at once across the whole process, expressed with
// golang.org/x/sync/semaphore so the cap is acquired with a context
// instead of a raw channel send.
var dialSemaphore = semaphore.NewWeighted(10)

// DialPeer performs an outbound handshake with peer, rejecting a
// self-connection either because the dialed address matches our own
// listening address or because the remote's peer id echoes ours back.
// On success it spawns the peer's reader and event-loop goroutines and
// registers its mailbox with download.
func DialPeer(ctx context.Context, download *Download, peer Peer, listenAddr string) error {
	if peer.String() == listenAddr {
		return newErr(KindConnectingToSelf, "refusing to dial our own listen address %s", listenAddr)
	}

	if err := dialSemaphore.Acquire(ctx, 1); err != nil {
		return wrapErr(KindIo, err, "acquiring dial slot")
	}
	defer dialSemaphore.Release(1)

	conn, err := net.DialTimeout("tcp", peer.String(), dialTimeout)
	if err != nil {
		return wrapErr(KindIo, err, "dialing peer")
	}

	pc, err := completeHandshake(conn, download, peer, true)
	if err != nil {
		conn.Close()
		return err
	}

	pc.spawn()
	return nil
}

// AcceptPeer completes an inbound handshake on an already-accepted
// connection.
func AcceptPeer(conn net.Conn, download *Download) error {
	addr := conn.RemoteAddr().(*net.TCPAddr)
	peer := Peer{IP: addr.IP.String(), Port: uint16(addr.Port)}

	pc, err := completeHandshake(conn, download, peer, false)
	if err != nil {
		conn.Close()
		return err
	}

	pc.spawn()
	return nil
}

func completeHandshake(conn net.Conn, download *Download, peer Peer, initiator bool) (*PeerConnection, error) {
	var ourID [20]byte
	copy(ourID[:], download.OurPeerID)

	conn.SetDeadline(time.Now().Add(dialTimeout))

	if initiator {
		if _, err := conn.Write(Handshake{InfoHash: download.Metainfo.Info.InfoHash, PeerID: ourID}.Encode()); err != nil {
			return nil, wrapErr(KindIo, err, "sending handshake")
		}
	}

	remote, err := DecodeHandshake(conn)
	if err != nil {
		return nil, err
	}
	if remote.InfoHash != download.Metainfo.Info.InfoHash {
		return nil, newErr(KindInvalidInfoHash, "info hash mismatch with %s", peer)
	}
	if remote.PeerID == ourID {
		return nil, newErr(KindConnectingToSelf, "peer %s echoed our own peer id", peer)
	}

	if !initiator {
		if _, err := conn.Write(Handshake{InfoHash: download.Metainfo.Info.InfoHash, PeerID: ourID}.Encode()); err != nil {
			return nil, wrapErr(KindIo, err, "sending handshake response")
		}
	}

	conn.SetDeadline(time.Time{})

	return &PeerConnection{
		Peer:         peer,
		PeerID:       string(remote.PeerID[:]),
		conn:         conn,
		download:     download,
		mailbox:      NewMailbox(),
		amChoking:    true,
		peerChoking:  true,
		peerHas:      make([]bool, download.NumPieces()),
		requested:    NewRequestQueue(),
	}, nil
}

// spawn registers our mailbox with the Download so future broadcasts
// reach us, then starts the reader goroutine and the event loop.
func (pc *PeerConnection) spawn() {
	pc.download.RegisterPeer(pc.mailbox)
	go pc.readLoop()
	go pc.eventLoop()
}

// readLoop is the sole goroutine reading off the wire for this peer;
// every decoded message other than a KeepAlive becomes a RemoteMessage
// event. It exits (and
// closes the mailbox) on any read error, which is how the event loop
// learns the connection died.
func (pc *PeerConnection) readLoop() {
	defer pc.mailbox.Close()

	maxLen := maxFrameLength(pc.download.Metainfo.Info.PieceLength)
	for {
		pc.conn.SetReadDeadline(time.Now().Add(messageTimeout))
		msg, err := DecodeMessage(pc.conn, maxLen)
		if err != nil {
			log.WithField("peer", pc.Peer).WithField("error", err).Debug("peer read loop exiting")
			return
		}
		if msg.IsKeepAlive {
			continue
		}
		if !pc.mailbox.Send(Event{Kind: EventRemoteMessage, Message: msg}) {
			return
		}
	}
}

// eventLoop is the single-threaded owner of this peer's mutable state.
// It drains the mailbox and reacts to both remote wire messages and
// Download-originated coordination events.
func (pc *PeerConnection) eventLoop() {
	defer pc.conn.Close()
	defer pc.mailbox.Close()

	if err := pc.sendBitfield(); err != nil {
		return
	}

	for event := range pc.mailbox.Events() {
		var err error
		switch event.Kind {
		case EventRemoteMessage:
			err = pc.handleMessage(event.Message)
		case EventBlockComplete:
			err = pc.handleBlockComplete(event.PieceIndex, event.BlockIndex)
		case EventPieceComplete:
			if e := pc.updateInterest(); e != nil {
				err = e
				break
			}
			err = pc.sendMessage(NewHaveMessage(event.PieceIndex))
		case EventDownloadComplete:
			pc.updateInterest()
			return
		}
		if err != nil {
			log.WithField("peer", pc.Peer).WithField("error", err).Debug("peer event loop exiting")
			return
		}
	}
}

func (pc *PeerConnection) sendBitfield() error {
	have := pc.download.HavePieces()
	anyComplete := false
	for _, v := range have {
		if v {
			anyComplete = true
			break
		}
	}
	if !anyComplete {
		return nil
	}
	return pc.sendMessage(NewBitfieldMessage(EncodeBitfield(have)))
}

func (pc *PeerConnection) sendMessage(msg Message) error {
	pc.conn.SetWriteDeadline(time.Now().Add(messageTimeout))
	_, err := pc.conn.Write(msg.Encode())
	if err != nil {
		return wrapErr(KindIo, err, "writing message")
	}
	return nil
}

func (pc *PeerConnection) handleMessage(msg Message) error {
	switch msg.ID {
	case MsgChoke:
		pc.peerChoking = true
	case MsgUnchoke:
		pc.peerChoking = false
		return pc.refillRequests()
	case MsgInterested:
		pc.peerInterested = true
		if pc.amChoking {
			pc.amChoking = false
			return pc.sendMessage(Message{ID: MsgUnchoke})
		}
	case MsgNotInterested:
		pc.peerInterested = false
	case MsgHave:
		index := ParseHave(msg.Payload)
		if int(index) < len(pc.peerHas) {
			pc.peerHas[index] = true
		}
		if err := pc.updateInterest(); err != nil {
			return err
		}
		return pc.refillRequests()
	case MsgBitfield:
		pc.peerHas = DecodeBitfield(msg.Payload, pc.download.NumPieces())
		if err := pc.updateInterest(); err != nil {
			return err
		}
		return pc.refillRequests()
	case MsgRequest:
		return pc.handleRequest(msg)
	case MsgPiece:
		return pc.handlePiece(msg)
	case MsgCancel:
		// best-effort: an in-flight outbound Piece for this block is not rescinded
	case MsgPort:
		// DHT not implemented; ignored
	}
	return nil
}

// updateInterest re-queries Download.IsInterested and, if our flag must
// flip, announces the change.
func (pc *PeerConnection) updateInterest() error {
	interested := pc.download.IsInterested(pc.peerHas)
	if interested == pc.amInterested {
		return nil
	}
	pc.amInterested = interested

	id := MsgNotInterested
	if interested {
		id = MsgInterested
	}
	return pc.sendMessage(Message{ID: id})
}

// refillRequests tops up our outstanding request queue to
// MaxConcurrentRequests, pulling fresh (piece, block) candidates from
// the Download.
func (pc *PeerConnection) refillRequests() error {
	if pc.peerChoking {
		return nil
	}

	for pc.requested.Len() < MaxConcurrentRequests {
		candidates := pc.download.IncompleteBlocksOfInterest(pc.peerHas, pc.requested)
		if len(candidates) == 0 {
			break
		}
		next := candidates[0]
		pc.requested.Add(next.PieceIndex, next.BlockIndex, next.Offset, next.BlockLength)
		if err := pc.sendMessage(NewRequestMessage(next.PieceIndex, next.Offset, next.BlockLength)); err != nil {
			return err
		}
	}
	return nil
}

func (pc *PeerConnection) handleRequest(msg Message) error {
	if pc.amChoking {
		return nil
	}
	piece, offset, length := ParseRequest(msg.Payload)
	data, err := pc.download.RetrieveData(int(piece), offset, length)
	if err != nil {
		log.WithField("peer", pc.Peer).WithField("error", err).Debug("can't serve request")
		return nil
	}
	return pc.sendMessage(NewPieceMessage(piece, offset, data))
}

func (pc *PeerConnection) handlePiece(msg Message) error {
	piece, offset, data := ParsePiece(msg.Payload)
	blockIndex := offset / BlockSize

	if _, ok := pc.requested.Remove(piece, blockIndex); !ok {
		// unsolicited or duplicate; ignore
		return nil
	}

	if err := pc.download.Store(int(piece), int(blockIndex), data); err != nil {
		return err
	}

	if err := pc.updateInterest(); err != nil {
		return err
	}
	return pc.refillRequests()
}

// handleBlockComplete reacts to another peer having supplied a block we
// also have outstanding: withdraw our own request so the remote doesn't
// waste effort serving it.
func (pc *PeerConnection) handleBlockComplete(pieceIndex, blockIndex uint32) error {
	req, ok := pc.requested.Remove(pieceIndex, blockIndex)
	if !ok {
		return nil
	}
	return pc.sendMessage(NewCancelMessage(req.PieceIndex, req.Offset, req.BlockLength))
}
