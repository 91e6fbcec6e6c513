package torrent

import (
	"os"
	"path/filepath"
	"sync"
)

// Download is the process-wide shared state machine: piece/block
// bookkeeping, on-disk persistence, hash verification, and the
// interest/have vectors every peer reads. All operations are
// serialized behind a single coarse mutex; callers must release it
// before blocking on peer socket I/O.
type Download struct {
	OurPeerID string
	Metainfo  *TorrentFile

	mu        sync.Mutex
	file      *os.File
	pieces    []*Piece
	mailboxes []*Mailbox
}

// NewDownload opens or creates <downloadDir>/<name>, sizes it to exactly
// info.length bytes, builds the piece table, and verifies every
// piece against the existing file contents so a restart recognizes
// already-complete pieces immediately.
func NewDownload(ourPeerID string, meta *TorrentFile, downloadDir string) (*Download, error) {
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return nil, wrapErr(KindIo, err, "creating download directory")
	}

	path := filepath.Join(downloadDir, meta.Info.Name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, wrapErr(KindIo, err, "opening output file")
	}

	if err := file.Truncate(meta.Info.Length); err != nil {
		file.Close()
		return nil, wrapErr(KindIo, err, "sizing output file")
	}

	d := &Download{
		OurPeerID: ourPeerID,
		Metainfo:  meta,
		file:      file,
	}

	numPieces := meta.Info.NumPieces()
	d.pieces = make([]*Piece, numPieces)
	for i := 0; i < numPieces; i++ {
		length := meta.Info.PieceLength
		if i == numPieces-1 {
			last := meta.Info.Length - meta.Info.PieceLength*int64(numPieces-1)
			if last > 0 {
				length = last
			}
		}
		offset := int64(i) * meta.Info.PieceLength
		p := newPiece(i, length, offset, meta.Info.PieceHash(i))
		if _, err := p.Verify(file); err != nil {
			file.Close()
			return nil, err
		}
		if p.IsComplete {
			log.WithField("piece", i).Info("recovered complete piece from disk")
		}
		d.pieces[i] = p
	}

	return d, nil
}

// Close releases the underlying file handle.
func (d *Download) Close() error {
	return d.file.Close()
}

// NumPieces returns how many pieces this torrent is divided into.
func (d *Download) NumPieces() int {
	return len(d.pieces)
}

// RegisterPeer appends mailbox to the broadcast set.
func (d *Download) RegisterPeer(mailbox *Mailbox) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mailboxes = append(d.mailboxes, mailbox)
}

// Store writes block data for (pieceIndex, blockIndex). A duplicate —
// the target piece already complete, or the target block already
// present — is a silent no-op, not an error. On success it broadcasts
// BlockComplete unconditionally, PieceComplete if the piece just
// finished, and DownloadComplete if every piece is now done.
func (d *Download) Store(pieceIndex, blockIndex int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(d.pieces) {
		return newErr(KindProtocol, "store: piece index %d out of range", pieceIndex)
	}
	piece := d.pieces[pieceIndex]

	if piece.IsComplete {
		return nil
	}
	if blockIndex < 0 || blockIndex >= len(piece.Blocks) || piece.Blocks[blockIndex].Present {
		return nil
	}

	wasComplete := piece.IsComplete
	if err := piece.Store(d.file, blockIndex, data); err != nil {
		return err
	}

	d.broadcastLocked(Event{
		Kind:       EventBlockComplete,
		PieceIndex: uint32(pieceIndex),
		BlockIndex: uint32(blockIndex),
	})

	if piece.IsComplete && !wasComplete {
		d.broadcastLocked(Event{Kind: EventPieceComplete, PieceIndex: uint32(pieceIndex)})

		if d.allCompleteLocked() {
			d.broadcastLocked(Event{Kind: EventDownloadComplete})
		}
	}

	return nil
}

// RetrieveData reads length bytes at offset within an already-complete
// piece. Requesting data from an incomplete piece is MissingPieceData,
// not a silent failure: the peer engine passes every Request from an
// unchoked peer straight here, so this is the check that refuses data
// we don't actually have.
func (d *Download) RetrieveData(pieceIndex int, offset, length uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(d.pieces) {
		return nil, newErr(KindProtocol, "retrieve: piece index %d out of range", pieceIndex)
	}
	piece := d.pieces[pieceIndex]
	if !piece.IsComplete {
		return nil, newErr(KindMissingPieceData, "piece %d not complete", pieceIndex)
	}

	buf := make([]byte, length)
	if _, err := d.file.ReadAt(buf, piece.Offset+int64(offset)); err != nil {
		return nil, wrapErr(KindIo, err, "reading piece data")
	}
	return buf, nil
}

// IsInterested reports whether some piece we don't have locally is
// advertised by peerHas.
func (d *Download) IsInterested(peerHas []bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, p := range d.pieces {
		if !p.IsComplete && i < len(peerHas) && peerHas[i] {
			return true
		}
	}
	return false
}

// IncompleteBlocksOfInterest returns every (piece, block, length) such
// that the piece is incomplete, peerHas advertises it, the block isn't
// already present, and it isn't already in the caller's in-flight
// queue. Order is unspecified; the peer engine just wants candidates.
func (d *Download) IncompleteBlocksOfInterest(peerHas []bool, inFlight *RequestQueue) []RequestMetadata {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []RequestMetadata
	for i, p := range d.pieces {
		if p.IsComplete || i >= len(peerHas) || !peerHas[i] {
			continue
		}
		for _, b := range p.Blocks {
			if b.Present {
				continue
			}
			if inFlight.Has(uint32(i), uint32(b.Index)) {
				continue
			}
			out = append(out, RequestMetadata{
				PieceIndex:  uint32(i),
				BlockIndex:  uint32(b.Index),
				Offset:      uint32(b.Index) * BlockSize,
				BlockLength: uint32(b.Length),
			})
		}
	}
	return out
}

// HavePieces snapshots per-piece completion flags.
func (d *Download) HavePieces() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]bool, len(d.pieces))
	for i, p := range d.pieces {
		out[i] = p.IsComplete
	}
	return out
}

func (d *Download) allCompleteLocked() bool {
	for _, p := range d.pieces {
		if !p.IsComplete {
			return false
		}
	}
	return true
}

// broadcastLocked sends event to every registered mailbox, removing any
// whose Send fails — the only garbage-collection path for dead
// mailboxes. Must be called with mu held;
// Mailbox.Send never blocks, so this never stalls holding the lock
// across peer socket I/O.
func (d *Download) broadcastLocked(event Event) {
	alive := d.mailboxes[:0]
	for _, m := range d.mailboxes {
		if m.Send(event) {
			alive = append(alive, m)
		}
	}
	d.mailboxes = alive
}
