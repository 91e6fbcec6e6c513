package torrent

// RequestMetadata records one outstanding block request.
type RequestMetadata struct {
	PieceIndex  uint32
	BlockIndex  uint32
	Offset      uint32
	BlockLength uint32
}

func (r RequestMetadata) matches(pieceIndex, blockIndex uint32) bool {
	return r.PieceIndex == pieceIndex && r.BlockIndex == blockIndex
}

// RequestQueue is a per-peer set of outstanding block requests, keyed by
// (piece_index, block_index); Offset/BlockLength are payload carried
// alongside the key.
type RequestQueue struct {
	requests []RequestMetadata
}

// NewRequestQueue returns an empty queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{}
}

// Has reports whether (pieceIndex, blockIndex) is already queued.
func (q *RequestQueue) Has(pieceIndex, blockIndex uint32) bool {
	return q.position(pieceIndex, blockIndex) >= 0
}

// Add inserts (pieceIndex, blockIndex, offset, length) if not already
// present. It returns whether an entry was actually inserted: calling
// Add twice for the same (piece, block) is a no-op the second time.
func (q *RequestQueue) Add(pieceIndex, blockIndex, offset, length uint32) bool {
	if q.Has(pieceIndex, blockIndex) {
		return false
	}
	q.requests = append(q.requests, RequestMetadata{
		PieceIndex:  pieceIndex,
		BlockIndex:  blockIndex,
		Offset:      offset,
		BlockLength: length,
	})
	return true
}

// Remove deletes (pieceIndex, blockIndex) if present and returns the
// removed entry.
func (q *RequestQueue) Remove(pieceIndex, blockIndex uint32) (RequestMetadata, bool) {
	i := q.position(pieceIndex, blockIndex)
	if i < 0 {
		return RequestMetadata{}, false
	}
	r := q.requests[i]
	q.requests = append(q.requests[:i], q.requests[i+1:]...)
	return r, true
}

// Len returns the number of outstanding requests.
func (q *RequestQueue) Len() int {
	return len(q.requests)
}

func (q *RequestQueue) position(pieceIndex, blockIndex uint32) int {
	for i, r := range q.requests {
		if r.matches(pieceIndex, blockIndex) {
			return i
		}
	}
	return -1
}
