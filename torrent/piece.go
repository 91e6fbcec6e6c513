package torrent

import (
	"crypto/sha1"
	"io"
	"os"
)

// Block is a BlockSize-byte (or shorter, at a piece's tail) subdivision
// of a Piece; the unit of request. Data lives on disk, not in memory,
// once Present.
type Block struct {
	Index   int
	Length  int
	Present bool
}

// Piece is a fixed-size slice of the target file (except possibly the
// last), with its own SHA-1 hash from the manifest.
type Piece struct {
	Index      int
	Length     int64
	Offset     int64
	Hash       [20]byte
	Blocks     []Block
	IsComplete bool
}

// newPiece builds piece index with the given length/offset/hash and a
// full block table (all but possibly the last block sized BlockSize).
func newPiece(index int, length, offset int64, hash [20]byte) *Piece {
	p := &Piece{
		Index:  index,
		Length: length,
		Offset: offset,
		Hash:   hash,
	}

	numBlocks := int((length + BlockSize - 1) / BlockSize)
	p.Blocks = make([]Block, numBlocks)
	remaining := length
	for i := 0; i < numBlocks; i++ {
		blockLen := int64(BlockSize)
		if remaining < blockLen {
			blockLen = remaining
		}
		p.Blocks[i] = Block{Index: i, Length: int(blockLen)}
		remaining -= blockLen
	}
	return p
}

// allBlocksPresent reports whether every block has been durably written.
func (p *Piece) allBlocksPresent() bool {
	for _, b := range p.Blocks {
		if !b.Present {
			return false
		}
	}
	return true
}

func (p *Piece) clearBlocks() {
	for i := range p.Blocks {
		p.Blocks[i].Present = false
	}
}

// Verify seeks to the piece's offset, reads exactly Length bytes,
// hashes them, and sets IsComplete to the equality result with Hash.
// This is the sole place IsComplete transitions from false to true.
func (p *Piece) Verify(file *os.File) (bool, error) {
	buf := make([]byte, p.Length)
	if _, err := file.ReadAt(buf, p.Offset); err != nil && err != io.EOF {
		return false, wrapErr(KindIo, err, "reading piece for verification")
	}

	sum := sha1.Sum(buf)
	p.IsComplete = sum == p.Hash
	return p.IsComplete, nil
}

// Store writes a block's data at its offset within the piece, marks it
// present, and — once every block in the piece is present — verifies
// the whole piece. On a hash mismatch (some peer sent corrupt data) it
// clears every block's Present flag so the piece is redownloaded from
// scratch; it is not an error.
//
// Preconditions: the piece is not already complete, the block is not
// already present, and len(data) equals the block's declared length.
func (p *Piece) Store(file *os.File, blockIndex int, data []byte) error {
	if p.IsComplete {
		return nil
	}
	if blockIndex < 0 || blockIndex >= len(p.Blocks) {
		return newErr(KindProtocol, "block index %d out of range for piece %d", blockIndex, p.Index)
	}
	block := &p.Blocks[blockIndex]
	if block.Present {
		return nil
	}
	if len(data) != block.Length {
		return newErr(KindProtocol, "block %d/%d: expected %d bytes, got %d", p.Index, blockIndex, block.Length, len(data))
	}

	offset := p.Offset + int64(blockIndex)*BlockSize
	if _, err := file.WriteAt(data, offset); err != nil {
		return wrapErr(KindIo, err, "writing block to disk")
	}
	block.Present = true

	if p.allBlocksPresent() {
		complete, err := p.Verify(file)
		if err != nil {
			return err
		}
		if !complete {
			log.WithField("piece", p.Index).Warn("piece hash mismatch, discarding blocks")
			p.clearBlocks()
		}
	}

	return nil
}
