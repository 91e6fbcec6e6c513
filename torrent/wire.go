package torrent

import (
	"encoding/binary"
	"io"
)

// MessageID is the tag byte of a wire message.
type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
)

// BlockSize is the fixed unit of request, 16 KiB.
const BlockSize = 16384

// protocolName is the fixed protocol string exchanged during handshake.
const protocolName = "BitTorrent protocol"

// handshakeLength is the fixed size of the handshake frame: 1 + 19 + 8 + 20 + 20.
const handshakeLength = 68

// maxFrameLength caps how large a single wire frame may declare itself,
// guarding against an attacker-controlled length prefix driving an
// unbounded allocation.
func maxFrameLength(pieceLength int64) uint32 {
	return uint32(pieceLength) + 13
}

// Message is a decoded wire message. The zero Message is a Choke (ID 0,
// no payload); KeepAlive has no tag byte and is represented by
// IsKeepAlive.
type Message struct {
	IsKeepAlive bool
	ID          MessageID
	Payload     []byte
}

// Encode serializes m as a length-prefixed frame.
func (m Message) Encode() []byte {
	if m.IsKeepAlive {
		return []byte{0, 0, 0, 0}
	}

	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// DecodeMessage reads one length-prefixed frame from r and parses its
// body. It rejects unknown message tags and frames declaring a length
// above maxLen as protocol errors.
func DecodeMessage(r io.Reader, maxLen uint32) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, wrapErr(KindIo, err, "reading message length")
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{IsKeepAlive: true}, nil
	}
	if length > maxLen {
		return Message{}, newErr(KindProtocol, "frame too large: %d bytes (cap %d)", length, maxLen)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, wrapErr(KindIo, err, "reading message body")
	}

	id := MessageID(body[0])
	payload := body[1:]
	if len(payload) == 0 {
		payload = nil
	}

	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested, MsgPort:
		// no payload expected
	case MsgHave:
		if len(payload) != 4 {
			return Message{}, newErr(KindProtocol, "Have: bad payload length %d", len(payload))
		}
	case MsgBitfield:
		// any length is valid
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return Message{}, newErr(KindProtocol, "Request/Cancel: bad payload length %d", len(payload))
		}
	case MsgPiece:
		if len(payload) < 8 {
			return Message{}, newErr(KindProtocol, "Piece: bad payload length %d", len(payload))
		}
	default:
		return Message{}, newErr(KindProtocol, "unknown message tag %d", id)
	}

	return Message{ID: id, Payload: payload}, nil
}

func encodeU32Triple(a, b, c uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], a)
	binary.BigEndian.PutUint32(buf[4:8], b)
	binary.BigEndian.PutUint32(buf[8:12], c)
	return buf
}

// NewHaveMessage builds a Have(index) message.
func NewHaveMessage(index uint32) Message {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return Message{ID: MsgHave, Payload: buf}
}

// NewBitfieldMessage builds a Bitfield message from a packed byte slice.
func NewBitfieldMessage(bits []byte) Message {
	return Message{ID: MsgBitfield, Payload: bits}
}

// NewRequestMessage builds a Request(piece, offset, length) message.
func NewRequestMessage(piece, offset, length uint32) Message {
	return Message{ID: MsgRequest, Payload: encodeU32Triple(piece, offset, length)}
}

// NewCancelMessage builds a Cancel(piece, offset, length) message.
func NewCancelMessage(piece, offset, length uint32) Message {
	return Message{ID: MsgCancel, Payload: encodeU32Triple(piece, offset, length)}
}

// NewPieceMessage builds a Piece(piece, offset, data) message.
func NewPieceMessage(piece, offset uint32, data []byte) Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], piece)
	binary.BigEndian.PutUint32(payload[4:8], offset)
	copy(payload[8:], data)
	return Message{ID: MsgPiece, Payload: payload}
}

// ParseHave extracts the piece index from a Have message's payload.
func ParseHave(payload []byte) uint32 {
	return binary.BigEndian.Uint32(payload)
}

// ParseRequest extracts (piece, offset, length) from a Request or
// Cancel message's payload.
func ParseRequest(payload []byte) (piece, offset, length uint32) {
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		binary.BigEndian.Uint32(payload[8:12])
}

// ParsePiece extracts (piece, offset, data) from a Piece message's
// payload.
func ParsePiece(payload []byte) (piece, offset uint32, data []byte) {
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		payload[8:]
}

// EncodeBitfield packs a per-piece boolean vector MSB-first: bit
// 7-(i mod 8) of byte i/8 represents piece i. Trailing pad bits are
// zero.
func EncodeBitfield(have []bool) []byte {
	numBytes := (len(have) + 7) / 8
	out := make([]byte, numBytes)
	for i, v := range have {
		if !v {
			continue
		}
		out[i/8] |= 1 << uint(7-(i%8))
	}
	return out
}

// DecodeBitfield unpacks bytes (MSB-first) into a per-piece boolean
// vector of length numPieces, ignoring any trailing pad bits.
func DecodeBitfield(bytesIn []byte, numPieces int) []bool {
	out := make([]bool, numPieces)
	for i := 0; i < numPieces; i++ {
		byteIndex := i / 8
		if byteIndex >= len(bytesIn) {
			break
		}
		bitIndex := uint(7 - (i % 8))
		out[i] = (bytesIn[byteIndex]>>bitIndex)&1 == 1
	}
	return out
}

// Handshake is the fixed 68-byte frame exchanged before any other wire
// traffic.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serializes the handshake.
func (h Handshake) Encode() []byte {
	buf := make([]byte, handshakeLength)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	// bytes 20:28 reserved, left zero
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// DecodeHandshake reads and validates a handshake frame from r. It reads
// the protocol-name length prefix first so an unexpected protocol name
// produces a clean error instead of a misaligned parse of whatever
// follows.
func DecodeHandshake(r io.Reader) (Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return Handshake{}, wrapErr(KindIo, err, "reading handshake protocol length")
	}

	name := make([]byte, lenByte[0])
	if _, err := io.ReadFull(r, name); err != nil {
		return Handshake{}, wrapErr(KindIo, err, "reading handshake protocol name")
	}
	if string(name) != protocolName {
		return Handshake{}, newErr(KindProtocol, "unexpected protocol name %q", name)
	}

	rest := make([]byte, 8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, wrapErr(KindIo, err, "reading handshake body")
	}

	var h Handshake
	copy(h.InfoHash[:], rest[8:28])
	copy(h.PeerID[:], rest[28:48])
	return h, nil
}
