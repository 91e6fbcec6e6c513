package torrent

import (
	"bytes"
	"crypto/sha1"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// TorrentFile represents the root dictionary of a .torrent file.
type TorrentFile struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Comment      string      `bencode:"comment"`
	CreatedBy    string      `bencode:"created by"`
	CreationDate int64       `bencode:"creation date"`
	Encoding     string      `bencode:"encoding"`
	Info         TorrentInfo `bencode:"info"`
}

// TorrentInfo represents the "info" dictionary. Files is decoded for
// bencode tolerance (some .torrent files carry it even for what we
// treat as a single logical blob) but is never consulted when laying
// out pieces on disk: multi-file torrents are an explicit non-goal,
// so Download always targets one file of Length bytes named Name.
type TorrentInfo struct {
	PieceLength int64              `bencode:"piece length"`
	Pieces      string             `bencode:"pieces"`
	Name        string             `bencode:"name"`
	Length      int64              `bencode:"length"`
	Files       []TorrentFileEntry `bencode:"files"`
	Private     int                `bencode:"private"`

	// InfoHash is not part of the bencoded dict; it's computed by Parse
	// from the raw info-dict bytes.
	InfoHash [20]byte `bencode:"-"`
}

// TorrentFileEntry is decoded only so multi-file torrents parse
// cleanly; Download never reads it (see TorrentInfo.Files).
type TorrentFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// NumPieces returns the number of 20-byte SHA-1 digests in Info.Pieces.
func (info *TorrentInfo) NumPieces() int {
	return len(info.Pieces) / 20
}

// PieceHash returns the expected SHA-1 digest of piece i.
func (info *TorrentInfo) PieceHash(i int) [20]byte {
	var h [20]byte
	copy(h[:], info.Pieces[i*20:(i+1)*20])
	return h
}

// extractInfoBytes locates the "4:info" prefix in a bencoded torrent
// file and returns the raw bytes of the dictionary that follows it, so
// the info hash can be computed over the exact bytes the remote peer
// swarm agreed on rather than a re-encoding of our parsed struct.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, newErr(KindProtocol, "torrent: no \"4:info\" prefix found")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		b := data[i]

		switch b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--

			if depth == 0 {
				return data[start : i+1], nil
			}

		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}

			if j >= len(data) {
				return nil, newErr(KindProtocol, "torrent: unterminated integer at %d", i)
			}

			i = j

		default:
			if b >= '0' && b <= '9' {
				j := i

				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}

				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, newErr(KindProtocol, "torrent: invalid string length at %d-%d", i, j)
					}

					j++
					i = j + length - 1
				}
			}
		}
	}
	return nil, newErr(KindProtocol, "torrent: unterminated info dict")
}

func computeInfoHash(path string) ([20]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [20]byte{}, wrapErr(KindIo, err, "reading torrent file")
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return [20]byte{}, err
	}

	return sha1.Sum(infoBytes), nil
}

// Parse loads and decodes a .torrent file from path, populating the
// info hash from the raw info-dict bytes.
func Parse(path string) (*TorrentFile, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, wrapErr(KindIo, err, "opening torrent file")
	}
	defer src.Close()

	var t TorrentFile
	if err := bencode.Unmarshal(src, &t); err != nil {
		return nil, wrapErr(KindProtocol, err, "decoding torrent file")
	}

	hash, err := computeInfoHash(path)
	if err != nil {
		return nil, err
	}
	t.Info.InfoHash = hash

	log.WithField("name", t.Info.Name).WithField("hash", hash).Info("parsed torrent")

	return &t, nil
}
