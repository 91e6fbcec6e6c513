package torrent

import (
	"strings"

	"github.com/google/uuid"
)

// peerIDPrefix identifies this client in the 20-byte peer id.
const peerIDPrefix = "-GT0001-"

const peerIDLength = 20

// GeneratePeerID builds a 20-byte peer id: an 8-byte client tag
// followed by 12 random ASCII characters. The random suffix is carved
// out of a UUIDv4 rather than a hand-rolled crypto/rand + alphabet
// remap.
func GeneratePeerID() string {
	suffixLen := peerIDLength - len(peerIDPrefix)
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return peerIDPrefix + raw[:suffixLen]
}
