// Package digest computes the content digest of raw export bytes and the
// canonical, order-insensitive digest of structured values.
package digest

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the length in hex characters of every digest produced here.
const Size = 64

// domainKey separates content digests from canonical digests so that raw
// bytes which happen to equal an encoded value never collide with it.
type domainKey [32]byte

var (
	contentDomainKey = domainKey{
		'u', 's', 'a', 'g', 'e', '-', 'l', 'e', 'd', 'g', 'e', 'r', '.',
		'c', 'o', 'n', 't', 'e', 'n', 't',
	}
	canonicalDomainKey = domainKey{
		'u', 's', 'a', 'g', 'e', '-', 'l', 'e', 'd', 'g', 'e', 'r', '.',
		'c', 'a', 'n', 'o', 'n', 'i', 'c', 'a', 'l',
	}
)

// Content returns the hex digest of data exactly as fetched (before any
// compression).
func Content(data []byte) string {
	return keyed(contentDomainKey, data)
}

func keyed(key domainKey, data []byte) string {
	// NewKeyed only fails for keys that are not 32 bytes.
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("digest: blake3 keyed init: " + err.Error())
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
