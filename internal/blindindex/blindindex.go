package blindindex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Indexer derives a deterministic, equality-searchable token from a
// normalized phone number. The key is server-held so the index cannot
// be enumerated offline; a fast unkeyed hash would let anyone with a
// database dump brute-force the ~10^10 phone space.
type Indexer struct {
	key []byte
}

// NewIndexer constructs an Indexer with the server-held key. The key
// must be stable across restarts or every stored index goes stale.
func NewIndexer(key []byte) *Indexer {
	return &Indexer{key: key}
}

// Index returns the hex-encoded HMAC-SHA256 of the digits-only phone
// number. Callers must normalize identically everywhere; the indexer
// does not normalize for them.
func (ix *Indexer) Index(normalizedPhone string) string {
	mac := hmac.New(sha256.New, ix.key)
	mac.Write([]byte(normalizedPhone))
	return hex.EncodeToString(mac.Sum(nil))
}
