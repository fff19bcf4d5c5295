// Package ids generates identifiers for kira entities.
//
// Board-side rows (boards, columns, cards, tasks, comments) use lowercase
// ULIDs so that lexicographic order matches creation order. Workers get a
// short Crockford-base32 id prefixed with "w", and daemon sessions use
// plain UUIDs.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/richardlehane/crock32"
)

// New returns a lowercase ULID for a board-side row.
func New() string {
	return strings.ToLower(ulid.Make().String())
}

// NewWorker returns a compact worker id, e.g. "w7f3k9q2d1".
func NewWorker() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	n := binary.BigEndian.Uint64(buf[:])
	return "w" + strings.ToLower(crock32.Encode(n))
}

// NewSession returns a UUID for a daemon session.
func NewSession() string {
	return uuid.NewString()
}

// Short returns the first 8 characters of an id, for branch names and logs.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
