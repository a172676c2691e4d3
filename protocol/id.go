package protocol

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

var entropy = &ulid.LockedMonotonicReader{
	MonotonicReader: ulid.Monotonic(rand.Reader, 0),
}

// MakeID returns a new globally unique message id.
//
// Ids are ULIDs whose random component is read from crypto/rand, so collisions across the
// lifetime of a session are cryptographically negligible. Ids generated within the same
// millisecond sort in generation order.
func MakeID() string {
	return ulid.MustNew(ulid.Now(), entropy).String()
}
