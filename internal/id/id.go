// Package id generates sortable 128-bit identifiers for requests, tunnels,
// TCP connections, and WebSocket proxy sessions.
package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a 26-character Crockford base32 identifier encoding a 48-bit
// millisecond timestamp followed by 80 random bits. Two IDs generated in
// the same process compare lexicographically in creation order.
type ID string

// Empty is the zero value, used where a field is optional.
const Empty ID = ""

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh, process-unique identifier. Collision probability
// across a cluster is the birthday bound of 80 random bits per millisecond
// and is treated as negligible.
func New() ID {
	mu.Lock()
	defer mu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// Timestamp extracts the creation time encoded in the identifier. It
// returns the zero time if id is not well-formed.
func Timestamp(i ID) time.Time {
	parsed, err := ulid.ParseStrict(string(i))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(parsed.Time())
}

// Valid reports whether s parses as a well-formed identifier.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

func (i ID) String() string { return string(i) }
