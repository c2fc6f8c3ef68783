// Package xid generates prefixed identifiers that sort roughly by creation
// time within a single process.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a fresh id of the form "<prefix>_<unix-nanos>_<random>". The
// random suffix guards against collisions when two ids land on the same
// nanosecond tick.
func New(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
