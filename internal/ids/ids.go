package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a fresh 128-bit token encoded as lowercase hex. Tokens are
// unique for the lifetime of the process; a collision is a bug.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
