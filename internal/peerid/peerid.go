// Package peerid generates the client's 20-byte BitTorrent peer id.
package peerid

import (
	"fmt"

	"github.com/google/uuid"
)

const prefix = "-GT0001-"

// New returns a fresh 20-byte peer id with the Azureus-style prefix
// followed by 12 bytes derived from a random UUID.
func New() [20]byte {
	var id [20]byte
	copy(id[:], prefix)

	u := uuid.New()
	copy(id[len(prefix):], u[:])
	return id
}

// String renders a peer id for logging, escaping non-printable bytes.
func String(id [20]byte) string {
	return fmt.Sprintf("%q", id[:])
}
