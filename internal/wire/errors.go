// Package wire implements the BitTorrent peer wire protocol: the
// handshake frame and the length-prefixed message frames exchanged
// once a connection is established.
package wire

import "errors"

// ErrProtocol is returned for malformed handshakes or frames: a bad
// fixed prefix, an impossible length, or a corrupt fixed-position
// field. Callers close the offending peer session on this error.
var ErrProtocol = errors.New("wire: protocol error")

// ErrNeedMore is returned by TryParseFrame when buf does not yet hold
// a complete frame. It is not a failure; the caller should read more
// bytes from the connection and retry.
var ErrNeedMore = errors.New("wire: need more bytes")
