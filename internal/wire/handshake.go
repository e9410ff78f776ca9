package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const protocolName = "BitTorrent protocol"

// HandshakeLen is the fixed length of a handshake frame: 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 1 + len(protocolName) + 8 + 20 + 20

// wireHandshake mirrors the on-the-wire layout exactly, so it can be
// (de)serialized with a single binary.Write/Read call.
type wireHandshake struct {
	ProtocolNameLength byte
	Protocol           [19]byte
	Reserved           [8]byte
	InfoHash           [20]byte
	PeerID             [20]byte
}

// Handshake is the parsed form of the 68-byte handshake frame.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// EncodeHandshake serializes the initial handshake frame for infoHash and peerID.
func EncodeHandshake(infoHash, peerID [20]byte) []byte {
	hs := wireHandshake{ProtocolNameLength: byte(len(protocolName))}
	copy(hs.Protocol[:], protocolName)
	hs.InfoHash = infoHash
	hs.PeerID = peerID

	var buf bytes.Buffer
	buf.Grow(HandshakeLen)
	_ = binary.Write(&buf, binary.BigEndian, &hs)
	return buf.Bytes()
}

// ParseHandshake parses a handshake frame. It fails with ErrProtocol if
// buf is not exactly HandshakeLen bytes or the fixed prefix does not
// match the BitTorrent protocol string.
func ParseHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, fmt.Errorf("%w: handshake length %d, want %d", ErrProtocol, len(buf), HandshakeLen)
	}

	var hs wireHandshake
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &hs); err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if int(hs.ProtocolNameLength) != len(protocolName) || string(hs.Protocol[:]) != protocolName {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol string %q", ErrProtocol, hs.Protocol[:])
	}

	return Handshake{InfoHash: hs.InfoHash, PeerID: hs.PeerID}, nil
}
