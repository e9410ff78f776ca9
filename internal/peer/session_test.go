package peer

import (
	"net"
	"testing"
	"time"

	"github.com/avx7/torrentd/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeSessions() (*Session, net.Conn) {
	client, remote := net.Pipe()
	return &Session{ID: "remote", conn: client, AmChoked: true}, remote
}

func TestHandshake_Success(t *testing.T) {
	s, remote := pipeSessions()
	defer remote.Close()

	infoHash := [20]byte{1, 2, 3}
	localID := [20]byte{9, 9, 9}
	remoteID := [20]byte{4, 5, 6}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, wire.HandshakeLen)
		n, _ := readFullFromConn(remote, buf)
		require.Equal(t, wire.HandshakeLen, n)
		remote.Write(wire.EncodeHandshake(infoHash, remoteID))
	}()

	gotID, err := s.Handshake(infoHash, localID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, remoteID, gotID)
	<-done
}

func TestHandshake_InfoHashMismatch(t *testing.T) {
	s, remote := pipeSessions()
	defer remote.Close()

	go func() {
		buf := make([]byte, wire.HandshakeLen)
		readFullFromConn(remote, buf)
		remote.Write(wire.EncodeHandshake([20]byte{0xFF}, [20]byte{1}))
	}()

	_, err := s.Handshake([20]byte{1, 2, 3}, [20]byte{9}, time.Second)
	assert.ErrorIs(t, err, wire.ErrProtocol)
}

func TestDispatch_UnchokeAndPiece(t *testing.T) {
	s, remote := pipeSessions()
	defer remote.Close()

	events := make(chan Event, 4)
	go func() {
		remote.Write(wire.EncodeMessage(wire.MsgUnchoke, nil))
		remote.Write(wire.EncodePiece(2, 16384, []byte("blockdata")))
		remote.Close()
	}()

	go s.Run(events, time.Second)

	ev := <-events
	assert.Equal(t, EventUnchoke, ev.Kind)
	assert.False(t, s.AmChoked)

	ev = <-events
	assert.Equal(t, EventPiece, ev.Kind)
	assert.Equal(t, 2, ev.Index)
	assert.Equal(t, 16384, ev.Begin)
	assert.Equal(t, []byte("blockdata"), ev.Data)

	ev = <-events
	assert.Equal(t, EventDisconnect, ev.Kind)
}

func TestDispatch_Bitfield(t *testing.T) {
	s, remote := pipeSessions()
	defer remote.Close()

	events := make(chan Event, 2)
	go func() {
		remote.Write(wire.EncodeMessage(wire.MsgBitfield, []byte{0xF0}))
		remote.Close()
	}()

	go s.Run(events, time.Second)

	ev := <-events
	assert.Equal(t, EventBitfield, ev.Kind)
	assert.True(t, s.PeerBitfield.HasPiece(0))
	assert.False(t, s.PeerBitfield.HasPiece(4))

	<-events // disconnect
}

func readFullFromConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
