// Package peer drives a single TCP connection to a remote peer: the
// handshake, and then the message read loop described in
// SPEC_FULL.md §4.3. A Session never mutates coordinator state
// directly; it only emits Events onto a channel the coordinator owns.
package peer

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/avx7/torrentd/internal/blockset"
	"github.com/avx7/torrentd/internal/wire"
)

// EventKind identifies what happened on a Session.
type EventKind int

const (
	EventReady EventKind = iota
	EventChoke
	EventUnchoke
	EventHave
	EventBitfield
	EventPiece
	EventDisconnect
)

// Event is what a Session reports back to the coordinator. Only the
// fields relevant to Kind are populated.
type Event struct {
	PeerID string
	Kind   EventKind
	Index  int
	Begin  int
	Data   []byte
	Err    error // set on EventDisconnect when the disconnect was an error
}

// Session is one peer connection, from handshake through to close.
type Session struct {
	ID   string // remote address, used as the map key and log tag
	conn net.Conn

	AmChoked      bool
	AmInterested  bool
	PeerBitfield  blockset.Bitfield
	LastSendTs    time.Time
	LastRecvTs    time.Time
	outstanding   int // requests sent but not yet satisfied or timed out
	handshakeDone bool
}

// Dial connects to addr and returns an unstarted Session. Handshake
// performs the handshake exchange; Run then drives the message loop.
func Dial(addr string, timeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}
	return &Session{ID: addr, conn: conn, AmChoked: true}, nil
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// Outstanding reports the number of requests sent to this peer that
// have not yet been satisfied or timed out.
func (s *Session) Outstanding() int { return s.outstanding }

// IncOutstanding/DecOutstanding let the coordinator track this peer's
// backlog without a shared mutex, since only the coordinator goroutine
// ever calls them.
func (s *Session) IncOutstanding() { s.outstanding++ }
func (s *Session) DecOutstanding() {
	if s.outstanding > 0 {
		s.outstanding--
	}
}

// Handshake performs the initial 68-byte handshake exchange and
// verifies the remote info-hash matches. It sets a short deadline for
// the exchange and clears it afterward.
func (s *Session) Handshake(infoHash, localPeerID [20]byte, timeout time.Duration) ([20]byte, error) {
	s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write(wire.EncodeHandshake(infoHash, localPeerID)); err != nil {
		return [20]byte{}, fmt.Errorf("peer: sending handshake to %s: %w", s.ID, err)
	}

	buf := make([]byte, wire.HandshakeLen)
	if _, err := readFull(s.conn, buf); err != nil {
		return [20]byte{}, fmt.Errorf("peer: reading handshake from %s: %w", s.ID, err)
	}

	hs, err := wire.ParseHandshake(buf)
	if err != nil {
		return [20]byte{}, err
	}
	if hs.InfoHash != infoHash {
		return [20]byte{}, fmt.Errorf("%w: info hash mismatch from %s", wire.ErrProtocol, s.ID)
	}

	s.handshakeDone = true
	s.LastSendTs = time.Now()
	s.LastRecvTs = time.Now()
	return hs.PeerID, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SendInterested sends the initial INTERESTED message and flips AmInterested.
func (s *Session) SendInterested() error {
	if err := s.send(wire.EncodeMessage(wire.MsgInterested, nil)); err != nil {
		return err
	}
	s.AmInterested = true
	return nil
}

// SendRequest asks the peer for a block.
func (s *Session) SendRequest(index, begin, length int) error {
	return s.send(wire.EncodeRequest(wire.MsgRequest, index, begin, length))
}

// SendCancel cancels a previously sent request.
func (s *Session) SendCancel(index, begin, length int) error {
	return s.send(wire.EncodeRequest(wire.MsgCancel, index, begin, length))
}

// SendKeepAlive sends a zero-length keep-alive frame.
func (s *Session) SendKeepAlive() error {
	return s.send(wire.EncodeKeepAlive())
}

func (s *Session) send(frame []byte) error {
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("peer: writing to %s: %w", s.ID, err)
	}
	s.LastSendTs = time.Now()
	return nil
}

// Run reads frames off the connection until it closes or a fatal
// protocol error occurs, translating each into an Event on events.
// Run blocks; the caller should run it in its own goroutine. It
// always sends a final EventDisconnect before returning.
func (s *Session) Run(events chan<- Event, idleTimeout time.Duration) {
	r := bufio.NewReaderSize(s.conn, 32*1024)
	var accum []byte
	readBuf := make([]byte, 16*1024+64)

	for {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := r.Read(readBuf)
		if n > 0 {
			accum = append(accum, readBuf[:n]...)
			s.LastRecvTs = time.Now()
		}
		if err != nil {
			events <- Event{PeerID: s.ID, Kind: EventDisconnect, Err: classifyDisconnect(err)}
			return
		}

		for {
			msg, consumed, perr := wire.TryParseFrame(accum)
			if perr == wire.ErrNeedMore {
				break
			}
			if perr != nil {
				events <- Event{PeerID: s.ID, Kind: EventDisconnect, Err: perr}
				return
			}
			accum = accum[consumed:]
			if msg == nil {
				continue // keep-alive: LastRecvTs already updated above
			}
			if !s.dispatch(msg, events) {
				events <- Event{PeerID: s.ID, Kind: EventDisconnect, Err: fmt.Errorf("peer: fatal message from %s", s.ID)}
				return
			}
		}
	}
}

// classifyDisconnect distinguishes a clean close from a real error,
// though both map to EventDisconnect: the Err field is kept for logging.
func classifyDisconnect(err error) error { return err }

func (s *Session) dispatch(msg *wire.Message, events chan<- Event) bool {
	switch msg.ID {
	case wire.MsgChoke:
		s.AmChoked = true
		events <- Event{PeerID: s.ID, Kind: EventChoke}
	case wire.MsgUnchoke:
		s.AmChoked = false
		events <- Event{PeerID: s.ID, Kind: EventUnchoke}
	case wire.MsgInterested, wire.MsgNotInterested:
		// we never seed; ignored per SPEC_FULL.md §4.3
	case wire.MsgHave:
		index, err := wire.HaveIndex(msg.Payload)
		if err != nil {
			return false
		}
		if s.PeerBitfield == nil {
			s.PeerBitfield = blockset.NewBitfield(index + 1)
		}
		if index >= s.PeerBitfield.Len() {
			grown := blockset.NewBitfield(index + 1)
			copy(grown, s.PeerBitfield)
			s.PeerBitfield = grown
		}
		s.PeerBitfield.SetPiece(index)
		events <- Event{PeerID: s.ID, Kind: EventHave, Index: index}
	case wire.MsgBitfield:
		s.PeerBitfield = blockset.FromBytes(msg.Payload)
		events <- Event{PeerID: s.ID, Kind: EventBitfield}
	case wire.MsgRequest, wire.MsgCancel:
		// we do not seed; ignored per SPEC_FULL.md §4.3
	case wire.MsgPiece:
		index, begin, block, err := wire.PieceFields(msg.Payload)
		if err != nil {
			return false
		}
		events <- Event{PeerID: s.ID, Kind: EventPiece, Index: index, Begin: begin, Data: block}
	default:
		// unknown message id: framed and discarded, forward compatibility
	}
	return true
}
