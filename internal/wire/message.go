package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageID identifies the type of a peer wire message.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "Choke"
	case MsgUnchoke:
		return "Unchoke"
	case MsgInterested:
		return "Interested"
	case MsgNotInterested:
		return "NotInterested"
	case MsgHave:
		return "Have"
	case MsgBitfield:
		return "Bitfield"
	case MsgRequest:
		return "Request"
	case MsgPiece:
		return "Piece"
	case MsgCancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown#%d", uint8(id))
	}
}

// Message is a decoded peer wire message. A nil *Message represents a
// keep-alive (zero-length frame).
type Message struct {
	ID      MessageID
	Payload []byte
}

func (m *Message) String() string {
	if m == nil {
		return "KeepAlive"
	}
	return fmt.Sprintf("%s [%d]", m.ID, len(m.Payload))
}

// EncodeKeepAlive returns the 4-byte zero-length keep-alive frame.
func EncodeKeepAlive() []byte {
	return make([]byte, 4)
}

// EncodeMessage serializes msg as a length-prefixed frame.
// <length prefix (4B)><message ID (1B)><payload>
func EncodeMessage(id MessageID, payload []byte) []byte {
	length := uint32(len(payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(id)
	copy(buf[5:], payload)
	return buf
}

// EncodeHave builds a HAVE message announcing pieceIndex.
func EncodeHave(pieceIndex int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	return EncodeMessage(MsgHave, payload)
}

// EncodeRequest builds a REQUEST (or, with the same layout, CANCEL) message.
func EncodeRequest(id MessageID, index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return EncodeMessage(id, payload)
}

// EncodePiece builds a PIECE message carrying block for (index, begin).
func EncodePiece(index, begin int, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return EncodeMessage(MsgPiece, payload)
}

// TryParseFrame attempts to parse one frame off the front of buf.
// It never mutates or consumes buf; on success it reports how many
// bytes the caller should advance past. It returns ErrNeedMore when
// buf does not yet contain a complete frame.
//
// A keep-alive (zero length prefix) parses as (nil, 4, nil).
func TryParseFrame(buf []byte) (msg *Message, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, ErrNeedMore
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 4, nil
	}

	total := 4 + int(length)
	if total < 0 {
		return nil, 0, fmt.Errorf("%w: frame length %d overflows int", ErrProtocol, length)
	}
	if len(buf) < total {
		return nil, 0, ErrNeedMore
	}

	body := buf[4:total]
	m := &Message{ID: MessageID(body[0]), Payload: append([]byte(nil), body[1:]...)}
	return m, total, nil
}

// RequestFields extracts index/begin/length from a REQUEST or CANCEL payload.
func RequestFields(payload []byte) (index, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload length %d, want 12", ErrProtocol, len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return index, begin, length, nil
}

// HaveIndex extracts the piece index from a HAVE payload.
func HaveIndex(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: have payload length %d, want 4", ErrProtocol, len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// PieceFields extracts index, begin, and block data from a PIECE payload.
func PieceFields(payload []byte) (index, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload length %d < 8", ErrProtocol, len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	block = payload[8:]
	return index, begin, block, nil
}
