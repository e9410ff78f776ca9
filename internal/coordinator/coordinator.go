// Package coordinator implements the download coordinator described
// in SPEC_FULL.md §4.4: it owns the piece buffer, the peer sessions,
// and the have/requested bitmaps, decides what each peer should
// request next, sweeps expired requests and due keep-alives, and
// flips the torrent to done once every block has arrived.
//
// A Coordinator is not safe for concurrent use: SPEC_FULL.md §5 models
// it as the sole mutator of its own state, driven by a single event
// loop goroutine (see internal/engine). Tests call its methods
// directly and synchronously, which is exactly that model with one
// goroutine: the test goroutine itself.
package coordinator

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"log"
	"time"

	"github.com/avx7/torrentd/internal/blockset"
	"github.com/avx7/torrentd/internal/peer"
	"github.com/avx7/torrentd/internal/piecestore"
)

// ErrHashMismatch is returned by OnBlockReceived, wrapped with the
// piece index, when a full piece's SHA-1 does not match the expected
// hash from the metainfo; the piece is cleared for re-request first.
var ErrHashMismatch = fmt.Errorf("coordinator: piece hash mismatch")

// Request is a fully-resolved block request ready to send on the wire.
type Request struct {
	PieceIndex int
	Begin      int
	Length     int
}

// Storage is the narrow collaborator that persists validated pieces
// and finishes the torrent once everything is downloaded. See
// internal/storage for the on-disk implementation.
type Storage interface {
	WritePiece(pieceIndex int, data []byte) error
	Finish() error
}

// Config holds the tunables from SPEC_FULL.md §6.
type Config struct {
	RequestLength    int
	MaxBacklog       int
	PendingTimeout   time.Duration
	KeepAliveTimeout time.Duration
	NumberPeers      int
}

// peerHandle is what the coordinator tracks about each registered session.
type peerHandle struct {
	session *peer.Session
}

// Coordinator owns one torrent's download state.
type Coordinator struct {
	Name        string
	infoHash    [20]byte
	pieceHashes [][20]byte
	pieceLength int
	cfg         Config

	buf             *piecestore.Buffer
	have            *blockset.Set
	requested       *blockset.Set
	pendingTimeout  map[int]time.Time
	pendingPeer     map[int]string
	peers           map[string]*peerHandle
	storage         Storage
	done            bool
	now             func() time.Time
	onDone          func(name string)
}

// New builds a Coordinator for a torrent whose content is
// overallLength bytes split into pieces of pieceLength bytes with the
// given ordered piece hashes.
func New(name string, infoHash [20]byte, pieceHashes [][20]byte, overallLength, pieceLength int, cfg Config, storage Storage) (*Coordinator, error) {
	buf, err := piecestore.New(overallLength, pieceLength, cfg.RequestLength)
	if err != nil {
		return nil, err
	}
	if buf.NumPieces() != len(pieceHashes) {
		return nil, fmt.Errorf("coordinator: %d piece hashes for %d computed pieces", len(pieceHashes), buf.NumPieces())
	}

	total := buf.TotalBlocks()
	return &Coordinator{
		Name:           name,
		infoHash:       infoHash,
		pieceHashes:    pieceHashes,
		pieceLength:    pieceLength,
		cfg:            cfg,
		buf:            buf,
		have:           blockset.NewSet(total),
		requested:      blockset.NewSet(total),
		pendingTimeout: make(map[int]time.Time),
		pendingPeer:    make(map[int]string),
		peers:          make(map[string]*peerHandle),
		storage:        storage,
		now:            time.Now,
	}, nil
}

// OnDone registers a callback invoked exactly once, from
// CheckCompletion, when the torrent finishes.
func (c *Coordinator) OnDone(fn func(name string)) { c.onDone = fn }

// Done reports whether every block has arrived.
func (c *Coordinator) Done() bool { return c.done }

// RegisterPeer adds a ready peer session, subject to NumberPeers.
// Returns false if the cap is already reached.
func (c *Coordinator) RegisterPeer(s *peer.Session) bool {
	if c.cfg.NumberPeers > 0 && len(c.peers) >= c.cfg.NumberPeers {
		return false
	}
	c.peers[s.ID] = &peerHandle{session: s}
	return true
}

// RemovePeer drops a peer session. Its outstanding pending-timeout
// entries are left in place; they expire and get redispatched by
// SweepExpiredRequests like any other timeout (SPEC_FULL.md §5).
func (c *Coordinator) RemovePeer(peerID string) {
	delete(c.peers, peerID)
}

// PeerCount returns the number of registered peer sessions.
func (c *Coordinator) PeerCount() int { return len(c.peers) }

// OnBlockReceived implements SPEC_FULL.md §4.4 OnBlockReceived.
func (c *Coordinator) OnBlockReceived(peerID string, index, begin int, data []byte) error {
	blockInPiece := begin / c.cfg.RequestLength
	overall := c.buf.PieceAndIndexToOverall(index, blockInPiece)

	if c.have.Get(overall) {
		return nil // duplicate delivery, drop silently
	}

	if err := c.buf.Write(index, blockInPiece, data); err != nil {
		return err
	}
	c.have.Set(overall)
	c.clearPending(overall)

	if h, ok := c.peers[peerID]; ok {
		h.session.DecOutstanding()
	}

	if c.buf.PieceIsFull(index) && !c.buf.IsWritten(index) {
		return c.validatePiece(index)
	}
	return nil
}

func (c *Coordinator) validatePiece(index int) error {
	pieceBytes := c.buf.PieceBytes(index)
	sum := sha1.Sum(pieceBytes)

	if !bytes.Equal(sum[:], c.pieceHashes[index][:]) {
		log.Printf("[ERROR]\t%s: piece %d failed hash check, re-requesting\n", c.Name, index)
		c.clearPieceBits(index)
		return fmt.Errorf("%w: piece %d", ErrHashMismatch, index)
	}

	if err := c.storage.WritePiece(index, pieceBytes); err != nil {
		return fmt.Errorf("coordinator: writing piece %d: %w", index, err)
	}
	c.buf.MarkWritten(index)
	log.Printf("[INFO]\t%s: piece %d validated and written\n", c.Name, index)

	c.CheckCompletion()
	return nil
}

// clearPieceBits clears have/requested/pendingTimeout for every block
// of pieceIndex and resets its storage, per the HashMismatch recovery
// in SPEC_FULL.md §4.4/§7.
func (c *Coordinator) clearPieceBits(pieceIndex int) {
	c.buf.ClearPiece(pieceIndex)
	blocks := c.buf.BlockCount(pieceIndex)
	for b := 0; b < blocks; b++ {
		overall := c.buf.PieceAndIndexToOverall(pieceIndex, b)
		c.have.Clear(overall)
		c.requested.Clear(overall)
		c.clearPending(overall)
	}
}

func (c *Coordinator) clearPending(overall int) {
	delete(c.pendingTimeout, overall)
	delete(c.pendingPeer, overall)
}

// NextRequestFor implements SPEC_FULL.md §4.4 NextRequestFor: lowest
// overall-index-first among blocks the peer has advertised (or any
// block, if the peer has advertised nothing at all — pre-bitfield
// peers per SPEC_FULL.md §9), skipping anything already requested or had.
func (c *Coordinator) NextRequestFor(peerID string) (Request, bool) {
	h, ok := c.peers[peerID]
	if !ok {
		return Request{}, false
	}
	if c.cfg.MaxBacklog > 0 && h.session.Outstanding() >= c.cfg.MaxBacklog {
		return Request{}, false
	}

	gateByAvailability := h.session.PeerBitfield != nil

	total := c.buf.TotalBlocks()
	for overall := 0; overall < total; overall++ {
		if c.requested.Get(overall) || c.have.Get(overall) {
			continue
		}
		pieceIndex, blockIndex := c.buf.OverallToPieceAndIndex(overall)
		if gateByAvailability && !h.session.PeerBitfield.HasPiece(pieceIndex) {
			continue
		}

		length, err := c.buf.ExpectedLength(pieceIndex, blockIndex)
		if err != nil {
			continue // tail index beyond the real block count of this piece
		}

		c.requested.Set(overall)
		c.pendingTimeout[overall] = c.now()
		c.pendingPeer[overall] = peerID
		h.session.IncOutstanding()

		return Request{
			PieceIndex: pieceIndex,
			Begin:      c.buf.BeginOffset(blockIndex),
			Length:     length,
		}, true
	}

	return Request{}, false
}

// ExpiredRequest is what SweepExpiredRequests reports for each
// redispatched block, so the caller (the engine, which owns the
// sockets) can perform the actual SendCancel/SendRequest I/O.
type ExpiredRequest struct {
	Overall      int
	OriginalPeer string
	Request      Request
	NewPeer      string
}

// SweepExpiredRequests implements SPEC_FULL.md §4.4 SweepExpiredRequests.
// It clears expired entries and, for each one, picks a ready
// unchoked+interested peer to redispatch to; it returns the
// redispatch plan so the caller can perform I/O (send cancel to the
// original peer, send request to the new one) outside the lock-free
// single-goroutine state mutation.
func (c *Coordinator) SweepExpiredRequests() []ExpiredRequest {
	now := c.now()
	var expired []int
	for overall, ts := range c.pendingTimeout {
		if now.Sub(ts) > c.cfg.PendingTimeout {
			expired = append(expired, overall)
		}
	}

	var plan []ExpiredRequest
	for _, overall := range expired {
		originalPeer := c.pendingPeer[overall]
		if h, ok := c.peers[originalPeer]; ok {
			h.session.DecOutstanding()
		}
		c.requested.Clear(overall)
		c.clearPending(overall)

		newPeerID, ok := c.pickReadyPeer(originalPeer)
		if !ok {
			continue
		}

		pieceIndex, blockIndex := c.buf.OverallToPieceAndIndex(overall)
		length, err := c.buf.ExpectedLength(pieceIndex, blockIndex)
		if err != nil {
			continue
		}

		c.requested.Set(overall)
		c.pendingTimeout[overall] = now
		c.pendingPeer[overall] = newPeerID
		c.peers[newPeerID].session.IncOutstanding()

		plan = append(plan, ExpiredRequest{
			Overall:      overall,
			OriginalPeer: originalPeer,
			NewPeer:      newPeerID,
			Request: Request{
				PieceIndex: pieceIndex,
				Begin:      c.buf.BeginOffset(blockIndex),
				Length:     length,
			},
		})
	}
	return plan
}

// pickReadyPeer picks a ready, unchoked, interested peer other than
// exclude (the peer whose request just timed out — redispatching back
// to the same stalled peer defeats the point).
func (c *Coordinator) pickReadyPeer(exclude string) (string, bool) {
	for id, h := range c.peers {
		if id == exclude {
			continue
		}
		if h.session.AmInterested && !h.session.AmChoked {
			return id, true
		}
	}
	return "", false
}

// DuePeer is what SweepKeepAlives reports for each peer due a
// keep-alive, so the caller can send the frame and report it sent.
type DuePeer struct {
	PeerID string
}

// SweepKeepAlives implements SPEC_FULL.md §4.4 SweepKeepAlives: it
// reports which peers are due a keep-alive (now - lastSendTs >
// KeepAliveTimeout). The caller sends the frame; Session.SendKeepAlive
// updates LastSendTs itself, so there is no separate ack step here.
func (c *Coordinator) SweepKeepAlives() []DuePeer {
	now := c.now()
	var due []DuePeer
	for id, h := range c.peers {
		if now.Sub(h.session.LastSendTs) > c.cfg.KeepAliveTimeout {
			due = append(due, DuePeer{PeerID: id})
		}
	}
	return due
}

// CheckCompletion implements SPEC_FULL.md §4.4 CheckCompletion.
func (c *Coordinator) CheckCompletion() {
	if c.done || !c.have.AllSet() {
		return
	}
	if err := c.storage.Finish(); err != nil {
		log.Printf("[ERROR]\t%s: finishing storage: %v\n", c.Name, err)
		return
	}
	c.done = true
	log.Printf("[INFO]\t%s: torrent completely downloaded\n", c.Name)
	if c.onDone != nil {
		c.onDone(c.Name)
	}
}

// Progress returns (blocksHave, blocksTotal) for progress rendering.
func (c *Coordinator) Progress() (int, int) {
	return c.have.Count(), c.have.Len()
}
