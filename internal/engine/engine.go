// Package engine owns the sockets: dialing peers, driving trackers,
// and running the event loop that feeds internal/coordinator and
// performs the I/O its decisions call for (SendRequest, SendCancel,
// SendKeepAlive). SPEC_FULL.md §5 models the whole system as a single
// cooperative loop; engine is that loop, expressed as one goroutine
// draining one channel.
package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/avx7/torrentd/internal/config"
	"github.com/avx7/torrentd/internal/coordinator"
	"github.com/avx7/torrentd/internal/metainfo"
	"github.com/avx7/torrentd/internal/peer"
	"github.com/avx7/torrentd/internal/peerid"
	"github.com/avx7/torrentd/internal/progress"
	"github.com/avx7/torrentd/internal/storage"
	"github.com/avx7/torrentd/internal/trackerclient"
)

// Engine drives one torrent's download end to end.
type Engine struct {
	info   *metainfo.Info
	cfg    config.Config
	peerID [20]byte

	coord   *coordinator.Coordinator
	storage *storage.FileWriter
	bar     *progress.Bar

	events chan peer.Event

	mu      sync.Mutex
	active  map[string]*peer.Session
	blocked map[string]bool // peers that failed to dial or handshake, never retried this run
}

// New builds an Engine for info, writing output under outputDir.
func New(info *metainfo.Info, outputDir string, cfg config.Config) (*Engine, error) {
	fw, err := storage.New(info, outputDir)
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(info.Name, info.InfoHash, info.PieceHashes, int(info.TotalLength), info.PieceLength,
		coordinator.Config{
			RequestLength:    cfg.RequestLength,
			MaxBacklog:       cfg.MaxBacklog,
			PendingTimeout:   cfg.PendingTimeout,
			KeepAliveTimeout: cfg.KeepAliveTimeout,
			NumberPeers:      cfg.NumberPeers,
		}, fw)
	if err != nil {
		return nil, err
	}

	_, totalBlocks := coord.Progress()

	e := &Engine{
		info:    info,
		cfg:     cfg,
		peerID:  peerid.New(),
		coord:   coord,
		storage: fw,
		bar:     progress.New(info.Name, totalBlocks),
		events:  make(chan peer.Event, 256),
		active:  make(map[string]*peer.Session),
		blocked: make(map[string]bool),
	}

	coord.OnDone(func(name string) {
		e.bar.Finish()
		progress.Infof("%s: download complete", name)
	})

	return e, nil
}

// trackerURLs collects the announce and announce-list URLs from the
// metainfo, deduplicated.
func (e *Engine) trackerURLs() []string {
	seen := map[string]bool{}
	var urls []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	add(e.info.Announce)
	for _, tier := range e.info.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}

// Run drives the download to completion or until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.refreshPeers(ctx); err != nil {
		return err
	}

	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()
	refresh := time.NewTicker(e.cfg.TrackerRefreshFallback)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-e.events:
			e.handleEvent(ev)
			if e.coord.Done() {
				return nil
			}

		case <-sweep.C:
			e.sweepExpired()
			e.sweepKeepAlives()

		case <-refresh.C:
			if err := e.refreshPeers(ctx); err != nil {
				progress.Warnf("refreshing peers: %v", err)
			}
		}
	}
}

func (e *Engine) refreshPeers(ctx context.Context) error {
	// trackerURLs may come back empty (a metainfo with no announce
	// field at all); Announce still falls back to the public tracker
	// list in that case, so there is no need to special-case it here.
	urls := e.trackerURLs()

	result, err := trackerclient.Announce(urls, trackerclient.AnnounceRequest{
		InfoHash: e.info.InfoHash,
		PeerID:   e.peerID,
		Port:     e.cfg.ListenPort,
		Left:     e.info.TotalLength,
	}, e.cfg.TrackerRefreshFallback)
	if err != nil {
		return err
	}

	progress.Infof("%s: tracker returned %d peers", e.info.Name, len(result.Peers))

	var wg sync.WaitGroup
	for _, p := range result.Peers {
		addr := p.Addr()

		e.mu.Lock()
		_, already := e.active[addr]
		blocked := e.blocked[addr]
		full := e.cfg.NumberPeers > 0 && e.coord.PeerCount() >= e.cfg.NumberPeers
		e.mu.Unlock()

		if already || blocked || full {
			continue
		}

		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			e.dialAndRegister(addr)
		}(addr)
	}
	wg.Wait()
	return nil
}

func (e *Engine) dialAndRegister(addr string) {
	s, err := peer.Dial(addr, e.cfg.DialTimeout)
	if err != nil {
		e.mu.Lock()
		e.blocked[addr] = true
		e.mu.Unlock()
		return
	}

	remoteID, err := s.Handshake(e.info.InfoHash, e.peerID, e.cfg.HandshakeTimeout)
	if err != nil {
		progress.Warnf("handshake with %s: %v", addr, err)
		s.Close()
		e.mu.Lock()
		e.blocked[addr] = true
		e.mu.Unlock()
		return
	}
	if remoteID == e.peerID {
		// a tracker announced our own listening address back to us
		s.Close()
		return
	}

	if err := s.SendInterested(); err != nil {
		s.Close()
		return
	}

	// dialers run concurrently while the event loop waits for them, so
	// registration is serialized under mu
	e.mu.Lock()
	registered := e.coord.RegisterPeer(s)
	if registered {
		e.active[addr] = s
	}
	e.mu.Unlock()
	if !registered {
		s.Close()
		return
	}

	go s.Run(e.events, e.cfg.IdleReadTimeout)
}

func (e *Engine) handleEvent(ev peer.Event) {
	switch ev.Kind {
	case peer.EventUnchoke, peer.EventBitfield, peer.EventHave:
		e.fillBacklog(ev.PeerID)

	case peer.EventPiece:
		before, _ := e.coord.Progress()
		if err := e.coord.OnBlockReceived(ev.PeerID, ev.Index, ev.Begin, ev.Data); err != nil {
			if !errors.Is(err, coordinator.ErrHashMismatch) {
				progress.Errorf("peer %s: %v", ev.PeerID, err)
			}
		}
		after, _ := e.coord.Progress()
		if after > before {
			e.bar.Add(after-before, int64((after-before)*e.cfg.RequestLength))
		}
		e.fillBacklog(ev.PeerID)

	case peer.EventDisconnect:
		e.mu.Lock()
		delete(e.active, ev.PeerID)
		e.mu.Unlock()
		e.coord.RemovePeer(ev.PeerID)
	}
}

// fillBacklog keeps pushing requests at an interested, unchoked peer
// until its backlog or the global request frontier is exhausted.
func (e *Engine) fillBacklog(peerID string) {
	e.mu.Lock()
	s, ok := e.active[peerID]
	e.mu.Unlock()
	if !ok || s.AmChoked || !s.AmInterested {
		return
	}

	for {
		req, ok := e.coord.NextRequestFor(peerID)
		if !ok {
			return
		}
		if err := s.SendRequest(req.PieceIndex, req.Begin, req.Length); err != nil {
			progress.Warnf("sending request to %s: %v", peerID, err)
			return
		}
	}
}

func (e *Engine) sweepExpired() {
	for _, exp := range e.coord.SweepExpiredRequests() {
		e.mu.Lock()
		orig, hasOrig := e.active[exp.OriginalPeer]
		dest, hasDest := e.active[exp.NewPeer]
		e.mu.Unlock()

		if hasOrig {
			orig.SendCancel(exp.Request.PieceIndex, exp.Request.Begin, exp.Request.Length)
		}
		if hasDest {
			if err := dest.SendRequest(exp.Request.PieceIndex, exp.Request.Begin, exp.Request.Length); err != nil {
				progress.Warnf("redispatching to %s: %v", exp.NewPeer, err)
			}
		}
	}
}

func (e *Engine) sweepKeepAlives() {
	for _, due := range e.coord.SweepKeepAlives() {
		e.mu.Lock()
		s, ok := e.active[due.PeerID]
		e.mu.Unlock()
		if ok {
			if err := s.SendKeepAlive(); err != nil {
				log.Printf("[FAIL]\tkeep-alive to %s: %v\n", due.PeerID, err)
			}
		}
	}
}
