// Package trackerclient announces a download to HTTP and UDP
// trackers and parses the compact peer lists they return.
package trackerclient

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
)

// Peer is one entry from a tracker's compact peer list.
type Peer struct {
	IP   string
	Port uint16
}

// Addr renders host:port for dialing.
func (p Peer) Addr() string { return fmt.Sprintf("%s:%d", p.IP, p.Port) }

// AnnounceRequest carries everything a tracker announce needs.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// httpTrackerResponse mirrors the bencoded HTTP tracker reply.
type httpTrackerResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// AnnounceResult is the outcome of contacting one or more trackers.
type AnnounceResult struct {
	Peers    []Peer
	Interval time.Duration
}

// publicTrackers are well-known public UDP trackers tried as a last
// resort when every tracker the metainfo itself names fails.
var publicTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
}

// Announce contacts every tracker URL (HTTP or UDP) and merges their
// peer lists, keeping the shortest announced interval. If every
// tracker in trackerURLs fails, it retries once more against
// trackerURLs plus publicTrackers before giving up. It returns an
// error only when that retry also fails.
func Announce(trackerURLs []string, req AnnounceRequest, fallback time.Duration) (*AnnounceResult, error) {
	result, err := announceOnce(trackerURLs, req, fallback)
	if err == nil {
		return result, nil
	}

	log.Printf("[FAIL]\tall declared trackers failed, retrying with public fallback trackers: %v\n", err)

	seen := make(map[string]bool, len(trackerURLs))
	merged := make([]string, 0, len(trackerURLs)+len(publicTrackers))
	for _, u := range trackerURLs {
		if !seen[u] {
			seen[u] = true
			merged = append(merged, u)
		}
	}
	for _, u := range publicTrackers {
		if !seen[u] {
			seen[u] = true
			merged = append(merged, u)
		}
	}

	return announceOnce(merged, req, fallback)
}

func announceOnce(trackerURLs []string, req AnnounceRequest, fallback time.Duration) (*AnnounceResult, error) {
	seen := make(map[string]Peer)
	var shortest time.Duration

	var lastErr error
	successes := 0

	for _, raw := range trackerURLs {
		var peers []Peer
		var interval time.Duration
		var err error

		switch {
		case strings.HasPrefix(raw, "udp://"):
			peers, interval, err = announceUDP(raw, req)
		case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
			peers, interval, err = announceHTTP(raw, req)
		default:
			continue
		}

		if err != nil {
			log.Printf("[FAIL]\ttracker %s: %v\n", raw, err)
			lastErr = err
			continue
		}

		successes++
		for _, p := range peers {
			seen[p.Addr()] = p
		}
		if shortest == 0 || (interval > 0 && interval < shortest) {
			shortest = interval
		}
	}

	if successes == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("trackerclient: all trackers failed: %w", lastErr)
		}
		return nil, fmt.Errorf("trackerclient: no usable tracker URLs")
	}

	result := &AnnounceResult{Interval: fallback}
	if shortest > 0 {
		result.Interval = shortest
	}
	for _, p := range seen {
		result.Peers = append(result.Peers, p)
	}
	return result, nil
}

func announceHTTP(announceURL string, req AnnounceRequest) ([]Peer, time.Duration, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing tracker URL: %w", err)
	}

	params := url.Values{}
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", fmt.Sprintf("%d", req.Port))
	params.Set("uploaded", fmt.Sprintf("%d", req.Uploaded))
	params.Set("downloaded", fmt.Sprintf("%d", req.Downloaded))
	params.Set("left", fmt.Sprintf("%d", req.Left))
	params.Set("compact", "1")
	params.Set("event", "started")
	u.RawQuery = params.Encode()

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(u.String())
	if err != nil {
		return nil, 0, fmt.Errorf("contacting %s: %w", announceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("tracker %s returned status %d", announceURL, resp.StatusCode)
	}

	var parsed httpTrackerResponse
	if err := bencode.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, 0, fmt.Errorf("decoding response from %s: %w", announceURL, err)
	}
	if parsed.Failure != "" {
		return nil, 0, fmt.Errorf("tracker %s: %s", announceURL, parsed.Failure)
	}

	peers, err := ParseCompactPeers([]byte(parsed.Peers))
	if err != nil {
		return nil, 0, err
	}
	return peers, time.Duration(parsed.Interval) * time.Second, nil
}

const udpProtocolMagic = 0x41727101980

func announceUDP(announceURL string, req AnnounceRequest) ([]Peer, time.Duration, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing UDP tracker URL: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, 0, fmt.Errorf("resolving %s: %w", u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, 0, fmt.Errorf("dialing %s: %w", u.Host, err)
	}
	defer conn.Close()

	var tidBuf [4]byte
	if _, err := crand.Read(tidBuf[:]); err != nil {
		return nil, 0, fmt.Errorf("generating transaction id: %w", err)
	}
	transactionID := binary.BigEndian.Uint32(tidBuf[:])

	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(connectReq[8:12], 0) // connect action
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	var connectionID uint64
	for attempt := 0; attempt < 3; attempt++ {
		conn.SetDeadline(time.Now().Add(time.Duration(5+attempt*2) * time.Second))
		if _, err := conn.Write(connectReq); err != nil {
			continue
		}

		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil || n < 16 {
			continue
		}
		if binary.BigEndian.Uint32(resp[0:4]) != 0 || binary.BigEndian.Uint32(resp[4:8]) != transactionID {
			continue
		}
		connectionID = binary.BigEndian.Uint64(resp[8:16])
		break
	}
	if connectionID == 0 {
		return nil, 0, fmt.Errorf("no connect response from %s after 3 attempts", announceURL)
	}

	announceReq := make([]byte, 98)
	binary.BigEndian.PutUint64(announceReq[0:8], connectionID)
	binary.BigEndian.PutUint32(announceReq[8:12], 1) // announce action
	binary.BigEndian.PutUint32(announceReq[12:16], transactionID)
	copy(announceReq[16:36], req.InfoHash[:])
	copy(announceReq[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(announceReq[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(announceReq[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(announceReq[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(announceReq[80:84], 2) // started event
	binary.BigEndian.PutUint32(announceReq[92:96], ^uint32(0))
	binary.BigEndian.PutUint16(announceReq[96:98], uint16(req.Port))

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(announceReq); err != nil {
		return nil, 0, fmt.Errorf("sending announce to %s: %w", announceURL, err)
	}

	resp := make([]byte, 2048)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, 0, fmt.Errorf("reading announce response from %s: %w", announceURL, err)
	}
	if n < 20 {
		return nil, 0, fmt.Errorf("announce response from %s too short: %d bytes", announceURL, n)
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if action == 3 {
		return nil, 0, fmt.Errorf("tracker %s error: %s", announceURL, string(resp[8:n]))
	}
	if action != 1 || binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return nil, 0, fmt.Errorf("unexpected announce response from %s", announceURL)
	}

	interval := time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second
	peers, err := ParseCompactPeers(resp[20:n])
	if err != nil {
		return nil, 0, err
	}
	return peers, interval, nil
}

// ParseCompactPeers decodes a compact peer list: 6 bytes per peer, 4
// for the IPv4 address and 2 for the big-endian port.
func ParseCompactPeers(raw []byte) ([]Peer, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("trackerclient: peer list length %d not a multiple of 6", len(raw))
	}

	peers := make([]Peer, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3]).String()
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}
