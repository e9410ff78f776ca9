// Package metainfo loads and decodes .torrent files: the bencoded
// root dictionary, the info-hash derived from its "info" sub-dictionary,
// and the flattened file layout used by internal/storage.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"

	"github.com/avx7/torrentd/internal/wire"
)

// FileEntry describes one on-disk file inside a (possibly multi-file) torrent.
type FileEntry struct {
	Length int64
	Path   []string
}

// rawFile mirrors the bencoded "files" list entries.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded "info" dictionary.
type rawInfo struct {
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Name        string    `bencode:"name"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

// rawTorrent mirrors the bencoded root dictionary.
type rawTorrent struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// Info is the parsed, validated metainfo for one torrent.
type Info struct {
	Name         string
	Announce     string
	AnnounceList [][]string
	InfoHash     [20]byte
	PieceLength  int
	PieceHashes  [][20]byte
	TotalLength  int64
	Files        []FileEntry
}

// Load reads path, decodes its bencoded contents, and validates them
// against requestLength: the info dictionary's piece length must be an
// exact multiple of requestLength, since internal/piecestore assumes
// every full piece splits evenly into fixed-size blocks.
func Load(path string, requestLength int) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %s: %w", path, err)
	}

	var raw rawTorrent
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %s: %w", path, err)
	}

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces string length %d not a multiple of 20", len(raw.Info.Pieces))
	}
	if raw.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: non-positive piece length %d", raw.Info.PieceLength)
	}
	if raw.Info.PieceLength%int64(requestLength) != 0 {
		return nil, fmt.Errorf("%w: metainfo: piece length %d not divisible by request length %d", wire.ErrProtocol, raw.Info.PieceLength, requestLength)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	infoHash := sha1.Sum(infoBytes)

	numPieces := len(raw.Info.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	info := &Info{
		Name:         raw.Info.Name,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		InfoHash:     infoHash,
		PieceLength:  int(raw.Info.PieceLength),
		PieceHashes:  hashes,
	}

	if len(raw.Info.Files) == 0 {
		info.TotalLength = raw.Info.Length
		info.Files = []FileEntry{{Length: raw.Info.Length, Path: []string{raw.Info.Name}}}
	} else {
		for _, f := range raw.Info.Files {
			info.TotalLength += f.Length
			info.Files = append(info.Files, FileEntry{Length: f.Length, Path: f.Path})
		}
	}

	return info, nil
}

// extractInfoBytes locates the bencoded "info" value within the raw
// torrent file bytes by walking the "4:info" prefix and balancing
// dict/list nesting, so the info-hash is computed over exactly the
// bytes the remote side hashed, independent of how bencode-go would
// re-encode the decoded struct.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}
	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at byte %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at byte %d: %w", i, err)
					}
					i = j + length
				}
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dictionary")
}
