package metainfo

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestTorrent(t *testing.T, info rawInfo, announce string) string {
	t.Helper()
	raw := rawTorrent{Announce: announce, Info: info}

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, raw))

	path := filepath.Join(t.TempDir(), "test.torrent")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestLoad_SingleFile(t *testing.T) {
	pieceHash := sha1.Sum([]byte("0123456789abcdef0123"))
	path := writeTestTorrent(t, rawInfo{
		PieceLength: 16384,
		Pieces:      string(pieceHash[:]),
		Name:        "movie.mkv",
		Length:      20000,
	}, "http://tracker.example/announce")

	info, err := Load(path, 16384)
	require.NoError(t, err)

	assert.Equal(t, "movie.mkv", info.Name)
	assert.Equal(t, "http://tracker.example/announce", info.Announce)
	assert.Equal(t, 1, len(info.PieceHashes))
	assert.Equal(t, int64(20000), info.TotalLength)
	assert.Len(t, info.Files, 1)
}

func TestLoad_MultiFile(t *testing.T) {
	h1 := sha1.Sum([]byte("aaaaaaaaaaaaaaaaaaaa"))
	h2 := sha1.Sum([]byte("bbbbbbbbbbbbbbbbbbbb"))
	pieces := string(h1[:]) + string(h2[:])

	path := writeTestTorrent(t, rawInfo{
		PieceLength: 16384,
		Pieces:      pieces,
		Name:        "album",
		Files: []rawFile{
			{Length: 1000, Path: []string{"01.flac"}},
			{Length: 2000, Path: []string{"02.flac"}},
		},
	}, "http://tracker.example/announce")

	info, err := Load(path, 16384)
	require.NoError(t, err)

	assert.Equal(t, int64(3000), info.TotalLength)
	assert.Len(t, info.Files, 2)
	assert.Equal(t, []string{"01.flac"}, info.Files[0].Path)
	assert.Equal(t, []string{"02.flac"}, info.Files[1].Path)
}

func TestLoad_RejectsNonDivisiblePieceLength(t *testing.T) {
	h := sha1.Sum([]byte("aaaaaaaaaaaaaaaaaaaa"))
	path := writeTestTorrent(t, rawInfo{
		PieceLength: 16000, // not divisible by 16384
		Pieces:      string(h[:]),
		Name:        "x",
		Length:      16000,
	}, "http://tracker.example/announce")

	_, err := Load(path, 16384)
	assert.Error(t, err)
}

func TestLoad_RejectsBadPiecesLength(t *testing.T) {
	path := writeTestTorrent(t, rawInfo{
		PieceLength: 16384,
		Pieces:      "short",
		Name:        "x",
		Length:      100,
	}, "http://tracker.example/announce")

	_, err := Load(path, 16384)
	assert.Error(t, err)
}
