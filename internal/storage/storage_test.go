package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/avx7/torrentd/internal/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePiece_SingleFile(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "file.bin",
		PieceLength: 10,
		Files:       []metainfo.FileEntry{{Length: 25, Path: []string{"file.bin"}}},
	}

	fw, err := New(info, dir)
	require.NoError(t, err)

	// while in progress, the data lives in the temp file, not the final name
	require.FileExists(t, filepath.Join(dir, "file", "file.temp"))

	require.NoError(t, fw.WritePiece(0, []byte("0123456789")))
	require.NoError(t, fw.WritePiece(1, []byte("abcdefghij")))
	require.NoError(t, fw.WritePiece(2, []byte("XYZXY")))
	require.NoError(t, fw.Finish())

	got, err := os.ReadFile(filepath.Join(dir, "file", "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdefghijXYZXY", string(got))

	_, err = os.Stat(filepath.Join(dir, "file", "file.temp"))
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away on completion")
}

func TestWritePiece_SingleFile_NoExtension(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "README",
		PieceLength: 4,
		Files:       []metainfo.FileEntry{{Length: 4, Path: []string{"README"}}},
	}

	fw, err := New(info, dir)
	require.NoError(t, err)
	require.NoError(t, fw.WritePiece(0, []byte("abcd")))
	require.NoError(t, fw.Finish())

	got, err := os.ReadFile(filepath.Join(dir, "README", "README"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))
}

func TestWritePiece_SpansMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		Name:        "album",
		PieceLength: 10,
		Files: []metainfo.FileEntry{
			{Length: 6, Path: []string{"a.txt"}},
			{Length: 6, Path: []string{"b.txt"}},
		},
	}

	fw, err := New(info, dir)
	require.NoError(t, err)

	// piece 0 spans both files: bytes 0-9 of a 12-byte stream. WritePiece
	// itself just lands these bytes in the temp file at their absolute
	// offset; the split across a.txt/b.txt only happens in Finish.
	require.NoError(t, fw.WritePiece(0, []byte("AAAAAABBBB")))
	require.NoError(t, fw.WritePiece(1, []byte("BB")))
	require.NoError(t, fw.Finish())

	a, err := os.ReadFile(filepath.Join(dir, "album", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", string(a))

	b, err := os.ReadFile(filepath.Join(dir, "album", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", string(b))

	_, err = os.Stat(filepath.Join(dir, "album", "album.temp"))
	assert.True(t, os.IsNotExist(err), "temp file must be removed after the split")
}
