package piecestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsNonDivisiblePieceLength(t *testing.T) {
	_, err := New(100, 100, 30)
	assert.Error(t, err)
}

func TestTailPieceShortBlock(t *testing.T) {
	// overall 20000, piece length 16384 (== request length): 2 pieces,
	// tail piece has exactly one block of length 3616.
	buf, err := New(20000, 16384, 16384)
	require.NoError(t, err)

	require.Equal(t, 2, buf.NumPieces())
	assert.Equal(t, 1, buf.BlockCount(0))
	assert.Equal(t, 1, buf.BlockCount(1))

	length, err := buf.ExpectedLength(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3616, length)

	_, err = buf.ExpectedLength(1, 1)
	assert.ErrorIs(t, err, ErrBadBlock)
}

func TestSingleTinyBlock(t *testing.T) {
	buf, err := New(10, 16384, 16384)
	require.NoError(t, err)
	require.Equal(t, 1, buf.NumPieces())
	require.Equal(t, 1, buf.BlockCount(0))

	length, err := buf.ExpectedLength(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, length)
}

func TestWriteAndHashFlow(t *testing.T) {
	buf, err := New(32768, 16384, 16384)
	require.NoError(t, err)

	require.NoError(t, buf.Write(0, 0, make([]byte, 16384)))
	assert.True(t, buf.PieceIsFull(0))
	assert.Equal(t, 16384, len(buf.PieceBytes(0)))

	buf.MarkWritten(0)
	assert.True(t, buf.IsWritten(0))
}

func TestWrite_BadLength(t *testing.T) {
	buf, err := New(32768, 16384, 16384)
	require.NoError(t, err)

	err = buf.Write(0, 0, make([]byte, 100))
	assert.ErrorIs(t, err, ErrBadBlock)
}

func TestClearPiece(t *testing.T) {
	buf, err := New(32768, 16384, 16384)
	require.NoError(t, err)

	require.NoError(t, buf.Write(0, 0, make([]byte, 16384)))
	require.True(t, buf.PieceIsFull(0))

	buf.ClearPiece(0)
	assert.False(t, buf.PieceIsFull(0))
	assert.False(t, buf.IsWritten(0))
}

func TestIndexMappingRoundTrip(t *testing.T) {
	buf, err := New(20000, 16384, 16384)
	require.NoError(t, err)

	total := buf.TotalBlocks()
	require.Equal(t, 2, total)

	for overall := 0; overall < total; overall++ {
		piece, block := buf.OverallToPieceAndIndex(overall)
		got := buf.PieceAndIndexToOverall(piece, block)
		assert.Equal(t, overall, got)
	}
}

func TestIndexMappingRoundTrip_MultiBlockPieces(t *testing.T) {
	// piece length 32768 (2 blocks per full piece), overall 70000 bytes:
	// pieces of 32768, 32768, 4464 -> blocks per full piece = 2.
	buf, err := New(70000, 32768, 16384)
	require.NoError(t, err)

	total := buf.TotalBlocks()
	for overall := 0; overall < total; overall++ {
		piece, block := buf.OverallToPieceAndIndex(overall)
		assert.Equal(t, overall, buf.PieceAndIndexToOverall(piece, block))
	}
}
