package blockset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet_BasicOps(t *testing.T) {
	s := NewSet(8)
	assert.False(t, s.Get(3))

	s.Set(3)
	assert.True(t, s.Get(3))
	assert.Equal(t, 1, s.Count())

	s.Set(3) // idempotent
	assert.Equal(t, 1, s.Count())

	s.Clear(3)
	assert.False(t, s.Get(3))
	assert.Equal(t, 0, s.Count())
}

func TestSet_AllSet(t *testing.T) {
	s := NewSet(3)
	assert.False(t, s.AllSet())

	s.Set(0)
	s.Set(1)
	s.Set(2)
	assert.True(t, s.AllSet())
}

func TestSet_OutOfRangeIsNoop(t *testing.T) {
	s := NewSet(4)
	s.Set(100)
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.Get(-1))
}

func TestBitfield_SetAndHave(t *testing.T) {
	bf := NewBitfield(10)
	assert.Equal(t, 16, bf.Len()) // 2 bytes

	assert.False(t, bf.HasPiece(5))
	bf.SetPiece(5)
	assert.True(t, bf.HasPiece(5))
	assert.False(t, bf.HasPiece(4))
}

func TestBitfield_FromBytesIsIndependentCopy(t *testing.T) {
	raw := []byte{0xFF}
	bf := FromBytes(raw)
	raw[0] = 0x00
	assert.True(t, bf.HasPiece(0))
}
