package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundUp(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint32(0), RoundUp(0, 4096))
	assert.Equal(uint32(1), RoundUp(1, 4096))
	assert.Equal(uint32(1), RoundUp(4096, 4096))
	assert.Equal(uint32(2), RoundUp(4097, 4096))
	assert.Equal(uint32(3), RoundUp(10000, 4096))
}

func TestMin(t *testing.T) {
	assert.Equal(t, uint32(3), Min(3, 7))
	assert.Equal(t, uint32(3), Min(7, 3))
	assert.Equal(t, uint32(5), Min(5, 5))
}

func TestCloneByteSlice(t *testing.T) {
	orig := []byte{1, 2, 3}
	dup := CloneByteSlice(orig)
	assert.Equal(t, orig, dup)
	dup[0] = 9
	assert.Equal(t, byte(1), orig[0])
}
