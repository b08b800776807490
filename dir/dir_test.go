package dir

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockfs/blockfs/common"
	"github.com/blockfs/blockfs/disk"
)

func TestAddFindRemove(t *testing.T) {
	assert := assert.New(t)
	d := New(1)

	require.NoError(t, d.AddEntry("a.txt", 5, common.TypeFile))
	require.NoError(t, d.AddEntry("sub", 6, common.TypeDir))
	assert.Equal(2, d.Len())

	e, ok := d.FindEntry("a.txt")
	require.True(t, ok)
	assert.Equal(common.Inum(5), e.Inum)
	assert.Equal(common.TypeFile, e.Type)

	_, ok = d.FindEntry("missing")
	assert.False(ok)

	require.NoError(t, d.RemoveEntry("a.txt"))
	assert.Equal(1, d.Len())
	_, ok = d.FindEntry("a.txt")
	assert.False(ok)
}

func TestDuplicateRejected(t *testing.T) {
	d := New(1)
	require.NoError(t, d.AddEntry("x", 2, common.TypeFile))
	err := d.AddEntry("x", 3, common.TypeDir)
	assert.ErrorIs(t, err, ErrExists)
	assert.Equal(t, 1, d.Len())
}

func TestRemoveMissing(t *testing.T) {
	d := New(1)
	err := d.RemoveEntry("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNameLimits(t *testing.T) {
	d := New(1)
	assert.ErrorIs(t, d.AddEntry("", 2, common.TypeFile), ErrInvalidName)
	long := strings.Repeat("n", common.MaxNameLen+1)
	assert.ErrorIs(t, d.AddEntry(long, 2, common.TypeFile), ErrInvalidName)
	exact := strings.Repeat("n", common.MaxNameLen)
	assert.NoError(t, d.AddEntry(exact, 2, common.TypeFile))
}

func TestCapacity(t *testing.T) {
	d := New(1)
	for i := 0; i < MaxEntries; i++ {
		require.NoError(t, d.AddEntry(fmt.Sprintf("f%03d", i), common.Inum(i+2), common.TypeFile))
	}
	err := d.AddEntry("one-too-many", 999, common.TypeFile)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, MaxEntries, d.Len())

	// removing one makes room again
	require.NoError(t, d.RemoveEntry("f000"))
	assert.NoError(t, d.AddEntry("one-too-many", 999, common.TypeFile))
}

func TestSerializeRoundTrip(t *testing.T) {
	d := New(7)
	require.NoError(t, d.AddEntry(".", 7, common.TypeDir))
	require.NoError(t, d.AddEntry("..", 0, common.TypeDir))
	require.NoError(t, d.AddEntry("notes.txt", 12, common.TypeFile))
	require.NoError(t, d.AddEntry("deep", 13, common.TypeDir))

	blk := d.Serialize()
	assert.Equal(t, int(disk.BlockSize), len(blk), "directory occupies exactly one block")

	d2 := New(7)
	require.NoError(t, d2.Deserialize(blk))
	assert.Equal(t, d.Entries(), d2.Entries())
	assert.True(t, d2.Validate())
}

func TestSerializeEmpty(t *testing.T) {
	d := New(3)
	blk := d.Serialize()

	d2 := New(3)
	require.NoError(t, d2.Deserialize(blk))
	assert.Equal(t, 0, d2.Len())
}

func TestDeserializeRejectsBogusCount(t *testing.T) {
	blk := make([]byte, disk.BlockSize)
	// count field far beyond what a block can hold
	blk[0] = 0xff
	blk[1] = 0xff
	d := New(1)
	assert.ErrorIs(t, d.Deserialize(blk), ErrCorrupt)
}

func TestDeserializeRejectsShortData(t *testing.T) {
	d := New(1)
	assert.ErrorIs(t, d.Deserialize([]byte{1, 0}), ErrCorrupt)

	// count says 2 entries but only 1 record's worth of bytes follows
	src := New(1)
	require.NoError(t, src.AddEntry("only", 4, common.TypeFile))
	blk := src.Serialize()
	blk[0] = 2
	assert.ErrorIs(t, d.Deserialize(blk[:4+recordSize]), ErrCorrupt)
}

func TestDeserializePreservesMaxLengthName(t *testing.T) {
	name := strings.Repeat("z", common.MaxNameLen)
	d := New(1)
	require.NoError(t, d.AddEntry(name, 9, common.TypeFile))

	d2 := New(1)
	require.NoError(t, d2.Deserialize(d.Serialize()))
	e, ok := d2.FindEntry(name)
	require.True(t, ok)
	assert.Equal(t, common.Inum(9), e.Inum)
}

func TestFlushWritesCurrentSnapshot(t *testing.T) {
	d := New(5)
	require.NoError(t, d.AddEntry("a", 6, common.TypeFile))

	var written disk.Block
	require.NoError(t, d.Flush(func(blk disk.Block) error {
		written = blk
		return nil
	}))
	d2 := New(5)
	require.NoError(t, d2.Deserialize(written))
	assert.Equal(t, d.Entries(), d2.Entries())

	wantErr := fmt.Errorf("sink failed")
	err := d.Flush(func(disk.Block) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestValidateCatchesDuplicates(t *testing.T) {
	d := New(1)
	d.entries = []Entry{
		{Inum: 2, Name: "dup", Type: common.TypeFile},
		{Inum: 3, Name: "dup", Type: common.TypeFile},
	}
	assert.False(t, d.Validate())
}
