package disk

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(fill byte) Block {
	b := make(Block, BlockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestMemDiskReadWrite(t *testing.T) {
	d := NewMemDisk(8)
	assert.Equal(t, uint32(8), d.Size())

	require.NoError(t, d.Write(3, block(0x3c)))
	got, err := d.Read(3)
	require.NoError(t, err)
	assert.Equal(t, block(0x3c), got)

	// fresh blocks read as zeros
	got, err = d.Read(0)
	require.NoError(t, err)
	assert.Equal(t, block(0), got)
}

func TestMemDiskBounds(t *testing.T) {
	d := NewMemDisk(4)
	_, err := d.Read(4)
	assert.Error(t, err)
	assert.Error(t, d.Write(4, block(0)))
	assert.Error(t, d.Write(0, make(Block, 100)))
	assert.Error(t, d.ReadTo(0, make(Block, 100)))
}

func TestMemDiskCopyBlocks(t *testing.T) {
	d := NewMemDisk(16)
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, d.Write(2+i, block(byte(i+1))))
	}
	require.NoError(t, d.CopyBlocks(2, 10, 3))
	for i := uint32(0); i < 3; i++ {
		got, err := d.Read(10 + i)
		require.NoError(t, err)
		assert.Equal(t, block(byte(i+1)), got)
	}
	// source unchanged
	got, err := d.Read(2)
	require.NoError(t, err)
	assert.Equal(t, block(1), got)
}

func TestFileDiskCreateAndReopen(t *testing.T) {
	afs := afero.NewMemMapFs()
	d, err := CreateFileDisk(afs, "test.img", 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), d.Size())

	require.NoError(t, d.Write(5, block(0x55)))
	require.NoError(t, d.Barrier())
	require.NoError(t, d.Close())

	d2, err := OpenFileDisk(afs, "test.img")
	require.NoError(t, err)
	assert.Equal(t, uint32(16), d2.Size())
	got, err := d2.Read(5)
	require.NoError(t, err)
	assert.Equal(t, block(0x55), got)

	// untouched blocks read back as zeros
	got, err = d2.Read(15)
	require.NoError(t, err)
	assert.Equal(t, block(0), got)
	require.NoError(t, d2.Close())
}

func TestFileDiskBounds(t *testing.T) {
	afs := afero.NewMemMapFs()
	d, err := CreateFileDisk(afs, "test.img", 4)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Read(4)
	assert.Error(t, err)
	assert.Error(t, d.Write(4, block(0)))
}

func TestOpenRejectsMisalignedImage(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "bad.img", make([]byte, BlockSize+1), 0666))
	_, err := OpenFileDisk(afs, "bad.img")
	assert.Error(t, err)
}

func TestOpenMissingImage(t *testing.T) {
	_, err := OpenFileDisk(afero.NewMemMapFs(), "nope.img")
	assert.Error(t, err)
}
