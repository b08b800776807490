package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

var _ Disk = (*FileDisk)(nil)

// FileDisk is a disk backed by an image file on an afero filesystem.
type FileDisk struct {
	f         afero.File
	numBlocks uint32
}

// CreateFileDisk creates (or truncates) an image file sized for
// numBlocks blocks and returns a disk over it.
func CreateFileDisk(fs afero.Fs, path string, numBlocks uint32) (*FileDisk, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("create disk image %s: %w", path, err)
	}
	if err := f.Truncate(int64(numBlocks) * int64(BlockSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size disk image %s: %w", path, err)
	}
	return &FileDisk{f: f, numBlocks: numBlocks}, nil
}

// OpenFileDisk opens an existing image file; the capacity is derived
// from the image length.
func OpenFileDisk(fs afero.Fs, path string) (*FileDisk, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("open disk image %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat disk image %s: %w", path, err)
	}
	if st.Size()%int64(BlockSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("disk image %s is not block-aligned (%d bytes)", path, st.Size())
	}
	return &FileDisk{f: f, numBlocks: uint32(st.Size() / int64(BlockSize))}, nil
}

func (d *FileDisk) ReadTo(a uint32, buf Block) error {
	if uint32(len(buf)) != BlockSize {
		return fmt.Errorf("read block %d: buffer is not block-sized (%d bytes)", a, len(buf))
	}
	if a >= d.numBlocks {
		return fmt.Errorf("out-of-bounds read at %d (disk has %d blocks)", a, d.numBlocks)
	}
	if _, err := d.f.ReadAt(buf, int64(a)*int64(BlockSize)); err != nil {
		return fmt.Errorf("read block %d: %w", a, err)
	}
	return nil
}

func (d *FileDisk) Read(a uint32) (Block, error) {
	buf := make(Block, BlockSize)
	if err := d.ReadTo(a, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *FileDisk) Write(a uint32, v Block) error {
	if uint32(len(v)) != BlockSize {
		return fmt.Errorf("write block %d: buffer is not block-sized (%d bytes)", a, len(v))
	}
	if a >= d.numBlocks {
		return fmt.Errorf("out-of-bounds write at %d (disk has %d blocks)", a, d.numBlocks)
	}
	if _, err := d.f.WriteAt(v, int64(a)*int64(BlockSize)); err != nil {
		return fmt.Errorf("write block %d: %w", a, err)
	}
	return nil
}

func (d *FileDisk) CopyBlocks(src uint32, dst uint32, count uint32) error {
	return copyBlocks(d, src, dst, count)
}

func (d *FileDisk) Size() uint32 {
	return d.numBlocks
}

func (d *FileDisk) Barrier() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("disk barrier: %w", err)
	}
	return nil
}

func (d *FileDisk) Close() error {
	return d.f.Close()
}

var _ Disk = (*MemDisk)(nil)

// MemDisk keeps all blocks in memory; used in tests.
type MemDisk struct {
	l      *sync.RWMutex
	blocks [][]byte
}

func NewMemDisk(numBlocks uint32) *MemDisk {
	blocks := make([][]byte, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, BlockSize)
	}
	return &MemDisk{l: new(sync.RWMutex), blocks: blocks}
}

func (d *MemDisk) ReadTo(a uint32, buf Block) error {
	if uint32(len(buf)) != BlockSize {
		return fmt.Errorf("read block %d: buffer is not block-sized (%d bytes)", a, len(buf))
	}
	d.l.RLock()
	defer d.l.RUnlock()
	if a >= uint32(len(d.blocks)) {
		return fmt.Errorf("out-of-bounds read at %d (disk has %d blocks)", a, len(d.blocks))
	}
	copy(buf, d.blocks[a])
	return nil
}

func (d *MemDisk) Read(a uint32) (Block, error) {
	buf := make(Block, BlockSize)
	if err := d.ReadTo(a, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *MemDisk) Write(a uint32, v Block) error {
	if uint32(len(v)) != BlockSize {
		return fmt.Errorf("write block %d: buffer is not block-sized (%d bytes)", a, len(v))
	}
	d.l.Lock()
	defer d.l.Unlock()
	if a >= uint32(len(d.blocks)) {
		return fmt.Errorf("out-of-bounds write at %d (disk has %d blocks)", a, len(d.blocks))
	}
	copy(d.blocks[a], v)
	return nil
}

func (d *MemDisk) CopyBlocks(src uint32, dst uint32, count uint32) error {
	return copyBlocks(d, src, dst, count)
}

func (d *MemDisk) Size() uint32 {
	return uint32(len(d.blocks))
}

func (d *MemDisk) Barrier() error { return nil }

func (d *MemDisk) Close() error { return nil }

func copyBlocks(d Disk, src uint32, dst uint32, count uint32) error {
	buf := make(Block, BlockSize)
	for i := uint32(0); i < count; i++ {
		if err := d.ReadTo(src+i, buf); err != nil {
			return err
		}
		if err := d.Write(dst+i, buf); err != nil {
			return err
		}
	}
	return nil
}
