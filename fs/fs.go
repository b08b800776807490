// fs ties the engine together: it formats and mounts a disk image,
// wires bitmap, cache, and inode manager, and exposes the path-level
// operations the front-ends consume.
package fs

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/blockfs/blockfs/bitmap"
	"github.com/blockfs/blockfs/cache"
	"github.com/blockfs/blockfs/common"
	"github.com/blockfs/blockfs/dir"
	"github.com/blockfs/blockfs/disk"
	"github.com/blockfs/blockfs/inode"
	"github.com/blockfs/blockfs/util"
)

var (
	ErrNotMounted = errors.New("fs: not mounted")
	ErrFileBusy   = errors.New("fs: file is open")
	ErrNotFile    = errors.New("fs: not a regular file")
	ErrNotDir     = errors.New("fs: not a directory")
)

type FS struct {
	d     disk.Disk
	bmap  *bitmap.Bitmap
	cache *cache.Cache
	mgr   *inode.Manager

	mu      sync.Mutex
	open    map[string]int
	mounted bool
}

type Usage struct {
	TotalBlocks uint32
	UsedBlocks  uint32
	FreeBlocks  uint32
	BlockSize   uint32
	InodesInUse uint32
	MaxInodes   uint32
}

// FormatDisk lays a fresh filesystem onto d: zeroed metadata blocks,
// an initialized bitmap in block 0, an empty inode table, and the root
// directory.
func FormatDisk(d disk.Disk) error {
	if d.Size() <= common.DataStart {
		return fmt.Errorf("fs: device too small (%d blocks, need more than %d)",
			d.Size(), common.DataStart)
	}
	zero := make(disk.Block, disk.BlockSize)
	for b := uint32(0); b < common.DataStart; b++ {
		if err := d.Write(b, zero); err != nil {
			return fmt.Errorf("format: %w", err)
		}
	}
	bmap, err := bitmap.New(d.Size())
	if err != nil {
		return err
	}
	bmap.Initialize(common.DataStart)

	c := cache.New(d, cache.DefaultPages)
	mgr, err := inode.NewManager(d, c, bmap)
	if err != nil {
		return err
	}
	if err := mgr.CreateRoot(); err != nil {
		return err
	}
	if err := c.FlushAll(); err != nil {
		return err
	}
	if err := bmap.Save(d); err != nil {
		return err
	}
	return d.Barrier()
}

// Format creates an image file of the given size on fs and formats it.
func Format(afs afero.Fs, path string, blocks uint32) error {
	d, err := disk.CreateFileDisk(afs, path, blocks)
	if err != nil {
		return err
	}
	if err := FormatDisk(d); err != nil {
		d.Close()
		return err
	}
	util.DPrintf(1, "fs: formatted %s (%d blocks)", path, blocks)
	return d.Close()
}

// New mounts a filesystem from an already-open disk. The bitmap is
// loaded with its free count recomputed, the inode table is scanned,
// and the root directory is created if the image never had one.
func New(d disk.Disk, cachePages int) (*FS, error) {
	bmap, err := bitmap.New(d.Size())
	if err != nil {
		return nil, err
	}
	if err := bmap.Load(d, common.DataStart); err != nil {
		return nil, err
	}
	c := cache.New(d, cachePages)
	mgr, err := inode.NewManager(d, c, bmap)
	if err != nil {
		return nil, err
	}
	if err := mgr.CreateRoot(); err != nil {
		return nil, err
	}
	return &FS{
		d:       d,
		bmap:    bmap,
		cache:   c,
		mgr:     mgr,
		open:    make(map[string]int),
		mounted: true,
	}, nil
}

// Mount opens the image at path and mounts it.
func Mount(afs afero.Fs, path string, cachePages int) (*FS, error) {
	d, err := disk.OpenFileDisk(afs, path)
	if err != nil {
		return nil, err
	}
	f, err := New(d, cachePages)
	if err != nil {
		d.Close()
		return nil, err
	}
	util.DPrintf(1, "fs: mounted %s", path)
	return f, nil
}

// Sync flushes every dirty cache page and persists the bitmap.
func (f *FS) Sync() error {
	if err := f.checkMounted(); err != nil {
		return err
	}
	if err := f.cache.FlushAll(); err != nil {
		return err
	}
	if err := f.bmap.Save(f.d); err != nil {
		return err
	}
	return f.d.Barrier()
}

// Unmount flushes everything and closes the disk.
func (f *FS) Unmount() error {
	f.mu.Lock()
	if !f.mounted {
		f.mu.Unlock()
		return ErrNotMounted
	}
	f.mu.Unlock()
	if err := f.Sync(); err != nil {
		return err
	}
	f.mu.Lock()
	f.mounted = false
	f.open = make(map[string]int)
	f.mu.Unlock()
	util.DPrintf(1, "fs: unmounted")
	return f.d.Close()
}

func (f *FS) checkMounted() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mounted {
		return ErrNotMounted
	}
	return nil
}

// Open marks a file as in use; writes and deletes on it are refused
// until the matching Close.
func (f *FS) Open(path string) error {
	if err := f.checkMounted(); err != nil {
		return err
	}
	path = inode.NormalizePath(path)
	if _, err := f.mgr.ResolvePath(path); err != nil {
		return err
	}
	f.mu.Lock()
	f.open[path]++
	f.mu.Unlock()
	return nil
}

func (f *FS) Close(path string) error {
	path = inode.NormalizePath(path)
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.open[path]
	if !ok || n <= 0 {
		return fmt.Errorf("fs: %s is not open", path)
	}
	if n == 1 {
		delete(f.open, path)
	} else {
		f.open[path] = n - 1
	}
	return nil
}

func (f *FS) isProtected(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[path] > 0
}

// anyProtectedUnder reports whether any open file lives at or below
// prefix.
func (f *FS) anyProtectedUnder(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p, n := range f.open {
		if n > 0 && (p == prefix || strings.HasPrefix(p, prefix+"/")) {
			return true
		}
	}
	return false
}

// CreateFile creates a file at path with the given content.
func (f *FS) CreateFile(path string, content []byte) error {
	if err := f.checkMounted(); err != nil {
		return err
	}
	parentPath, name := inode.SplitPath(path)
	if name == "" {
		return fmt.Errorf("%w: %q", inode.ErrInvalidName, path)
	}
	parent, err := f.mgr.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	id, err := f.mgr.CreateInode(parent, common.TypeFile, name, uint32(len(content)))
	if err != nil {
		return err
	}
	if len(content) > 0 {
		if err := f.mgr.WriteFile(id, content); err != nil {
			f.mgr.DeleteInode(id)
			return err
		}
	}
	return nil
}

// DeleteFile removes a regular file.
func (f *FS) DeleteFile(path string) error {
	if err := f.checkMounted(); err != nil {
		return err
	}
	path = inode.NormalizePath(path)
	if f.isProtected(path) {
		return fmt.Errorf("%w: %s", ErrFileBusy, path)
	}
	id, err := f.mgr.ResolvePath(path)
	if err != nil {
		return err
	}
	info, err := f.mgr.Stat(id)
	if err != nil {
		return err
	}
	if info.IsDir {
		return fmt.Errorf("%w: %s", ErrNotFile, path)
	}
	return f.mgr.DeleteInode(id)
}

// ReadFile returns a file's full contents.
func (f *FS) ReadFile(path string) ([]byte, error) {
	if err := f.checkMounted(); err != nil {
		return nil, err
	}
	id, err := f.mgr.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return f.mgr.ReadFile(id)
}

// WriteFile replaces a file's contents, creating the file if it does
// not exist yet.
func (f *FS) WriteFile(path string, content []byte) error {
	if err := f.checkMounted(); err != nil {
		return err
	}
	path = inode.NormalizePath(path)
	if f.isProtected(path) {
		return fmt.Errorf("%w: %s", ErrFileBusy, path)
	}
	id, err := f.mgr.ResolvePath(path)
	if errors.Is(err, inode.ErrNotFound) {
		return f.CreateFile(path, content)
	}
	if err != nil {
		return err
	}
	return f.mgr.WriteFile(id, content)
}

// ReadFileBlock reads one block of a file by index.
func (f *FS) ReadFileBlock(path string, idx uint32) ([]byte, error) {
	if err := f.checkMounted(); err != nil {
		return nil, err
	}
	id, err := f.mgr.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return f.mgr.ReadFileBlock(id, idx)
}

// WriteFileBlock overwrites one block of a file by index.
func (f *FS) WriteFileBlock(path string, idx uint32, data []byte) error {
	if err := f.checkMounted(); err != nil {
		return err
	}
	path = inode.NormalizePath(path)
	if f.isProtected(path) {
		return fmt.Errorf("%w: %s", ErrFileBusy, path)
	}
	id, err := f.mgr.ResolvePath(path)
	if err != nil {
		return err
	}
	return f.mgr.WriteFileBlock(id, idx, data)
}

// Resize changes a file's size without touching its remaining bytes.
func (f *FS) Resize(path string, newSize uint32) error {
	if err := f.checkMounted(); err != nil {
		return err
	}
	path = inode.NormalizePath(path)
	if f.isProtected(path) {
		return fmt.Errorf("%w: %s", ErrFileBusy, path)
	}
	id, err := f.mgr.ResolvePath(path)
	if err != nil {
		return err
	}
	return f.mgr.ResizeInode(id, newSize)
}

// Mkdir creates a directory at path.
func (f *FS) Mkdir(path string) error {
	if err := f.checkMounted(); err != nil {
		return err
	}
	parentPath, name := inode.SplitPath(path)
	if name == "" {
		return fmt.Errorf("%w: %q", inode.ErrInvalidName, path)
	}
	parent, err := f.mgr.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	_, err = f.mgr.CreateInode(parent, common.TypeDir, name, 0)
	return err
}

// Rmdir removes a directory and everything under it.
func (f *FS) Rmdir(path string) error {
	if err := f.checkMounted(); err != nil {
		return err
	}
	path = inode.NormalizePath(path)
	if f.anyProtectedUnder(path) {
		return fmt.Errorf("%w: under %s", ErrFileBusy, path)
	}
	id, err := f.mgr.ResolvePath(path)
	if err != nil {
		return err
	}
	info, err := f.mgr.Stat(id)
	if err != nil {
		return err
	}
	if !info.IsDir {
		return fmt.Errorf("%w: %s", ErrNotDir, path)
	}
	return f.mgr.RemoveAll(id)
}

// List returns the entries of the directory at path.
func (f *FS) List(path string) ([]inode.FileInfo, error) {
	if err := f.checkMounted(); err != nil {
		return nil, err
	}
	id, err := f.mgr.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return f.mgr.ListDirectory(id)
}

// Stat returns the metadata of the file or directory at path.
func (f *FS) Stat(path string) (inode.FileInfo, error) {
	if err := f.checkMounted(); err != nil {
		return inode.FileInfo{}, err
	}
	id, err := f.mgr.ResolvePath(path)
	if err != nil {
		return inode.FileInfo{}, err
	}
	return f.mgr.Stat(id)
}

// DiskUsage summarizes block and inode consumption.
func (f *FS) DiskUsage() Usage {
	return Usage{
		TotalBlocks: f.bmap.TotalBlocks(),
		UsedBlocks:  f.bmap.UsedCount(),
		FreeBlocks:  f.bmap.FreeCount(),
		BlockSize:   disk.BlockSize,
		InodesInUse: f.mgr.InodesInUse(),
		MaxInodes:   common.MaxInodes,
	}
}

// CacheStats reports the page cache occupancy.
func (f *FS) CacheStats() cache.Stats {
	return f.cache.Stats()
}

// MaxEntriesPerDir is surfaced for front-ends that want to report
// directory capacity.
const MaxEntriesPerDir = dir.MaxEntries
