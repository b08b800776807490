package common

import (
	"github.com/blockfs/blockfs/disk"
)

const (
	// On-disk layout. Block 0 holds the persisted free-space bitmap, the
	// inode table starts at block 1, and file data begins right after it.
	BitmapBlock uint32 = 0
	InodeStart  uint32 = 1

	InodeSize      uint32 = 128 // on-disk size of one inode record
	InodesPerBlock uint32 = disk.BlockSize / InodeSize
	MaxInodes      uint32 = 256
	InodeBlocks    uint32 = MaxInodes / InodesPerBlock

	DataStart uint32 = InodeStart + InodeBlocks

	MaxNameLen = 63
)

type Inum uint32

type FileType uint8

const (
	TypeFile FileType = 1
	TypeDir  FileType = 2
)

const RootInum Inum = 0
