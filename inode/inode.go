// inode implements the metadata layer: fixed-format inode records in
// an on-disk table, a slot allocator over that table, contiguous
// extent management, path resolution, and directory maintenance.
package inode

import (
	"errors"

	"github.com/tchajed/marshal"

	"github.com/blockfs/blockfs/common"
	"github.com/blockfs/blockfs/disk"
	"github.com/blockfs/blockfs/util"
)

var (
	ErrNoInode     = errors.New("inode: no free inode slots")
	ErrNotFound    = errors.New("inode: no such file or directory")
	ErrExists      = errors.New("inode: file exists")
	ErrNotDir      = errors.New("inode: not a directory")
	ErrIsDir       = errors.New("inode: is a directory")
	ErrInvalidName = errors.New("inode: invalid name")
	ErrRoot        = errors.New("inode: operation not allowed on root")
	ErrBadInum     = errors.New("inode: invalid inode number")
	ErrCorrupt     = errors.New("inode: corrupt inode record")
)

// Inode is one record of the on-disk table. A file's data lives in one
// contiguous extent of BlockCount blocks starting at StartBlock;
// directories always occupy exactly one block.
type Inode struct {
	ID         common.Inum
	Type       common.FileType
	Size       uint32
	StartBlock uint32
	BlockCount uint32
	Parent     common.Inum
	CreateTime int64
	ModifyTime int64
	Name       string
}

// tableBlock returns the table block holding record id.
func tableBlock(id common.Inum) uint32 {
	return common.InodeStart + uint32(id)/common.InodesPerBlock
}

// tableOffset returns the byte offset of record id within its block.
func tableOffset(id common.Inum) uint32 {
	return (uint32(id) % common.InodesPerBlock) * common.InodeSize
}

// encode packs the record into common.InodeSize bytes.
func (ino *Inode) encode() []byte {
	enc := marshal.NewEnc(uint64(common.InodeSize))
	enc.PutInt32(uint32(ino.ID))
	enc.PutInt32(uint32(ino.Type))
	enc.PutInt32(ino.Size)
	enc.PutInt32(ino.StartBlock)
	enc.PutInt32(ino.BlockCount)
	enc.PutInt32(uint32(ino.Parent))
	enc.PutInt(uint64(ino.CreateTime))
	enc.PutInt(uint64(ino.ModifyTime))
	name := make([]byte, common.MaxNameLen+1)
	copy(name, ino.Name)
	enc.PutBytes(name)
	return enc.Finish()
}

// decodeInode unpacks one record. It does not judge validity; see
// (*Inode).valid.
func decodeInode(data []byte) *Inode {
	dec := marshal.NewDec(data)
	ino := &Inode{}
	ino.ID = common.Inum(dec.GetInt32())
	ino.Type = common.FileType(dec.GetInt32())
	ino.Size = dec.GetInt32()
	ino.StartBlock = dec.GetInt32()
	ino.BlockCount = dec.GetInt32()
	ino.Parent = common.Inum(dec.GetInt32())
	ino.CreateTime = int64(dec.GetInt())
	ino.ModifyTime = int64(dec.GetInt())
	name := dec.GetBytes(common.MaxNameLen + 1)
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	ino.Name = string(name)
	return ino
}

// valid reports whether the record describes a live inode. A cleared
// slot decodes to type 0 and fails here.
func (ino *Inode) valid(id common.Inum) bool {
	if ino.ID != id {
		return false
	}
	switch ino.Type {
	case common.TypeFile:
		return ino.BlockCount == util.RoundUp(ino.Size, disk.BlockSize)
	case common.TypeDir:
		return ino.BlockCount == 1
	}
	return false
}

func (ino *Inode) IsDir() bool {
	return ino.Type == common.TypeDir
}

// FileInfo is the stat result handed to front-ends.
type FileInfo struct {
	Inum       common.Inum
	Name       string
	IsDir      bool
	Size       uint32
	BlockCount uint32
	StartBlock uint32
	CreateTime int64
	ModifyTime int64
}

func (ino *Inode) info() FileInfo {
	return FileInfo{
		Inum:       ino.ID,
		Name:       ino.Name,
		IsDir:      ino.IsDir(),
		Size:       ino.Size,
		BlockCount: ino.BlockCount,
		StartBlock: ino.StartBlock,
		CreateTime: ino.CreateTime,
		ModifyTime: ino.ModifyTime,
	}
}
