// dir holds the in-memory entry list of one directory and its wire
// format. A directory always fits in exactly one block, which caps the
// entry count.
package dir

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/blockfs/blockfs/common"
	"github.com/blockfs/blockfs/disk"
)

var (
	ErrInvalidName = errors.New("dir: invalid entry name")
	ErrExists      = errors.New("dir: entry already exists")
	ErrNotFound    = errors.New("dir: entry not found")
	ErrFull        = errors.New("dir: directory is full")
	ErrCorrupt     = errors.New("dir: corrupt directory block")
)

// Wire layout: [u32 count][recordSize bytes per entry]. Each record is
// u32 inum, 64 name bytes (NUL-padded), u32 type.
const recordSize = 4 + (common.MaxNameLen + 1) + 4

// MaxEntries is how many records fit in one block after the count.
const MaxEntries = (int(disk.BlockSize) - 4) / recordSize

type Entry struct {
	Inum common.Inum
	Name string
	Type common.FileType
}

// Directory serializes all access to one directory's entries through
// its own mutex; the inode manager caches at most one Directory per
// inode, so concurrent mutations of the same directory funnel here.
type Directory struct {
	mu      sync.Mutex
	inum    common.Inum
	entries []Entry
}

func New(inum common.Inum) *Directory {
	return &Directory{inum: inum}
}

func (d *Directory) Inum() common.Inum {
	return d.inum
}

// findEntry returns the index of name, or -1. Caller holds mu.
func (d *Directory) findEntry(name string) int {
	for i := range d.entries {
		if d.entries[i].Name == name {
			return i
		}
	}
	return -1
}

func (d *Directory) AddEntry(name string, inum common.Inum, typ common.FileType) error {
	if name == "" || len(name) > common.MaxNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.findEntry(name) >= 0 {
		return fmt.Errorf("%w: %q", ErrExists, name)
	}
	if len(d.entries) >= MaxEntries {
		return ErrFull
	}
	d.entries = append(d.entries, Entry{Inum: inum, Name: name, Type: typ})
	return nil
}

func (d *Directory) RemoveEntry(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.findEntry(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	return nil
}

func (d *Directory) FindEntry(name string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.findEntry(name)
	if i < 0 {
		return Entry{}, false
	}
	return d.entries[i], true
}

// Entries returns a copy of the entry list.
func (d *Directory) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Directory) IsEmpty() bool {
	return d.Len() == 0
}

// Serialize encodes the entries into one full block.
func (d *Directory) Serialize() disk.Block {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serializeLocked()
}

// Flush hands a freshly serialized block to write while still holding
// the directory's mutex. A mutation cannot slip in between the
// snapshot and the write, so a stale block never overwrites a newer
// one.
func (d *Directory) Flush(write func(disk.Block) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return write(d.serializeLocked())
}

// serializeLocked encodes the entries. Caller holds mu.
func (d *Directory) serializeLocked() disk.Block {
	enc := marshal.NewEnc(uint64(disk.BlockSize))
	enc.PutInt32(uint32(len(d.entries)))
	for i := range d.entries {
		e := &d.entries[i]
		enc.PutInt32(uint32(e.Inum))
		name := make([]byte, common.MaxNameLen+1)
		copy(name, e.Name)
		enc.PutBytes(name)
		enc.PutInt32(uint32(e.Type))
	}
	return enc.Finish()
}

// Deserialize replaces the entries with the contents of data. The
// declared count must fit MaxEntries and data must be either exactly
// the declared records or a whole block; anything else is treated as a
// foreign or corrupt block and rejected.
func (d *Directory) Deserialize(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	dec := marshal.NewDec(data)
	count := int(dec.GetInt32())
	if count > MaxEntries {
		return fmt.Errorf("%w: count %d exceeds %d", ErrCorrupt, count, MaxEntries)
	}
	need := 4 + count*recordSize
	if len(data) != need && uint32(len(data)) != disk.BlockSize {
		return fmt.Errorf("%w: %d bytes for %d entries", ErrCorrupt, len(data), count)
	}
	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		inum := common.Inum(dec.GetInt32())
		name := dec.GetBytes(common.MaxNameLen + 1)
		typ := common.FileType(dec.GetInt32())
		entries = append(entries, Entry{
			Inum: inum,
			Name: cstring(name),
			Type: typ,
		})
	}
	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()
	return nil
}

// Validate re-checks the name-uniqueness invariant; diagnostic only.
func (d *Directory) Validate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) > MaxEntries {
		return false
	}
	seen := make(map[string]bool, len(d.entries))
	for i := range d.entries {
		if seen[d.entries[i].Name] {
			return false
		}
		seen[d.entries[i].Name] = true
	}
	return true
}

// cstring trims a NUL-padded name field.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
