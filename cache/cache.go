// cache is a write-back block cache with a fixed page pool and strict
// FIFO eviction: the victim is always the earliest-bound resident
// page, irrespective of access recency.
package cache

import (
	"fmt"
	"sync"

	"github.com/blockfs/blockfs/disk"
	"github.com/blockfs/blockfs/util"
)

const DefaultPages = 16

// invalidBlock marks a page that is not bound to any block.
const invalidBlock = ^uint32(0)

type page struct {
	blkno uint32
	dirty bool
	data  disk.Block
}

type Cache struct {
	mu    sync.Mutex
	d     disk.Disk
	pages []page
	queue []int // page indices in first-bind order
	index map[uint32]int
}

type Stats struct {
	Pages    int
	Resident int
	Dirty    int
}

func New(d disk.Disk, npages int) *Cache {
	if npages <= 0 {
		npages = DefaultPages
	}
	pages := make([]page, npages)
	for i := range pages {
		pages[i].blkno = invalidBlock
		pages[i].data = make(disk.Block, disk.BlockSize)
	}
	return &Cache{
		d:     d,
		pages: pages,
		queue: make([]int, 0, npages),
		index: make(map[uint32]int, npages),
	}
}

// grabPage returns an unbound page index, evicting the FIFO head if
// the pool is full. A dirty victim is written back before its page is
// reused; if that write fails the eviction does not happen and the
// dirty data stays resident. Caller holds mu.
func (c *Cache) grabPage() (int, error) {
	for i := range c.pages {
		if c.pages[i].blkno == invalidBlock {
			return i, nil
		}
	}
	victim := c.queue[0]
	p := &c.pages[victim]
	if p.dirty {
		if err := c.d.Write(p.blkno, p.data); err != nil {
			return -1, fmt.Errorf("write back block %d: %w", p.blkno, err)
		}
		p.dirty = false
	}
	util.DPrintf(10, "cache: evict block %d", p.blkno)
	c.queue = c.queue[1:]
	delete(c.index, p.blkno)
	p.blkno = invalidBlock
	return victim, nil
}

// bind attaches page i to block no and enqueues it. A block that was
// evicted and comes back gets a fresh queue position; the queue alone
// carries the first-bind order. Caller holds mu.
func (c *Cache) bind(i int, no uint32) {
	c.pages[i].blkno = no
	c.index[no] = i
	c.queue = append(c.queue, i)
}

// ReadBlock returns a copy of block no, loading it from the store on a
// miss.
func (c *Cache) ReadBlock(no uint32) (disk.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[no]; ok {
		return util.CloneByteSlice(c.pages[i].data), nil
	}
	i, err := c.grabPage()
	if err != nil {
		return nil, err
	}
	if err := c.d.ReadTo(no, c.pages[i].data); err != nil {
		return nil, err
	}
	c.pages[i].dirty = false
	c.bind(i, no)
	return util.CloneByteSlice(c.pages[i].data), nil
}

// WriteBlock stores data into block no without touching the disk on a
// hit. data may be shorter than a block; on a miss the block's current
// contents are fetched first so the bytes past len(data) survive.
func (c *Cache) WriteBlock(no uint32, data []byte) error {
	if uint32(len(data)) > disk.BlockSize {
		return fmt.Errorf("write block %d: data larger than a block (%d bytes)", no, len(data))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[no]; ok {
		copy(c.pages[i].data, data)
		c.pages[i].dirty = true
		return nil
	}
	i, err := c.grabPage()
	if err != nil {
		return err
	}
	// fetch-before-write: preserve the block outside the write region
	if err := c.d.ReadTo(no, c.pages[i].data); err != nil {
		return err
	}
	copy(c.pages[i].data, data)
	c.pages[i].dirty = true
	c.bind(i, no)
	return nil
}

// WriteAt patches len(data) bytes at offset off within block no. The
// fetch, patch, and dirty mark happen under one critical section, so
// writers patching disjoint ranges of the same block never lose each
// other's bytes. On a miss the block's current contents are fetched
// first.
func (c *Cache) WriteAt(no uint32, off uint32, data []byte) error {
	end := off + uint32(len(data))
	if end > disk.BlockSize || end < off {
		return fmt.Errorf("write block %d: range [%d,%d) exceeds block size", no, off, end)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[no]; ok {
		copy(c.pages[i].data[off:end], data)
		c.pages[i].dirty = true
		return nil
	}
	i, err := c.grabPage()
	if err != nil {
		return err
	}
	if err := c.d.ReadTo(no, c.pages[i].data); err != nil {
		return err
	}
	copy(c.pages[i].data[off:end], data)
	c.pages[i].dirty = true
	c.bind(i, no)
	return nil
}

// FlushAll writes back every dirty page. Pages stay resident; only the
// dirty flags are cleared. A page whose write-back fails keeps its
// flag.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.pages {
		p := &c.pages[i]
		if p.blkno == invalidBlock || !p.dirty {
			continue
		}
		if err := c.d.Write(p.blkno, p.data); err != nil {
			return fmt.Errorf("flush block %d: %w", p.blkno, err)
		}
		p.dirty = false
	}
	return nil
}

// InvalidateRange unbinds any resident page for blocks in
// [start, start+count). Callers use it after writing those blocks
// through the store directly, so a later read sees the new contents.
// A dirty page in the range is written back first rather than dropped.
func (c *Cache) InvalidateRange(start uint32, count uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for no := start; no < start+count; no++ {
		i, ok := c.index[no]
		if !ok {
			continue
		}
		p := &c.pages[i]
		if p.dirty {
			if err := c.d.Write(p.blkno, p.data); err != nil {
				return fmt.Errorf("write back block %d: %w", p.blkno, err)
			}
			p.dirty = false
		}
		delete(c.index, no)
		for qi, pi := range c.queue {
			if pi == i {
				c.queue = append(c.queue[:qi], c.queue[qi+1:]...)
				break
			}
		}
		p.blkno = invalidBlock
	}
	return nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Pages: len(c.pages)}
	for i := range c.pages {
		if c.pages[i].blkno == invalidBlock {
			continue
		}
		s.Resident++
		if c.pages[i].dirty {
			s.Dirty++
		}
	}
	return s
}
