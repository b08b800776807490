// bitmap tracks free disk blocks with one bit per block. Bit 0 means
// free, bit 1 allocated. The whole bitmap persists in block 0, which
// bounds the device at BlockSize*8 blocks.
package bitmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tchajed/marshal"

	"github.com/blockfs/blockfs/common"
	"github.com/blockfs/blockfs/disk"
	"github.com/blockfs/blockfs/util"
)

var ErrNoSpace = errors.New("bitmap: no free blocks")

// Bitmap is one logical resource: the bits plus the cached free count.
// Observers of the count always see bits consistent with it, so the
// two are guarded together. The count is re-derivable; the bits are
// ground truth.
type Bitmap struct {
	mu    sync.RWMutex
	bits  []byte
	total uint32
	free  uint32
}

func New(total uint32) (*Bitmap, error) {
	if total == 0 {
		return nil, errors.New("bitmap: device has no blocks")
	}
	nbytes := (total + 7) / 8
	if nbytes > disk.BlockSize {
		return nil, fmt.Errorf("bitmap: %d blocks need %d bytes, more than one block", total, nbytes)
	}
	return &Bitmap{
		bits:  make([]byte, nbytes),
		total: total,
		free:  total,
	}, nil
}

// Initialize resets every block to free and then reserves the first
// `reserved` metadata blocks (bitmap block, inode table).
func (b *Bitmap) Initialize(reserved uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.bits {
		b.bits[i] = 0
	}
	b.free = b.total
	for n := uint32(0); n < reserved && n < b.total; n++ {
		b.setStatus(n, true)
	}
}

// isFree reports whether block n is free. Caller holds mu.
func (b *Bitmap) isFree(n uint32) bool {
	if n >= b.total {
		return false
	}
	return b.bits[n/8]&(1<<(n%8)) == 0
}

// setStatus flips one bit and keeps the free count in step. Setting a
// bit to its current value is a no-op, so frees are idempotent and
// never double-credit the counter. Caller holds mu.
func (b *Bitmap) setStatus(n uint32, allocated bool) {
	if n >= b.total {
		return
	}
	mask := byte(1) << (n % 8)
	wasFree := b.bits[n/8]&mask == 0
	if allocated {
		b.bits[n/8] |= mask
		if wasFree {
			b.free--
		}
	} else {
		b.bits[n/8] &^= mask
		if !wasFree {
			b.free++
		}
	}
}

// AllocBlock claims the lowest free block.
func (b *Bitmap) AllocBlock() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.free == 0 {
		return 0, ErrNoSpace
	}
	for n := uint32(0); n < b.total; n++ {
		if b.isFree(n) {
			b.setStatus(n, true)
			return n, nil
		}
	}
	return 0, ErrNoSpace
}

// AllocConsecutive claims a run of count contiguous blocks, lowest
// start first. There is no compaction; if no run exists the caller has
// to live with the fragmentation.
func (b *Bitmap) AllocConsecutive(count uint32) (uint32, error) {
	if count == 0 {
		return 0, errors.New("bitmap: zero-length allocation")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if count > b.free {
		return 0, ErrNoSpace
	}
	start, ok := b.findRun(count)
	if !ok {
		return 0, ErrNoSpace
	}
	for i := uint32(0); i < count; i++ {
		b.setStatus(start+i, true)
	}
	util.DPrintf(10, "bitmap: allocated [%d,%d)", start, start+count)
	return start, nil
}

// findRun scans for count contiguous free bits. Caller holds mu.
func (b *Bitmap) findRun(count uint32) (uint32, bool) {
	if count > b.total {
		return 0, false
	}
	for start := uint32(0); start <= b.total-count; start++ {
		run := true
		for i := uint32(0); i < count; i++ {
			if !b.isFree(start + i) {
				run = false
				break
			}
		}
		if run {
			return start, true
		}
	}
	return 0, false
}

// FreeBlock releases one block. Freeing an already-free block is a
// no-op.
func (b *Bitmap) FreeBlock(n uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStatus(n, false)
}

// FreeConsecutive releases count blocks starting at start, clamped to
// the device size.
func (b *Bitmap) FreeConsecutive(start uint32, count uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := start + count
	if end > b.total {
		end = b.total
	}
	for n := start; n < end; n++ {
		b.setStatus(n, false)
	}
}

// MarkUsed sets a block allocated without going through the allocate
// scan. Used for in-place extent growth.
func (b *Bitmap) MarkUsed(n uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStatus(n, true)
}

// AllocRangeAt claims exactly [start, start+count) if every block in
// the range is still free. The check and the claim happen under one
// lock, so a concurrent allocator cannot slip in between them.
func (b *Bitmap) AllocRangeAt(start uint32, count uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count == 0 || start+count > b.total || start+count < start {
		return false
	}
	for i := uint32(0); i < count; i++ {
		if !b.isFree(start + i) {
			return false
		}
	}
	for i := uint32(0); i < count; i++ {
		b.setStatus(start+i, true)
	}
	return true
}

func (b *Bitmap) IsAllocated(n uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.isFree(n)
}

func (b *Bitmap) IsFree(n uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isFree(n)
}

func (b *Bitmap) TotalBlocks() uint32 {
	return b.total
}

func (b *Bitmap) FreeCount() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.free
}

func (b *Bitmap) UsedCount() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total - b.free
}

func (b *Bitmap) UsageRatio() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return float64(b.total-b.free) / float64(b.total)
}

// SerializeTo copies the raw bitmap bytes into buf.
func (b *Bitmap) SerializeTo(buf []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(buf) < len(b.bits) {
		return fmt.Errorf("bitmap: buffer too small (%d < %d)", len(buf), len(b.bits))
	}
	copy(buf, b.bits)
	return nil
}

// DeserializeFrom replaces the bits with buf and recomputes the free
// count by scanning; a persisted counter is never trusted.
func (b *Bitmap) DeserializeFrom(buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(buf) < len(b.bits) {
		return fmt.Errorf("bitmap: buffer too small (%d < %d)", len(buf), len(b.bits))
	}
	copy(b.bits, buf)
	b.free = b.countFree()
	return nil
}

// countFree re-derives the free count from the bits. Caller holds mu.
func (b *Bitmap) countFree() uint32 {
	var free uint32
	for n := uint32(0); n < b.total; n++ {
		if b.isFree(n) {
			free++
		}
	}
	return free
}

// Save persists the raw bitmap bytes to block 0.
func (b *Bitmap) Save(d disk.Disk) error {
	b.mu.RLock()
	enc := marshal.NewEnc(uint64(disk.BlockSize))
	enc.PutBytes(b.bits)
	blk := enc.Finish()
	b.mu.RUnlock()
	if err := d.Write(common.BitmapBlock, blk); err != nil {
		return fmt.Errorf("bitmap save: %w", err)
	}
	return nil
}

// Load reads block 0, recomputes the free count, and re-reserves the
// first `reserved` metadata blocks (a freshly zeroed image would
// otherwise hand them out as data).
func (b *Bitmap) Load(d disk.Disk, reserved uint32) error {
	blk, err := d.Read(common.BitmapBlock)
	if err != nil {
		return fmt.Errorf("bitmap load: %w", err)
	}
	dec := marshal.NewDec(blk)
	bits := dec.GetBytes(uint64(len(b.bits)))
	if err := b.DeserializeFrom(bits); err != nil {
		return err
	}
	b.mu.Lock()
	for n := uint32(0); n < reserved && n < b.total; n++ {
		b.setStatus(n, true)
	}
	b.mu.Unlock()
	util.DPrintf(5, "bitmap: loaded, %d/%d free", b.FreeCount(), b.total)
	return nil
}

// Validate checks that the cached free count matches the bits.
func (b *Bitmap) Validate() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.countFree() == b.free
}
