package cache

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockfs/blockfs/disk"
)

func mkBlock(fill byte) disk.Block {
	b := make(disk.Block, disk.BlockSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestReadWriteHit(t *testing.T) {
	d := disk.NewMemDisk(32)
	c := New(d, 4)

	require.NoError(t, c.WriteBlock(3, mkBlock(0xab)))
	got, err := c.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(0xab), got)

	// the write must not have reached the store yet
	onDisk, err := d.Read(3)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(0), onDisk, "write-back cache must defer the store write")
}

func TestReadReturnsCopy(t *testing.T) {
	d := disk.NewMemDisk(32)
	c := New(d, 4)
	require.NoError(t, c.WriteBlock(1, mkBlock(0x11)))

	got, err := c.ReadBlock(1)
	require.NoError(t, err)
	got[0] = 0xff
	again, err := c.ReadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), again[0], "caller mutation must not leak into the cache")
}

func TestFlushAll(t *testing.T) {
	d := disk.NewMemDisk(32)
	c := New(d, 4)
	require.NoError(t, c.WriteBlock(5, mkBlock(0x55)))
	require.NoError(t, c.WriteBlock(6, mkBlock(0x66)))

	assert.Equal(t, 2, c.Stats().Dirty)
	require.NoError(t, c.FlushAll())
	assert.Equal(t, 0, c.Stats().Dirty)
	assert.Equal(t, 2, c.Stats().Resident, "flush keeps pages resident")

	onDisk, err := d.Read(5)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(0x55), onDisk)
	onDisk, err = d.Read(6)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(0x66), onDisk)
}

func TestFIFOEvictionIgnoresRecency(t *testing.T) {
	d := disk.NewMemDisk(64)
	c := New(d, 4)

	for no := uint32(1); no <= 4; no++ {
		require.NoError(t, c.WriteBlock(no, mkBlock(byte(no))))
	}
	// touch block 1 repeatedly; it is still the eviction victim
	for i := 0; i < 10; i++ {
		_, err := c.ReadBlock(1)
		require.NoError(t, err)
	}

	require.NoError(t, c.WriteBlock(5, mkBlock(5)))

	onDisk, err := d.Read(1)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(1), onDisk, "victim must be the earliest-bound block")
	onDisk, err = d.Read(2)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(0), onDisk, "block 2 must not have been written back")
	assert.Equal(t, 4, c.Stats().Resident)
}

func TestRebindGetsFreshQueuePosition(t *testing.T) {
	d := disk.NewMemDisk(64)
	c := New(d, 3)

	for no := uint32(1); no <= 3; no++ {
		require.NoError(t, c.WriteBlock(no, mkBlock(byte(no))))
	}
	// evicts 1, then rebinding 1 puts it at the queue tail
	require.NoError(t, c.WriteBlock(4, mkBlock(4)))
	require.NoError(t, c.WriteBlock(1, mkBlock(0xaa)))

	// next eviction must pick 2, not the rebound 1
	require.NoError(t, c.WriteBlock(5, mkBlock(5)))
	got, err := c.ReadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(0xaa), got)
	onDisk, err := d.Read(2)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(2), onDisk)
}

func TestPartialWriteFetchesFirst(t *testing.T) {
	d := disk.NewMemDisk(32)
	base := mkBlock(0xcc)
	require.NoError(t, d.Write(7, base))

	c := New(d, 4)
	require.NoError(t, c.WriteBlock(7, []byte("hello")))

	got, err := c.ReadBlock(7)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got[:5])
	assert.True(t, bytes.Equal(got[5:], base[5:]),
		"bytes past the write region must come from the store")
}

func TestWriteAtPatchesRange(t *testing.T) {
	d := disk.NewMemDisk(32)
	base := mkBlock(0xdd)
	require.NoError(t, d.Write(4, base))

	c := New(d, 4)
	// miss path: the rest of the block comes from the store
	require.NoError(t, c.WriteAt(4, 100, []byte("mid")))
	got, err := c.ReadBlock(4)
	require.NoError(t, err)
	assert.Equal(t, base[:100], got[:100])
	assert.Equal(t, []byte("mid"), got[100:103])
	assert.Equal(t, base[103:], got[103:])

	// hit path: a second patch leaves the first intact
	require.NoError(t, c.WriteAt(4, 200, []byte("late")))
	got, err = c.ReadBlock(4)
	require.NoError(t, err)
	assert.Equal(t, []byte("mid"), got[100:103])
	assert.Equal(t, []byte("late"), got[200:204])
	assert.Equal(t, 1, c.Stats().Dirty)
}

func TestWriteAtBounds(t *testing.T) {
	c := New(disk.NewMemDisk(8), 2)
	assert.Error(t, c.WriteAt(0, disk.BlockSize-1, []byte("xx")))
	assert.Error(t, c.WriteAt(0, disk.BlockSize, []byte("x")))
	assert.NoError(t, c.WriteAt(0, disk.BlockSize-1, []byte("x")))
}

func TestWriteAtConcurrentDisjointRanges(t *testing.T) {
	d := disk.NewMemDisk(32)
	c := New(d, 4)

	// 32 writers each own a 128-byte slice of one block
	const stripe = 128
	var wg sync.WaitGroup
	for s := 0; s < int(disk.BlockSize)/stripe; s++ {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, stripe)
			for i := range buf {
				buf[i] = byte(s)
			}
			for i := 0; i < 100; i++ {
				if err := c.WriteAt(9, uint32(s*stripe), buf); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := c.ReadBlock(9)
	require.NoError(t, err)
	for s := 0; s < int(disk.BlockSize)/stripe; s++ {
		for i := 0; i < stripe; i++ {
			if got[s*stripe+i] != byte(s) {
				t.Fatalf("byte %d: got %d, want %d (neighbor write lost)", s*stripe+i, got[s*stripe+i], s)
			}
		}
	}
}

func TestOversizeWriteRejected(t *testing.T) {
	c := New(disk.NewMemDisk(8), 2)
	err := c.WriteBlock(0, make([]byte, disk.BlockSize+1))
	assert.Error(t, err)
}

func TestInvalidateRange(t *testing.T) {
	d := disk.NewMemDisk(64)
	c := New(d, 8)

	require.NoError(t, c.WriteBlock(10, mkBlock(0x10)))
	require.NoError(t, c.WriteBlock(11, mkBlock(0x11)))
	require.NoError(t, c.InvalidateRange(10, 2))
	assert.Equal(t, 0, c.Stats().Resident)

	// dirty pages are written back, not dropped
	got, err := c.ReadBlock(10)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(0x10), got)

	// direct store writes are visible after invalidation
	require.NoError(t, d.Write(11, mkBlock(0xee)))
	got, err = c.ReadBlock(11)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(0xee), got)
}

// faultDisk fails writes on demand.
type faultDisk struct {
	*disk.MemDisk
	failWrites bool
}

var errInjected = errors.New("injected write failure")

func (f *faultDisk) Write(a uint32, b disk.Block) error {
	if f.failWrites {
		return errInjected
	}
	return f.MemDisk.Write(a, b)
}

func TestFailedWriteBackAbortsEviction(t *testing.T) {
	fd := &faultDisk{MemDisk: disk.NewMemDisk(64)}
	c := New(fd, 2)

	require.NoError(t, c.WriteBlock(1, mkBlock(1)))
	require.NoError(t, c.WriteBlock(2, mkBlock(2)))

	fd.failWrites = true
	_, err := c.ReadBlock(3)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 2, c.Stats().Resident, "failed eviction must leave the pool untouched")
	assert.Equal(t, 2, c.Stats().Dirty, "victim keeps its dirty flag")

	// once the store recovers the same read goes through
	fd.failWrites = false
	_, err = c.ReadBlock(3)
	require.NoError(t, err)
	onDisk, err := fd.MemDisk.Read(1)
	require.NoError(t, err)
	assert.Equal(t, mkBlock(1), onDisk)
}

func TestConcurrentAccess(t *testing.T) {
	d := disk.NewMemDisk(256)
	c := New(d, 8)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				no := uint32(g*50 + i)
				if err := c.WriteBlock(no, []byte(fmt.Sprintf("block-%d", no))); err != nil {
					t.Error(err)
					return
				}
				got, err := c.ReadBlock(no)
				if err != nil {
					t.Error(err)
					return
				}
				want := fmt.Sprintf("block-%d", no)
				if string(got[:len(want)]) != want {
					t.Errorf("block %d: got %q", no, got[:len(want)])
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, c.FlushAll())
	for no := uint32(0); no < 200; no++ {
		got, err := d.Read(no)
		require.NoError(t, err)
		want := fmt.Sprintf("block-%d", no)
		assert.Equal(t, want, string(got[:len(want)]))
	}
}
