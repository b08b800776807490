// disk provides the block store the engine runs on: a fixed-capacity
// device addressed in 4096-byte blocks.
package disk

// Block is a 4096-byte buffer
type Block = []byte

const BlockSize uint32 = 4096

// Disk provides access to a logical block-based disk. The capacity is
// fixed when the disk is created or opened.
type Disk interface {
	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint32) (Block, error)

	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint32, b Block) error

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint32, v Block) error

	// CopyBlocks copies count consecutive blocks from src to dst.
	// The ranges must not overlap.
	CopyBlocks(src uint32, dst uint32, count uint32) error

	// Size reports how big the disk is, in blocks
	Size() uint32

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}
