package merkletree

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/sequencererr"
)

// DensePrefixCache memory-maps the top densePrefixDepth levels of the
// canonical tree as a flat array of leaf-level field elements, letting
// TreeInitializer reconstruct most of Mined without replaying every
// identity row. The file holds exactly 2^densePrefixDepth 32-byte
// little-endian field elements, written in place as leaves are sealed
// into the dense prefix.
type DensePrefixCache struct {
	file   *os.File
	data   mmap.MMap
	depth  int
	leaves uint64
}

const elementSize = 32

// OpenDensePrefixCache opens or creates path sized for 2^depth leaves.
func OpenDensePrefixCache(path string, depth int) (*DensePrefixCache, error) {
	leaves := uint64(1) << uint(depth)
	size := int64(leaves) * elementSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, sequencererr.Infrastructure(err, "open dense prefix cache %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, sequencererr.Infrastructure(err, "stat dense prefix cache")
	}
	if info.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, sequencererr.Infrastructure(err, "resize dense prefix cache to %d bytes", size)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, sequencererr.Infrastructure(err, "mmap dense prefix cache")
	}

	return &DensePrefixCache{file: f, data: data, depth: depth, leaves: leaves}, nil
}

// Depth reports the configured dense_tree_prefix_depth.
func (c *DensePrefixCache) Depth() int { return c.depth }

// Leaves reports 2^depth, the number of leaves covered by the cache.
func (c *DensePrefixCache) Leaves() uint64 { return c.leaves }

// ReadLeaf returns the cached value at index, which must be < Leaves().
func (c *DensePrefixCache) ReadLeaf(index uint64) field.Element {
	off := index * elementSize
	var b [elementSize]byte
	copy(b[:], c.data[off:off+elementSize])
	e, _ := field.FromBytes32(reverse32(b))
	return e
}

// WriteLeaf stores value at index, which must be < Leaves(). Callers are
// responsible for calling Flush to persist the write.
func (c *DensePrefixCache) WriteLeaf(index uint64, value field.Element) {
	off := index * elementSize
	b := reverse32(value.Bytes32())
	copy(c.data[off:off+elementSize], b[:])
}

// Flush synchronizes the memory-mapped region to disk.
func (c *DensePrefixCache) Flush() error {
	if err := c.data.Flush(); err != nil {
		return sequencererr.Infrastructure(err, "flush dense prefix cache")
	}
	return nil
}

// Close unmaps and closes the backing file.
func (c *DensePrefixCache) Close() error {
	if err := c.data.Unmap(); err != nil {
		return sequencererr.Infrastructure(err, "unmap dense prefix cache")
	}
	return c.file.Close()
}

// reverse32 converts between the tree's big-endian field representation
// and the cache file's little-endian on-disk layout (spec §6).
func reverse32(b [32]byte) [32]byte {
	var out [32]byte
	for i := range b {
		out[i] = b[31-i]
	}
	return out
}
