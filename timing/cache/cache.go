// Package cache provides a set-associative cache model built on the Akita
// cache directory. The block size can be changed between sampling intervals.
package cache

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Config holds cache configuration parameters.
type Config struct {
	// Size in bytes
	Size int
	// Associativity (number of ways)
	Associativity int
	// BlockSize in bytes
	BlockSize int
	// HitLatency in cycles
	HitLatency uint64
	// MissLatency in cycles, including the next level
	MissLatency uint64
}

// DefaultL1DConfig returns a 32KB, 8-way L1 data cache with 64B blocks.
func DefaultL1DConfig() Config {
	return Config{
		Size:          32 * 1024,
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    4,
		MissLatency:   12,
	}
}

// DefaultL2Config returns a 512KB, 8-way private L2 with 64B blocks.
func DefaultL2Config() Config {
	return Config{
		Size:          512 * 1024,
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    12,
		MissLatency:   150,
	}
}

// Validate checks that the geometry yields at least one set and that the
// block size is a power of two.
func (c Config) Validate() error {
	if c.Associativity <= 0 {
		return fmt.Errorf("associativity must be > 0")
	}
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block size %d is not a power of two", c.BlockSize)
	}
	if c.Size < c.Associativity*c.BlockSize {
		return fmt.Errorf("size %d is smaller than one set of %d x %dB",
			c.Size, c.Associativity, c.BlockSize)
	}
	return nil
}

// AccessResult contains the result of a cache access.
type AccessResult struct {
	Hit     bool
	Latency uint64
	Data    uint64
	// Evicted is true if a valid block was replaced.
	Evicted     bool
	EvictedAddr uint64
}

// Statistics holds cumulative cache counters. They survive block-size
// changes and are only cleared by ResetStats or Reset.
type Statistics struct {
	Accesses   uint64
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Fills      uint64
	Evictions  uint64
	Writebacks uint64
}

// BackingStore is the next level in the memory hierarchy.
type BackingStore interface {
	// Read fetches data from the backing store.
	Read(addr uint64, size int) []byte
	// Write stores data to the backing store.
	Write(addr uint64, data []byte)
}

// Cache is a write-back, write-allocate cache with LRU replacement.
type Cache struct {
	config Config

	directory *akitacache.DirectoryImpl

	// indexed by setID * associativity + wayID
	dataStore [][]byte

	stats   Statistics
	backing BackingStore
}

// New creates a new cache with the given configuration.
func New(config Config, backing BackingStore) (*Cache, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	c := &Cache{
		config:  config,
		backing: backing,
	}
	c.build()

	return c, nil
}

func (c *Cache) build() {
	numSets := c.config.Size / (c.config.Associativity * c.config.BlockSize)
	totalBlocks := numSets * c.config.Associativity

	c.dataStore = make([][]byte, totalBlocks)
	for i := range c.dataStore {
		c.dataStore[i] = make([]byte, c.config.BlockSize)
	}

	c.directory = akitacache.NewDirectory(
		numSets,
		c.config.Associativity,
		c.config.BlockSize,
		akitacache.NewLRUVictimFinder(),
	)
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// BlockSize returns the current block size in bytes.
func (c *Cache) BlockSize() int {
	return c.config.BlockSize
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// ResetStats clears cache statistics.
func (c *Cache) ResetStats() {
	c.stats = Statistics{}
}

// SetBlockSize switches the cache to a new block size while keeping its
// capacity and associativity. Dirty blocks are written back and the cache
// restarts cold. Statistics are kept.
func (c *Cache) SetBlockSize(blockSize int) error {
	if blockSize == c.config.BlockSize {
		return nil
	}

	next := c.config
	next.BlockSize = blockSize
	if err := next.Validate(); err != nil {
		return fmt.Errorf("cannot switch to block size %d: %w", blockSize, err)
	}

	c.Flush()
	c.config = next
	c.build()

	return nil
}

func (c *Cache) blockIndex(block *akitacache.Block) int {
	return block.SetID*c.config.Associativity + block.WayID
}

func (c *Cache) align(addr uint64) uint64 {
	bs := uint64(c.config.BlockSize)
	return (addr / bs) * bs
}

// Read performs a cache read.
func (c *Cache) Read(addr uint64, size int) AccessResult {
	data, result := c.touch(addr, false)
	result.Data = extractData(data, addr-c.align(addr), size)
	return result
}

// Write performs a cache write. Misses allocate the block first.
func (c *Cache) Write(addr uint64, size int, value uint64) AccessResult {
	data, result := c.touch(addr, true)
	storeData(data, addr-c.align(addr), size, value)
	return result
}

// ReadBlock reads size bytes starting at addr with one access per block
// spanned.
func (c *Cache) ReadBlock(addr uint64, size int) []byte {
	out := make([]byte, size)
	c.span(addr, size, func(a uint64, done, n int) {
		data, _ := c.touch(a, false)
		if data != nil {
			off := int(a - c.align(a))
			copy(out[done:done+n], data[off:off+n])
		}
	})
	return out
}

// WriteBlock writes data starting at addr with one access per block spanned.
func (c *Cache) WriteBlock(addr uint64, data []byte) {
	c.span(addr, len(data), func(a uint64, done, n int) {
		block, _ := c.touch(a, true)
		if block != nil {
			off := int(a - c.align(a))
			copy(block[off:off+n], data[done:done+n])
		}
	})
}

func (c *Cache) span(addr uint64, size int, fn func(a uint64, done, n int)) {
	for done := 0; done < size; {
		a := addr + uint64(done)
		off := int(a - c.align(a))
		n := min(size-done, c.config.BlockSize-off)
		fn(a, done, n)
		done += n
	}
}

// touch looks up the block holding addr, filling it on a miss, and returns
// the block's data.
func (c *Cache) touch(addr uint64, isWrite bool) ([]byte, AccessResult) {
	c.stats.Accesses++
	if isWrite {
		c.stats.Writes++
	} else {
		c.stats.Reads++
	}

	blockAddr := c.align(addr)

	block := c.directory.Lookup(0, blockAddr)
	if block == nil || !block.IsValid {
		c.stats.Misses++
		return c.fill(blockAddr, isWrite)
	}

	c.stats.Hits++
	c.directory.Visit(block)
	if isWrite {
		block.IsDirty = true
	}

	return c.dataStore[c.blockIndex(block)], AccessResult{
		Hit:     true,
		Latency: c.config.HitLatency,
	}
}

func (c *Cache) fill(blockAddr uint64, isWrite bool) ([]byte, AccessResult) {
	result := AccessResult{Latency: c.config.MissLatency}

	victim := c.directory.FindVictim(blockAddr)
	if victim == nil {
		return nil, result
	}

	victimData := c.dataStore[c.blockIndex(victim)]

	if victim.IsValid {
		c.stats.Evictions++
		result.Evicted = true
		result.EvictedAddr = victim.Tag

		if victim.IsDirty && c.backing != nil {
			c.stats.Writebacks++
			c.backing.Write(victim.Tag, victimData)
		}
	}

	if c.backing != nil {
		copy(victimData, c.backing.Read(blockAddr, c.config.BlockSize))
	} else {
		clear(victimData)
	}
	c.stats.Fills++

	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = isWrite

	c.directory.Visit(victim)

	return victimData, result
}

// Flush writes back all dirty blocks and invalidates them.
func (c *Cache) Flush() {
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && block.IsDirty && c.backing != nil {
				c.backing.Write(block.Tag, c.dataStore[c.blockIndex(block)])
				c.stats.Writebacks++
			}
			block.IsValid = false
			block.IsDirty = false
		}
	}
}

// Reset invalidates all blocks without writeback and clears statistics.
func (c *Cache) Reset() {
	c.directory.Reset()
	c.stats = Statistics{}
}

func extractData(data []byte, offset uint64, size int) uint64 {
	if data == nil || int(offset)+size > len(data) {
		return 0
	}

	var result uint64
	for i := 0; i < size; i++ {
		result |= uint64(data[int(offset)+i]) << (i * 8)
	}
	return result
}

func storeData(data []byte, offset uint64, size int, value uint64) {
	if data == nil || int(offset)+size > len(data) {
		return
	}

	for i := 0; i < size; i++ {
		data[int(offset)+i] = byte(value >> (i * 8))
	}
}
