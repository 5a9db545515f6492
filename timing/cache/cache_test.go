package cache_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/calmon/timing/cache"
)

func write64(m *cache.FlatMemory, addr, v uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	m.Write(addr, buf)
}

func read64(m *cache.FlatMemory, addr uint64) uint64 {
	return binary.LittleEndian.Uint64(m.Read(addr, 8))
}

var _ = Describe("Cache", func() {
	var (
		c      *cache.Cache
		memory *cache.FlatMemory
		config cache.Config
	)

	BeforeEach(func() {
		memory = cache.NewFlatMemory()
		// 4KB, 4-way, 64B lines: 16 sets
		config = cache.Config{
			Size:          4 * 1024,
			Associativity: 4,
			BlockSize:     64,
			HitLatency:    1,
			MissLatency:   10,
		}
		var err error
		c, err = cache.New(config, memory)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Read operations", func() {
		It("should miss on cold cache", func() {
			write64(memory, 0x1000, 0xDEADBEEF)

			result := c.Read(0x1000, 8)
			Expect(result.Hit).To(BeFalse())
			Expect(result.Latency).To(Equal(uint64(10)))
			Expect(result.Data).To(Equal(uint64(0xDEADBEEF)))

			stats := c.Stats()
			Expect(stats.Accesses).To(Equal(uint64(1)))
			Expect(stats.Reads).To(Equal(uint64(1)))
			Expect(stats.Misses).To(Equal(uint64(1)))
			Expect(stats.Fills).To(Equal(uint64(1)))
			Expect(stats.Hits).To(BeZero())
		})

		It("should hit on cached data", func() {
			write64(memory, 0x1000, 0xCAFEBABE)

			c.Read(0x1000, 8)
			result := c.Read(0x1000, 8)
			Expect(result.Hit).To(BeTrue())
			Expect(result.Latency).To(Equal(uint64(1)))
			Expect(result.Data).To(Equal(uint64(0xCAFEBABE)))

			stats := c.Stats()
			Expect(stats.Accesses).To(Equal(uint64(2)))
			Expect(stats.Misses).To(Equal(uint64(1)))
			Expect(stats.Hits).To(Equal(uint64(1)))
			Expect(stats.Fills).To(Equal(uint64(1)))
		})

		It("should hit on a different address in the same block", func() {
			write64(memory, 0x1000, 0x2222222211111111)

			c.Read(0x1000, 4)
			result := c.Read(0x1004, 4)
			Expect(result.Hit).To(BeTrue())
			Expect(result.Data).To(Equal(uint64(0x22222222)))
		})
	})

	Describe("Write operations", func() {
		It("should write-allocate on miss", func() {
			result := c.Write(0x1000, 8, 0x12345678)
			Expect(result.Hit).To(BeFalse())

			readResult := c.Read(0x1000, 8)
			Expect(readResult.Hit).To(BeTrue())
			Expect(readResult.Data).To(Equal(uint64(0x12345678)))
			Expect(c.Stats().Writes).To(Equal(uint64(1)))
		})
	})

	Describe("Eviction", func() {
		It("should write back the LRU dirty block", func() {
			// 0x0000, 0x0400, 0x0800, 0x0C00 and 0x1000 all map to set 0.
			c.Write(0x0000, 8, 0x11111111)
			c.Write(0x0400, 8, 0x22222222)
			c.Write(0x0800, 8, 0x33333333)
			c.Write(0x0C00, 8, 0x44444444)

			c.Read(0x0400, 8)
			c.Read(0x0800, 8)
			c.Read(0x0C00, 8)

			result := c.Write(0x1000, 8, 0x55555555)
			Expect(result.Evicted).To(BeTrue())
			Expect(result.EvictedAddr).To(Equal(uint64(0x0000)))
			Expect(read64(memory, 0x0000)).To(Equal(uint64(0x11111111)))

			stats := c.Stats()
			Expect(stats.Evictions).To(Equal(uint64(1)))
			Expect(stats.Writebacks).To(Equal(uint64(1)))
			Expect(stats.Fills).To(Equal(uint64(5)))
		})
	})

	Describe("Flush", func() {
		It("should write back all dirty blocks", func() {
			c.Write(0x0000, 8, 0x11111111)
			c.Write(0x1000, 8, 0x22222222)
			Expect(read64(memory, 0x0000)).To(BeZero())

			c.Flush()

			Expect(read64(memory, 0x0000)).To(Equal(uint64(0x11111111)))
			Expect(read64(memory, 0x1000)).To(Equal(uint64(0x22222222)))
			Expect(c.Stats().Writebacks).To(Equal(uint64(2)))
		})
	})

	Describe("SetBlockSize", func() {
		It("should restart cold with the new geometry and keep counters", func() {
			c.Write(0x1000, 8, 0xABCD)
			Expect(c.SetBlockSize(128)).To(Succeed())

			Expect(c.BlockSize()).To(Equal(128))
			Expect(c.Config().Size).To(Equal(4 * 1024))
			Expect(read64(memory, 0x1000)).To(Equal(uint64(0xABCD)))

			result := c.Read(0x1040, 8)
			Expect(result.Hit).To(BeFalse())
			Expect(c.Read(0x1000, 8).Data).To(Equal(uint64(0xABCD)))

			stats := c.Stats()
			Expect(stats.Accesses).To(Equal(uint64(3)))
			Expect(stats.Fills).To(Equal(uint64(2)))
		})

		It("should be a no-op for the current size", func() {
			c.Write(0x1000, 8, 1)
			Expect(c.SetBlockSize(64)).To(Succeed())
			Expect(c.Read(0x1000, 8).Hit).To(BeTrue())
		})

		It("should reject sizes that are not a power of two", func() {
			Expect(c.SetBlockSize(96)).NotTo(Succeed())
			Expect(c.BlockSize()).To(Equal(64))
		})

		It("should reject sizes that leave no complete set", func() {
			Expect(c.SetBlockSize(2048)).NotTo(Succeed())
		})
	})

	Describe("Cache as backing store", func() {
		It("should count one lower-level access per block spanned", func() {
			l2, err := cache.New(config, memory)
			Expect(err).NotTo(HaveOccurred())

			l1Config := config
			l1Config.BlockSize = 128
			l1, err := cache.New(l1Config, cache.AsBacking(l2))
			Expect(err).NotTo(HaveOccurred())

			write64(memory, 0x2040, 0x77)
			Expect(l1.Read(0x2040, 8).Data).To(Equal(uint64(0x77)))

			l2Stats := l2.Stats()
			Expect(l2Stats.Accesses).To(Equal(uint64(2)))
			Expect(l2Stats.Misses).To(Equal(uint64(2)))
		})
	})

	Describe("Config validation", func() {
		It("should accept the defaults", func() {
			Expect(cache.DefaultL1DConfig().Validate()).To(Succeed())
			Expect(cache.DefaultL2Config().Validate()).To(Succeed())
		})

		It("should refuse to build an invalid cache", func() {
			config.Associativity = 0
			_, err := cache.New(config, nil)
			Expect(err).To(HaveOccurred())
		})
	})
})
