package cache

const pageSize = 4096

// FlatMemory is a sparse byte-addressed main memory. Unwritten bytes read as
// zero.
type FlatMemory struct {
	pages map[uint64][]byte
}

// NewFlatMemory creates an empty memory.
func NewFlatMemory() *FlatMemory {
	return &FlatMemory{pages: make(map[uint64][]byte)}
}

// Read fetches size bytes starting at addr.
func (m *FlatMemory) Read(addr uint64, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		a := addr + uint64(i)
		if page, ok := m.pages[a/pageSize]; ok {
			data[i] = page[a%pageSize]
		}
	}
	return data
}

// Write stores data starting at addr.
func (m *FlatMemory) Write(addr uint64, data []byte) {
	for i, b := range data {
		a := addr + uint64(i)
		page, ok := m.pages[a/pageSize]
		if !ok {
			page = make([]byte, pageSize)
			m.pages[a/pageSize] = page
		}
		page[a%pageSize] = b
	}
}

// cacheBacking lets a cache serve as the next level of another cache.
type cacheBacking struct {
	next *Cache
}

// AsBacking returns a BackingStore that forwards block fills and writebacks
// to c, so that they show up in c's statistics.
func AsBacking(c *Cache) BackingStore {
	return &cacheBacking{next: c}
}

func (b *cacheBacking) Read(addr uint64, size int) []byte {
	return b.next.ReadBlock(addr, size)
}

func (b *cacheBacking) Write(addr uint64, data []byte) {
	b.next.WriteBlock(addr, data)
}
