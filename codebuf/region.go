package codebuf

// Region is a contiguous range of memory obtained from the platform.
type Region interface {
	Bytes() []byte
	Release() error
}

// Allocator is the single platform interface for obtaining code memory.
type Allocator interface {
	Acquire(size int) (Region, error)
}

type heapRegion struct {
	mem []byte
}

func (r *heapRegion) Bytes() []byte { return r.mem }
func (r *heapRegion) Release() error { r.mem = nil; return nil }

// HeapAllocator hands out ordinary Go memory. It is the fallback on
// platforms without mmap and is convenient in tests.
type HeapAllocator struct{}

func (HeapAllocator) Acquire(size int) (Region, error) {
	return &heapRegion{mem: make([]byte, size)}, nil
}
