//go:build !unix

package codebuf

// DefaultAllocator returns the platform allocator. Without mmap the Go heap
// is used and the executable flag is ignored.
func DefaultAllocator(executable bool) Allocator {
	return HeapAllocator{}
}
