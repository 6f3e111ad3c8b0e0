//go:build unix

package codebuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type mmapRegion struct {
	mem []byte
}

func (r *mmapRegion) Bytes() []byte { return r.mem }

func (r *mmapRegion) Release() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// MmapAllocator maps anonymous private memory. With Executable set the
// mapping is also PROT_EXEC.
type MmapAllocator struct {
	Executable bool
}

func (a MmapAllocator) Acquire(size int) (Region, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if a.Executable {
		prot |= unix.PROT_EXEC
	}
	mem, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return &mmapRegion{mem: mem}, nil
}

// DefaultAllocator returns the platform allocator.
func DefaultAllocator(executable bool) Allocator {
	return MmapAllocator{Executable: executable}
}
