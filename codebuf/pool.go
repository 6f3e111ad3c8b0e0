// Package codebuf manages the memory that compiled code is emitted into.
//
// Memory comes from the platform in fixed-size blocks. A block is handed
// out as a Buffer (start, limit) while code is being written into it and
// is locked in use until the buffer is closed; closing commits the bytes
// actually written and returns the remainder to the free list, or retires
// the block when too little room is left. Code never moves and blocks are
// only released when the whole pool is.
package codebuf

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("psyco.codebuf")

// Addr is a code address: block id in the high word, offset in the low.
// The zero Addr is never a valid code address.
type Addr uint64

// MakeAddr builds an address from a block id and offset.
func MakeAddr(block uint32, offset int) Addr {
	return Addr(uint64(block)<<32 | uint64(uint32(offset)))
}

func (a Addr) Block() uint32 { return uint32(a >> 32) }
func (a Addr) Offset() int { return int(uint32(a)) }

// Add returns a displaced by n bytes within the same block.
func (a Addr) Add(n int) Addr { return MakeAddr(a.Block(), a.Offset()+n) }

func (a Addr) String() string {
	return fmt.Sprintf("%d:%04x", a.Block(), a.Offset())
}

const (
	signatureSize = 8
	signatureBase = uint64(0x5053594342554621)

	DefaultBlockSize    = 64 * 1024
	DefaultRetireMargin = 256
)

// Options configures a Pool.
type Options struct {
	BlockSize    int
	RetireMargin int
	Allocator    Allocator
}

// Stats describes pool usage.
type Stats struct {
	Blocks       int
	Retired      int
	InUse        int
	Acquires     uint64
	Enlargements uint64
	Reserved     uint64 // bytes obtained from the platform
	Committed    uint64 // bytes holding closed code
}

func (s Stats) String() string {
	return fmt.Sprintf("%d blocks (%d retired, %d in use), %s reserved, %s committed, %s acquires, %s enlargements",
		s.Blocks, s.Retired, s.InUse,
		humanize.Bytes(s.Reserved), humanize.Bytes(s.Committed),
		humanize.Comma(int64(s.Acquires)), humanize.Comma(int64(s.Enlargements)))
}

type block struct {
	id      uint32
	region  Region
	raw     []byte // BlockSize bytes, signature at the end
	mem     []byte // usable part, signature excluded
	cursor  int    // first uncommitted byte
	inUse   bool
	retired bool
}

func (b *block) signature() uint64 {
	return signatureBase ^ uint64(b.id)
}

func (b *block) signatureOK() bool {
	raw := b.raw
	return binary.LittleEndian.Uint64(raw[len(raw)-signatureSize:]) == b.signature()
}

// Pool is the process-wide (per engine) set of code blocks. All methods
// are safe for concurrent use.
type Pool struct {
	mu     deadlock.Mutex
	opts   Options
	blocks []*block // index id-1
	free   []*block
	stats  Stats

	// Fatal is called on unrecoverable conditions: allocation failure and
	// signature corruption. It must not return.
	Fatal func(msg string)
}

// NewPool creates an empty pool.
func NewPool(opts Options) *Pool {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.RetireMargin <= 0 {
		opts.RetireMargin = DefaultRetireMargin
	}
	if opts.Allocator == nil {
		opts.Allocator = DefaultAllocator(false)
	}
	if opts.RetireMargin >= opts.BlockSize-signatureSize {
		opts.RetireMargin = (opts.BlockSize - signatureSize) / 2
	}
	return &Pool{opts: opts, Fatal: defaultFatal}
}

func defaultFatal(msg string) {
	log.Critical(msg)
	os.Exit(2)
}

func (p *Pool) fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.Fatal(msg)
	panic(msg)
}

// BlockCapacity is the usable size of a fresh block.
func (p *Pool) BlockCapacity() int {
	return p.opts.BlockSize - signatureSize
}

// Buffer is a writable range [Start, Limit) locked for emission.
type Buffer struct {
	pool  *Pool
	blk   *block
	Start Addr
	Limit Addr
}

// Free returns the number of bytes between a and the limit.
func (b *Buffer) Free(a Addr) int {
	return b.Limit.Offset() - a.Offset()
}

// Acquire returns a buffer with at least the retire margin of free space.
func (p *Pool) Acquire() *Buffer {
	return p.AcquireAtLeast(0)
}

// AcquireAtLeast returns a buffer with at least min bytes (and at least
// the retire margin) of free space, reusing a partially filled block when
// one is large enough.
func (p *Pool) AcquireAtLeast(min int) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Acquires++

	if min < p.opts.RetireMargin {
		min = p.opts.RetireMargin
	}
	if min > p.BlockCapacity() {
		p.fatalf("cannot acquire %d bytes in a %d byte block", min, p.BlockCapacity())
	}
	var blk *block
	for i := len(p.free) - 1; i >= 0; i-- {
		if len(p.free[i].mem)-p.free[i].cursor >= min {
			blk = p.free[i]
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	if blk == nil {
		blk = p.newBlock()
	}
	blk.inUse = true
	p.stats.InUse++
	return &Buffer{
		pool:  p,
		blk:   blk,
		Start: MakeAddr(blk.id, blk.cursor),
		Limit: MakeAddr(blk.id, len(blk.mem)),
	}
}

func (p *Pool) newBlock() *block {
	region, err := p.opts.Allocator.Acquire(p.opts.BlockSize)
	if err != nil {
		p.fatalf("cannot acquire code memory: %v", err)
	}
	raw := region.Bytes()
	if len(raw) < p.opts.BlockSize {
		p.fatalf("code region too small: %d < %d", len(raw), p.opts.BlockSize)
	}
	raw = raw[:p.opts.BlockSize]
	blk := &block{
		id:     uint32(len(p.blocks) + 1),
		region: region,
		raw:    raw,
		mem:    raw[:len(raw)-signatureSize],
	}
	binary.LittleEndian.PutUint64(raw[len(raw)-signatureSize:], blk.signature())
	p.blocks = append(p.blocks, blk)
	p.stats.Blocks++
	p.stats.Reserved += uint64(p.opts.BlockSize)
	log.Debugf("new code block %d (%s)", blk.id, humanize.Bytes(uint64(p.opts.BlockSize)))
	return blk
}

func (p *Pool) retire(blk *block) {
	blk.retired = true
	p.stats.Retired++
}

// Close commits the bytes up to end and releases the buffer. The
// remainder goes back to the free list unless it is under the retire
// margin.
func (b *Buffer) Close(end Addr) {
	p := b.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	blk := b.blk
	if blk == nil || !blk.inUse {
		p.fatalf("closing buffer at %s which is not in use", b.Start)
	}
	if end.Block() != blk.id || end.Offset() < b.Start.Offset() || end.Offset() > len(blk.mem) {
		p.fatalf("close address %s outside buffer [%s, %s)", end, b.Start, b.Limit)
	}
	if !blk.signatureOK() {
		p.fatalf("code block %d signature corrupted", blk.id)
	}
	p.stats.Committed += uint64(end.Offset() - blk.cursor)
	blk.cursor = end.Offset()
	blk.inUse = false
	p.stats.InUse--
	b.blk = nil

	if len(blk.mem)-blk.cursor < p.opts.RetireMargin {
		p.retire(blk)
		return
	}
	p.free = append(p.free, blk)
}

func (p *Pool) lookup(a Addr) *block {
	id := a.Block()
	if id == 0 || int(id) > len(p.blocks) {
		p.fatalf("invalid code address %s", a)
	}
	return p.blocks[id-1]
}

// Patch overwrites code at a. The range must lie inside written code.
func (p *Pool) Patch(a Addr, code []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	blk := p.lookup(a)
	if a.Offset()+len(code) > len(blk.mem) {
		p.fatalf("patch at %s of %d bytes past block end", a, len(code))
	}
	if !blk.signatureOK() {
		p.fatalf("code block %d signature corrupted", blk.id)
	}
	copy(blk.mem[a.Offset():], code)
}

// Block returns the usable memory of the block holding a and the offset
// of a within it. Blocks never move, so the slice stays valid for the
// life of the pool.
func (p *Pool) Block(a Addr) ([]byte, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	blk := p.lookup(a)
	return blk.mem, a.Offset()
}

// Stats returns a snapshot of usage counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Release returns every block to the platform. No code may run afterwards.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, blk := range p.blocks {
		if err := blk.region.Release(); err != nil && first == nil {
			first = fmt.Errorf("release block %d: %w", blk.id, err)
		}
		blk.raw, blk.mem = nil, nil
	}
	p.blocks = nil
	p.free = nil
	return first
}
