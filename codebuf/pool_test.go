package codebuf

import (
	"encoding/binary"
	"strings"
	"testing"
)

const testJumpSize = 9

func testJump(dst []byte, target Addr) int {
	dst[0] = 0xEE
	binary.LittleEndian.PutUint64(dst[1:], uint64(target))
	return testJumpSize
}

func newTestPool(t *testing.T, blockSize, margin int) *Pool {
	t.Helper()
	p := NewPool(Options{BlockSize: blockSize, RetireMargin: margin, Allocator: HeapAllocator{}})
	p.Fatal = func(msg string) { panic("fatal: " + msg) }
	return p
}

func expectFatal(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Errorf("%s: expected a fatal error", what)
			return
		}
		if s, ok := r.(string); !ok || !strings.HasPrefix(s, "fatal: ") {
			t.Errorf("%s: unexpected panic %v", what, r)
		}
	}()
	fn()
}

func TestAcquireCloseReusesRemainder(t *testing.T) {
	p := newTestPool(t, 1024, 64)

	b1 := p.Acquire()
	if b1.Start.Offset() != 0 || b1.Limit.Offset() != 1024-signatureSize {
		t.Fatalf("unexpected buffer range [%s, %s)", b1.Start, b1.Limit)
	}
	b1.Close(b1.Start.Add(100))

	b2 := p.Acquire()
	if b2.Start != b1.Start.Add(100) {
		t.Errorf("second buffer should continue after committed code, got %s", b2.Start)
	}
	b2.Close(b2.Limit.Add(-10))

	st := p.Stats()
	if st.Blocks != 1 || st.Retired != 1 {
		t.Errorf("nearly full block should be retired, stats: %s", st)
	}

	b3 := p.Acquire()
	if b3.Start.Block() == b1.Start.Block() {
		t.Error("retired block must not be handed out again")
	}
	b3.Close(b3.Start)
}

func TestInUseBlocksAreNotShared(t *testing.T) {
	p := newTestPool(t, 1024, 64)
	a := p.Acquire()
	b := p.Acquire()
	if a.Start.Block() == b.Start.Block() {
		t.Error("a block in use must not be handed out twice")
	}
	a.Close(a.Start)
	b.Close(b.Start)
	expectFatal(t, "double close", func() { a.Close(a.Start) })
}

// guardRegion surrounds the usable memory with canaries so tests can see
// writes past the end of a block.
type guardAllocator struct {
	regions []*guardRegion
}

type guardRegion struct {
	raw  []byte
	size int
}

const canary = 0xA5

func (g *guardAllocator) Acquire(size int) (Region, error) {
	raw := make([]byte, size+32)
	for i := size; i < len(raw); i++ {
		raw[i] = canary
	}
	r := &guardRegion{raw: raw, size: size}
	g.regions = append(g.regions, r)
	return r, nil
}

func (r *guardRegion) Bytes() []byte { return r.raw[:r.size] }
func (r *guardRegion) Release() error { return nil }

func (r *guardRegion) intact() bool {
	for _, c := range r.raw[r.size:] {
		if c != canary {
			return false
		}
	}
	return true
}

func TestWriterEnlargesBeforeOverflow(t *testing.T) {
	alloc := &guardAllocator{}
	p := NewPool(Options{BlockSize: 64, RetireMargin: 16, Allocator: alloc})
	p.Fatal = func(msg string) { panic("fatal: " + msg) }

	w := NewWriter(p, testJump, testJumpSize)
	start := w.Addr()
	chunk := []byte{1, 2, 3, 4, 5, 6, 7}
	for i := 0; i < 40; i++ {
		before := w.Addr()
		at := w.Reserve(len(chunk))
		if at.Offset()+len(chunk)+testJumpSize > w.Limit().Offset() {
			t.Fatalf("reservation at %s does not leave room for a jump", at)
		}
		if at != before && at.Block() == before.Block() {
			t.Fatalf("reservation moved the cursor within a block")
		}
		w.Write(chunk)
	}
	end := w.Close()

	if p.Stats().Enlargements == 0 {
		t.Fatal("expected the writer to chain buffers")
	}
	for i, r := range alloc.regions {
		if !r.intact() {
			t.Errorf("region %d was written past its end", i)
		}
	}

	// Follow the chain and count the payload.
	count := 0
	a := start
	for a != end {
		mem, off := p.Block(a)
		if mem[off] == 0xEE {
			a = Addr(binary.LittleEndian.Uint64(mem[off+1:]))
			continue
		}
		count++
		a = a.Add(1)
	}
	if count != 40*len(chunk) {
		t.Errorf("Expected %d payload bytes along the chain, got %d", 40*len(chunk), count)
	}
}

func TestSignatureCorruptionIsFatal(t *testing.T) {
	p := newTestPool(t, 256, 16)
	b := p.Acquire()
	raw := b.blk.region.Bytes()
	raw[len(raw)-1] ^= 0xFF
	expectFatal(t, "corrupted close", func() { b.Close(b.Start) })
}

func TestPatch(t *testing.T) {
	p := newTestPool(t, 256, 16)
	w := NewWriter(p, testJump, testJumpSize)
	site := w.Addr()
	w.Write([]byte{0, 0, 0, 0})
	w.Close()

	p.Patch(site, []byte{9, 8, 7, 6})
	mem, off := p.Block(site)
	if mem[off] != 9 || mem[off+3] != 6 {
		t.Error("patch did not land")
	}
	expectFatal(t, "patch past end", func() { p.Patch(site.Add(250), []byte{1, 2, 3, 4}) })
	expectFatal(t, "bad address", func() { p.Patch(0, []byte{1}) })
}

func TestOversizedReservationIsFatal(t *testing.T) {
	p := newTestPool(t, 64, 16)
	w := NewWriter(p, testJump, testJumpSize)
	expectFatal(t, "oversized", func() { w.Reserve(60) })
}
