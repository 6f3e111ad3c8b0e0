package codebuf

// JumpEncoder writes an unconditional jump to target into dst and returns
// the number of bytes written. It is supplied by the target architecture.
type JumpEncoder func(dst []byte, target Addr) int

// Writer is an emission cursor over a chain of buffers. Every write is
// preceded by a reservation that keeps room for one jump, so when a write
// would not fit the writer can always chain to a fresh buffer first.
type Writer struct {
	pool     *Pool
	buf      *Buffer
	mem      []byte
	pos      int
	jump     JumpEncoder
	jumpSize int
}

// NewWriter acquires a buffer from p and starts writing at its start.
func NewWriter(p *Pool, jump JumpEncoder, jumpSize int) *Writer {
	w := &Writer{pool: p, jump: jump, jumpSize: jumpSize}
	w.attach(p.AcquireAtLeast(2 * jumpSize))
	return w
}

func (w *Writer) attach(b *Buffer) {
	w.buf = b
	w.mem = b.blk.mem
	w.pos = b.Start.Offset()
}

// Addr returns the address of the next byte to be written.
func (w *Writer) Addr() Addr {
	return MakeAddr(w.buf.blk.id, w.pos)
}

// Limit returns the limit of the current buffer.
func (w *Writer) Limit() Addr {
	return w.buf.Limit
}

// Reserve makes sure n bytes can be written at the cursor while still
// leaving room for a chaining jump. If they cannot, the writer enlarges:
// it acquires a new buffer, jumps there from the cursor and closes the
// old buffer. It returns the address where the n bytes will start.
func (w *Writer) Reserve(n int) Addr {
	if w.pos+n+w.jumpSize <= w.buf.Limit.Offset() {
		return w.Addr()
	}
	w.enlarge(n + w.jumpSize)
	return w.Addr()
}

func (w *Writer) enlarge(min int) {
	next := w.pool.AcquireAtLeast(min)
	n := w.jump(w.mem[w.pos:w.buf.Limit.Offset()], next.Start)
	w.pos += n
	old := w.buf
	end := w.Addr()
	w.attach(next)
	old.Close(end)

	w.pool.mu.Lock()
	w.pool.stats.Enlargements++
	w.pool.mu.Unlock()
	log.Debugf("code buffer enlarged: %s -> %s", end, next.Start)
}

// Write reserves room for p and copies it at the cursor.
func (w *Writer) Write(p []byte) (int, error) {
	w.Reserve(len(p))
	copy(w.mem[w.pos:], p)
	w.pos += len(p)
	return len(p), nil
}

// Close commits the written code and releases the current buffer.
func (w *Writer) Close() Addr {
	end := w.Addr()
	w.buf.Close(end)
	w.buf = nil
	w.mem = nil
	return end
}
