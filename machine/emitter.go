package machine

import (
	"encoding/binary"

	"github.com/chazu/psyco/codebuf"
	"github.com/zeebo/xxh3"
)

// Emitter produces target instructions. Methods that return an address
// return the address of the emitted instruction so it can be patched
// later; a discarding emitter returns zero.
//
// Every emitter feeds a Fingerprint with what it emits: the opcodes and
// every operand except code addresses and site numbers. Two emissions of
// the same instruction sequence have the same fingerprint whatever
// emitter they went through.
type Emitter interface {
	Mov(rd Reg, src Operand)
	Store(slot int, rs Reg)
	ALU(op ALUOp, rd Reg, src Operand)
	Neg(rd Reg)
	Cmp(ra Reg, src Operand)
	Test(src Operand)
	SetCC(rd Reg, cc Cond)
	Jump(target codebuf.Addr) codebuf.Addr
	JumpIf(cc Cond, target codebuf.Addr) codebuf.Addr
	Call(h HelperID, args ...Operand)
	Field(rd Reg, f Field, src Operand)
	Item(rd Reg, index int, src Operand)
	Incref(src Operand)
	Decref(src Operand)
	Promote(site uint32, src Operand)
	Trap(site uint32) codebuf.Addr
	Catch(rd Reg)
	Ret(src Operand)
	Raise()

	// Here is the address of the next instruction.
	Here() codebuf.Addr
	// Reserve guarantees that n bytes of instructions can be emitted
	// contiguously from the returned address.
	Reserve(n int) codebuf.Addr
	// Discarding reports whether emitted code is thrown away.
	Discarding() bool

	Fingerprint() *Fingerprint
	// SetFingerprint makes the emitter continue an existing fingerprint.
	SetFingerprint(fp *Fingerprint)
}

// Fingerprint is a running hash of emitted instructions.
type Fingerprint struct {
	h *xxh3.Hasher
	n int
}

func NewFingerprint() *Fingerprint {
	return &Fingerprint{h: xxh3.New()}
}

func (f *Fingerprint) Reset() {
	f.h.Reset()
	f.n = 0
}

// Sum returns the hash of everything written since the last Reset.
func (f *Fingerprint) Sum() uint64 { return f.h.Sum64() }

// Count is the number of instructions written since the last Reset.
func (f *Fingerprint) Count() int { return f.n }

// EncodeJump writes a JMP to target into dst. It is the codebuf
// JumpEncoder for this target.
func EncodeJump(dst []byte, target codebuf.Addr) int {
	dst[0] = opJmp
	binary.LittleEndian.PutUint64(dst[1:], uint64(target))
	return JumpSize
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type encoder struct {
	buf []byte
	fp  *Fingerprint
}

func newEncoder() encoder {
	return encoder{buf: make([]byte, 0, 32), fp: NewFingerprint()}
}

func (e *encoder) begin(op byte) {
	e.buf = append(e.buf[:0], op)
	e.fp.n++
}

// hashed appends bytes that take part in the fingerprint.
func (e *encoder) hashed(b ...byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) u16(v int) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(v))
}

func (e *encoder) operand(o Operand) {
	switch o.Kind {
	case InReg:
		e.buf = append(e.buf, operandReg|byte(o.Reg))
	case InSlot:
		e.buf = append(e.buf, operandSlot)
		e.u16(o.Slot)
	default:
		e.buf = append(e.buf, operandImm)
		e.buf = binary.LittleEndian.AppendUint64(e.buf, o.Imm)
	}
}

// finish hashes the instruction so far; unhashed trailing fields (code
// addresses, site numbers) are appended after calling it.
func (e *encoder) finish() {
	e.fp.h.Write(e.buf)
}

func (e *encoder) setFingerprint(fp *Fingerprint) {
	if fp == nil {
		panic("machine: nil fingerprint")
	}
	e.fp = fp
}

func (e *encoder) addr(a codebuf.Addr) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(a))
}

func (e *encoder) site(site uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, site)
}

func checkReg(r Reg) {
	if r >= NumRegs {
		panic("machine: bad register")
	}
}

func encodeMov(e *encoder, rd Reg, src Operand) {
	checkReg(rd)
	e.begin(opMov)
	e.hashed(byte(rd))
	e.operand(src)
	e.finish()
}

func encodeStore(e *encoder, slot int, rs Reg) {
	checkReg(rs)
	e.begin(opSts)
	e.u16(slot)
	e.hashed(byte(rs))
	e.finish()
}

func encodeALU(e *encoder, op ALUOp, rd Reg, src Operand) {
	checkReg(rd)
	e.begin(opALU)
	e.hashed(byte(op), byte(rd))
	e.operand(src)
	e.finish()
}

func encodeReg(e *encoder, op byte, r Reg) {
	checkReg(r)
	e.begin(op)
	e.hashed(byte(r))
	e.finish()
}

func encodeCmp(e *encoder, ra Reg, src Operand) {
	checkReg(ra)
	e.begin(opCmp)
	e.hashed(byte(ra))
	e.operand(src)
	e.finish()
}

func encodeSrc(e *encoder, op byte, src Operand) {
	e.begin(op)
	e.operand(src)
	e.finish()
}

func encodeSetCC(e *encoder, rd Reg, cc Cond) {
	checkReg(rd)
	e.begin(opSetCC)
	e.hashed(byte(rd), byte(cc))
	e.finish()
}

func encodeJump(e *encoder, target codebuf.Addr) {
	e.begin(opJmp)
	e.finish()
	e.addr(target)
}

func encodeJumpIf(e *encoder, cc Cond, target codebuf.Addr) {
	e.begin(opJcc)
	e.hashed(byte(cc))
	e.finish()
	e.addr(target)
}

func encodeCall(e *encoder, h HelperID, args []Operand) {
	if len(args) > 0xFF {
		panic("machine: too many helper arguments")
	}
	e.begin(opCall)
	e.u16(int(h))
	e.hashed(byte(len(args)))
	for _, a := range args {
		e.operand(a)
	}
	e.finish()
}

func encodeField(e *encoder, rd Reg, f Field, src Operand) {
	checkReg(rd)
	e.begin(opField)
	e.hashed(byte(rd), byte(f))
	e.operand(src)
	e.finish()
}

func encodeItem(e *encoder, rd Reg, index int, src Operand) {
	checkReg(rd)
	if index < 0 || index > 0xFF {
		panic("machine: item index out of range")
	}
	e.begin(opItem)
	e.hashed(byte(rd), byte(index))
	e.operand(src)
	e.finish()
}

func encodePromote(e *encoder, site uint32, src Operand) {
	e.begin(opPromote)
	e.operand(src)
	e.finish()
	e.site(site)
}

func encodeTrap(e *encoder, site uint32) {
	e.begin(opTrap)
	e.finish()
	e.site(site)
	e.buf = append(e.buf, 0, 0, 0, 0)
}

// ---------------------------------------------------------------------------
// Assembler: the emitter that writes code
// ---------------------------------------------------------------------------

// Assembler encodes instructions into a chain of code buffers.
type Assembler struct {
	w   *codebuf.Writer
	enc encoder
}

// NewAssembler starts emitting into a fresh buffer from pool.
func NewAssembler(pool *codebuf.Pool) *Assembler {
	return &Assembler{
		w:   codebuf.NewWriter(pool, EncodeJump, JumpSize),
		enc: newEncoder(),
	}
}

// Close commits the emitted code and returns the end address.
func (a *Assembler) Close() codebuf.Addr {
	return a.w.Close()
}

func (a *Assembler) flush() codebuf.Addr {
	at := a.w.Reserve(len(a.enc.buf))
	a.w.Write(a.enc.buf)
	return at
}

func (a *Assembler) Mov(rd Reg, src Operand) { encodeMov(&a.enc, rd, src); a.flush() }
func (a *Assembler) Store(slot int, rs Reg) { encodeStore(&a.enc, slot, rs); a.flush() }
func (a *Assembler) Neg(rd Reg) { encodeReg(&a.enc, opNeg, rd); a.flush() }
func (a *Assembler) Cmp(ra Reg, src Operand) { encodeCmp(&a.enc, ra, src); a.flush() }
func (a *Assembler) Test(src Operand) { encodeSrc(&a.enc, opTest, src); a.flush() }
func (a *Assembler) SetCC(rd Reg, cc Cond) { encodeSetCC(&a.enc, rd, cc); a.flush() }
func (a *Assembler) Incref(src Operand) { encodeSrc(&a.enc, opIncref, src); a.flush() }
func (a *Assembler) Decref(src Operand) { encodeSrc(&a.enc, opDecref, src); a.flush() }
func (a *Assembler) Catch(rd Reg) { encodeReg(&a.enc, opCatch, rd); a.flush() }
func (a *Assembler) Ret(src Operand) { encodeSrc(&a.enc, opRet, src); a.flush() }
func (a *Assembler) Raise() { a.enc.begin(opRaise); a.enc.finish(); a.flush() }
func (a *Assembler) Call(h HelperID, args ...Operand) { encodeCall(&a.enc, h, args); a.flush() }

func (a *Assembler) ALU(op ALUOp, rd Reg, src Operand) {
	encodeALU(&a.enc, op, rd, src)
	a.flush()
}

func (a *Assembler) Jump(target codebuf.Addr) codebuf.Addr {
	encodeJump(&a.enc, target)
	return a.flush()
}

func (a *Assembler) JumpIf(cc Cond, target codebuf.Addr) codebuf.Addr {
	encodeJumpIf(&a.enc, cc, target)
	return a.flush()
}

func (a *Assembler) Field(rd Reg, f Field, src Operand) {
	encodeField(&a.enc, rd, f, src)
	a.flush()
}

func (a *Assembler) Item(rd Reg, index int, src Operand) {
	encodeItem(&a.enc, rd, index, src)
	a.flush()
}

func (a *Assembler) Promote(site uint32, src Operand) {
	encodePromote(&a.enc, site, src)
	a.flush()
}

func (a *Assembler) Trap(site uint32) codebuf.Addr {
	encodeTrap(&a.enc, site)
	return a.flush()
}

func (a *Assembler) Here() codebuf.Addr { return a.w.Addr() }
func (a *Assembler) Reserve(n int) codebuf.Addr { return a.w.Reserve(n) }
func (a *Assembler) Discarding() bool { return false }
func (a *Assembler) Fingerprint() *Fingerprint { return a.enc.fp }
func (a *Assembler) SetFingerprint(fp *Fingerprint) { a.enc.setFingerprint(fp) }

// ---------------------------------------------------------------------------
// Discard: the emitter that only fingerprints
// ---------------------------------------------------------------------------

// Discard encodes instructions only to fingerprint them. The compiler
// uses it to re-derive its state along code that has already run.
type Discard struct {
	enc encoder
}

func NewDiscard() *Discard {
	return &Discard{enc: newEncoder()}
}

func (d *Discard) Mov(rd Reg, src Operand) { encodeMov(&d.enc, rd, src) }
func (d *Discard) Store(slot int, rs Reg) { encodeStore(&d.enc, slot, rs) }
func (d *Discard) ALU(op ALUOp, rd Reg, src Operand) { encodeALU(&d.enc, op, rd, src) }
func (d *Discard) Neg(rd Reg) { encodeReg(&d.enc, opNeg, rd) }
func (d *Discard) Cmp(ra Reg, src Operand) { encodeCmp(&d.enc, ra, src) }
func (d *Discard) Test(src Operand) { encodeSrc(&d.enc, opTest, src) }
func (d *Discard) SetCC(rd Reg, cc Cond) { encodeSetCC(&d.enc, rd, cc) }
func (d *Discard) Call(h HelperID, args ...Operand) { encodeCall(&d.enc, h, args) }
func (d *Discard) Field(rd Reg, f Field, src Operand) { encodeField(&d.enc, rd, f, src) }
func (d *Discard) Item(rd Reg, index int, src Operand) { encodeItem(&d.enc, rd, index, src) }
func (d *Discard) Incref(src Operand) { encodeSrc(&d.enc, opIncref, src) }
func (d *Discard) Decref(src Operand) { encodeSrc(&d.enc, opDecref, src) }
func (d *Discard) Promote(site uint32, src Operand) { encodePromote(&d.enc, site, src) }
func (d *Discard) Catch(rd Reg) { encodeReg(&d.enc, opCatch, rd) }
func (d *Discard) Ret(src Operand) { encodeSrc(&d.enc, opRet, src) }
func (d *Discard) Raise() { d.enc.begin(opRaise); d.enc.finish() }

func (d *Discard) Jump(target codebuf.Addr) codebuf.Addr {
	encodeJump(&d.enc, target)
	return 0
}

func (d *Discard) JumpIf(cc Cond, target codebuf.Addr) codebuf.Addr {
	encodeJumpIf(&d.enc, cc, target)
	return 0
}

func (d *Discard) Trap(site uint32) codebuf.Addr {
	encodeTrap(&d.enc, site)
	return 0
}

func (d *Discard) Here() codebuf.Addr { return 0 }
func (d *Discard) Reserve(n int) codebuf.Addr { return 0 }
func (d *Discard) Discarding() bool { return true }
func (d *Discard) Fingerprint() *Fingerprint { return d.enc.fp }
func (d *Discard) SetFingerprint(fp *Fingerprint) { d.enc.setFingerprint(fp) }

// PatchJump turns the instruction at site (a JMP or TRAP) into a JMP to
// target.
func PatchJump(pool *codebuf.Pool, site, target codebuf.Addr) {
	var buf [JumpSize]byte
	EncodeJump(buf[:], target)
	pool.Patch(site, buf[:])
}
