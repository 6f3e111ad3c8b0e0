// Package bytecode defines the guest instruction set compiled by the
// specializer and executed by the reference interpreter.
//
// Instructions are one opcode byte followed by zero, one (u8) or two
// (u16, little-endian) operand bytes. Jump operands are absolute
// positions in the code.
package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	NOP       Opcode = 0x00 // no operation
	POP_TOP   Opcode = 0x01 // discard top of stack
	ROT_TWO   Opcode = 0x02 // swap the two top items
	ROT_THREE Opcode = 0x03 // lift second and third items, move top to third
	DUP_TOP   Opcode = 0x04 // duplicate top of stack
)

// Unary and binary operations
const (
	UNARY_NEGATIVE      Opcode = 0x10
	UNARY_NOT           Opcode = 0x11
	BINARY_ADD          Opcode = 0x20
	BINARY_SUBTRACT     Opcode = 0x21
	BINARY_MULTIPLY     Opcode = 0x22
	BINARY_FLOOR_DIVIDE Opcode = 0x23
	BINARY_MODULO       Opcode = 0x24
	BINARY_AND          Opcode = 0x25
	BINARY_OR           Opcode = 0x26
	BINARY_XOR          Opcode = 0x27
	BINARY_SUBSCR       Opcode = 0x28
	STORE_SUBSCR        Opcode = 0x29 // TOS1[TOS] = TOS2
	COMPARE_OP          Opcode = 0x30 // u8 comparison operator
)

// Variables and constants
const (
	LOAD_CONST  Opcode = 0x40 // u16 constant index
	LOAD_FAST   Opcode = 0x41 // u8 local index
	STORE_FAST  Opcode = 0x42 // u8 local index
	LOAD_GLOBAL Opcode = 0x43 // u16 name index
)

// Containers and iteration
const (
	BUILD_TUPLE     Opcode = 0x50 // u8 item count
	BUILD_LIST      Opcode = 0x51 // u8 item count
	UNPACK_SEQUENCE Opcode = 0x52 // u8 item count
	GET_ITER        Opcode = 0x58
	FOR_ITER        Opcode = 0x59 // u16 exit target
)

// Control flow
const (
	JUMP_ABSOLUTE     Opcode = 0x60 // u16 target
	POP_JUMP_IF_FALSE Opcode = 0x61 // u16 target
	POP_JUMP_IF_TRUE  Opcode = 0x62 // u16 target
)

// Blocks
const (
	SETUP_LOOP    Opcode = 0x70 // u16 loop exit
	BREAK_LOOP    Opcode = 0x71
	CONTINUE_LOOP Opcode = 0x72 // u16 loop head
	POP_BLOCK     Opcode = 0x73
	SETUP_EXCEPT  Opcode = 0x74 // u16 handler
	SETUP_FINALLY Opcode = 0x75 // u16 handler
	END_FINALLY   Opcode = 0x76
	RAISE_VARARGS Opcode = 0x78 // u8 argument count (must be 1)
)

// Calls and returns
const (
	CALL_FUNCTION Opcode = 0x80 // u8 argument count
	RETURN_VALUE  Opcode = 0x83
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	Jump         bool   // operand is a code position
}

var opcodeTable = map[Opcode]OpcodeInfo{
	NOP:       {"NOP", 0, false},
	POP_TOP:   {"POP_TOP", 0, false},
	ROT_TWO:   {"ROT_TWO", 0, false},
	ROT_THREE: {"ROT_THREE", 0, false},
	DUP_TOP:   {"DUP_TOP", 0, false},

	UNARY_NEGATIVE:      {"UNARY_NEGATIVE", 0, false},
	UNARY_NOT:           {"UNARY_NOT", 0, false},
	BINARY_ADD:          {"BINARY_ADD", 0, false},
	BINARY_SUBTRACT:     {"BINARY_SUBTRACT", 0, false},
	BINARY_MULTIPLY:     {"BINARY_MULTIPLY", 0, false},
	BINARY_FLOOR_DIVIDE: {"BINARY_FLOOR_DIVIDE", 0, false},
	BINARY_MODULO:       {"BINARY_MODULO", 0, false},
	BINARY_AND:          {"BINARY_AND", 0, false},
	BINARY_OR:           {"BINARY_OR", 0, false},
	BINARY_XOR:          {"BINARY_XOR", 0, false},
	BINARY_SUBSCR:       {"BINARY_SUBSCR", 0, false},
	STORE_SUBSCR:        {"STORE_SUBSCR", 0, false},
	COMPARE_OP:          {"COMPARE_OP", 1, false},

	LOAD_CONST:  {"LOAD_CONST", 2, false},
	LOAD_FAST:   {"LOAD_FAST", 1, false},
	STORE_FAST:  {"STORE_FAST", 1, false},
	LOAD_GLOBAL: {"LOAD_GLOBAL", 2, false},

	BUILD_TUPLE:     {"BUILD_TUPLE", 1, false},
	BUILD_LIST:      {"BUILD_LIST", 1, false},
	UNPACK_SEQUENCE: {"UNPACK_SEQUENCE", 1, false},
	GET_ITER:        {"GET_ITER", 0, false},
	FOR_ITER:        {"FOR_ITER", 2, true},

	JUMP_ABSOLUTE:     {"JUMP_ABSOLUTE", 2, true},
	POP_JUMP_IF_FALSE: {"POP_JUMP_IF_FALSE", 2, true},
	POP_JUMP_IF_TRUE:  {"POP_JUMP_IF_TRUE", 2, true},

	SETUP_LOOP:    {"SETUP_LOOP", 2, true},
	BREAK_LOOP:    {"BREAK_LOOP", 0, false},
	CONTINUE_LOOP: {"CONTINUE_LOOP", 2, true},
	POP_BLOCK:     {"POP_BLOCK", 0, false},
	SETUP_EXCEPT:  {"SETUP_EXCEPT", 2, true},
	SETUP_FINALLY: {"SETUP_FINALLY", 2, true},
	END_FINALLY:   {"END_FINALLY", 0, false},
	RAISE_VARARGS: {"RAISE_VARARGS", 1, false},

	CALL_FUNCTION: {"CALL_FUNCTION", 1, false},
	RETURN_VALUE:  {"RETURN_VALUE", 0, false},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// Size returns the encoded size of an instruction with this opcode.
func (op Opcode) Size() int {
	return 1 + op.OperandBytes()
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// Lookup finds an opcode by name.
func Lookup(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}
