package vm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Program is an append-only builder for bytecode. Each method appends one
// instruction with its operands and returns the program for chaining.
// Constants are stored in the input table and referenced by a one-byte
// index; the first error (for example a 257th input) is sticky and is
// returned by Encode and Err.
type Program struct {
	parent *Program
	ops    []byte
	inputs [][]byte
	err    error
}

// NewProgram returns an empty program.
func NewProgram() *Program {
	return &Program{}
}

// Ops returns the instruction bytes.
func (p *Program) Ops() []byte { return p.ops }

// Inputs returns the constant table.
func (p *Program) Inputs() [][]byte { return p.inputs }

// Err returns the first builder error.
func (p *Program) Err() error { return p.err }

// Clone returns an independent copy sharing the same parent.
func (p *Program) Clone() *Program {
	return &Program{
		parent: p.parent,
		ops:    append([]byte(nil), p.ops...),
		inputs: append([][]byte(nil), p.inputs...),
		err:    p.err,
	}
}

// Encode ABI-encodes the program as (bytes ops, bytes[] inputs).
func (p *Program) Encode() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return EncodeProgram(p.ops, p.inputs)
}

// Reader returns a reader over a copy of the program.
func (p *Program) Reader() *Reader {
	return NewReader(append([]byte(nil), p.ops...), append([][]byte(nil), p.inputs...))
}

func (p *Program) op(op Op, operands ...byte) *Program {
	p.ops = append(p.ops, byte(op))
	p.ops = append(p.ops, operands...)
	return p
}

func short(x uint16) []byte {
	return []byte{byte(x >> 8), byte(x)}
}

// AddInputBytes appends v to the input table and returns its index.
func (p *Program) AddInputBytes(v []byte) byte {
	i := len(p.inputs)
	if i > 0xff {
		if p.err == nil {
			p.err = ErrInputOverflow
		}
		return 0xff
	}
	if v == nil {
		v = []byte{}
	}
	p.inputs = append(p.inputs, v)
	return byte(i)
}

// AddInput appends x as a 32-byte big-endian word.
func (p *Program) AddInput(x *uint256.Int) byte {
	b := x.Bytes32()
	return p.AddInputBytes(b[:])
}

// AddInputStr appends the UTF-8 bytes of s.
func (p *Program) AddInputStr(s string) byte {
	return p.AddInputBytes([]byte(s))
}

// Debug logs the machine state under label when evaluated.
func (p *Program) Debug(label string) *Program {
	return p.op(DEBUG, p.AddInputStr(label))
}

// Read reads n consecutive slots from the current slot.
func (p *Program) Read(n byte) *Program { return p.op(READ_SLOTS, n) }

// ReadBytes reads a Solidity bytes or string value.
func (p *Program) ReadBytes() *Program { return p.op(READ_BYTES) }

// ReadArray reads a dynamic array whose elements are step bytes wide.
func (p *Program) ReadArray(step uint16) *Program { return p.op(READ_ARRAY, short(step)...) }

// Target pops an address into the target register.
func (p *Program) Target() *Program { return p.op(TARGET) }

// SetOutput pops into output i.
func (p *Program) SetOutput(i byte) *Program { return p.op(SET_OUTPUT, i) }

// Eval pops a program and evaluates it against the current state.
func (p *Program) Eval() *Program { return p.op(EVAL_INLINE) }

// EvalLoop pops a program and runs it once per remaining stack value.
func (p *Program) EvalLoop(flags LoopFlag) *Program {
	return p.EvalLoopBack(LoopAll, flags)
}

// EvalLoopBack pops a program and runs it once for each of the top back
// stack values.
func (p *Program) EvalLoopBack(back byte, flags LoopFlag) *Program {
	return p.op(EVAL_LOOP, back, byte(flags))
}

// ZeroSlot resets the slot register.
func (p *Program) ZeroSlot() *Program { return p.op(SLOT_ZERO) }

// AddSlot pops an integer and adds it to the slot register.
func (p *Program) AddSlot() *Program { return p.op(SLOT_ADD) }

// Follow pops a mapping key and derives the mapping slot.
func (p *Program) Follow() *Program { return p.op(SLOT_FOLLOW) }

// RequireContract halts with exit code 1 unless the target has code.
func (p *Program) RequireContract() *Program { return p.op(REQ_CONTRACT) }

// RequireNonzero halts with exit code 1 if the value back from the top is zero.
func (p *Program) RequireNonzero(back byte) *Program { return p.op(REQ_NONZERO, back) }

// Pop discards the top of the stack.
func (p *Program) Pop() *Program { return p.op(POP) }

// Dup pushes a copy of the value back from the top.
func (p *Program) Dup(back byte) *Program { return p.op(DUP, back) }

// PushOutput pushes output i.
func (p *Program) PushOutput(i byte) *Program { return p.op(PUSH_OUTPUT, i) }

// PushInput pushes input i.
func (p *Program) PushInput(i byte) *Program { return p.op(PUSH_INPUT, i) }

// Push pushes x as a 32-byte word.
func (p *Program) Push(x *uint256.Int) *Program { return p.PushInput(p.AddInput(x)) }

// PushUint64 pushes x as a 32-byte word.
func (p *Program) PushUint64(x uint64) *Program { return p.Push(uint256.NewInt(x)) }

// PushStr pushes the UTF-8 bytes of s.
func (p *Program) PushStr(s string) *Program { return p.PushInput(p.AddInputStr(s)) }

// PushBytes pushes v.
func (p *Program) PushBytes(v []byte) *Program { return p.PushInput(p.AddInputBytes(v)) }

// PushProgram pushes the encoding of q.
func (p *Program) PushProgram(q *Program) *Program {
	enc, err := q.Encode()
	if err != nil {
		if p.err == nil {
			p.err = err
		}
		return p
	}
	return p.PushBytes(enc)
}

// PushSlot pushes the slot register.
func (p *Program) PushSlot() *Program { return p.op(PUSH_SLOT) }

// PushTarget pushes the target register.
func (p *Program) PushTarget() *Program { return p.op(PUSH_TARGET) }

// Concat pops two values and pushes their concatenation.
func (p *Program) Concat() *Program { return p.op(CONCAT) }

// Keccak replaces the top value with its keccak256 hash.
func (p *Program) Keccak() *Program { return p.op(KECCAK) }

// Slice replaces the top value with n bytes starting at offset x.
func (p *Program) Slice(x, n uint16) *Program {
	return p.op(SLICE, append(short(x), short(n)...)...)
}

// Begin starts a nested program; End pushes it onto p.
func (p *Program) Begin() *Program {
	return &Program{parent: p}
}

// End finishes a program started with Begin and returns the parent. It
// panics when called on a program without a parent.
func (p *Program) End() *Program {
	parent := p.parent
	if parent == nil {
		panic("vm: End without Begin")
	}
	p.parent = nil
	return parent.PushProgram(p)
}

// Offset adds x to the slot register.
func (p *Program) Offset(x uint64) *Program { return p.PushUint64(x).AddSlot() }

// SetTarget sets the target register to a.
func (p *Program) SetTarget(a common.Address) *Program { return p.PushBytes(a.Bytes()).Target() }

// SetSlot sets the slot register to x.
func (p *Program) SetSlot(x uint64) *Program { return p.ZeroSlot().Offset(x) }
