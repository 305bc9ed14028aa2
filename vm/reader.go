package vm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Reader is a cursor over program ops with random access to the inputs.
type Reader struct {
	ops    []byte
	inputs [][]byte
	pos    int
}

// NewReader returns a reader positioned at the first op.
func NewReader(ops []byte, inputs [][]byte) *Reader {
	return &Reader{ops: ops, inputs: inputs}
}

// DecodeReader decodes an ABI-encoded program.
func DecodeReader(data []byte) (*Reader, error) {
	ops, inputs, err := DecodeProgram(data)
	if err != nil {
		return nil, err
	}
	return NewReader(ops, inputs), nil
}

// Pos returns the cursor position.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unread op bytes.
func (r *Reader) Remaining() int { return len(r.ops) - r.pos }

// Inputs returns the input table.
func (r *Reader) Inputs() [][]byte { return r.inputs }

func (r *Reader) checkRead(n int) error {
	if r.pos+n > len(r.ops) {
		return ErrReaderOverflow
	}
	return nil
}

// ReadByte reads one op byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.checkRead(1); err != nil {
		return 0, err
	}
	b := r.ops[r.pos]
	r.pos++
	return b, nil
}

// ReadShort reads a big-endian uint16.
func (r *Reader) ReadShort() (uint16, error) {
	if err := r.checkRead(2); err != nil {
		return 0, err
	}
	x := uint16(r.ops[r.pos])<<8 | uint16(r.ops[r.pos+1])
	r.pos += 2
	return x, nil
}

// ReadInput reads an input index and returns that input.
func (r *Reader) ReadInput() ([]byte, error) {
	i, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if int(i) >= len(r.inputs) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInput, i)
	}
	return r.inputs[i], nil
}

// ReadInputStr reads an input as a string.
func (r *Reader) ReadInputStr() (string, error) {
	v, err := r.ReadInput()
	return string(v), err
}

// Action is one decoded instruction.
type Action struct {
	Pos   int
	Op    Op
	Args  []uint16 // fixed-width operands in encoding order
	Label string   // DEBUG only
}

func (a Action) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%04d %v", a.Pos, a.Op)
	for _, x := range a.Args {
		fmt.Fprintf(&b, " %d", x)
	}
	if a.Op == DEBUG {
		fmt.Fprintf(&b, " %q", a.Label)
	}
	return b.String()
}

// ReadAction decodes the next instruction without executing it.
func (r *Reader) ReadAction() (Action, error) {
	a := Action{Pos: r.pos}
	b, err := r.ReadByte()
	if err != nil {
		return a, err
	}
	a.Op = Op(b)
	switch a.Op {
	case DEBUG:
		a.Label, err = r.ReadInputStr()
	case SET_OUTPUT, PUSH_INPUT, PUSH_OUTPUT, DUP, READ_SLOTS, REQ_NONZERO:
		err = r.readArgs(&a, 1, false)
	case EVAL_LOOP:
		err = r.readArgs(&a, 2, false)
	case READ_ARRAY:
		err = r.readArgs(&a, 1, true)
	case SLICE:
		err = r.readArgs(&a, 2, true)
	case TARGET, SLOT_ADD, SLOT_ZERO, SLOT_FOLLOW, PUSH_SLOT, PUSH_TARGET, POP,
		READ_BYTES, REQ_CONTRACT, EVAL_INLINE, KECCAK, CONCAT:
	default:
		err = ErrUnknownOp
	}
	if err != nil {
		return a, &OpError{Pos: a.Pos, Op: a.Op, Err: err}
	}
	return a, nil
}

func (r *Reader) readArgs(a *Action, n int, wide bool) error {
	for range n {
		var x uint16
		if wide {
			v, err := r.ReadShort()
			if err != nil {
				return err
			}
			x = v
		} else {
			v, err := r.ReadByte()
			if err != nil {
				return err
			}
			x = uint16(v)
		}
		a.Args = append(a.Args, x)
	}
	return nil
}

// ReadActions decodes every remaining instruction.
func (r *Reader) ReadActions() ([]Action, error) {
	var actions []Action
	for r.Remaining() > 0 {
		a, err := r.ReadAction()
		if err != nil {
			return actions, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// Disassemble renders ops one instruction per line. Inputs referenced by
// PUSH_INPUT are shown in hex.
func Disassemble(ops []byte, inputs [][]byte) (string, error) {
	return NewReader(ops, inputs).Disassemble()
}

// Disassemble renders the unread ops. On a decoding error the lines read so
// far are returned with it.
func (r *Reader) Disassemble() (string, error) {
	actions, err := r.ReadActions()
	var b strings.Builder
	for _, a := range actions {
		b.WriteString(a.String())
		if a.Op == PUSH_INPUT && int(a.Args[0]) < len(r.inputs) {
			b.WriteString(" ")
			b.WriteString(hexutil.Encode(r.inputs[a.Args[0]]))
		}
		b.WriteByte('\n')
	}
	return b.String(), err
}
