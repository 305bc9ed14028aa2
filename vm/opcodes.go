package vm

import "fmt"

// Op is a single program instruction. The numeric values are shared with
// the on-chain verifier and must not change.
type Op byte

const (
	TARGET      Op = 1
	SET_OUTPUT  Op = 2
	EVAL_LOOP   Op = 3
	EVAL_INLINE Op = 4

	REQ_NONZERO  Op = 10
	REQ_CONTRACT Op = 11

	READ_SLOTS Op = 20
	READ_BYTES Op = 21
	READ_ARRAY Op = 22

	SLOT_ZERO   Op = 30
	SLOT_ADD    Op = 31
	SLOT_FOLLOW Op = 32

	PUSH_INPUT  Op = 40
	PUSH_OUTPUT Op = 41
	PUSH_SLOT   Op = 42
	PUSH_TARGET Op = 43

	DUP Op = 50
	POP Op = 51

	KECCAK Op = 60
	CONCAT Op = 61
	SLICE  Op = 62

	DEBUG Op = 255
)

var opNames = map[Op]string{
	TARGET:       "TARGET",
	SET_OUTPUT:   "SET_OUTPUT",
	EVAL_LOOP:    "EVAL_LOOP",
	EVAL_INLINE:  "EVAL_INLINE",
	REQ_NONZERO:  "REQ_NONZERO",
	REQ_CONTRACT: "REQ_CONTRACT",
	READ_SLOTS:   "READ_SLOTS",
	READ_BYTES:   "READ_BYTES",
	READ_ARRAY:   "READ_ARRAY",
	SLOT_ZERO:    "SLOT_ZERO",
	SLOT_ADD:     "SLOT_ADD",
	SLOT_FOLLOW:  "SLOT_FOLLOW",
	PUSH_INPUT:   "PUSH_INPUT",
	PUSH_OUTPUT:  "PUSH_OUTPUT",
	PUSH_SLOT:    "PUSH_SLOT",
	PUSH_TARGET:  "PUSH_TARGET",
	DUP:          "DUP",
	POP:          "POP",
	KECCAK:       "KECCAK",
	CONCAT:       "CONCAT",
	SLICE:        "SLICE",
	DEBUG:        "DEBUG",
}

// Valid reports whether op is a known instruction.
func (op Op) Valid() bool {
	_, ok := opNames[op]
	return ok
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(op))
}

// LoopFlag selects EVAL_LOOP behavior.
type LoopFlag byte

const (
	// StopOnSuccess ends the loop after an iteration exits with code 0.
	StopOnSuccess LoopFlag = 1
	// StopOnFailure ends the loop after an iteration exits with a nonzero code.
	StopOnFailure LoopFlag = 2
	// AcquireState copies the last iteration's target, slot and stack back
	// into the calling state.
	AcquireState LoopFlag = 4
)

// LoopAll as the EVAL_LOOP back operand consumes the whole stack.
const LoopAll = 255
