package vm

import (
	"errors"
	"fmt"
)

// Fatal evaluation errors. A soft failure is reported through
// MachineState.ExitCode instead.
var (
	ErrStackOverflow      = errors.New("stack overflow")
	ErrStackUnderflow     = errors.New("stack underflow")
	ErrReaderOverflow     = errors.New("reader overflow")
	ErrInvalidInput       = errors.New("invalid input index")
	ErrInvalidOutput      = errors.New("invalid output index")
	ErrUnknownOp          = errors.New("unknown op")
	ErrSliceOverflow      = errors.New("slice overflow")
	ErrInvalidElementSize = errors.New("invalid element size")
	ErrInvalidBytes       = errors.New("invalid bytes encoding")
	ErrInvalidProgram     = errors.New("invalid program encoding")
	ErrOutputOverflow     = errors.New("output overflow")
	ErrInputOverflow      = errors.New("input overflow")

	ErrTooManyBytes   = errors.New("too many bytes")
	ErrTooManyTargets = errors.New("too many targets")
	ErrTooManyProofs  = errors.New("too many proofs")
)

// LimitError reports a resource limit violation with the attempted value.
type LimitError struct {
	Limit error // ErrTooManyBytes, ErrTooManyTargets or ErrTooManyProofs
	Value uint64
	Max   int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: %d > %d", e.Limit, e.Value, e.Max)
}

func (e *LimitError) Unwrap() error { return e.Limit }

// OpError locates a fatal error at the instruction that raised it.
type OpError struct {
	Pos int
	Op  Op
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("vm: %v at %d: %v", e.Op, e.Pos, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
