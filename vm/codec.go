package vm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// programArgs is the ABI tuple (bytes ops, bytes[] inputs) used for nested
// programs and for requests on the wire.
var programArgs = abi.Arguments{
	{Type: mustType("bytes")},
	{Type: mustType("bytes[]")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// EncodeProgram ABI-encodes ops and inputs.
func EncodeProgram(ops []byte, inputs [][]byte) ([]byte, error) {
	if inputs == nil {
		inputs = [][]byte{}
	}
	if ops == nil {
		ops = []byte{}
	}
	return programArgs.Pack(ops, inputs)
}

// DecodeProgram reverses EncodeProgram.
func DecodeProgram(data []byte) (ops []byte, inputs [][]byte, err error) {
	vs, err := programArgs.Unpack(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	ops, ok := vs[0].([]byte)
	if !ok {
		return nil, nil, fmt.Errorf("%w: ops is %T", ErrInvalidProgram, vs[0])
	}
	inputs, ok = vs[1].([][]byte)
	if !ok {
		return nil, nil, fmt.Errorf("%w: inputs is %T", ErrInvalidProgram, vs[1])
	}
	return ops, inputs, nil
}
