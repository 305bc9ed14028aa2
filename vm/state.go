package vm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Trace is the part of an evaluation shared by nested and looped programs:
// the outputs and the ordered need trace.
type Trace struct {
	Outputs [][]byte
	Needs   []*Need
	targets map[common.Address]*Need
}

// Targets returns the number of distinct targets traced.
func (t *Trace) Targets() int { return len(t.targets) }

// AccountNeed returns the shared account need for target, if traced.
func (t *Trace) AccountNeed(target common.Address) (*Need, bool) {
	n, ok := t.targets[target]
	return n, ok
}

// MachineState is the working memory of one evaluation frame. Frames created
// by EVAL_LOOP get their own registers and stack but share the Trace.
type MachineState struct {
	Target   common.Address
	Slot     uint256.Int
	Stack    [][]byte
	ExitCode int

	*Trace
}

// NewMachineState returns a state with outputCount empty outputs.
func NewMachineState(outputCount int) *MachineState {
	outputs := make([][]byte, outputCount)
	for i := range outputs {
		outputs[i] = []byte{}
	}
	return &MachineState{
		Trace: &Trace{
			Outputs: outputs,
			targets: make(map[common.Address]*Need),
		},
	}
}

// frame returns a state sharing vm's trace with registers copied from vm and
// an empty stack.
func (vm *MachineState) frame() *MachineState {
	return &MachineState{Target: vm.Target, Slot: vm.Slot, Trace: vm.Trace}
}

func (vm *MachineState) checkOutputIndex(i byte) (int, error) {
	if int(i) >= len(vm.Outputs) {
		return 0, ErrInvalidOutput
	}
	return int(i), nil
}

func (vm *MachineState) push(v []byte) error {
	if len(vm.Stack) >= MaxStack {
		return ErrStackOverflow
	}
	vm.Stack = append(vm.Stack, v)
	return nil
}

func (vm *MachineState) pop() ([]byte, error) {
	n := len(vm.Stack)
	if n == 0 {
		return nil, ErrStackUnderflow
	}
	v := vm.Stack[n-1]
	vm.Stack = vm.Stack[:n-1]
	return v, nil
}

// popSlice removes up to back values from the top, oldest first.
func (vm *MachineState) popSlice(back int) [][]byte {
	if back > len(vm.Stack) {
		back = len(vm.Stack)
	}
	n := len(vm.Stack) - back
	v := append([][]byte(nil), vm.Stack[n:]...)
	vm.Stack = vm.Stack[:n]
	return v
}

func (vm *MachineState) peek(back int) ([]byte, error) {
	if back >= len(vm.Stack) {
		return nil, ErrStackUnderflow
	}
	return vm.Stack[len(vm.Stack)-1-back], nil
}

func (vm *MachineState) traceTarget(target common.Address, maxTargets int) error {
	need, ok := vm.targets[target]
	if !ok {
		need = &Need{Target: target, Account: true}
		vm.targets[target] = need
		if len(vm.targets) > maxTargets {
			return &LimitError{Limit: ErrTooManyTargets, Value: uint64(len(vm.targets)), Max: maxTargets}
		}
	}
	vm.Needs = append(vm.Needs, need)
	return nil
}

func (vm *MachineState) traceSlots(target common.Address, slots []uint256.Int) {
	for _, s := range slots {
		vm.Needs = append(vm.Needs, &Need{Target: target, Slot: s})
	}
}
