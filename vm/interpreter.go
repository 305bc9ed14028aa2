package vm

import (
	"context"
	"log/slog"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/TateB/evmgateway-v2/crypto"
	"github.com/TateB/evmgateway-v2/log"
	"github.com/TateB/evmgateway-v2/metrics"
)

var (
	logger = log.Module("vm")

	evaluations = metrics.NewCounterVec("vm", "evaluations_total",
		"Completed evaluations by result (ok, exit, error).", "result")
	slotReads = metrics.NewCounter("vm", "slot_reads_total",
		"Storage slots read through the prover.")
)

// EvalRequest evaluates req against p.
func EvalRequest(ctx context.Context, p Prover, req *Request) (*MachineState, error) {
	if err := req.Err(); err != nil {
		return nil, err
	}
	return EvalReader(ctx, p, req.Reader())
}

// EvalEncoded evaluates a request given as raw ops and inputs.
func EvalEncoded(ctx context.Context, p Prover, ops []byte, inputs [][]byte) (*MachineState, error) {
	return EvalReader(ctx, p, NewReader(ops, inputs))
}

// EvalReader reads the output count and evaluates the rest of r. A soft
// failure is reported in the returned state's ExitCode; fatal errors are
// returned as *OpError (or the prover's error wrapped in one).
func EvalReader(ctx context.Context, p Prover, r *Reader) (*MachineState, error) {
	n, err := r.ReadByte()
	if err != nil {
		evaluations.WithLabelValues("error").Inc()
		return nil, err
	}
	vm := NewMachineState(int(n))
	in := &interpreter{prover: p, limits: p.Limits()}
	if err := in.eval(ctx, r, vm); err != nil {
		evaluations.WithLabelValues("error").Inc()
		return nil, err
	}
	if vm.ExitCode != 0 {
		evaluations.WithLabelValues("exit").Inc()
	} else {
		evaluations.WithLabelValues("ok").Inc()
	}
	return vm, nil
}

type interpreter struct {
	prover Prover
	limits Limits
}

// eval runs r to completion or until a soft failure sets vm.ExitCode.
func (in *interpreter) eval(ctx context.Context, r *Reader, vm *MachineState) error {
	for r.Remaining() > 0 {
		pos := r.Pos()
		b, _ := r.ReadByte()
		op := Op(b)
		halt, err := in.step(ctx, r, vm, op)
		if err != nil {
			return &OpError{Pos: pos, Op: op, Err: err}
		}
		if halt {
			return nil
		}
	}
	return nil
}

func (in *interpreter) step(ctx context.Context, r *Reader, vm *MachineState, op Op) (halt bool, err error) {
	switch op {
	case DEBUG:
		label, err := r.ReadInputStr()
		if err != nil {
			return false, err
		}
		in.debug(label, vm)

	case TARGET:
		v, err := vm.pop()
		if err != nil {
			return false, err
		}
		vm.Target = addressFromBytes(v)
		vm.Slot.Clear()
		return false, vm.traceTarget(vm.Target, in.limits.MaxUniqueTargets)

	case SLOT_ADD:
		v, err := vm.pop()
		if err != nil {
			return false, err
		}
		var x uint256.Int
		x.SetBytes(v)
		vm.Slot.Add(&vm.Slot, &x)

	case SLOT_ZERO:
		vm.Slot.Clear()

	case SET_OUTPUT:
		b, err := r.ReadByte()
		if err != nil {
			return false, err
		}
		i, err := vm.checkOutputIndex(b)
		if err != nil {
			return false, err
		}
		v, err := vm.pop()
		if err != nil {
			return false, err
		}
		vm.Outputs[i] = v

	case PUSH_INPUT:
		v, err := r.ReadInput()
		if err != nil {
			return false, err
		}
		return false, vm.push(v)

	case PUSH_OUTPUT:
		b, err := r.ReadByte()
		if err != nil {
			return false, err
		}
		i, err := vm.checkOutputIndex(b)
		if err != nil {
			return false, err
		}
		return false, vm.push(vm.Outputs[i])

	case PUSH_SLOT:
		b := vm.Slot.Bytes32()
		return false, vm.push(b[:])

	case PUSH_TARGET:
		return false, vm.push(vm.Target.Bytes())

	case DUP:
		back, err := r.ReadByte()
		if err != nil {
			return false, err
		}
		v, err := vm.peek(int(back))
		if err != nil {
			return false, err
		}
		return false, vm.push(v)

	case POP:
		// Popping an empty stack is allowed.
		vm.popSlice(1)

	case READ_SLOTS:
		count, err := r.ReadByte()
		if err != nil {
			return false, err
		}
		if _, err := in.limits.CheckSize(uint64(count) << 5); err != nil {
			return false, err
		}
		slots := slotRange(&vm.Slot, int(count))
		vm.traceSlots(vm.Target, slots)
		v, err := in.readSlots(ctx, vm.Target, slots)
		if err != nil {
			return false, err
		}
		return false, vm.push(v)

	case READ_BYTES:
		return false, in.readBytes(ctx, vm)

	case READ_ARRAY:
		step, err := r.ReadShort()
		if err != nil {
			return false, err
		}
		return false, in.readArray(ctx, vm, step)

	case REQ_CONTRACT:
		if need, ok := vm.targets[vm.Target]; ok {
			need.Required = true
		}
		ok, err := in.prover.IsContract(ctx, vm.Target)
		if err != nil {
			return false, err
		}
		if !ok {
			vm.ExitCode = 1
			return true, nil
		}

	case REQ_NONZERO:
		back, err := r.ReadByte()
		if err != nil {
			return false, err
		}
		v, err := vm.peek(int(back))
		if err != nil {
			return false, err
		}
		if isZero(v) {
			vm.ExitCode = 1
			return true, nil
		}

	case EVAL_INLINE:
		program, err := in.popProgram(vm)
		if err != nil {
			return false, err
		}
		if err := in.eval(ctx, program, vm); err != nil {
			return false, err
		}
		return vm.ExitCode != 0, nil

	case EVAL_LOOP:
		back, err := r.ReadByte()
		if err != nil {
			return false, err
		}
		flags, err := r.ReadByte()
		if err != nil {
			return false, err
		}
		return false, in.evalLoop(ctx, vm, int(back), LoopFlag(flags))

	case SLOT_FOLLOW:
		key, err := vm.pop()
		if err != nil {
			return false, err
		}
		vm.Slot = FollowSlot(&vm.Slot, key)

	case KECCAK:
		v, err := vm.pop()
		if err != nil {
			return false, err
		}
		return false, vm.push(crypto.Keccak256(v))

	case CONCAT:
		last, err := vm.pop()
		if err != nil {
			return false, err
		}
		first, err := vm.pop()
		if err != nil {
			return false, err
		}
		v := make([]byte, 0, len(first)+len(last))
		v = append(append(v, first...), last...)
		return false, vm.push(v)

	case SLICE:
		x, err := r.ReadShort()
		if err != nil {
			return false, err
		}
		n, err := r.ReadShort()
		if err != nil {
			return false, err
		}
		v, err := vm.pop()
		if err != nil {
			return false, err
		}
		end := int(x) + int(n)
		if end > len(v) {
			return false, ErrSliceOverflow
		}
		return false, vm.push(append([]byte{}, v[x:end]...))

	default:
		return false, ErrUnknownOp
	}
	return false, nil
}

func (in *interpreter) popProgram(vm *MachineState) (*Reader, error) {
	v, err := vm.pop()
	if err != nil {
		return nil, err
	}
	return DecodeReader(v)
}

// evalLoop runs the popped program once per argument, most recent first.
// Iterations share the trace but not registers or stack.
func (in *interpreter) evalLoop(ctx context.Context, vm *MachineState, back int, flags LoopFlag) error {
	program, err := in.popProgram(vm)
	if err != nil {
		return err
	}
	args := vm.popSlice(back)
	vm2 := vm.frame()
	for i := len(args) - 1; i >= 0; i-- {
		vm2.Target = vm.Target
		vm2.Slot = vm.Slot
		vm2.Stack = [][]byte{args[i]}
		vm2.ExitCode = 0
		if err := in.eval(ctx, NewReader(program.ops, program.inputs), vm2); err != nil {
			return err
		}
		stop := StopOnSuccess
		if vm2.ExitCode != 0 {
			stop = StopOnFailure
		}
		if flags&stop != 0 {
			break
		}
	}
	if flags&AcquireState != 0 {
		vm.Target = vm2.Target
		vm.Slot = vm2.Slot
		vm.Stack = vm2.Stack
	}
	return nil
}

// readSlots fetches slots concurrently and concatenates their values.
func (in *interpreter) readSlots(ctx context.Context, target common.Address, slots []uint256.Int) ([]byte, error) {
	out := make([]byte, len(slots)*32)
	if len(slots) == 0 {
		return out, nil
	}
	g, ctx := errgroup.WithContext(ctx)
	if in.limits.ProofBatchSize > 0 {
		g.SetLimit(in.limits.ProofBatchSize)
	}
	for i := range slots {
		g.Go(func() error {
			v, err := in.prover.GetStorage(ctx, target, &slots[i])
			if err != nil {
				return err
			}
			copy(out[i*32:], v[:])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slotReads.Add(float64(len(slots)))
	return out, nil
}

// readBytes implements the Solidity bytes/string storage layout. A short
// value (at most 31 bytes) lives in the slot itself with length*2 in the
// low byte; a long value stores length*2+1 and its data at keccak(slot).
func (in *interpreter) readBytes(ctx context.Context, vm *MachineState) error {
	target, slot := vm.Target, vm.Slot
	vm.traceSlots(target, []uint256.Int{slot})
	first, err := in.readSlots(ctx, target, []uint256.Int{slot})
	if err != nil {
		return err
	}
	if last := first[31]; last&1 == 0 {
		size := int(last >> 1)
		if size > 31 {
			return ErrInvalidBytes
		}
		return vm.push(first[:size])
	}
	var word uint256.Int
	word.SetBytes(first)
	word.Rsh(&word, 1)
	size, err := in.checkWord(&word)
	if err != nil {
		return err
	}
	slots := ArraySlots(&slot, (size+31)>>5)
	vm.traceSlots(target, slots)
	v, err := in.readSlots(ctx, target, slots)
	if err != nil {
		return err
	}
	return vm.push(v[:size])
}

// readArray pushes the length slot of a dynamic array followed by its data
// slots. step is the element width in bytes; elements narrower than a slot
// are packed.
func (in *interpreter) readArray(ctx context.Context, vm *MachineState, step uint16) error {
	if step == 0 {
		return ErrInvalidElementSize
	}
	target, slot := vm.Target, vm.Slot
	vm.traceSlots(target, []uint256.Int{slot})
	first, err := in.readSlots(ctx, target, []uint256.Int{slot})
	if err != nil {
		return err
	}
	var word uint256.Int
	word.SetBytes(first)
	length, err := in.checkWord(&word)
	if err != nil {
		return err
	}
	if step < 32 {
		per := 32 / int(step)
		length = (length + per - 1) / per
	} else {
		length *= (int(step) + 31) >> 5
	}
	slots := ArraySlots(&slot, length)
	vm.traceSlots(target, slots)
	v, err := in.readSlots(ctx, target, slots)
	if err != nil {
		return err
	}
	return vm.push(append(first, v...))
}

func (in *interpreter) checkWord(x *uint256.Int) (int, error) {
	if !x.IsUint64() {
		return 0, &LimitError{Limit: ErrTooManyBytes, Value: math.MaxUint64, Max: in.limits.MaxReadBytes}
	}
	return in.limits.CheckSize(x.Uint64())
}

func (in *interpreter) debug(label string, vm *MachineState) {
	if !logger.Enabled(slog.LevelDebug) {
		return
	}
	stack := make([]string, len(vm.Stack))
	for i, v := range vm.Stack {
		stack[i] = hexutil.Encode(v)
	}
	outputs := make([]string, len(vm.Outputs))
	for i, v := range vm.Outputs {
		outputs[i] = hexutil.Encode(v)
	}
	logger.Debug("DEBUG", "label", label, "target", vm.Target, "slot", vm.Slot.Hex(),
		"exitCode", vm.ExitCode, "stack", stack, "outputs", outputs, "needs", len(vm.Needs))
}

func isZero(v []byte) bool {
	for _, b := range v {
		if b != 0 {
			return false
		}
	}
	return true
}
