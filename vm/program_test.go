package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestProgramEncodeRoundTrip(t *testing.T) {
	p := NewProgram().
		SetTarget(common.HexToAddress("0x00000000000000000000000000000000000000aa")).
		SetSlot(3).
		Read(2).
		Slice(4, 8).
		Debug("here")

	enc, err := p.Encode()
	require.NoError(t, err)

	ops, inputs, err := DecodeProgram(enc)
	require.NoError(t, err)
	require.Equal(t, p.Ops(), ops)
	require.Equal(t, p.Inputs(), inputs)
}

func TestDecodeProgramGarbage(t *testing.T) {
	_, _, err := DecodeProgram([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidProgram)
}

func TestEmptyProgramEncodes(t *testing.T) {
	enc, err := NewProgram().Encode()
	require.NoError(t, err)
	ops, inputs, err := DecodeProgram(enc)
	require.NoError(t, err)
	require.Empty(t, ops)
	require.Empty(t, inputs)
}

func TestProgramInputOverflow(t *testing.T) {
	p := NewProgram()
	for i := 0; i < 256; i++ {
		p.PushUint64(uint64(i))
	}
	require.NoError(t, p.Err())
	p.PushUint64(256)
	require.ErrorIs(t, p.Err(), ErrInputOverflow)
	_, err := p.Encode()
	require.ErrorIs(t, err, ErrInputOverflow)
}

func TestRequestAddOutput(t *testing.T) {
	r := NewRequest(0)
	r.PushStr("a")
	r.AddOutput()
	r.PushStr("b")
	r.AddOutput()
	require.Equal(t, byte(2), r.OutputCount())
	require.Equal(t, []byte{2, byte(PUSH_INPUT), 0, byte(SET_OUTPUT), 0, byte(PUSH_INPUT), 1, byte(SET_OUTPUT), 1}, r.Ops())

	full := NewRequest(255)
	full.AddOutput()
	require.ErrorIs(t, full.Err(), ErrOutputOverflow)
}

func TestRequestCloneIsIndependent(t *testing.T) {
	r := NewRequest(1)
	c := r.Clone()
	c.PushStr("x")
	require.Len(t, r.Ops(), 1)
	require.Empty(t, r.Inputs())
	require.Len(t, c.Ops(), 3)
}

func TestBeginEnd(t *testing.T) {
	outer := NewProgram()
	got := outer.Begin().PushStr("inner").End()
	require.Same(t, outer, got)
	require.Equal(t, []byte{byte(PUSH_INPUT), 0}, outer.Ops())

	r, err := DecodeReader(outer.Inputs()[0])
	require.NoError(t, err)
	s, err := func() (string, error) {
		if _, err := r.ReadByte(); err != nil {
			return "", err
		}
		return r.ReadInputStr()
	}()
	require.NoError(t, err)
	require.Equal(t, "inner", s)

	require.Panics(t, func() { NewProgram().End() })
}

func TestReadActions(t *testing.T) {
	p := NewProgram().
		PushUint64(1).
		EvalLoopBack(2, StopOnSuccess|AcquireState).
		ReadArray(0x0102).
		Slice(1, 2).
		Debug("x").
		Pop()

	actions, err := p.Reader().ReadActions()
	require.NoError(t, err)
	require.Len(t, actions, 6)

	require.Equal(t, Action{Pos: 0, Op: PUSH_INPUT, Args: []uint16{0}}, actions[0])
	require.Equal(t, Action{Pos: 2, Op: EVAL_LOOP, Args: []uint16{2, 5}}, actions[1])
	require.Equal(t, Action{Pos: 5, Op: READ_ARRAY, Args: []uint16{0x0102}}, actions[2])
	require.Equal(t, Action{Pos: 8, Op: SLICE, Args: []uint16{1, 2}}, actions[3])
	require.Equal(t, Action{Pos: 13, Op: DEBUG, Label: "x"}, actions[4])
	require.Equal(t, Action{Pos: 15, Op: POP}, actions[5])
	require.Equal(t, `0013 DEBUG "x"`, actions[4].String())
}

func TestReadActionErrors(t *testing.T) {
	_, err := NewReader([]byte{0x77}, nil).ReadActions()
	require.ErrorIs(t, err, ErrUnknownOp)

	_, err = NewReader([]byte{byte(SLICE), 0}, nil).ReadActions()
	require.ErrorIs(t, err, ErrReaderOverflow)

	_, err = NewReader([]byte{byte(DEBUG), 3}, nil).ReadActions()
	require.ErrorIs(t, err, ErrInvalidInput)

	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, DEBUG, opErr.Op)
}

func TestDisassemble(t *testing.T) {
	p := NewProgram().PushBytes([]byte{0xde, 0xad}).Keccak()
	out, err := Disassemble(p.Ops(), p.Inputs())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, []string{"0000 PUSH_INPUT 0 0xdead", "0002 KECCAK"}, lines)
}

func TestOpString(t *testing.T) {
	require.Equal(t, "READ_BYTES", READ_BYTES.String())
	require.Equal(t, "UNKNOWN(99)", Op(99).String())
	require.True(t, DEBUG.Valid())
	require.False(t, Op(0).Valid())
}

func TestFollowSlot(t *testing.T) {
	// keccak256(uint256(1) ++ uint256(0)), the slot of key 1 in the mapping at slot 0.
	key := uint256.NewInt(1).Bytes32()
	got := FollowSlot(new(uint256.Int), key[:])
	require.Equal(t, "0xada5013122d395ba3c54772283fb069b10426056ef8ca54750cb9bb552a59e7d", got.Hex())
}

func TestArraySlots(t *testing.T) {
	require.Nil(t, ArraySlots(uint256.NewInt(0), 0))
	slots := ArraySlots(uint256.NewInt(0), 2)
	// keccak256(uint256(0))
	require.Equal(t, "0x290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563", slots[0].Hex())
	var next uint256.Int
	next.AddUint64(&slots[0], 1)
	require.Equal(t, next, slots[1])
}

func TestAddressFromBytes(t *testing.T) {
	want := common.HexToAddress("0x1234567890123456789012345678901234567890")
	word := common.LeftPadBytes(want.Bytes(), 32)
	word[0] = 0xff // ignored high bits
	require.Equal(t, want, addressFromBytes(word))
	require.Equal(t, want, addressFromBytes(want.Bytes()))
	require.Equal(t, common.HexToAddress("0x01"), addressFromBytes([]byte{1}))
}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	l := DefaultLimits()
	l.MaxUniqueProofs = 257
	require.Error(t, l.Validate())

	l = DefaultLimits()
	l.ProofBatchSize = 0
	require.Error(t, l.Validate())

	_, err := DefaultLimits().CheckSize(1025)
	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	require.ErrorIs(t, err, ErrTooManyBytes)
	require.Equal(t, "too many bytes: 1025 > 1024", err.Error())
}

func TestProofSequenceExpand(t *testing.T) {
	seq := &ProofSequence{
		Proofs: [][]byte{{1}, {2}},
		Order:  []byte{0, 1, 0},
	}
	got, err := seq.Expand()
	require.NoError(t, err)
	require.Equal(t, [][]byte{{1}, {2}, {1}}, got)

	seq.Order = append(seq.Order, 2)
	_, err = seq.Expand()
	require.Error(t, err)
}
