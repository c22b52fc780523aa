// Package program defines the serialized form of gvm instruction streams.
// A Program is an envelope around a list of instruction records keyed by
// opcode name; it converts to and from typed vm instructions and travels as
// canonical CBOR (.gvmc) or JSON (.json).
package program

import (
	"fmt"
	"math"

	"github.com/chazu/gvm/vm"
	"github.com/goccy/go-json"
)

// Version is the envelope version written by this package.
const Version = 1

// Program is the envelope of a serialized instruction stream.
type Program struct {
	Version      int     `cbor:"1,keyasint" json:"version"`
	Instructions []Instr `cbor:"2,keyasint" json:"instructions"`
}

// Instr is one instruction record. Only the fields the opcode uses are set.
type Instr struct {
	Opcode          string `cbor:"1,keyasint" json:"opcode"`
	Value           any    `cbor:"2,keyasint,omitempty" json:"value,omitempty"`
	CompilePos      []int  `cbor:"3,keyasint,omitempty" json:"compilePos,omitempty"`
	Sym             string `cbor:"4,keyasint,omitempty" json:"sym,omitempty"`
	Operator        string `cbor:"5,keyasint,omitempty" json:"operator,omitempty"`
	NumDeclarations int    `cbor:"6,keyasint,omitempty" json:"numDeclarations,omitempty"`
	Arity           int    `cbor:"7,keyasint,omitempty" json:"arity,omitempty"`
	EntryInstr      int    `cbor:"8,keyasint,omitempty" json:"entryInstr,omitempty"`
	TargetInstr     int    `cbor:"9,keyasint,omitempty" json:"targetInstr,omitempty"`
	StopInstr       int    `cbor:"10,keyasint,omitempty" json:"stopInstr,omitempty"`
}

// undefinedLiteral is the wire spelling of the Unassigned literal.
const undefinedLiteral = "undefined"

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// New wraps an instruction stream in a versioned envelope.
func New(code []vm.Instruction) (*Program, error) {
	p := &Program{Version: Version, Instructions: make([]Instr, len(code))}
	for i, in := range code {
		rec, err := encodeInstr(in)
		if err != nil {
			return nil, fmt.Errorf("program: instruction %d: %w", i, err)
		}
		p.Instructions[i] = rec
	}
	return p, nil
}

func encodeInstr(in vm.Instruction) (Instr, error) {
	rec := Instr{Opcode: in.Opcode().String()}
	switch in := in.(type) {
	case vm.LoadConst:
		v, err := encodeConst(in.Value)
		if err != nil {
			return Instr{}, err
		}
		rec.Value = v
	case vm.Load:
		rec.CompilePos = []int{in.Pos.Frame, in.Pos.Slot}
		rec.Sym = in.Sym
	case vm.Assign:
		rec.CompilePos = []int{in.Pos.Frame, in.Pos.Slot}
		rec.Sym = in.Sym
	case vm.LoadFunc:
		rec.Arity = in.Arity
		rec.EntryInstr = in.Entry
	case vm.BinaryOp:
		rec.Operator = in.Op.String()
	case vm.UnaryOp:
		rec.Operator = in.Op.String()
	case vm.JumpOnFalse:
		rec.TargetInstr = in.Target
	case vm.Goto:
		rec.TargetInstr = in.Target
	case vm.Call:
		rec.Arity = in.Arity
	case vm.TailCall:
		rec.Arity = in.Arity
	case vm.EnterScope:
		rec.NumDeclarations = in.Num
	case vm.StartGoroutine:
		rec.StopInstr = in.Stop
	case vm.Done, vm.Pop, vm.Reset, vm.Nop, vm.ExitScope, vm.StopGoroutine,
		vm.Send, vm.Recv, vm.MakeWaitGroup:
	default:
		return Instr{}, fmt.Errorf("%w: %T", vm.ErrUnknownOpcode, in)
	}
	return rec, nil
}

func encodeConst(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool:
		return x, nil
	case vm.UndefinedValue:
		return undefinedLiteral, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	}
	return nil, fmt.Errorf("%w: constant of type %T", vm.ErrUnsupportedTag, v)
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode converts the envelope into typed instructions and checks every
// jump, entry and stop index against the program length.
func (p *Program) Decode() ([]vm.Instruction, error) {
	if p.Version < 0 || p.Version > Version {
		return nil, fmt.Errorf("program: unsupported version %d (this build reads up to %d)", p.Version, Version)
	}
	code := make([]vm.Instruction, len(p.Instructions))
	for i, rec := range p.Instructions {
		in, err := rec.decode()
		if err != nil {
			return nil, fmt.Errorf("program: instruction %d (%s): %w", i, rec.Opcode, err)
		}
		code[i] = in
	}
	if err := Validate(code); err != nil {
		return nil, err
	}
	return code, nil
}

func (rec Instr) decode() (vm.Instruction, error) {
	op, err := vm.ParseOpcode(rec.Opcode)
	if err != nil {
		return nil, err
	}

	switch op {
	case vm.OpLDC:
		v, err := decodeConst(rec.Value)
		if err != nil {
			return nil, err
		}
		return vm.LoadConst{Value: v}, nil
	case vm.OpLD:
		pos, err := rec.pos()
		if err != nil {
			return nil, err
		}
		return vm.Load{Pos: pos, Sym: rec.Sym}, nil
	case vm.OpASSIGN:
		pos, err := rec.pos()
		if err != nil {
			return nil, err
		}
		return vm.Assign{Pos: pos, Sym: rec.Sym}, nil
	case vm.OpLDF:
		return vm.LoadFunc{Arity: rec.Arity, Entry: rec.EntryInstr}, nil
	case vm.OpBINOP:
		o, err := vm.ParseBinaryOperator(rec.Operator)
		if err != nil {
			return nil, err
		}
		return vm.BinaryOp{Op: o}, nil
	case vm.OpUNOP:
		o, err := vm.ParseUnaryOperator(rec.Operator)
		if err != nil {
			return nil, err
		}
		return vm.UnaryOp{Op: o}, nil
	case vm.OpJOF:
		return vm.JumpOnFalse{Target: rec.TargetInstr}, nil
	case vm.OpGOTO:
		return vm.Goto{Target: rec.TargetInstr}, nil
	case vm.OpCALL:
		return vm.Call{Arity: rec.Arity}, nil
	case vm.OpTAIL_CALL:
		return vm.TailCall{Arity: rec.Arity}, nil
	case vm.OpDONE:
		return vm.Done{}, nil
	case vm.OpPOP:
		return vm.Pop{}, nil
	case vm.OpRESET:
		return vm.Reset{}, nil
	case vm.OpNOP:
		return vm.Nop{}, nil
	case vm.OpENTER_SCOPE:
		return vm.EnterScope{Num: rec.NumDeclarations}, nil
	case vm.OpEXIT_SCOPE:
		return vm.ExitScope{}, nil
	case vm.OpSTART_GOROUTINE:
		return vm.StartGoroutine{Stop: rec.StopInstr}, nil
	case vm.OpSTOP_GOROUTINE:
		return vm.StopGoroutine{}, nil
	case vm.OpSEND:
		return vm.Send{}, nil
	case vm.OpRECV:
		return vm.Recv{}, nil
	case vm.OpMAKE_WAITGROUP:
		return vm.MakeWaitGroup{}, nil
	}
	return nil, fmt.Errorf("%w: %s", vm.ErrUnknownOpcode, op)
}

func (rec Instr) pos() (vm.Pos, error) {
	if len(rec.CompilePos) != 2 {
		return vm.Pos{}, fmt.Errorf("%w: compilePos must be [frame, slot], got %v", vm.ErrMalformedProgram, rec.CompilePos)
	}
	return vm.Pos{Frame: rec.CompilePos[0], Slot: rec.CompilePos[1]}, nil
}

// decodeConst maps a wire constant onto the host values vm.Heap.Box
// accepts. JSON numbers arrive as json.Number and CBOR integers as int64
// or uint64.
func decodeConst(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool:
		return x, nil
	case string:
		if x == undefinedLiteral {
			return vm.Undefined, nil
		}
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: constant %s is not an integer", vm.ErrUnsupportedTag, x)
		}
		return n, nil
	case int64:
		return x, nil
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), nil
		}
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<63 {
			return int64(x), nil
		}
	}
	return nil, fmt.Errorf("%w: constant %v (%T)", vm.ErrUnsupportedTag, v, v)
}

// Validate checks that every instruction that names another instruction
// names one inside the stream, and that no count operand is negative.
func Validate(code []vm.Instruction) error {
	check := func(i int, what string, target int) error {
		if target < 0 || target >= len(code) {
			return fmt.Errorf("program: instruction %d: %w: %s %d outside [0, %d)",
				i, vm.ErrMalformedProgram, what, target, len(code))
		}
		return nil
	}
	nonNegative := func(i int, what string, n int) error {
		if n < 0 {
			return fmt.Errorf("program: instruction %d: %w: negative %s %d", i, vm.ErrMalformedProgram, what, n)
		}
		return nil
	}
	for i, in := range code {
		var err error
		switch in := in.(type) {
		case vm.JumpOnFalse:
			err = check(i, "target", in.Target)
		case vm.Goto:
			err = check(i, "target", in.Target)
		case vm.LoadFunc:
			err = check(i, "entry", in.Entry)
			if err == nil {
				err = nonNegative(i, "arity", in.Arity)
			}
		case vm.Call:
			err = nonNegative(i, "arity", in.Arity)
		case vm.TailCall:
			err = nonNegative(i, "arity", in.Arity)
		case vm.EnterScope:
			err = nonNegative(i, "numDeclarations", in.Num)
		case vm.StartGoroutine:
			if in.Stop != 0 {
				err = check(i, "stop", in.Stop)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
