package vm

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op          Opcode
		name        string
		stackEffect int
	}{
		{OpLDC, "LDC", 1},
		{OpLD, "LD", 1},
		{OpLDF, "LDF", 1},
		{OpASSIGN, "ASSIGN", 0},
		{OpBINOP, "BINOP", -1},
		{OpJOF, "JOF", -1},
		{OpTAIL_CALL, "TAIL_CALL", -1},
		{OpENTER_SCOPE, "ENTER_SCOPE", 0},
		{OpSTART_GOROUTINE, "START_GOROUTINE", 0},
		{OpSEND, "SEND", -2},
		{OpMAKE_WAITGROUP, "MAKE_WAITGROUP", 1},
	}

	for _, tt := range tests {
		info := tt.op.Info()
		if info.Name != tt.name {
			t.Errorf("%s: Name = %q, want %q", tt.op, info.Name, tt.name)
		}
		if info.StackEffect != tt.stackEffect {
			t.Errorf("%s: StackEffect = %d, want %d", tt.op, info.StackEffect, tt.stackEffect)
		}
	}
}

func TestParseOpcode(t *testing.T) {
	for op := Opcode(0); op < numOpcodes; op++ {
		got, err := ParseOpcode(op.String())
		if err != nil {
			t.Errorf("ParseOpcode(%q): %v", op.String(), err)
			continue
		}
		if got != op {
			t.Errorf("ParseOpcode(%q) = %s, want %s", op.String(), got, op)
		}
	}
	if _, err := ParseOpcode("JUMP"); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("ParseOpcode(JUMP) err = %v, want ErrUnknownOpcode", err)
	}
}

func TestUnknownOpcode(t *testing.T) {
	op := Opcode(0xFF)
	info := op.Info()
	if !strings.HasPrefix(info.Name, "UNKNOWN_") {
		t.Errorf("unknown opcode should have UNKNOWN_ prefix, got %q", info.Name)
	}
}

func TestParseOperators(t *testing.T) {
	for _, sym := range []string{"+", "-", "*", "/", "%", "<", "<=", ">", ">=", "==", "!=", "&&", "||"} {
		op, err := ParseBinaryOperator(sym)
		if err != nil {
			t.Errorf("ParseBinaryOperator(%q): %v", sym, err)
			continue
		}
		if op.String() != sym {
			t.Errorf("ParseBinaryOperator(%q) = %s", sym, op)
		}
	}
	if op, err := ParseUnaryOperator("-"); err != nil || op != Neg {
		t.Errorf("ParseUnaryOperator(-) = %v, %v, want Neg", op, err)
	}
	if _, err := ParseBinaryOperator("!"); !errors.Is(err, ErrUnknownOperator) {
		t.Errorf("ParseBinaryOperator(!) err = %v, want ErrUnknownOperator", err)
	}
	if _, err := ParseUnaryOperator("+"); !errors.Is(err, ErrUnknownOperator) {
		t.Errorf("ParseUnaryOperator(+) err = %v, want ErrUnknownOperator", err)
	}
}

// ---------------------------------------------------------------------------
// Builder tests
// ---------------------------------------------------------------------------

func TestBuilderEmit(t *testing.T) {
	b := NewBuilder()
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
	if idx := b.Emit(Nop{}); idx != 0 {
		t.Errorf("first Emit = %d, want 0", idx)
	}
	if idx := b.Emit(Done{}); idx != 1 {
		t.Errorf("second Emit = %d, want 1", idx)
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
}

func TestLabelForwardJump(t *testing.T) {
	b := NewBuilder()
	label := b.NewLabel()

	b.EmitJump(OpJOF, label) // 0
	b.Emit(Nop{})            // 1
	b.Mark(label)            // target 2
	b.Emit(Done{})

	code, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if jof := code[0].(JumpOnFalse); jof.Target != 2 {
		t.Errorf("forward jump target = %d, want 2", jof.Target)
	}
}

func TestLabelBackwardJump(t *testing.T) {
	b := NewBuilder()
	label := b.NewLabel()

	b.Emit(Nop{})
	b.Mark(label)             // target 1
	b.Emit(Nop{})             // 1
	b.EmitJump(OpGOTO, label) // 2

	code, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if g := code[2].(Goto); g.Target != 1 {
		t.Errorf("backward jump target = %d, want 1", g.Target)
	}
}

func TestLabelPatchesFunctionsAndGoroutines(t *testing.T) {
	b := NewBuilder()
	entry, stop := b.NewLabel(), b.NewLabel()
	b.EmitLoadFunc(2, entry)
	b.EmitStartGoroutine(stop)
	b.Mark(stop)
	b.Emit(StopGoroutine{})
	b.Mark(entry)
	b.Emit(Reset{})

	code, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if f := code[0].(LoadFunc); f.Entry != 3 || f.Arity != 2 {
		t.Errorf("LDF = %+v, want entry 3 arity 2", f)
	}
	if g := code[1].(StartGoroutine); g.Stop != 2 {
		t.Errorf("START_GOROUTINE stop = %d, want 2", g.Stop)
	}
}

func TestLabelDoubleMark(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("double mark should panic")
		}
	}()

	b := NewBuilder()
	label := b.NewLabel()
	b.Mark(label)
	b.Mark(label) // Should panic
}

func TestBuildUnresolvedLabel(t *testing.T) {
	b := NewBuilder()
	b.EmitJump(OpGOTO, b.NewLabel())
	if _, err := b.Build(); err == nil {
		t.Error("Build with an unresolved label should fail")
	}
}

func TestEmitBuiltin(t *testing.T) {
	b := NewBuilder()
	b.EmitBuiltin("wgWait")
	code, _ := b.Build()
	ld := code[0].(Load)
	if ld.Pos != (Pos{Frame: 0, Slot: int(BuiltinWgWait)}) || ld.Sym != "wgWait" {
		t.Errorf("EmitBuiltin(wgWait) = %+v", ld)
	}
}

// ---------------------------------------------------------------------------
// Disassembler tests
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	code := []Instruction{
		LoadConst{Value: int64(1)},
		LoadConst{Value: Undefined},
		Load{Pos: Pos{Frame: 1, Slot: 2}, Sym: "x"},
		BinaryOp{Op: Le},
		JumpOnFalse{Target: 12},
		LoadFunc{Arity: 2, Entry: 7},
		Call{Arity: 2},
		Done{},
	}
	want := strings.Join([]string{
		"0000  LDC 1",
		"0001  LDC undefined",
		"0002  LD [1,2] x",
		"0003  BINOP <=",
		"0004  JOF (-> 0012)",
		"0005  LDF arity=2 (-> 0007)",
		"0006  CALL 2",
		"0007  DONE",
	}, "\n")
	if got := Disassemble(code); got != want {
		t.Errorf("Disassemble =\n%s\nwant\n%s", got, want)
	}
}

func TestFormatNilConstant(t *testing.T) {
	if got := FormatInstruction(LoadConst{}); got != "LDC nil" {
		t.Errorf("FormatInstruction = %q, want %q", got, "LDC nil")
	}
}
