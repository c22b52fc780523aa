package program

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/chazu/gvm/vm"
)

// rendezvous sends 7 from a goroutine to main over an unbuffered channel.
const rendezvousJSON = `[
  {"opcode": "ENTER_SCOPE", "numDeclarations": 1},
  {"opcode": "LD", "compilePos": [0, 3], "sym": "make"},
  {"opcode": "LDC", "value": null},
  {"opcode": "LDC", "value": 0},
  {"opcode": "CALL", "arity": 2},
  {"opcode": "ASSIGN", "compilePos": [1, 0], "sym": "ch"},
  {"opcode": "POP"},
  {"opcode": "START_GOROUTINE", "stopInstr": 11},
  {"opcode": "LD", "compilePos": [1, 0], "sym": "ch"},
  {"opcode": "LDC", "value": 7},
  {"opcode": "SEND"},
  {"opcode": "STOP_GOROUTINE"},
  {"opcode": "LD", "compilePos": [1, 0], "sym": "ch"},
  {"opcode": "RECV"},
  {"opcode": "DONE"}
]`

func sample() []vm.Instruction {
	return []vm.Instruction{
		vm.EnterScope{Num: 2},
		vm.LoadConst{Value: int64(-5)},
		vm.LoadConst{Value: true},
		vm.LoadConst{Value: false},
		vm.LoadConst{Value: nil},
		vm.LoadConst{Value: vm.Undefined},
		vm.Assign{Pos: vm.Pos{Frame: 1, Slot: 1}, Sym: "x"},
		vm.Load{Pos: vm.Pos{Frame: 1, Slot: 0}, Sym: "y"},
		vm.BinaryOp{Op: vm.Le},
		vm.UnaryOp{Op: vm.Not},
		vm.JumpOnFalse{Target: 0},
		vm.LoadFunc{Arity: 2, Entry: 14},
		vm.StartGoroutine{Stop: 13},
		vm.StopGoroutine{},
		vm.TailCall{Arity: 2},
		vm.Call{Arity: 0},
		vm.Goto{Target: 17},
		vm.MakeWaitGroup{},
		vm.Send{},
		vm.Recv{},
		vm.ExitScope{},
		vm.Reset{},
		vm.Nop{},
		vm.Pop{},
		vm.Done{},
	}
}

func TestCBORRoundTrip(t *testing.T) {
	p, err := New(sample())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := MarshalProgram(p)
	if err != nil {
		t.Fatalf("MarshalProgram: %v", err)
	}
	got, err := UnmarshalProgram(data)
	if err != nil {
		t.Fatalf("UnmarshalProgram: %v", err)
	}
	code, err := got.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(code, sample()) {
		t.Errorf("decoded program differs:\n%s\nwant\n%s", vm.Disassemble(code), vm.Disassemble(sample()))
	}
}

func TestCBORIsDeterministic(t *testing.T) {
	p, _ := New(sample())
	a, err := MarshalProgram(p)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalProgram(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("encoding the same program twice gave different bytes")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	p, _ := New(sample())
	data, err := MarshalProgramJSON(p)
	if err != nil {
		t.Fatalf("MarshalProgramJSON: %v", err)
	}
	got, err := UnmarshalProgramJSON(data)
	if err != nil {
		t.Fatalf("UnmarshalProgramJSON: %v", err)
	}
	if got.Version != Version {
		t.Errorf("Version = %d, want %d", got.Version, Version)
	}
	code, err := got.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(code, sample()) {
		t.Errorf("decoded program differs:\n%s\nwant\n%s", vm.Disassemble(code), vm.Disassemble(sample()))
	}
}

func TestBareJSONArrayRuns(t *testing.T) {
	p, err := UnmarshalProgramJSON([]byte(rendezvousJSON))
	if err != nil {
		t.Fatal(err)
	}
	code, err := p.Decode()
	if err != nil {
		t.Fatal(err)
	}
	m, err := vm.New(vm.DefaultHeapWords, code, vm.Options{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != int64(7) {
		t.Errorf("result = %v, want 7", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
		want error
	}{
		{"unknown opcode", `[{"opcode": "JUMP"}]`, vm.ErrUnknownOpcode},
		{"unknown binary operator", `[{"opcode": "BINOP", "operator": "**"}]`, vm.ErrUnknownOperator},
		{"unary operator in binop", `[{"opcode": "BINOP", "operator": "!"}]`, vm.ErrUnknownOperator},
		{"string constant", `[{"opcode": "LDC", "value": "hello"}]`, vm.ErrUnsupportedTag},
		{"fractional constant", `[{"opcode": "LDC", "value": 1.5}]`, vm.ErrUnsupportedTag},
		{"short compilePos", `[{"opcode": "LD", "compilePos": [1]}]`, vm.ErrMalformedProgram},
		{"jump past end", `[{"opcode": "GOTO", "targetInstr": 4}]`, vm.ErrMalformedProgram},
		{"entry past end", `[{"opcode": "LDF", "arity": 0, "entryInstr": 9}, {"opcode": "DONE"}]`, vm.ErrMalformedProgram},
		{"negative call arity", `[{"opcode": "LDC", "value": 1}, {"opcode": "CALL", "arity": -1}, {"opcode": "DONE"}]`, vm.ErrMalformedProgram},
		{"negative tail call arity", `[{"opcode": "TAIL_CALL", "arity": -1}]`, vm.ErrMalformedProgram},
		{"negative function arity", `[{"opcode": "LDF", "arity": -2, "entryInstr": 0}]`, vm.ErrMalformedProgram},
		{"negative scope size", `[{"opcode": "ENTER_SCOPE", "numDeclarations": -1}]`, vm.ErrMalformedProgram},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := UnmarshalProgramJSON([]byte(tt.json))
			if err != nil {
				t.Fatalf("UnmarshalProgramJSON: %v", err)
			}
			if _, err := p.Decode(); !errors.Is(err, tt.want) {
				t.Errorf("Decode err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeRejectsNewerVersion(t *testing.T) {
	p, err := UnmarshalProgramJSON([]byte(`{"version": 2, "instructions": []}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Decode(); err == nil {
		t.Error("Decode of version 2 succeeded")
	}
}

func TestNewRejectsUnsupportedConstant(t *testing.T) {
	if _, err := New([]vm.Instruction{vm.LoadConst{Value: "text"}}); !errors.Is(err, vm.ErrUnsupportedTag) {
		t.Errorf("New err = %v, want ErrUnsupportedTag", err)
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"prog.json", "prog.gvmc"} {
		path := filepath.Join(dir, name)
		if err := Save(path, sample()); err != nil {
			t.Fatalf("Save(%s): %v", name, err)
		}
		code, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if !reflect.DeepEqual(code, sample()) {
			t.Errorf("%s: loaded program differs", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}
