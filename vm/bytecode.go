package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies an instruction. The set is closed.
type Opcode uint8

const (
	OpLDC Opcode = iota // push a boxed constant
	OpLD                // push a variable
	OpLDF               // push a closure over the current environment
	OpASSIGN            // store top of stack into a variable (no pop)
	OpBINOP             // pop two operands, push the result
	OpUNOP              // pop one operand, push the result
	OpJOF               // pop, jump if false
	OpGOTO              // unconditional jump
	OpCALL              // call with a new Callframe
	OpTAIL_CALL         // call reusing the current return address
	OpDONE              // halt the machine
	OpPOP               // discard top of stack
	OpRESET             // unwind the runtime stack to the enclosing call
	OpNOP               // no operation
	OpENTER_SCOPE       // push a Blockframe and a fresh Frame
	OpEXIT_SCOPE        // pop a Blockframe
	OpSTART_GOROUTINE   // spawn a goroutine at the next instruction
	OpSTOP_GOROUTINE    // terminate the running goroutine
	OpSEND              // channel send
	OpRECV              // channel receive
	OpMAKE_WAITGROUP    // push a new WaitGroup

	numOpcodes
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string // wire and disassembly name
	StackEffect int    // net effect on the operand stack (-1 = variable)
}

var opcodeTable = [numOpcodes]OpcodeInfo{
	OpLDC:             {"LDC", 1},
	OpLD:              {"LD", 1},
	OpLDF:             {"LDF", 1},
	OpASSIGN:          {"ASSIGN", 0},
	OpBINOP:           {"BINOP", -1},
	OpUNOP:            {"UNOP", 0},
	OpJOF:             {"JOF", -1},
	OpGOTO:            {"GOTO", 0},
	OpCALL:            {"CALL", -1},
	OpTAIL_CALL:       {"TAIL_CALL", -1},
	OpDONE:            {"DONE", 0},
	OpPOP:             {"POP", -1},
	OpRESET:           {"RESET", 0},
	OpNOP:             {"NOP", 0},
	OpENTER_SCOPE:     {"ENTER_SCOPE", 0},
	OpEXIT_SCOPE:      {"EXIT_SCOPE", 0},
	OpSTART_GOROUTINE: {"START_GOROUTINE", 0},
	OpSTOP_GOROUTINE:  {"STOP_GOROUTINE", 0},
	OpSEND:            {"SEND", -2},
	OpRECV:            {"RECV", 0},
	OpMAKE_WAITGROUP:  {"MAKE_WAITGROUP", 1},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for op := Opcode(0); op < numOpcodes; op++ {
		m[opcodeTable[op].Name] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if op < numOpcodes {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}

// ParseOpcode resolves a wire name such as "TAIL_CALL".
func ParseOpcode(name string) (Opcode, error) {
	if op, ok := opcodesByName[name]; ok {
		return op, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOpcode, name)
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// Operator is the operand of BINOP and UNOP.
type Operator uint8

const (
	Add Operator = iota + 1
	Sub
	Mul
	Div
	Mod
	Lt
	Le
	Gt
	Ge
	Eq
	Ne
	And
	Or
	Neg
	Not
)

var operatorSymbols = map[Operator]string{
	Add: "+", Sub: "-", Mul: "*", Div: "/", Mod: "%",
	Lt: "<", Le: "<=", Gt: ">", Ge: ">=", Eq: "==", Ne: "!=",
	And: "&&", Or: "||",
	Neg: "-", Not: "!",
}

var binaryOperators = map[string]Operator{
	"+": Add, "-": Sub, "*": Mul, "/": Div, "%": Mod,
	"<": Lt, "<=": Le, ">": Gt, ">=": Ge, "==": Eq, "!=": Ne,
	"&&": And, "||": Or,
}

var unaryOperators = map[string]Operator{
	"-": Neg, "!": Not,
}

func (o Operator) String() string {
	if s, ok := operatorSymbols[o]; ok {
		return s
	}
	return fmt.Sprintf("Operator(%d)", uint8(o))
}

// ParseBinaryOperator resolves a BINOP symbol.
func ParseBinaryOperator(sym string) (Operator, error) {
	if o, ok := binaryOperators[sym]; ok {
		return o, nil
	}
	return 0, fmt.Errorf("%w: binary %q", ErrUnknownOperator, sym)
}

// ParseUnaryOperator resolves a UNOP symbol.
func ParseUnaryOperator(sym string) (Operator, error) {
	if o, ok := unaryOperators[sym]; ok {
		return o, nil
	}
	return 0, fmt.Errorf("%w: unary %q", ErrUnknownOperator, sym)
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction. Each opcode has its own operand
// type below.
type Instruction interface {
	Opcode() Opcode
}

// Pos addresses a variable by frame index (outermost first) and slot.
type Pos struct {
	Frame int
	Slot  int
}

// LoadConst is LDC: box Value and push it.
type LoadConst struct {
	Value any
}

// Load is LD: push the variable at Pos.
type Load struct {
	Pos Pos
	Sym string
}

// LoadFunc is LDF: push a closure entering at Entry.
type LoadFunc struct {
	Arity int
	Entry int
}

// Assign is ASSIGN: store the top of stack at Pos without popping it.
type Assign struct {
	Pos Pos
	Sym string
}

// BinaryOp is BINOP.
type BinaryOp struct {
	Op Operator
}

// UnaryOp is UNOP.
type UnaryOp struct {
	Op Operator
}

// JumpOnFalse is JOF: pop a boolean and jump to Target when it is false.
type JumpOnFalse struct {
	Target int
}

// Goto is GOTO.
type Goto struct {
	Target int
}

// Call is CALL.
type Call struct {
	Arity int
}

// TailCall is TAIL_CALL.
type TailCall struct {
	Arity int
}

// EnterScope is ENTER_SCOPE: open a block with Num fresh variables.
type EnterScope struct {
	Num int
}

// StartGoroutine is START_GOROUTINE. Stop is the index of the matching
// STOP_GOROUTINE; zero means it is found by scanning forward.
type StartGoroutine struct {
	Stop int
}

type (
	Done          struct{}
	Pop           struct{}
	Reset         struct{}
	Nop           struct{}
	ExitScope     struct{}
	StopGoroutine struct{}
	Send          struct{}
	Recv          struct{}
	MakeWaitGroup struct{}
)

func (LoadConst) Opcode() Opcode      { return OpLDC }
func (Load) Opcode() Opcode           { return OpLD }
func (LoadFunc) Opcode() Opcode       { return OpLDF }
func (Assign) Opcode() Opcode         { return OpASSIGN }
func (BinaryOp) Opcode() Opcode       { return OpBINOP }
func (UnaryOp) Opcode() Opcode        { return OpUNOP }
func (JumpOnFalse) Opcode() Opcode    { return OpJOF }
func (Goto) Opcode() Opcode           { return OpGOTO }
func (Call) Opcode() Opcode           { return OpCALL }
func (TailCall) Opcode() Opcode       { return OpTAIL_CALL }
func (Done) Opcode() Opcode           { return OpDONE }
func (Pop) Opcode() Opcode            { return OpPOP }
func (Reset) Opcode() Opcode          { return OpRESET }
func (Nop) Opcode() Opcode            { return OpNOP }
func (EnterScope) Opcode() Opcode     { return OpENTER_SCOPE }
func (ExitScope) Opcode() Opcode      { return OpEXIT_SCOPE }
func (StartGoroutine) Opcode() Opcode { return OpSTART_GOROUTINE }
func (StopGoroutine) Opcode() Opcode  { return OpSTOP_GOROUTINE }
func (Send) Opcode() Opcode           { return OpSEND }
func (Recv) Opcode() Opcode           { return OpRECV }
func (MakeWaitGroup) Opcode() Opcode  { return OpMAKE_WAITGROUP }

// ---------------------------------------------------------------------------
// Builder: helper for constructing instruction streams
// ---------------------------------------------------------------------------

// Builder assembles an instruction stream, resolving jump targets through
// labels.
type Builder struct {
	code   []Instruction
	labels []*Label
}

// Label is a not yet known instruction index.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{code: make([]Instruction, 0, 64)}
}

// Len returns the index the next instruction will get.
func (b *Builder) Len() int {
	return len(b.code)
}

// Emit appends an instruction and returns its index.
func (b *Builder) Emit(in Instruction) int {
	b.code = append(b.code, in)
	return len(b.code) - 1
}

// EmitBuiltin pushes the builtin with the given name from frame 0.
func (b *Builder) EmitBuiltin(name string) {
	slot, ok := BuiltinSlot(name)
	if !ok {
		panic(fmt.Sprintf("vm: unknown builtin %q", name))
	}
	b.Emit(Load{Pos: Pos{Frame: 0, Slot: slot}, Sym: name})
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	l := &Label{refs: make([]int, 0, 2)}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the index of the next instruction.
func (b *Builder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.code)
	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
}

// EmitJump emits JOF or GOTO to label.
func (b *Builder) EmitJump(op Opcode, label *Label) {
	switch op {
	case OpJOF:
		b.emitLabeled(JumpOnFalse{}, label)
	case OpGOTO:
		b.emitLabeled(Goto{}, label)
	default:
		panic(fmt.Sprintf("vm: %s is not a jump", op))
	}
}

// EmitLoadFunc emits LDF with the entry point at label.
func (b *Builder) EmitLoadFunc(arity int, entry *Label) {
	b.emitLabeled(LoadFunc{Arity: arity}, entry)
}

// EmitStartGoroutine emits START_GOROUTINE whose matching STOP_GOROUTINE
// sits at label.
func (b *Builder) EmitStartGoroutine(stop *Label) {
	b.emitLabeled(StartGoroutine{}, stop)
}

func (b *Builder) emitLabeled(in Instruction, label *Label) {
	idx := b.Emit(in)
	if label.resolved {
		b.patch(idx, label.position)
	} else {
		label.refs = append(label.refs, idx)
	}
}

func (b *Builder) patch(idx, target int) {
	switch in := b.code[idx].(type) {
	case JumpOnFalse:
		in.Target = target
		b.code[idx] = in
	case Goto:
		in.Target = target
		b.code[idx] = in
	case LoadFunc:
		in.Entry = target
		b.code[idx] = in
	case StartGoroutine:
		in.Stop = target
		b.code[idx] = in
	default:
		panic(fmt.Sprintf("vm: cannot patch %s", in.Opcode()))
	}
}

// Build returns the instruction stream. Every label must be resolved.
func (b *Builder) Build() ([]Instruction, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("unresolved label referenced by instruction %d", l.refs[0])
		}
	}
	return b.code, nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// FormatInstruction renders one instruction without its index.
func FormatInstruction(in Instruction) string {
	name := in.Opcode().String()
	switch in := in.(type) {
	case LoadConst:
		return fmt.Sprintf("%s %s", name, formatConst(in.Value))
	case Load:
		return fmt.Sprintf("%s [%d,%d] %s", name, in.Pos.Frame, in.Pos.Slot, in.Sym)
	case Assign:
		return fmt.Sprintf("%s [%d,%d] %s", name, in.Pos.Frame, in.Pos.Slot, in.Sym)
	case LoadFunc:
		return fmt.Sprintf("%s arity=%d (-> %04d)", name, in.Arity, in.Entry)
	case BinaryOp:
		return fmt.Sprintf("%s %s", name, in.Op)
	case UnaryOp:
		return fmt.Sprintf("%s %s", name, in.Op)
	case JumpOnFalse:
		return fmt.Sprintf("%s (-> %04d)", name, in.Target)
	case Goto:
		return fmt.Sprintf("%s (-> %04d)", name, in.Target)
	case Call:
		return fmt.Sprintf("%s %d", name, in.Arity)
	case TailCall:
		return fmt.Sprintf("%s %d", name, in.Arity)
	case EnterScope:
		return fmt.Sprintf("%s %d", name, in.Num)
	case StartGoroutine:
		return fmt.Sprintf("%s (stop %04d)", name, in.Stop)
	default:
		return name
	}
}

func formatConst(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case UndefinedValue:
		return "undefined"
	}
	return fmt.Sprint(v)
}

// Disassemble returns a listing of the instruction stream.
func Disassemble(code []Instruction) string {
	var b strings.Builder
	for i, in := range code {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%04d  %s", i, FormatInstruction(in))
	}
	return b.String()
}
