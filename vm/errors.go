package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// Every fatal condition terminates the run. Callers distinguish them with
// errors.Is against these sentinels.
var (
	ErrOutOfMemory         = errors.New("out of memory")
	ErrTypeMismatch        = errors.New("type mismatch")
	ErrUseBeforeAssignment = errors.New("use before assignment")
	ErrArityMismatch       = errors.New("arity mismatch")
	ErrDeadlock            = errors.New("all goroutines are asleep - deadlock")
	ErrChannelOnClosed     = errors.New("operation on closed channel")
	ErrWaitGroupUnderflow  = errors.New("negative WaitGroup counter")
	ErrStepLimitExceeded   = errors.New("step limit exceeded")
	ErrUnknownOpcode       = errors.New("unknown opcode")
	ErrUnknownOperator     = errors.New("unknown operator")
	ErrUnsupportedTag      = errors.New("unsupported tag")

	ErrPanic            = errors.New("panic")
	ErrDivisionByZero   = errors.New("integer divide by zero")
	ErrNodeCapacity     = errors.New("node capacity exceeded")
	ErrMalformedProgram = errors.New("malformed program")
	ErrHalted           = errors.New("machine halted")
)

// RuntimeError is the terminal error of a run. It records where the fault
// happened and unwraps to the underlying cause.
type RuntimeError struct {
	Err       error
	RunID     string
	Goroutine int
	PC        int
	Op        Opcode
	HasOp     bool
}

func (e *RuntimeError) Error() string {
	if e.HasOp {
		return fmt.Sprintf("goroutine %d, pc %d (%s): %v", e.Goroutine, e.PC, e.Op, e.Err)
	}
	return fmt.Sprintf("goroutine %d, pc %d: %v", e.Goroutine, e.PC, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// fault carries an error out of the dispatch loop. It is raised with throw
// and recovered in Step, the same way instruction handlers bail out early
// without threading an error through every helper.
type fault struct {
	err error
}

func throw(err error) {
	panic(fault{err: err})
}

func throwf(kind error, format string, args ...any) {
	throw(fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)))
}
