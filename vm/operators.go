package vm

// binary applies a BINOP operator. Both operands must be integers or both
// booleans; the result is boxed.
func (m *Machine) binary(op Operator, x, y Addr) Addr {
	h := m.heap
	switch {
	case h.Tag(x) == TagInt && h.Tag(y) == TagInt:
		a, b := h.IntValue(x), h.IntValue(y)
		switch op {
		case Add:
			return m.check(h.NewInt(a + b))
		case Sub:
			return m.check(h.NewInt(a - b))
		case Mul:
			return m.check(h.NewInt(a * b))
		case Div:
			if b == 0 {
				throwf(ErrDivisionByZero, "%d / 0", a)
			}
			return m.check(h.NewInt(floorDiv(a, b)))
		case Mod:
			if b == 0 {
				throwf(ErrDivisionByZero, "%d %% 0", a)
			}
			return m.check(h.NewInt(a % b))
		case Lt:
			return h.Bool(a < b)
		case Le:
			return h.Bool(a <= b)
		case Gt:
			return h.Bool(a > b)
		case Ge:
			return h.Bool(a >= b)
		case Eq:
			return h.Bool(a == b)
		case Ne:
			return h.Bool(a != b)
		}

	case h.IsBool(x) && h.IsBool(y):
		a, b := x == h.True, y == h.True
		switch op {
		case And:
			return h.Bool(a && b)
		case Or:
			return h.Bool(a || b)
		case Eq:
			return h.Bool(a == b)
		case Ne:
			return h.Bool(a != b)
		}

	default:
		throwf(ErrTypeMismatch, "%s %s %s", h.Tag(x), op, h.Tag(y))
	}

	if _, ok := operatorSymbols[op]; !ok || op == Neg || op == Not {
		throwf(ErrUnknownOperator, "%s is not a binary operator", op)
	}
	throwf(ErrTypeMismatch, "operator %s not defined on %s", op, h.Tag(x))
	return NoAddr
}

// unary applies a UNOP operator.
func (m *Machine) unary(op Operator, x Addr) Addr {
	h := m.heap
	switch op {
	case Neg:
		if h.Tag(x) != TagInt {
			throwf(ErrTypeMismatch, "-%s", h.Tag(x))
		}
		return m.check(h.NewInt(-h.IntValue(x)))
	case Not:
		if !h.IsBool(x) {
			throwf(ErrTypeMismatch, "!%s", h.Tag(x))
		}
		return h.Bool(x == h.False)
	}
	throwf(ErrUnknownOperator, "%s is not a unary operator", op)
	return NoAddr
}

// floorDiv rounds the quotient toward negative infinity, so -7 / 2 is -4.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
