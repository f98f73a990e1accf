package automation

import (
	"fmt"
	"strconv"
)

// compareValues evaluates a state-trigger comparator.
//
// Numeric coercion is attempted first: if both sides parse as numbers,
// the comparison is numeric. Otherwise only == and != remain valid and
// fall back to string equality; ordering comparators on non-numeric
// values are an evaluation error.
func compareValues(op Operator, actual any, expected string) (bool, error) {
	af, aok := toFloat(actual)
	ef, eerr := strconv.ParseFloat(expected, 64)

	if aok && eerr == nil {
		switch op {
		case OpEqual:
			return af == ef, nil
		case OpNotEqual:
			return af != ef, nil
		case OpGreater:
			return af > ef, nil
		case OpLess:
			return af < ef, nil
		case OpGreaterEqual:
			return af >= ef, nil
		case OpLessEqual:
			return af <= ef, nil
		default:
			return false, fmt.Errorf("%w: unknown operator %q", ErrRuleEvaluation, op)
		}
	}

	switch op {
	case OpEqual:
		return fmt.Sprint(actual) == expected, nil
	case OpNotEqual:
		return fmt.Sprint(actual) != expected, nil
	default:
		return false, fmt.Errorf("%w: operator %q needs numeric operands, got %v and %q",
			ErrRuleEvaluation, op, actual, expected)
	}
}

// toFloat coerces JSON-shaped values to float64.
// Strings are parsed, so "21.5" from a scalar payload compares numerically.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
