package types

import (
	"fmt"
	"strconv"
	"time"
)

// Coerce converts a decoded YAML/JSON value into the canonical Go value
// for the semantic type: string, int64, float64, bool, or time.Time.
func Coerce(v any, t SemType) (any, error) {
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case uint64:
			return int64(n), nil
		case float64:
			return int64(n), nil
		}
		return nil, fmt.Errorf("value %v (%T) is not an int", v, v)
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a float", v, v)
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a bool", v, v)
	case TypeTime:
		switch tv := v.(type) {
		case time.Time:
			return tv, nil
		case string:
			parsed, err := time.Parse(time.RFC3339, tv)
			if err != nil {
				return nil, fmt.Errorf("value %q is not RFC3339: %w", tv, err)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a timestamp", v, v)
	default:
		return nil, fmt.Errorf("unknown semantic type %v", t)
	}
}

// ParseLiteralString converts the textual spelling of a literal (as found
// in policy files) into the canonical value for the semantic type.
func ParseLiteralString(s string, t SemType) (any, error) {
	switch t {
	case TypeString:
		return s, nil
	case TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("literal %q is not an int: %w", s, err)
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("literal %q is not a float: %w", s, err)
		}
		return f, nil
	case TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("literal %q is not a bool: %w", s, err)
		}
		return b, nil
	case TypeTime:
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("literal %q is not RFC3339: %w", s, err)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("unknown semantic type %v", t)
	}
}

// MatchesFilter evaluates one filter against a single value. NULL never
// matches any operator.
func MatchesFilter(v any, f Filter) bool {
	if v == nil {
		return false
	}
	if f.Op == OpIn {
		for _, want := range f.Literal.List {
			if Equal(v, want) {
				return true
			}
		}
		return false
	}
	cmp, ok := Compare(v, f.Literal.Value)
	switch f.Op {
	case OpEq:
		return ok && cmp == 0
	case OpNe:
		return !ok || cmp != 0
	case OpLt:
		return ok && cmp < 0
	case OpLe:
		return ok && cmp <= 0
	case OpGt:
		return ok && cmp > 0
	case OpGe:
		return ok && cmp >= 0
	default:
		return false
	}
}

// Equal reports whether two canonical values are equal under Compare.
func Equal(a, b any) bool {
	cmp, ok := Compare(a, b)
	return ok && cmp == 0
}

// Compare orders two canonical values of the same semantic family.
// The second return is false when the values are not comparable.
func Compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strCmp(av, bv), true
	case int64:
		bv, ok := asInt64(b)
		if !ok {
			// Mixed int/float comparisons go through float64.
			if fv, fok := asFloat64(b); fok {
				return floatCmp(float64(av), fv), true
			}
			return 0, false
		}
		return intCmp(av, bv), true
	case float64:
		bv, ok := asFloat64(b)
		if !ok {
			return 0, false
		}
		return floatCmp(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Before(bv):
			return -1, true
		case av.After(bv):
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func strCmp(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func intCmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func floatCmp(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
