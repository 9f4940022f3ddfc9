package chain

import (
	"strconv"
	"strings"
)

// evalWhen implements the §4.9.3 `when` grammar: a boolean expression over
// ${path} lookups, joined with && / || (left-to-right, no precedence since
// the grammar forbids mixing both in one clause), comparing with ==, !=,
// >=, <=, >, <, or contains, testing presence with exists()/!exists(), or
// testing a bare ${path} / !${path} for truthiness. An empty expression
// means "always run".
func evalWhen(expr string, ctx map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}

	if strings.Contains(expr, "&&") {
		for _, clause := range strings.Split(expr, "&&") {
			if !evalClause(strings.TrimSpace(clause), ctx) {
				return false
			}
		}
		return true
	}
	if strings.Contains(expr, "||") {
		for _, clause := range strings.Split(expr, "||") {
			if evalClause(strings.TrimSpace(clause), ctx) {
				return true
			}
		}
		return false
	}
	return evalClause(expr, ctx)
}

func evalClause(clause string, ctx map[string]any) bool {
	negate := false
	if strings.HasPrefix(clause, "!") {
		negate = true
		clause = strings.TrimPrefix(clause, "!")
	}

	switch {
	case strings.HasPrefix(clause, "exists(") && strings.HasSuffix(clause, ")"):
		path := extractPath(clause[len("exists(") : len(clause)-1])
		result := lookupPath(path, ctx) != nil
		if negate {
			return !result
		}
		return result

	case strings.Contains(clause, "=="):
		lhs, rhs := splitOnce(clause, "==")
		return compare(lhs, rhs, ctx) == 0

	case strings.Contains(clause, "!="):
		lhs, rhs := splitOnce(clause, "!=")
		return compare(lhs, rhs, ctx) != 0

	case strings.Contains(clause, ">="):
		lhs, rhs := splitOnce(clause, ">=")
		return compare(lhs, rhs, ctx) >= 0

	case strings.Contains(clause, "<="):
		lhs, rhs := splitOnce(clause, "<=")
		return compare(lhs, rhs, ctx) <= 0

	case strings.Contains(clause, ">"):
		lhs, rhs := splitOnce(clause, ">")
		return compare(lhs, rhs, ctx) > 0

	case strings.Contains(clause, "<"):
		lhs, rhs := splitOnce(clause, "<")
		return compare(lhs, rhs, ctx) < 0

	case strings.Contains(clause, "contains"):
		lhs, rhs := splitOnce(clause, "contains")
		left := stringify(resolveSide(lhs, ctx))
		right := stringify(resolveSide(rhs, ctx))
		result := strings.Contains(left, right)
		if negate {
			return !result
		}
		return result

	default:
		// bare ${path} truthiness: present and not false/zero/empty.
		v := lookupPath(extractPath(clause), ctx)
		result := truthy(v)
		if negate {
			return !result
		}
		return result
	}
}

func splitOnce(s, sep string) (string, string) {
	parts := strings.SplitN(s, sep, 2)
	if len(parts) != 2 {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// compare resolves both sides (the left is normally a ${path}, the right a
// literal) and reports -1/0/1 the way a plain equality check needs.
func compare(lhs, rhs string, ctx map[string]any) int {
	left := resolveSide(lhs, ctx)
	right := resolveSide(rhs, ctx)

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch {
		case lf < rf:
			return -1
		case lf > rf:
			return 1
		default:
			return 0
		}
	}

	ls, rs := stringify(left), stringify(right)
	return strings.Compare(ls, rs)
}

func resolveSide(s string, ctx map[string]any) any {
	s = strings.Trim(s, `"'`)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return lookupPath(s[2:len(s)-1], ctx)
	}
	return s
}

func extractPath(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return s[2 : len(s)-1]
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}
