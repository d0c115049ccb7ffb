package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// evalOperator applies one rule operator to the extracted value. The bool is
// whether the rule holds; an error means the rule itself could not be
// evaluated (bad regex, unknown operator) and is reported as a rule failure
// rather than a plain violation.
func evalOperator(op models.Operator, actual any, found bool, expected any) (bool, error) {
	switch op {
	case models.OpEquals:
		return looseEquals(actual, expected), nil
	case models.OpNotEquals:
		return !looseEquals(actual, expected), nil
	case models.OpContains:
		return containsValue(actual, expected), nil
	case models.OpNotContains:
		return !containsValue(actual, expected), nil
	case models.OpGreaterThan:
		return compareNumeric(actual, expected, ">"), nil
	case models.OpGreaterOrEq:
		return compareNumeric(actual, expected, ">="), nil
	case models.OpLessThan:
		return compareNumeric(actual, expected, "<"), nil
	case models.OpLessOrEq:
		return compareNumeric(actual, expected, "<="), nil
	case models.OpExists:
		return found && actual != nil, nil
	case models.OpNotExists:
		return !found || actual == nil, nil
	case models.OpRegexMatch:
		return matchRegex(actual, expected)
	case models.OpNotRegexMatch:
		ok, err := matchRegex(actual, expected)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case models.OpIn:
		return memberOf(expected, actual), nil
	case models.OpNotIn:
		return !memberOf(expected, actual), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// looseEquals compares numerically when both sides are numbers, otherwise by
// printed form, so 5 and 5.0 and "5" compare equal the way YAML-sourced rule
// values expect.
func looseEquals(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// containsValue: substring on strings (case-insensitive), membership on
// slices. Anything else never contains.
func containsValue(actual, expected any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(strings.ToLower(v), strings.ToLower(fmt.Sprint(expected)))
	case []any:
		for _, item := range v {
			if looseEquals(item, expected) {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if looseEquals(item, expected) {
				return true
			}
		}
	}
	return false
}

// memberOf reports whether item appears in the list value.
func memberOf(list, item any) bool {
	switch v := list.(type) {
	case []any:
		for _, candidate := range v {
			if looseEquals(candidate, item) {
				return true
			}
		}
	case []string:
		for _, candidate := range v {
			if looseEquals(candidate, item) {
				return true
			}
		}
	}
	return false
}

func compareNumeric(a, b any, operator string) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if !aok || !bok {
		return false
	}
	switch operator {
	case ">":
		return af > bf
	case ">=":
		return af >= bf
	case "<":
		return af < bf
	case "<=":
		return af <= bf
	default:
		return false
	}
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func matchRegex(actual, pattern any) (bool, error) {
	re, err := regexp.Compile(fmt.Sprint(pattern))
	if err != nil {
		return false, fmt.Errorf("invalid regex %q: %w", fmt.Sprint(pattern), err)
	}
	return re.MatchString(fmt.Sprint(actual)), nil
}
