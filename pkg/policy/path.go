package policy

import (
	"strconv"
	"strings"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// evaluationRoot builds the object rule paths resolve against. Keys mirror
// the wire names of Operation and OperationContext, including omitempty:
// empty optional fields are absent, so `exists` sees them as undefined.
func evaluationRoot(op models.Operation, opCtx models.OperationContext) map[string]any {
	operation := map[string]any{
		"id":   op.ID,
		"type": op.Type,
	}
	putNonEmpty(operation, "agent_id", op.AgentID)
	putNonEmpty(operation, "user_id", op.UserID)
	putNonEmpty(operation, "session_id", op.SessionID)
	if op.Payload != nil {
		operation["payload"] = op.Payload
	}

	context := map[string]any{}
	putNonEmpty(context, "environment", opCtx.Environment)
	putNonEmpty(context, "request_id", opCtx.RequestID)
	if opCtx.Metadata != nil {
		context["metadata"] = opCtx.Metadata
	}

	return map[string]any{
		"operation": operation,
		"context":   context,
	}
}

func putNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// resolvePath walks a dot expression like "operation.payload.items[0].name"
// through nested maps and slices. A missing node, a bad index, or malformed
// syntax yields (nil, false): the value is undefined, not an error.
func resolvePath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = root
	for _, segment := range strings.Split(path, ".") {
		name, indexes, ok := parseSegment(segment)
		if !ok {
			return nil, false
		}

		if name != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}

		for _, idx := range indexes {
			current, ok = elementAt(current, idx)
			if !ok {
				return nil, false
			}
		}
	}
	return current, true
}

// parseSegment splits "prop[1][2]" into the property name and its indexes.
func parseSegment(segment string) (string, []int, bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		if segment == "" || strings.ContainsRune(segment, ']') {
			return "", nil, false
		}
		return segment, nil, true
	}

	name := segment[:open]
	rest := segment[open:]
	var indexes []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		closing := strings.IndexByte(rest, ']')
		if closing < 0 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:closing])
		if err != nil || idx < 0 {
			return "", nil, false
		}
		indexes = append(indexes, idx)
		rest = rest[closing+1:]
	}
	return name, indexes, true
}

func elementAt(value any, idx int) (any, bool) {
	switch v := value.(type) {
	case []any:
		if idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	case []string:
		if idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	case []int:
		if idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	case []float64:
		if idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	default:
		return nil, false
	}
}
