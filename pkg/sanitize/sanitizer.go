// Package sanitize rewrites operation payloads as the `modify` remediation:
// principle-specific passes over a deep copy, plus an unconditional scrub of
// injection fragments from every string value. Sanitization is idempotent.
package sanitize

import (
	"strings"

	"github.com/arbiter-ai/arbiter/pkg/models"
)

// Payload returns a sanitized deep copy of the payload. The passes applied
// depend on which principles were violated; the string scrub always runs.
func Payload(payload map[string]any, principles []models.Principle) map[string]any {
	if payload == nil {
		return nil
	}
	out := models.CloneAnyMap(payload)

	for _, principle := range principles {
		switch principle {
		case models.PrincipleSafety:
			applySafety(out)
		case models.PrinciplePrivacy:
			applyPrivacy(out)
		case models.PrincipleReliability:
			applyReliability(out)
		}
	}

	scrubStrings(out)
	return out
}

// applySafety strips dangerous action keys, restricts permissions to
// read-only, and normalizes path-like values.
func applySafety(m map[string]any) {
	for key, value := range m {
		norm := normalizeKey(key)

		if dangerousActionKeys[norm] {
			delete(m, key)
			continue
		}
		if norm == "permissions" {
			m[key] = readOnlyPermissions(value)
			continue
		}
		if pathLikeKeys[norm] {
			if s, ok := value.(string); ok {
				m[key] = normalizePath(s)
				continue
			}
		}

		switch v := value.(type) {
		case map[string]any:
			applySafety(v)
		case []any:
			for _, item := range v {
				if nested, ok := item.(map[string]any); ok {
					applySafety(nested)
				}
			}
		}
	}
}

// applyPrivacy drops denylisted fields and redacts personal data from the
// remaining string values.
func applyPrivacy(m map[string]any) {
	for key, value := range m {
		if privacyDenied(key) {
			delete(m, key)
			continue
		}

		switch v := value.(type) {
		case string:
			m[key] = redactPrivacy(v)
		case map[string]any:
			applyPrivacy(v)
		case []any:
			for i, item := range v {
				switch nested := item.(type) {
				case string:
					v[i] = redactPrivacy(nested)
				case map[string]any:
					applyPrivacy(nested)
				}
			}
		}
	}
}

// applyReliability clamps resource limits into their allowed ranges.
func applyReliability(m map[string]any) {
	for key, value := range m {
		switch normalizeKey(key) {
		case "timeout", "timeoutms":
			m[key] = clampNumber(value, timeoutFloorMs, timeoutCeilMs)
		case "memorylimit":
			m[key] = clampNumber(value, 0, memoryLimitCeil)
		case "retries", "maxretries":
			m[key] = clampNumber(value, 0, retriesCeil)
		case "batchsize":
			m[key] = clampNumber(value, 0, batchSizeCeil)
		case "maxconcurrent":
			m[key] = clampNumber(value, 0, maxConcurrentCap)
		default:
			switch v := value.(type) {
			case map[string]any:
				applyReliability(v)
			case []any:
				for _, item := range v {
					if nested, ok := item.(map[string]any); ok {
						applyReliability(nested)
					}
				}
			}
		}
	}
}

// scrubStrings removes script tags, SQL-injection fragments, shell chains,
// and dangerous call names from every string value.
func scrubStrings(m map[string]any) {
	for key, value := range m {
		switch v := value.(type) {
		case string:
			m[key] = Scrub(v)
		case map[string]any:
			scrubStrings(v)
		case []any:
			for i, item := range v {
				switch nested := item.(type) {
				case string:
					v[i] = Scrub(nested)
				case map[string]any:
					scrubStrings(nested)
				}
			}
		}
	}
}

// Scrub applies the unconditional string patterns to a single value.
func Scrub(s string) string {
	for _, p := range scrubPatterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

func redactPrivacy(s string) string {
	for _, p := range privacyPatterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

func privacyDenied(key string) bool {
	norm := normalizeKey(key)
	for _, term := range privacyDenylist {
		if strings.Contains(norm, term) {
			return true
		}
	}
	return false
}

// normalizeKey lowercases and drops separators so password, Password, and
// user_password compare alike.
func normalizeKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	return key
}

// normalizePath drops parent-directory segments and leading/trailing
// separators.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/")
}

// readOnlyPermissions restricts a permissions value of any common shape to
// read-only.
func readOnlyPermissions(value any) any {
	switch v := value.(type) {
	case string:
		return "read"
	case []any:
		kept := make([]any, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && isReadPermission(s) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			kept = append(kept, "read")
		}
		return kept
	case []string:
		kept := make([]string, 0, len(v))
		for _, s := range v {
			if isReadPermission(s) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			kept = append(kept, "read")
		}
		return kept
	case map[string]any:
		for k := range v {
			v[k] = isReadPermission(k)
		}
		return v
	default:
		return "read"
	}
}

func isReadPermission(s string) bool {
	switch strings.ToLower(s) {
	case "read", "view", "list", "get":
		return true
	}
	return false
}

// clampNumber bounds a numeric payload value, preserving its Go kind. Values
// that are not numbers pass through unchanged.
func clampNumber(value any, lo, hi float64) any {
	switch v := value.(type) {
	case int:
		return int(clampFloat(float64(v), lo, hi))
	case int64:
		return int64(clampFloat(float64(v), lo, hi))
	case float64:
		return clampFloat(v, lo, hi)
	case float32:
		return float32(clampFloat(float64(v), lo, hi))
	default:
		return value
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
