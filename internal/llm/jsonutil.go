package llm

import (
	"fmt"
	"strings"
)

// ExtractJSON pulls a JSON payload out of an LLM response. Models often wrap
// JSON in markdown fences or surround it with prose, so this tries fenced
// blocks first and falls back to scanning for a balanced object or array.
func ExtractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("llm: empty content")
	}

	if fenced := extractFenced(content); fenced != "" {
		return fenced, nil
	}

	if start := strings.IndexAny(content, "{["); start >= 0 {
		if candidate := balancedFrom(content[start:]); candidate != "" {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("llm: no JSON found in content")
}

// extractFenced returns the body of the first ```json or ``` fenced block
// that starts with a JSON delimiter, or "" if none.
func extractFenced(content string) string {
	for _, marker := range []string{"```json", "```"} {
		idx := strings.Index(content, marker)
		if idx < 0 {
			continue
		}
		rest := content[idx+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		body := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
			return body
		}
	}
	return ""
}

// balancedFrom returns the shortest prefix of s that forms a balanced JSON
// object or array, respecting string literals and escapes.
func balancedFrom(s string) string {
	if s == "" {
		return ""
	}
	open := s[0]
	var clos byte
	switch open {
	case '{':
		clos = '}'
	case '[':
		clos = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == clos:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
