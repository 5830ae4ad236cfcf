package extract

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kaji/internal/model"
)

// Coerce validates value against the declared input type and returns the
// normalized value. ok is false when the value cannot be coerced; callers
// treat that as missing, never as an error.
func Coerce(in model.TemplateInput, value any) (any, bool) {
	if value == nil {
		return nil, false
	}
	switch in.Type {
	case model.InputString:
		return coerceString(value)
	case model.InputNumber:
		return coerceNumber(value)
	case model.InputInteger:
		return coerceInteger(value)
	case model.InputBoolean:
		return coerceBoolean(value)
	case model.InputDate:
		return coerceDate(value)
	case model.InputEnum:
		return coerceEnum(in, value)
	case model.InputObject:
		if m, ok := value.(map[string]any); ok {
			return m, true
		}
		return nil, false
	default:
		return value, true
	}
}

func coerceString(value any) (any, bool) {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, false
	}
	return strings.TrimSpace(s), true
}

func coerceNumber(value any) (any, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, false
		}
		return f, true
	}
	return nil, false
}

func coerceInteger(value any) (any, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != float64(int64(v)) {
			return nil, false
		}
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return nil, false
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, false
		}
		return i, true
	}
	return nil, false
}

func coerceBoolean(value any) (any, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	}
	return nil, false
}

// coerceDate accepts ISO 8601 dates and timestamps, normalized to
// YYYY-MM-DD.
func coerceDate(value any) (any, bool) {
	s, ok := value.(string)
	if !ok {
		return nil, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return nil, false
}

// coerceEnum matches case-insensitively against the declared values and
// returns the canonical declared spelling.
func coerceEnum(in model.TemplateInput, value any) (any, bool) {
	s, ok := value.(string)
	if !ok {
		return nil, false
	}
	s = strings.TrimSpace(s)
	for _, allowed := range in.Enum {
		if strings.EqualFold(allowed, s) {
			return allowed, true
		}
	}
	return nil, false
}
