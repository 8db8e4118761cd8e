package adjudicator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseVerdict extracts {"score","rationale"} from a model reply. It never
// fails: anything unusable yields score 0 with a diagnostic rationale.
func ParseVerdict(text string) Verdict {
	raw := firstJSONObject(stripFences(text))
	if raw == "" {
		return fallback("no JSON object in reply", text)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return fallback("invalid JSON: "+err.Error(), text)
	}

	score, ok := toScore(fields["score"])
	if !ok {
		return fallback("missing or non-numeric score", text)
	}

	rationale := ""
	for _, key := range []string{"rationale", "reason", "explanation"} {
		if s, ok := fields[key].(string); ok && strings.TrimSpace(s) != "" {
			rationale = strings.TrimSpace(s)
			break
		}
	}
	return Verdict{Score: score, Rationale: rationale}
}

func fallback(reason, text string) Verdict {
	snippet := strings.TrimSpace(text)
	if len(snippet) > 120 {
		snippet = snippet[:120] + "..."
	}
	return Verdict{Score: 0, Rationale: fmt.Sprintf("unparseable adjudicator response (%s): %q", reason, snippet)}
}

func toScore(v any) (int, bool) {
	var f float64
	switch s := v.(type) {
	case float64:
		f = s
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	f = math.Max(0, math.Min(100, f))
	return int(math.Round(f)), true
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}

// firstJSONObject returns the first balanced {...} span, honouring strings.
func firstJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
