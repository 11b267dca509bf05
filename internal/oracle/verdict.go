package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"llm-crypto-trader/internal/types"
)

// Schema is sent verbatim in the prompt; ParseVerdict enforces it.
const Schema = `{"stance":"buy|sell|hold","confidence":0.0-1.0,"rationale":"short text"}`

type rawVerdict struct {
	Stance     *string  `json:"stance"`
	Confidence *float64 `json:"confidence"`
	Rationale  *string  `json:"rationale"`
}

// ParseVerdict extracts the first JSON object from text and validates it.
// GeneratedAt is left zero for the caller to stamp.
func ParseVerdict(text string, maxRationale int) (types.OracleVerdict, error) {
	obj, ok := firstObject(text)
	if !ok {
		return types.OracleVerdict{}, fmt.Errorf("%w: no JSON object in response", ErrOracleMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	dec.DisallowUnknownFields()
	var raw rawVerdict
	if err := dec.Decode(&raw); err != nil {
		return types.OracleVerdict{}, fmt.Errorf("%w: %v", ErrOracleMalformed, err)
	}

	if raw.Stance == nil {
		return types.OracleVerdict{}, fmt.Errorf("%w: missing stance", ErrOracleMalformed)
	}
	stance := types.Stance(strings.ToLower(strings.TrimSpace(*raw.Stance)))
	switch stance {
	case types.StanceBuy, types.StanceSell, types.StanceHold:
	default:
		return types.OracleVerdict{}, fmt.Errorf("%w: invalid stance %q", ErrOracleMalformed, *raw.Stance)
	}

	if raw.Confidence == nil {
		return types.OracleVerdict{}, fmt.Errorf("%w: missing confidence", ErrOracleMalformed)
	}
	conf := *raw.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return types.OracleVerdict{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrOracleMalformed, conf)
	}

	rationale := ""
	if raw.Rationale != nil {
		rationale = truncate(strings.TrimSpace(*raw.Rationale), maxRationale)
	}

	return types.OracleVerdict{Stance: stance, Confidence: conf, Rationale: rationale}, nil
}

// firstObject returns the first balanced {...} in text, honoring JSON strings.
func firstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// IsDegradable reports whether err is one the caller must absorb as a hold verdict.
func IsDegradable(err error) bool {
	return errors.Is(err, ErrOracleUnavailable) || errors.Is(err, ErrOracleMalformed)
}
