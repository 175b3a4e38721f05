package httpsource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Sternrassler/chainfetch/pkg/fault"
)

// NumericPolicy is how a provider encodes integers in JSON.
type NumericPolicy string

const (
	// NumericFloat expects JSON numbers.
	NumericFloat NumericPolicy = "float"

	// NumericString expects decimal strings, as providers returning
	// values above 2^53 do.
	NumericString NumericPolicy = "string"
)

// ParseNumericPolicy parses a configured policy name. Empty means float.
func ParseNumericPolicy(s string) (NumericPolicy, error) {
	switch NumericPolicy(s) {
	case "", NumericFloat:
		return NumericFloat, nil
	case NumericString:
		return NumericString, nil
	default:
		return "", fault.Config("numeric", fmt.Sprintf("unknown numeric policy %q", s))
	}
}

// decodeUint decodes raw according to the policy.
func (p NumericPolicy) decodeUint(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing number")
	}

	switch p {
	case NumericString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("expected string number, got %s", raw)
		}
		return strconv.ParseUint(s, 10, 64)
	default:
		var n json.Number
		if raw[0] == '"' {
			return 0, fmt.Errorf("expected json number, got %s", raw)
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, err
		}
		if v, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return v, nil
		}
		f, err := n.Float64()
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid number %s", raw)
		}
		return uint64(f), nil
	}
}
