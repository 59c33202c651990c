package vec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MarshalJSON encodes v as a JSON array. NaN and infinities, which JSON
// numbers cannot carry, are written as the strings "NaN", "+Inf" and "-Inf".
func (v Vector) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+8*len(v.data))
	buf = append(buf, '[')
	for i, x := range v.data {
		if i > 0 {
			buf = append(buf, ',')
		}
		f := float64(x)
		switch {
		case math.IsNaN(f):
			buf = append(buf, `"NaN"`...)
		case math.IsInf(f, 1):
			buf = append(buf, `"+Inf"`...)
		case math.IsInf(f, -1):
			buf = append(buf, `"-Inf"`...)
		default:
			buf = strconv.AppendFloat(buf, f, 'g', -1, 32)
		}
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON accepts what MarshalJSON produces.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]float32, len(raw))
	for i, r := range raw {
		var f float64
		if err := json.Unmarshal(r, &f); err == nil {
			out[i] = float32(f)
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		parsed, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = float32(parsed)
	}
	v.data = out
	return nil
}
