package modbus

import (
	"fmt"
	"math"
	"strings"

	"github.com/volteria/controller/pkg/types"
)

// Value is one decoded register value. NaN and Inf decode to an invalid
// Value rather than poisoning downstream aggregates.
type Value struct {
	Float  float64
	Text   string
	IsText bool
	Valid  bool
}

// Decode turns raw big-endian words into an engineering value for the
// register: typed decoding first, then scale and offset in the register's
// configured order.
func Decode(words []uint16, reg types.Register) (Value, error) {
	if reg.Encoding == types.EncodingUTF8 {
		return decodeString(words), nil
	}

	need := reg.Encoding.Words()
	if need == 0 {
		return Value{}, &types.RegisterError{Register: reg.Name, Reason: fmt.Sprintf("unknown encoding %q", reg.Encoding)}
	}
	if len(words) < need {
		return Value{}, &types.RegisterError{Register: reg.Name, Reason: fmt.Sprintf("short response: got %d words, need %d", len(words), need)}
	}

	var raw float64
	switch reg.Encoding {
	case types.EncodingUint16:
		raw = float64(words[0])
	case types.EncodingInt16:
		raw = float64(int16(words[0]))
	case types.EncodingUint32:
		raw = float64(uint32(words[0])<<16 | uint32(words[1]))
	case types.EncodingInt32:
		raw = float64(int32(uint32(words[0])<<16 | uint32(words[1])))
	case types.EncodingFloat32:
		raw = float64(math.Float32frombits(uint32(words[0])<<16 | uint32(words[1])))
	case types.EncodingFloat64:
		bits := uint64(words[0])<<48 | uint64(words[1])<<32 | uint64(words[2])<<16 | uint64(words[3])
		raw = math.Float64frombits(bits)
	}

	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return Value{}, nil
	}

	return Value{Float: applyScale(raw, reg), Valid: true}, nil
}

// decodeString decodes N registers as UTF-8 bytes, strips nulls and trims
// whitespace.
func decodeString(words []uint16) Value {
	buf := make([]byte, 0, 2*len(words))
	for _, w := range words {
		buf = append(buf, byte(w>>8), byte(w))
	}
	s := strings.TrimSpace(strings.ReplaceAll(string(buf), "\x00", ""))
	return Value{Text: s, IsText: true, Valid: s != ""}
}

// applyScale converts a raw wire value to engineering units.
func applyScale(raw float64, reg types.Register) float64 {
	scale := reg.EffectiveScale()
	if reg.ScaleOrder == types.OffsetThenScale {
		return (raw + reg.Offset) * scale
	}
	return raw*scale + reg.Offset
}

// removeScale converts an engineering value back to the raw wire value.
func removeScale(value float64, reg types.Register) float64 {
	scale := reg.EffectiveScale()
	if reg.ScaleOrder == types.OffsetThenScale {
		return value/scale - reg.Offset
	}
	return (value - reg.Offset) / scale
}

// Encode turns an engineering value into raw big-endian words for a write.
func Encode(value float64, reg types.Register) ([]uint16, error) {
	raw := removeScale(value, reg)

	switch reg.Encoding {
	case types.EncodingUint16:
		if raw < 0 || raw > math.MaxUint16 {
			return nil, &types.RegisterError{Register: reg.Name, Reason: fmt.Sprintf("value %g out of uint16 range", raw)}
		}
		return []uint16{uint16(math.Round(raw))}, nil
	case types.EncodingInt16:
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return nil, &types.RegisterError{Register: reg.Name, Reason: fmt.Sprintf("value %g out of int16 range", raw)}
		}
		return []uint16{uint16(int16(math.Round(raw)))}, nil
	case types.EncodingUint32:
		if raw < 0 || raw > math.MaxUint32 {
			return nil, &types.RegisterError{Register: reg.Name, Reason: fmt.Sprintf("value %g out of uint32 range", raw)}
		}
		u := uint32(math.Round(raw))
		return []uint16{uint16(u >> 16), uint16(u)}, nil
	case types.EncodingInt32:
		if raw < math.MinInt32 || raw > math.MaxInt32 {
			return nil, &types.RegisterError{Register: reg.Name, Reason: fmt.Sprintf("value %g out of int32 range", raw)}
		}
		u := uint32(int32(math.Round(raw)))
		return []uint16{uint16(u >> 16), uint16(u)}, nil
	case types.EncodingFloat32:
		bits := math.Float32bits(float32(raw))
		return []uint16{uint16(bits >> 16), uint16(bits)}, nil
	case types.EncodingFloat64:
		bits := math.Float64bits(raw)
		return []uint16{uint16(bits >> 48), uint16(bits >> 32), uint16(bits >> 16), uint16(bits)}, nil
	}
	return nil, &types.RegisterError{Register: reg.Name, Reason: fmt.Sprintf("encoding %q is not writable", reg.Encoding)}
}
