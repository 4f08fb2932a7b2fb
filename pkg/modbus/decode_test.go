package modbus

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volteria/controller/pkg/types"
)

func reg(enc types.Encoding) types.Register {
	return types.Register{Name: "r", Kind: types.RegisterHolding, Encoding: enc, Access: types.AccessReadWrite}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []struct {
		enc   types.Encoding
		value float64
	}{
		{types.EncodingUint16, 0},
		{types.EncodingUint16, 65535},
		{types.EncodingInt16, -1234},
		{types.EncodingUint32, 4_000_000_000},
		{types.EncodingInt32, -2_000_000_000},
		{types.EncodingFloat32, 48.25},
		{types.EncodingFloat64, -9876.54321},
	}

	for _, tc := range cases {
		r := reg(tc.enc)
		words, err := Encode(tc.value, r)
		require.NoError(t, err, "%s %g", tc.enc, tc.value)

		v, err := Decode(words, r)
		require.NoError(t, err)
		require.True(t, v.Valid)
		assert.InDelta(t, tc.value, v.Float, math.Abs(tc.value)*1e-6+1e-9, "%s", tc.enc)

		// encode(decode(words)) reproduces the words
		again, err := Encode(v.Float, r)
		require.NoError(t, err)
		assert.Equal(t, words, again, "%s", tc.enc)
	}
}

func TestDecodeSigned(t *testing.T) {
	v, err := Decode([]uint16{0xFFFF}, reg(types.EncodingInt16))
	require.NoError(t, err)
	assert.Equal(t, -1.0, v.Float)

	v, err = Decode([]uint16{0xFFFF, 0xFFFE}, reg(types.EncodingInt32))
	require.NoError(t, err)
	assert.Equal(t, -2.0, v.Float)
}

func TestDecodeNaNAndInfHaveNoValue(t *testing.T) {
	bits := math.Float32bits(float32(math.NaN()))
	v, err := Decode([]uint16{uint16(bits >> 16), uint16(bits)}, reg(types.EncodingFloat32))
	require.NoError(t, err)
	assert.False(t, v.Valid)

	inf := math.Float64bits(math.Inf(1))
	v, err = Decode([]uint16{uint16(inf >> 48), uint16(inf >> 32), uint16(inf >> 16), uint16(inf)}, reg(types.EncodingFloat64))
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestScaleOrders(t *testing.T) {
	r := reg(types.EncodingUint16)
	r.Scale = 0.1
	r.Offset = 5

	r.ScaleOrder = types.ScaleThenOffset
	v, err := Decode([]uint16{100}, r)
	require.NoError(t, err)
	assert.InDelta(t, 100*0.1+5, v.Float, 1e-9)

	r.ScaleOrder = types.OffsetThenScale
	v, err = Decode([]uint16{100}, r)
	require.NoError(t, err)
	assert.InDelta(t, (100+5)*0.1, v.Float, 1e-9)
}

func TestEncodeInvertsScale(t *testing.T) {
	r := reg(types.EncodingUint16)
	r.Scale = 0.1 // one LSB = 0.1 kW

	words, err := Encode(50.0, r)
	require.NoError(t, err)
	assert.Equal(t, []uint16{500}, words)

	v, err := Decode(words, r)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, v.Float, 1e-9)
}

func TestEncodeRangeChecks(t *testing.T) {
	_, err := Encode(70000, reg(types.EncodingUint16))
	assert.True(t, types.IsRegisterError(err))

	_, err = Encode(-1, reg(types.EncodingUint16))
	assert.True(t, types.IsRegisterError(err))

	_, err = Encode(40000, reg(types.EncodingInt16))
	assert.True(t, types.IsRegisterError(err))
}

func TestDecodeString(t *testing.T) {
	r := types.Register{Name: "model", Kind: types.RegisterHolding, Encoding: types.EncodingUTF8, WordCount: 4, Access: types.AccessRead}
	// "SUN1\x00\x00  " over four words
	words := []uint16{0x5355, 0x4E31, 0x0000, 0x2020}
	v, err := Decode(words, r)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.True(t, v.IsText)
	assert.Equal(t, "SUN1", v.Text)
}

func TestDecodeShortResponse(t *testing.T) {
	_, err := Decode([]uint16{1}, reg(types.EncodingUint32))
	assert.True(t, types.IsRegisterError(err))
}
