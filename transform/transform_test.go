package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/vcampipe/frame"
)

func testFrame(w, h int, seq uint64) *frame.Frame {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = byte((i * 7) % 256)
	}
	return &frame.Frame{
		Data:   data,
		Width:  w,
		Height: h,
		Format: frame.FormatBGR24,
		Seq:    seq,
	}
}

func TestValidateParams(t *testing.T) {
	schema := []ParamSpec{
		{Name: "adjustment", Type: ParamInt, Default: 0, Min: -255, Max: 255},
		{Name: "factor", Type: ParamFloat, Default: 1.0, Min: 0.1, Max: 3.0},
		{Name: "mode", Type: ParamString, Default: "soft", Options: []string{"soft", "hard"}},
		{Name: "enabled", Type: ParamBool, Default: true},
	}

	tests := []struct {
		name    string
		raw     map[string]interface{}
		wantErr bool
		check   func(t *testing.T, p Params)
	}{
		{
			name: "empty uses defaults",
			raw:  nil,
			check: func(t *testing.T, p Params) {
				assert.Equal(t, 0, p["adjustment"])
				assert.Equal(t, 1.0, p["factor"])
				assert.Equal(t, "soft", p["mode"])
				assert.Equal(t, true, p["enabled"])
			},
		},
		{
			name: "string coerced to int",
			raw:  map[string]interface{}{"adjustment": "42"},
			check: func(t *testing.T, p Params) {
				assert.Equal(t, 42, p["adjustment"])
			},
		},
		{
			name:    "int out of range",
			raw:     map[string]interface{}{"adjustment": 300},
			wantErr: true,
		},
		{
			name:    "float below min",
			raw:     map[string]interface{}{"factor": 0.01},
			wantErr: true,
		},
		{
			name:    "string not in options",
			raw:     map[string]interface{}{"mode": "extreme"},
			wantErr: true,
		},
		{
			name: "undeclared keys dropped",
			raw:  map[string]interface{}{"bogus": 1},
			check: func(t *testing.T, p Params) {
				_, ok := p["bogus"]
				assert.False(t, ok)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ValidateParams(schema, tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewBuiltinRegistry()

	u, err := r.Resolve(IdentityID)
	require.NoError(t, err)
	assert.Equal(t, IdentityID, u.ID())

	_, err = r.Resolve("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownTransform)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&identityUnit{}))
	assert.Error(t, r.Register(&identityUnit{}))
}

func TestRegistryIDsSorted(t *testing.T) {
	r := NewBuiltinRegistry()
	ids := r.IDs()

	require.NotEmpty(t, ids)
	assert.Contains(t, ids, IdentityID)
	assert.Contains(t, ids, "brightness")
	assert.Contains(t, ids, "pixelate")
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

// TestBuiltinDeterminism verifies that every built-in transform produces
// identical output bytes for identical input across repeated invocations.
func TestBuiltinDeterminism(t *testing.T) {
	r := NewBuiltinRegistry()

	for _, id := range r.IDs() {
		t.Run(id, func(t *testing.T) {
			unit, err := r.Resolve(id)
			require.NoError(t, err)

			params, err := ValidateParams(unit.ParameterSchema(), nil)
			require.NoError(t, err)

			input := testFrame(16, 12, 1)

			first, err := unit.Apply(input, params)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				again, err := unit.Apply(input, params)
				require.NoError(t, err)
				assert.Equal(t, first.Data, again.Data)
			}
		})
	}
}

func TestBuiltinsPreserveInput(t *testing.T) {
	r := NewBuiltinRegistry()

	for _, id := range r.IDs() {
		t.Run(id, func(t *testing.T) {
			unit, err := r.Resolve(id)
			require.NoError(t, err)

			params, err := ValidateParams(unit.ParameterSchema(), nil)
			require.NoError(t, err)

			input := testFrame(8, 8, 1)
			snapshot := make([]byte, len(input.Data))
			copy(snapshot, input.Data)

			_, err = unit.Apply(input, params)
			require.NoError(t, err)
			assert.Equal(t, snapshot, input.Data, "input frame must not be modified")
		})
	}
}

func TestBrightnessApply(t *testing.T) {
	r := NewBuiltinRegistry()
	unit, err := r.Resolve("brightness")
	require.NoError(t, err)

	params, err := ValidateParams(unit.ParameterSchema(), map[string]interface{}{"adjustment": 50})
	require.NoError(t, err)

	input := testFrame(2, 2, 1)
	out, err := unit.Apply(input, params)
	require.NoError(t, err)

	for i := range input.Data {
		expected := int(input.Data[i]) + 50
		if expected > 255 {
			expected = 255
		}
		assert.Equal(t, byte(expected), out.Data[i])
	}
}

func TestGrayscaleEqualChannels(t *testing.T) {
	r := NewBuiltinRegistry()
	unit, err := r.Resolve("grayscale")
	require.NoError(t, err)

	input := testFrame(4, 4, 1)
	out, err := unit.Apply(input, nil)
	require.NoError(t, err)

	require.Equal(t, frame.FormatBGR24, out.Format)
	for i := 0; i+2 < len(out.Data); i += 3 {
		assert.Equal(t, out.Data[i], out.Data[i+1])
		assert.Equal(t, out.Data[i+1], out.Data[i+2])
	}
}

func TestInvertRoundTrip(t *testing.T) {
	r := NewBuiltinRegistry()
	unit, err := r.Resolve("invert")
	require.NoError(t, err)

	input := testFrame(4, 4, 1)

	once, err := unit.Apply(input, nil)
	require.NoError(t, err)
	twice, err := unit.Apply(once, nil)
	require.NoError(t, err)

	assert.Equal(t, input.Data, twice.Data)
}

func TestPixelateUniformBlocks(t *testing.T) {
	r := NewBuiltinRegistry()
	unit, err := r.Resolve("pixelate")
	require.NoError(t, err)

	params, err := ValidateParams(unit.ParameterSchema(), map[string]interface{}{"block_size": 4})
	require.NoError(t, err)

	input := testFrame(8, 8, 1)
	out, err := unit.Apply(input, params)
	require.NoError(t, err)

	// Every pixel inside a 4x4 block should share the block average.
	stride := input.Width * 3
	first := out.Data[0:3]
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			off := y*stride + x*3
			assert.Equal(t, first, out.Data[off:off+3])
		}
	}
}

func TestBuiltinRejectsWrongFormat(t *testing.T) {
	r := NewBuiltinRegistry()
	unit, err := r.Resolve("brightness")
	require.NoError(t, err)

	gray := &frame.Frame{
		Data:   make([]byte, 16),
		Width:  4,
		Height: 4,
		Format: frame.FormatGray8,
		Seq:    1,
	}

	_, err = unit.Apply(gray, Params{"adjustment": 0})
	assert.Error(t, err)
}
