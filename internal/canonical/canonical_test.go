package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	v, err := Decode([]byte(`{"b":1,"a":{"z":true,"m":[{"y":2,"x":1}]}}`))
	require.NoError(t, err)

	out, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"m":[{"x":1,"y":2}],"z":true},"b":1}`, string(out))
}

func TestMarshalIsIdempotent(t *testing.T) {
	input := []byte(`{"version": "1.0", "cases": [{"id": "g1", "prompt": "  hello \r\nworld  "}]}`)

	v, err := Decode(input)
	require.NoError(t, err)
	first, err := Marshal(Normalize(v))
	require.NoError(t, err)

	v2, err := Decode(first)
	require.NoError(t, err)
	second, err := Marshal(Normalize(v2))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestNormalizeStrings(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims whitespace", "  hi  ", "hi"},
		{"crlf to lf", "a\r\nb", "a\nb"},
		{"bare cr to lf", "a\rb", "a\nb"},
		{"interior spaces kept", "a  b", "a  b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNumbersSurviveUntouched(t *testing.T) {
	v, err := Decode([]byte(`{"a":1.50,"b":1e3,"c":42}`))
	require.NoError(t, err)

	out, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1.50,"b":1e3,"c":42}`, string(out))
}

func TestSHA256Hex(t *testing.T) {
	// Well-known digest of "hello\n".
	assert.Equal(t,
		"5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03",
		SHA256Hex([]byte("hello\n")))
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	a, err := Hash(map[string]any{"x": "1", "y": "2"})
	require.NoError(t, err)
	b, err := Hash(map[string]any{"y": "2", "x": "1"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
