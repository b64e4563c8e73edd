package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckValue(t *testing.T) {
	obj := mustParse(t, schemaText("COMPATIBLE",
		`{"a":"INTEGER, NOT NULL","b":"STRING, DEFAULT 'x'","c":{"d":"LONG, DEFAULT 7"},"e":"DOUBLE","f":[]}`, `["$.a"]`, 0))

	tests := []struct {
		name    string
		value   string
		amended string
		ok      bool
	}{
		{"complete", `{"a":1,"b":"y","c":{"d":2},"e":1.5,"f":[1,2]}`, "", true},
		{"extra_field_allowed", `{"a":1,"b":"y","c":{"d":2},"z":true}`, "", true},
		{"defaults_inserted", `{"a":1}`, `{"a":1,"b":"x","c":{"d":7}}`, true},
		{"nested_default_inserted", `{"a":1,"b":"y","c":{}}`, `{"a":1,"b":"y","c":{"d":7}}`, true},
		{"integer_into_double", `{"a":1,"b":"y","c":{"d":2},"e":3}`, "", true},
		{"integer_into_long", `{"a":1,"b":"y","c":{"d":2}}`, "", true},
		{"null_nullable", `{"a":1,"b":null,"c":{"d":null},"e":null}`, "", true},
		{"missing_not_null", `{"b":"y"}`, "", false},
		{"null_not_null", `{"a":null}`, "", false},
		{"string_for_integer", `{"a":"1"}`, "", false},
		{"long_for_integer", `{"a":4294967296}`, "", false},
		{"double_for_integer", `{"a":1.5}`, "", false},
		{"scalar_for_object", `{"a":1,"c":5}`, "", false},
		{"object_for_array", `{"a":1,"f":{}}`, "", false},
		{"not_object", `[1]`, "", false},
		{"null_value", `null`, "", false},
		{"not_json", `{"a":`, "", false},
		{"invalid_utf8", "{\"a\":1,\"s\":\"\xff\xfe\"}", "", false},
		{"duplicate_member", `{"a":"str","a":7}`, "", false},
		{"duplicate_nested_member", `{"a":1,"c":{"d":1,"d":2}}`, "", false},
		{"duplicate_member_in_array", `{"a":1,"f":[{"k":1,"k":2}]}`, "", false},
		{"same_name_in_sibling_objects", `{"a":1,"b":"y","c":{"d":2},"f":[{"a":1},{"a":2}]}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, amended, err := obj.CheckValue([]byte(tt.value))
			if !tt.ok {
				assert.ErrorIs(t, err, ErrValueMismatch)
				return
			}
			require.NoError(t, err)
			if tt.amended == "" {
				assert.False(t, amended)
				assert.Equal(t, tt.value, string(out))
				return
			}
			assert.True(t, amended)
			assert.JSONEq(t, tt.amended, string(out))
		})
	}
}

func TestCheckValueStrict(t *testing.T) {
	obj := mustParse(t, schemaText("STRICT", `{"a":"INTEGER","n":{"x":"BOOL"},"o":{}}`, `[]`, 0))

	_, _, err := obj.CheckValue([]byte(`{"a":1,"n":{"x":true},"o":{"anything":[1]}}`))
	assert.NoError(t, err)

	_, _, err = obj.CheckValue([]byte(`{"a":1,"z":2}`))
	assert.ErrorIs(t, err, ErrValueMismatch)

	_, _, err = obj.CheckValue([]byte(`{"a":1,"n":{"x":true,"y":false}}`))
	assert.ErrorIs(t, err, ErrValueMismatch)
}

func TestCheckValueSkipSize(t *testing.T) {
	obj := mustParse(t, schemaText("COMPATIBLE", `{"a":"INTEGER","b":"BOOL, DEFAULT true"}`, `[]`, 2))

	out, amended, err := obj.CheckValue(append([]byte("XY"), `{"a":1}`...))
	require.NoError(t, err)
	assert.True(t, amended)
	require.True(t, len(out) > 2)
	assert.Equal(t, "XY", string(out[:2]))
	assert.JSONEq(t, `{"a":1,"b":true}`, string(out[2:]))

	_, _, err = obj.CheckValue([]byte("X"))
	assert.ErrorIs(t, err, ErrValueMismatch)

	_, _, err = obj.CheckValue([]byte(`{"a":1}`))
	assert.ErrorIs(t, err, ErrValueMismatch)
}

func TestCheckValueInvalidSchema(t *testing.T) {
	_, _, err := Invalid().CheckValue([]byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidSchema)
}
