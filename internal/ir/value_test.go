package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}

	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.SortedKeys())
}

func TestObjectSortedKeysUTF16Order(t *testing.T) {
	// U+FF5E is a single UTF-16 unit; U+1F600 is a surrogate pair starting
	// at 0xD83D, so it sorts first under UTF-16 but last under UTF-8.
	obj := Object{
		"\uFF5E":     Int(1),
		"\U0001F600": Int(2),
	}

	assert.Equal(t, []string{"\U0001F600", "\uFF5E"}, obj.SortedKeys())
}

func TestIsNull(t *testing.T) {
	assert.True(t, IsNull(nil))
	assert.True(t, IsNull(Null{}))
	assert.False(t, IsNull(String("")))
	assert.False(t, IsNull(Int(0)))
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue([]byte(`{"name":"ann","age":40,"tags":["a","b"],"boss":null,"ok":true}`))
	require.NoError(t, err)

	want := Object{
		"name": String("ann"),
		"age":  Int(40),
		"tags": Strings("a", "b"),
		"boss": Null{},
		"ok":   Bool(true),
	}
	assert.Equal(t, want, v)
}

func TestParseValueRejectsFloats(t *testing.T) {
	for _, input := range []string{`1.5`, `{"a":2e3}`, `[1,2.0]`} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseValue([]byte(input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "floats are not allowed")
		})
	}
}

func TestParseValueLargeInt(t *testing.T) {
	v, err := ParseValue([]byte(`9007199254740993`))
	require.NoError(t, err)
	assert.Equal(t, Int(9007199254740993), v)
}

func TestFromGoYAMLShapes(t *testing.T) {
	v, err := FromGo(map[string]any{
		"n":    1,
		"big":  uint64(7),
		"list": []any{"x", int64(2)},
		"none": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, Object{
		"n":    Int(1),
		"big":  Int(7),
		"list": Array{String("x"), Int(2)},
		"none": Null{},
	}, v)

	_, err = FromGo(3.25)
	assert.Error(t, err)

	_, err = FromGo(struct{}{})
	assert.Error(t, err)
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := NewObject(
		P("b", Int(2)),
		P("a", Array{String("x"), Null{}}),
		P("c", Object{"nested": Bool(false)}),
	)

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",null],"b":2,"c":{"nested":false}}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, obj, back)
}

func TestObjectUnmarshalRejectsNonObject(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`[1]`), &obj)
	assert.Error(t, err)
}
