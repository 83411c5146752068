package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathRoundTrip(t *testing.T) {
	root := Object()
	require.NoError(t, Set(&root, Path{{Key: "a"}}, String("hello")))

	got, err := Get(root, Path{{Key: "a"}})
	require.NoError(t, err)
	s, err := got.AsString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestSetNestedArrayAutoCreate(t *testing.T) {
	root := Object()
	path, err := ParsePath("b[3][4].c")
	require.NoError(t, err)

	original := Int32(42)
	require.NoError(t, Set(&root, path, original))

	got, err := Get(root, path)
	require.NoError(t, err)
	iv, err := got.AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(42), iv)

	// "from_original" conversion round trip invariant --
	// moving a value to a nested array path and reading it back yields the
	// original value byte-identical.
	origVal, err := original.AsInt64()
	require.NoError(t, err)
	assert.Equal(t, origVal, iv)
}

func TestArrayAutoExtendNullFills(t *testing.T) {
	root := Array()
	path := Path{{Index: 2, IsIndex: true}}
	require.NoError(t, Set(&root, path, String("x")))

	n, err := root.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	v0, err := Get(root, Path{{Index: 0, IsIndex: true}})
	require.NoError(t, err)
	assert.True(t, v0.IsNull())
}

func TestParsePathRejectsTrailingDot(t *testing.T) {
	_, err := ParsePath("a.")
	assert.Error(t, err)
}

func TestNumericGetExactRepresentability(t *testing.T) {
	v := Uint64(1 << 40)
	_, err := v.AsInt64()
	assert.NoError(t, err) // fits in int64

	huge := Uint64(1 << 63)
	_, err = huge.AsInt64()
	assert.True(t, ErrTypeMismatch(err))
}

func TestCloneIsolatesFanOutDestinations(t *testing.T) {
	// Mutation of one destination's clone must not
	// affect another destination's clone.
	root := Object()
	require.NoError(t, Set(&root, Path{{Key: "v"}}, Int32(1)))

	a := root.Clone()
	b := root.Clone()
	require.NoError(t, Set(&a, Path{{Key: "v"}}, Int32(99)))

	bv, err := Get(b, Path{{Key: "v"}})
	require.NoError(t, err)
	iv, err := bv.AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), iv)
}

func TestClonePtrDowngradesToBorrow(t *testing.T) {
	released := false
	owned := Ptr(struct{}{}, Own, func() { released = true })
	clone := owned.Clone()

	pv, err := clone.AsPtr()
	require.NoError(t, err)
	assert.Equal(t, Borrow, pv.Ownership)

	clone.Release() // no-op: clone is Borrow
	assert.False(t, released)

	owned.Release()
	assert.True(t, released)
}

func TestToJSONNeverSerializesPtr(t *testing.T) {
	p := Ptr(42, Borrow, nil)
	j, err := ToJSON(p)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestFromJSONNarrowsIntegralFloats(t *testing.T) {
	v, err := FromJSON(float64(7))
	require.NoError(t, err)
	assert.Equal(t, KindInt64, v.Kind())
}

func TestCompileSchemaRejectsDottedKey(t *testing.T) {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a.b": map[string]any{"type": "string"},
		},
	}
	_, err := CompileSchema("test", doc)
	assert.Error(t, err)
}

func TestSchemaCheckValidatesPropertyBag(t *testing.T) {
	doc := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	}
	schema, err := CompileSchema("test", doc)
	require.NoError(t, err)

	ok := Object()
	require.NoError(t, Set(&ok, Path{{Key: "name"}}, String("ext1")))
	assert.NoError(t, schema.Check(ok))

	bad := Object()
	assert.Error(t, schema.Check(bad))
}
