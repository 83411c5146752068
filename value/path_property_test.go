package value

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genIdent generates a plain identifier segment (no dots, no brackets).
func genIdent() gopter.Gen {
	return gen.RegexMatch(`[a-z][a-z0-9_]{0,8}`)
}

// genPath generates a dotted path with interleaved array indices, e.g.
// "ab[3].cd.e[0]".
func genPath() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(3, genIdent()),
		gen.SliceOfN(2, gen.IntRange(0, 5)),
	).Map(func(vals []interface{}) string {
		idents := vals[0].([]string)
		indices := vals[1].([]int)
		var b strings.Builder
		b.WriteString(idents[0])
		fmt.Fprintf(&b, "[%d]", indices[0])
		b.WriteByte('.')
		b.WriteString(idents[1])
		b.WriteByte('.')
		b.WriteString(idents[2])
		fmt.Fprintf(&b, "[%d]", indices[1])
		return b.String()
	})
}

// TestSetGetRoundTripProperty: for any generated path and string value,
// assigning through the path (auto-creating every intermediate container)
// and reading it back yields the original value.
func TestSetGetRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("set then get returns the assigned value", prop.ForAll(
		func(path, payload string) bool {
			p, err := ParsePath(path)
			if err != nil {
				return false
			}
			root := Object()
			if err := Set(&root, p, String(payload)); err != nil {
				return false
			}
			got, err := Get(root, p)
			if err != nil {
				return false
			}
			s, err := got.AsString()
			return err == nil && s == payload
		},
		genPath(),
		gen.AnyString(),
	))

	properties.Property("parse then String round-trips the path text", prop.ForAll(
		func(path string) bool {
			p, err := ParsePath(path)
			if err != nil {
				return false
			}
			return p.String() == path
		},
		genPath(),
	))

	properties.TestingRun(t)
}

// TestConversionMoveRoundTripProperty asserts the conversion round trip:
// moving a value from `a` to `b[3][4].c` and reading it back yields a
// byte-identical value, for arbitrary byte payloads.
func TestConversionMoveRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	target, err := ParsePath("b[3][4].c")
	if err != nil {
		t.Fatal(err)
	}
	source := Path{{Key: "a"}}

	properties.Property("a -> b[3][4].c preserves bytes exactly", prop.ForAll(
		func(payload []byte) bool {
			root := Object()
			if err := Set(&root, source, Bytes(payload)); err != nil {
				return false
			}
			v, err := Get(root, source)
			if err != nil {
				return false
			}
			if err := Set(&root, target, v.Clone()); err != nil {
				return false
			}
			got, err := Get(root, target)
			if err != nil {
				return false
			}
			b, err := got.AsBytes()
			return err == nil && bytes.Equal(b, payload)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestNumericExactnessProperty checks the exact-representability
// rule over the whole generated range: conversions succeed iff the value
// fits the target type exactly.
func TestNumericExactnessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("uint64 -> int64 succeeds iff <= MaxInt64", prop.ForAll(
		func(u uint64) bool {
			v := Uint64(u)
			got, err := v.AsInt64()
			if u > math.MaxInt64 {
				return err != nil && got == 0
			}
			return err == nil && got == int64(u)
		},
		gen.UInt64(),
	))

	properties.Property("int64 -> uint64 succeeds iff non-negative", prop.ForAll(
		func(i int64) bool {
			v := Int64(i)
			got, err := v.AsUint64()
			if i < 0 {
				return err != nil && got == 0
			}
			return err == nil && got == uint64(i)
		},
		gen.Int64(),
	))

	properties.Property("narrow ints widen losslessly", prop.ForAll(
		func(i int32) bool {
			got, err := Int32(i).AsInt64()
			return err == nil && got == int64(i)
		},
		gen.Int32(),
	))

	properties.Property("strings never coerce to integers", prop.ForAll(
		func(s string) bool {
			_, err := String(s).AsInt64()
			return err != nil
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestArrayAutoExtendProperty: assigning at any index within a fresh array
// null-fills every slot below it.
func TestArrayAutoExtendProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("slots below the assigned index are null", prop.ForAll(
		func(idx int) bool {
			root := Object()
			p := Path{{Key: "arr"}, {Index: idx, IsIndex: true}}
			if err := Set(&root, p, Int64(7)); err != nil {
				return false
			}
			arr, err := Get(root, Path{{Key: "arr"}})
			if err != nil {
				return false
			}
			n, err := arr.Len()
			if err != nil || n != idx+1 {
				return false
			}
			for i := 0; i < idx; i++ {
				e, err := Get(root, Path{{Key: "arr"}, {Index: i, IsIndex: true}})
				if err != nil || !e.IsNull() {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 32),
	))

	properties.TestingRun(t)
}
