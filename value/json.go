package value

import (
	"encoding/json"
	"math"

	"github.com/dataflowrt/core/tenerr"
)

// ToJSON renders v as a JSON-interchange document. Integers narrower than
// 64 bits round-trip without loss; ptr values are never serialized and
// are rendered as JSON null.
func ToJSON(v Value) (any, error) {
	switch v.kind {
	case KindNull, KindPtr:
		return nil, nil
	case KindBool:
		return v.b, nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.i, nil
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.u, nil
	case KindFloat32:
		return float64(v.f32), nil
	case KindFloat64:
		return v.f64, nil
	case KindString:
		return v.str, nil
	case KindBytes:
		return v.bytes, nil
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			rv, err := ToJSON(e)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case KindObject:
		out := make(map[string]any, len(v.obj.keys))
		for _, k := range v.obj.keys {
			elem, _ := v.obj.get(k)
			rv, err := ToJSON(elem)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	default:
		return nil, tenerr.InvalidArgumentf("unknown value kind %v", v.kind)
	}
}

// MarshalJSON lets a Value be embedded directly in a struct that is
// marshaled with encoding/json (used by the wire codec).
func (v Value) MarshalJSON() ([]byte, error) {
	rv, err := ToJSON(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rv)
}

// FromJSON converts a decoded JSON document (as produced by
// encoding/json.Unmarshal into `any`) into a Value. Numbers decode as
// float64 per encoding/json's default behavior; FromJSON narrows exact
// integral floats to Int64 so later AsInt64 calls do not spuriously
// fail; integers narrower than 64 bits thus round-trip without loss.
func FromJSON(doc any) (Value, error) {
	switch d := doc.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(d), nil
	case string:
		return String(d), nil
	case float64:
		if d == math.Trunc(d) && !math.IsInf(d, 0) && d >= math.MinInt64 && d <= math.MaxInt64 {
			return Int64(int64(d)), nil
		}
		return Float64(d), nil
	case int:
		return Int64(int64(d)), nil
	case int64:
		return Int64(d), nil
	case uint64:
		return Uint64(d), nil
	case json.Number:
		if iv, err := d.Int64(); err == nil {
			return Int64(iv), nil
		}
		fv, err := d.Float64()
		if err != nil {
			return Value{}, tenerr.InvalidArgumentf("invalid json number %q", string(d))
		}
		return Float64(fv), nil
	case []byte:
		return Bytes(d), nil
	case []any:
		items := make([]Value, len(d))
		for i, e := range d {
			v, err := FromJSON(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]any:
		out := Object()
		for k, e := range d {
			v, err := FromJSON(e)
			if err != nil {
				return Value{}, err
			}
			out.obj.set(k, v)
		}
		return out, nil
	default:
		return Value{}, tenerr.InvalidArgumentf("unsupported json value of type %T", d)
	}
}

// UnmarshalJSONBytes decodes raw JSON bytes into a Value.
func UnmarshalJSONBytes(data []byte) (Value, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Value{}, tenerr.InvalidArgumentf("invalid json: %v", err)
	}
	return FromJSON(doc)
}
