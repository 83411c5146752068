// Package value implements the property value system:
// a tagged union of scalar/object/array values addressed by dotted paths
// with array-indexing syntax, with JSON interchange and a schema-directed
// type-check predicate.
package value

import "fmt"

// Kind identifies the tag of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindPtr
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindPtr:
		return "ptr"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// PtrOwnership states who frees a ptr value's underlying resource:
// an Own pointer's Deleter runs exactly once, the first time Release (or
// ReleaseAll on a container holding it) is called; a Borrow pointer has
// no destruction responsibility. Clone
// always downgrades Own to Borrow, since only the original destination may
// free the underlying resource.
type PtrOwnership int

const (
	Borrow PtrOwnership = iota
	Own
)

// PtrValue is the payload of a KindPtr Value. ptr values are process-local
// only and are never serialized.
type PtrValue struct {
	Data      any
	Ownership PtrOwnership
	Deleter   func()
}

// Value is the tagged union. Exactly one of the typed fields is meaningful
// for a given Kind; Array/Object hold nested Values.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	u     uint64
	f64   float64
	f32   float32
	str   string
	bytes []byte
	ptr   *PtrValue
	arr   []Value
	obj   *orderedObject
}

// orderedObject preserves key insertion order, for diagnostic rendering
// only; equality does not consider it.
type orderedObject struct {
	keys   []string
	values map[string]Value
}

func newOrderedObject() *orderedObject {
	return &orderedObject{values: make(map[string]Value)}
}

func (o *orderedObject) set(key string, v Value) {
	if _, exists := o.values[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

func (o *orderedObject) get(key string) (Value, bool) {
	v, ok := o.values[key]
	return v, ok
}

func (o *orderedObject) clone() *orderedObject {
	n := newOrderedObject()
	n.keys = append([]string(nil), o.keys...)
	for k, v := range o.values {
		n.values[k] = v.Clone()
	}
	return n
}

// Constructors.

func Null() Value                  { return Value{kind: KindNull} }
func Bool(b bool) Value             { return Value{kind: KindBool, b: b} }
func Int8(v int8) Value             { return Value{kind: KindInt8, i: int64(v)} }
func Int16(v int16) Value           { return Value{kind: KindInt16, i: int64(v)} }
func Int32(v int32) Value           { return Value{kind: KindInt32, i: int64(v)} }
func Int64(v int64) Value           { return Value{kind: KindInt64, i: v} }
func Uint8(v uint8) Value           { return Value{kind: KindUint8, u: uint64(v)} }
func Uint16(v uint16) Value         { return Value{kind: KindUint16, u: uint64(v)} }
func Uint32(v uint32) Value         { return Value{kind: KindUint32, u: uint64(v)} }
func Uint64(v uint64) Value         { return Value{kind: KindUint64, u: v} }
func Float32(v float32) Value       { return Value{kind: KindFloat32, f32: v} }
func Float64(v float64) Value       { return Value{kind: KindFloat64, f64: v} }
func String(v string) Value         { return Value{kind: KindString, str: v} }
func Bytes(v []byte) Value          { return Value{kind: KindBytes, bytes: append([]byte(nil), v...)} }
func Array(items ...Value) Value    { return Value{kind: KindArray, arr: items} }
func Object() Value                 { return Value{kind: KindObject, obj: newOrderedObject()} }

// Ptr constructs a KindPtr value. data is never dereferenced by this
// package; it is process-local and passed through verbatim.
func Ptr(data any, ownership PtrOwnership, deleter func()) Value {
	return Value{kind: KindPtr, ptr: &PtrValue{Data: data, Ownership: ownership, Deleter: deleter}}
}

// Kind reports the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Clone deep-clones v. Array/Object values are copied recursively; an Own
// ptr is downgraded to Borrow in the clone per the ownership rule above.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		cp := make([]Value, len(v.arr))
		for i, e := range v.arr {
			cp[i] = e.Clone()
		}
		return Value{kind: KindArray, arr: cp}
	case KindObject:
		return Value{kind: KindObject, obj: v.obj.clone()}
	case KindPtr:
		return Value{kind: KindPtr, ptr: &PtrValue{Data: v.ptr.Data, Ownership: Borrow, Deleter: nil}}
	case KindBytes:
		return Value{kind: KindBytes, bytes: append([]byte(nil), v.bytes...)}
	default:
		return v
	}
}

// Release invokes an Own ptr's deleter exactly once. No-op for any other
// kind, including a Borrow ptr.
func (v Value) Release() {
	if v.kind == KindPtr && v.ptr.Ownership == Own && v.ptr.Deleter != nil {
		d := v.ptr.Deleter
		v.ptr.Deleter = nil
		d()
	}
}

// ReleaseAll recursively releases every Own ptr reachable from v, in
// Array/Object containers. Its only caller is the message release path in
// package msg, which nothing in the runtime invokes.
func ReleaseAll(v Value) {
	switch v.kind {
	case KindPtr:
		v.Release()
	case KindArray:
		for _, e := range v.arr {
			ReleaseAll(e)
		}
	case KindObject:
		for _, k := range v.obj.keys {
			if e, ok := v.obj.get(k); ok {
				ReleaseAll(e)
			}
		}
	}
}

// errTypeMismatch is the sentinel returned by the typed Get* accessors when
// the stored kind cannot be represented exactly as the requested type.
type errTypeMismatch struct {
	have, want Kind
}

func (e *errTypeMismatch) Error() string {
	return fmt.Sprintf("type mismatch: have %s, want %s", e.have, e.want)
}

// ErrTypeMismatch reports whether err is a type-mismatch error.
func ErrTypeMismatch(err error) bool {
	_, ok := err.(*errTypeMismatch)
	return ok
}

func mismatch(have, want Kind) error { return &errTypeMismatch{have: have, want: want} }

// AsBool returns the bool stored in v, or a type-mismatch error.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, mismatch(v.kind, KindBool)
	}
	return v.b, nil
}

// AsString returns the string stored in v, or a type-mismatch error.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", mismatch(v.kind, KindString)
	}
	return v.str, nil
}

// AsBytes returns the bytes stored in v, or a type-mismatch error.
func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, mismatch(v.kind, KindBytes)
	}
	return v.bytes, nil
}

// AsPtr returns the ptr payload stored in v, or a type-mismatch error.
func (v Value) AsPtr() (*PtrValue, error) {
	if v.kind != KindPtr {
		return nil, mismatch(v.kind, KindPtr)
	}
	return v.ptr, nil
}

// AsInt64 returns v's value widened/narrowed to int64 only if the
// conversion is exact, per the exact-representability rule; signed and
// unsigned sources are both accepted as long as the value fits.
func (v Value) AsInt64() (int64, error) {
	switch v.kind {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.i, nil
	case KindUint8, KindUint16, KindUint32:
		return int64(v.u), nil
	case KindUint64:
		if v.u > 1<<63-1 {
			return 0, mismatch(v.kind, KindInt64)
		}
		return int64(v.u), nil
	default:
		return 0, mismatch(v.kind, KindInt64)
	}
}

// AsUint64 returns v's value widened to uint64 only if the source is a
// non-negative integer.
func (v Value) AsUint64() (uint64, error) {
	switch v.kind {
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return v.u, nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		if v.i < 0 {
			return 0, mismatch(v.kind, KindUint64)
		}
		return uint64(v.i), nil
	default:
		return 0, mismatch(v.kind, KindUint64)
	}
}

// AsFloat64 returns v's value as float64. Only float kinds are accepted:
// integer-to-float widening can silently lose precision above 2^53, so it
// is not offered here.
func (v Value) AsFloat64() (float64, error) {
	switch v.kind {
	case KindFloat64:
		return v.f64, nil
	case KindFloat32:
		return float64(v.f32), nil
	default:
		return 0, mismatch(v.kind, KindFloat64)
	}
}

// Len returns the number of elements in an Array value, or a type-mismatch
// error for any other kind.
func (v Value) Len() (int, error) {
	if v.kind != KindArray {
		return 0, mismatch(v.kind, KindArray)
	}
	return len(v.arr), nil
}

// Keys returns an Object value's keys in insertion order, or a
// type-mismatch error for any other kind.
func (v Value) Keys() ([]string, error) {
	if v.kind != KindObject {
		return nil, mismatch(v.kind, KindObject)
	}
	return append([]string(nil), v.obj.keys...), nil
}
