package value

import (
	"strconv"
	"strings"

	"github.com/dataflowrt/core/tenerr"
)

// PathSegment is one token of a parsed dotted path: either a named field
// (Key != "") or an array index (IsIndex == true).
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path is a parsed dotted-path-with-array-indexing expression, e.g.
// "a.b[3].c" -> [{Key:"a"} {Key:"b"} {Index:3,IsIndex:true} {Key:"c"}].
type Path []PathSegment

// ParsePath tokenizes a dotted path with an explicit scanner (identifier
// / '.' / '[' int ']') rather than ad-hoc regex.
// A literal '.' inside an identifier is not supported: the tokenizer has no
// escape syntax, so such keys must be rejected at schema-registration
// time.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, tenerr.InvalidArgumentf("empty property path")
	}
	var path Path
	i := 0
	n := len(s)
	for i < n {
		switch {
		case s[i] == '.':
			i++
			if i >= n {
				return nil, tenerr.InvalidArgumentf("property path %q ends with '.'", s)
			}
		case s[i] == '[':
			j := i + 1
			for j < n && s[j] != ']' {
				j++
			}
			if j >= n {
				return nil, tenerr.InvalidArgumentf("property path %q has unterminated '['", s)
			}
			idx, err := strconv.Atoi(s[i+1: j])
			if err != nil || idx < 0 {
				return nil, tenerr.InvalidArgumentf("property path %q has invalid array index", s)
			}
			path = append(path, PathSegment{Index: idx, IsIndex: true})
			i = j + 1
		default:
			j := i
			for j < n && s[j] != '.' && s[j] != '[' {
				j++
			}
			key := s[i:j]
			if key == "" {
				return nil, tenerr.InvalidArgumentf("property path %q has an empty segment", s)
			}
			path = append(path, PathSegment{Key: key})
			i = j
		}
	}
	return path, nil
}

// String renders the path back into dotted-path-with-array-indexing form.
func (p Path) String() string {
	var b strings.Builder
	for i, seg := range p {
		if seg.IsIndex {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(seg.Index))
			b.WriteByte(']')
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg.Key)
	}
	return b.String()
}

// Get walks path through v and returns the leaf value.
func Get(v Value, path Path) (Value, error) {
	cur := v
	for _, seg := range path {
		if seg.IsIndex {
			if cur.kind != KindArray {
				return Value{}, mismatch(cur.kind, KindArray)
			}
			if seg.Index < 0 || seg.Index >= len(cur.arr) {
				return Value{}, tenerr.InvalidArgumentf("array index %d out of range (len %d)", seg.Index, len(cur.arr))
			}
			cur = cur.arr[seg.Index]
			continue
		}
		if cur.kind != KindObject {
			return Value{}, mismatch(cur.kind, KindObject)
		}
		next, ok := cur.obj.get(seg.Key)
		if !ok {
			return Value{}, tenerr.InvalidArgumentf("no property at key %q", seg.Key)
		}
		cur = next
	}
	return cur, nil
}

// Set walks path through v, auto-creating intermediate objects/arrays as
// needed, and assigns leaf to the final
// segment. Arrays auto-extend with null-fill.
func Set(root *Value, path Path, leaf Value) error {
	if len(path) == 0 {
		return tenerr.InvalidArgumentf("empty property path")
	}
	return setRec(root, path, leaf)
}

func setRec(cur *Value, path Path, leaf Value) error {
	seg := path[0]
	last := len(path) == 1

	if seg.IsIndex {
		if cur.kind == KindNull {
			*cur = Array()
		}
		if cur.kind != KindArray {
			return mismatch(cur.kind, KindArray)
		}
		for len(cur.arr) <= seg.Index {
			cur.arr = append(cur.arr, Null())
		}
		if last {
			cur.arr[seg.Index] = leaf
			return nil
		}
		return setRec(&cur.arr[seg.Index], path[1:], leaf)
	}

	if cur.kind == KindNull {
		*cur = Object()
	}
	if cur.kind != KindObject {
		return mismatch(cur.kind, KindObject)
	}
	if last {
		cur.obj.set(seg.Key, leaf)
		return nil
	}
	child, ok := cur.obj.get(seg.Key)
	if !ok {
		child = Null()
	}
	if err := setRec(&child, path[1:], leaf); err != nil {
		return err
	}
	cur.obj.set(seg.Key, child)
	return nil
}
