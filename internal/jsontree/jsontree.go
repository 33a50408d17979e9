// Package jsontree models a decoded JSON document as a closed set of value
// types. Content filters walk and rewrite these trees instead of poking at
// map[string]any soup: every traversal is depth-bounded and numbers survive
// a round trip without losing their literal form.
package jsontree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// MaxDepth bounds every traversal. A document nested deeper than this is
// rejected at decode time.
const MaxDepth = 64

// ErrTooDeep is returned when a document exceeds MaxDepth.
var ErrTooDeep = errors.New("jsontree: document exceeds maximum nesting depth")

// Value is one node of a JSON document. The implementations are exactly
// Null, Bool, Number, String, Array and Object.
type Value interface {
	isValue()
}

type Null struct{}

type Bool bool

// Number holds the literal decimal text of a JSON number so that 1, 1.0 and
// 1e0 re-encode exactly as they arrived.
type Number string

type String string

type Array []Value

type Object map[string]Value

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Number) isValue() {}
func (String) isValue() {}
func (Array) isValue()  {}
func (Object) isValue() {}

// Decode parses raw JSON into a Value tree.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("jsontree: decode: %w", err)
	}
	return fromAny(v, 0)
}

func fromAny(v any, depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case []any:
		arr := make(Array, len(t))
		for i, el := range t {
			cv, err := fromAny(el, depth+1)
			if err != nil {
				return nil, err
			}
			arr[i] = cv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(t))
		for k, el := range t {
			cv, err := fromAny(el, depth+1)
			if err != nil {
				return nil, err
			}
			obj[k] = cv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("jsontree: unsupported value %T", v)
	}
}

// Encode serializes a Value tree to compact JSON. Object keys are emitted in
// sorted order so that equal trees produce identical bytes; callers that key
// caches on encoded output depend on this.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTo(buf *bytes.Buffer, v Value) error {
	switch t := v.(type) {
	case Null:
		buf.WriteString("null")
	case Bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(string(t))
	case String:
		b, err := json.Marshal(string(t))
		if err != nil {
			return err
		}
		buf.Write(b)
	case Array:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeTo(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeTo(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("jsontree: unsupported value %T", v)
	}
	return nil
}

// MapStrings returns a copy of the tree with fn applied to every String
// node, in document order (arrays in index order, objects in sorted key
// order) so stateful transforms see the same visit sequence on every run.
// Containers are only reallocated along paths that actually changed.
func MapStrings(v Value, fn func(string) string) Value {
	out, _ := mapStrings(v, fn, 0)
	return out
}

func mapStrings(v Value, fn func(string) string, depth int) (Value, bool) {
	if depth > MaxDepth {
		return v, false
	}
	switch t := v.(type) {
	case String:
		if out := fn(string(t)); out != string(t) {
			return String(out), true
		}
		return t, false
	case Array:
		var out Array
		for i, el := range t {
			nv, changed := mapStrings(el, fn, depth+1)
			if changed && out == nil {
				out = make(Array, len(t))
				copy(out, t)
			}
			if out != nil {
				out[i] = nv
			}
		}
		if out != nil {
			return out, true
		}
		return t, false
	case Object:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out Object
		for _, k := range keys {
			nv, changed := mapStrings(t[k], fn, depth+1)
			if changed {
				if out == nil {
					out = make(Object, len(t))
					for ck, cv := range t {
						out[ck] = cv
					}
				}
				out[k] = nv
			}
		}
		if out != nil {
			return out, true
		}
		return t, false
	default:
		return v, false
	}
}

// WalkStrings visits every String node in document order (arrays in index
// order, objects in sorted key order) until fn returns false.
func WalkStrings(v Value, fn func(string) bool) {
	walkStrings(v, fn, 0)
}

func walkStrings(v Value, fn func(string) bool, depth int) bool {
	if depth > MaxDepth {
		return true
	}
	switch t := v.(type) {
	case String:
		return fn(string(t))
	case Array:
		for _, el := range t {
			if !walkStrings(el, fn, depth+1) {
				return false
			}
		}
	case Object:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !walkStrings(t[k], fn, depth+1) {
				return false
			}
		}
	}
	return true
}

// ContentLength sums the lengths of all String nodes in the tree.
func ContentLength(v Value) int {
	total := 0
	WalkStrings(v, func(s string) bool {
		total += len(s)
		return true
	})
	return total
}
