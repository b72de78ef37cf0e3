// Package claim holds the tagged value tree that credential claims are
// resolved against. mdoc namespaces and SD-JWT payloads are both converted
// into this tree so that claim paths are resolved the same way for either
// format.
package claim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindMap
	KindSeq
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindMap:
		return "map"
	case KindSeq:
		return "seq"
	}
	return "unknown"
}

// Value is one node of a claim tree. The zero value is a null claim.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	keys []string
	m    map[string]Value
	seq  []Value
}

// Entry is a key/value pair used to build maps with a stable key order.
type Entry struct {
	Key   string
	Value Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }
func Seq(elems ...Value) Value { return Value{kind: KindSeq, seq: elems} }

// Map builds a map value. Later entries replace earlier ones with the same
// key but keep the position of the first.
func Map(entries ...Entry) Value {
	v := Value{kind: KindMap, m: make(map[string]Value, len(entries))}
	for _, e := range entries {
		if _, ok := v.m[e.Key]; !ok {
			v.keys = append(v.keys, e.Key)
		}
		v.m[e.Key] = e.Value
	}
	return v
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) IsMap() bool { return v.kind == KindMap }
func (v Value) IsSeq() bool { return v.kind == KindSeq }
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }
func (v Value) AsBool() bool { return v.b }
func (v Value) AsInt() int64 { return v.i }
func (v Value) AsString() string { return v.s }
func (v Value) AsBytes() []byte { return v.raw }

func (v Value) AsFloat() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// Get looks a key up in a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	child, ok := v.m[key]
	return child, ok
}

// Index returns the i-th element of a sequence value.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindSeq || i < 0 || i >= len(v.seq) {
		return Value{}, false
	}
	return v.seq[i], true
}

// Keys returns the map keys in insertion order.
func (v Value) Keys() []string {
	return append([]string(nil), v.keys...)
}

func (v Value) Elems() []Value {
	return append([]Value(nil), v.seq...)
}

func (v Value) Len() int {
	switch v.kind {
	case KindMap:
		return len(v.keys)
	case KindSeq:
		return len(v.seq)
	case KindString:
		return len(v.s)
	case KindBytes:
		return len(v.raw)
	}
	return 0
}

// Equal reports literal equality. Numbers compare by value regardless of
// their int/float representation; every other kind must match exactly.
func (v Value) Equal(o Value) bool {
	if v.IsNumber() && o.IsNumber() {
		if v.kind == KindInt && o.kind == KindInt {
			return v.i == o.i
		}
		return v.AsFloat() == o.AsFloat()
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindSeq:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.keys) != len(o.keys) {
			return false
		}
		for k, child := range v.m {
			other, ok := o.m[k]
			if !ok || !child.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// Matches reports whether the value equals one of the allowed values. A
// projected sequence matches when any of its elements does.
func (v Value) Matches(allowed []Value) bool {
	if v.kind == KindSeq {
		for _, e := range v.seq {
			if e.Matches(allowed) {
				return true
			}
		}
		return false
	}
	for _, a := range allowed {
		if v.Equal(a) {
			return true
		}
	}
	return false
}

// Interface converts the value back into plain Go values.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	case KindMap:
		out := make(map[string]interface{}, len(v.keys))
		for _, k := range v.keys {
			out[k] = v.m[k].Interface()
		}
		return out
	case KindSeq:
		out := make([]interface{}, 0, len(v.seq))
		for _, e := range v.seq {
			out = append(out, e.Interface())
		}
		return out
	}
	return nil
}

// MarshalJSON keeps map keys in insertion order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindMap:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := v.m[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case KindSeq:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range v.seq {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON is FromJSON over the decoded value. Object keys come back
// sorted.
func (v *Value) UnmarshalJSON(data []byte) error {
	var in interface{}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*v = FromJSON(in)
	return nil
}

func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(b)
}

// FromJSON converts a value produced by encoding/json into a claim tree.
// Integral numbers become Int values.
func FromJSON(in interface{}) Value {
	switch t := in.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case float64:
		return number(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Float(f)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]Entry, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, Entry{Key: k, Value: FromJSON(t[k])})
		}
		return Map(entries...)
	case []interface{}:
		elems := make([]Value, 0, len(t))
		for _, e := range t {
			elems = append(elems, FromJSON(e))
		}
		return Seq(elems...)
	}
	return String(fmt.Sprint(in))
}

// FromCBOR converts a value produced by cbor.Unmarshal into interface{}.
// Tags are unwrapped; tag 24 content is decoded as embedded CBOR.
func FromCBOR(in interface{}) Value {
	switch t := in.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case []byte:
		return Bytes(t)
	case uint64:
		if t > math.MaxInt64 {
			return Float(float64(t))
		}
		return Int(int64(t))
	case int64:
		return Int(t)
	case int:
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case time.Time:
		return String(t.UTC().Format(time.RFC3339))
	case cbor.Tag:
		if t.Number == 24 {
			if content, ok := t.Content.([]byte); ok {
				var inner interface{}
				if err := cbor.Unmarshal(content, &inner); err == nil {
					return FromCBOR(inner)
				}
			}
		}
		return FromCBOR(t.Content)
	case map[interface{}]interface{}:
		byKey := make(map[string]interface{}, len(t))
		keys := make([]string, 0, len(t))
		for k, val := range t {
			ks := keyString(k)
			byKey[ks] = val
			keys = append(keys, ks)
		}
		sort.Strings(keys)
		entries := make([]Entry, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, Entry{Key: k, Value: FromCBOR(byKey[k])})
		}
		return Map(entries...)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]Entry, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, Entry{Key: k, Value: FromCBOR(t[k])})
		}
		return Map(entries...)
	case []interface{}:
		elems := make([]Value, 0, len(t))
		for _, e := range t {
			elems = append(elems, FromCBOR(e))
		}
		return Seq(elems...)
	}
	return String(fmt.Sprint(in))
}

func number(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

func keyString(k interface{}) string {
	switch t := k.(type) {
	case string:
		return t
	case uint64:
		return strconv.FormatUint(t, 10)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return fmt.Sprint(k)
}
