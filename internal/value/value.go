// Package value implements CLASP's tagged-union value model and its
// canonical MessagePack encoding.
package value

import (
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind discriminates the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindMap
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
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is CLASP's tagged union: Null | Bool | Int(i64) | Float(f64) |
// String | Bytes | Array<Value> | Map<string, Value>. Only the field
// matching Kind is meaningful; zero values of the rest are ignored.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	by   []byte
	arr  []Value
	m    map[string]Value
}

func Null() Value              { return Value{kind: KindNull} }
func Bool(v bool) Value        { return Value{kind: KindBool, b: v} }
func Int(v int64) Value        { return Value{kind: KindInt, i: v} }
func Float(v float64) Value    { return Value{kind: KindFloat, f: v} }
func String(v string) Value    { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value     { return Value{kind: KindBytes, by: v} }
func Array(v []Value) Value    { return Value{kind: KindArray, arr: v} }
func Map(v map[string]Value) Value {
	return Value{kind: KindMap, m: v}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)             { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)              { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool)          { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool)          { return v.s, v.kind == KindString }
func (v Value) AsBytes() ([]byte, bool)           { return v.by, v.kind == KindBytes }
func (v Value) AsArray() ([]Value, bool)          { return v.arr, v.kind == KindArray }
func (v Value) AsMap() (map[string]Value, bool)   { return v.m, v.kind == KindMap }

// Numeric reports whether v holds an Int or Float and returns it widened
// to float64, for epsilon comparisons (§4.3, §4.7).
func (v Value) Numeric() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Equal implements structural equality per §3: Float NaN is never equal to
// itself (including to another NaN), and map key order is irrelevant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		if math.IsNaN(v.f) || math.IsNaN(o.f) {
			return false
		}
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBytes:
		if len(v.by) != len(o.by) {
			return false
		}
		for i := range v.by {
			if v.by[i] != o.by[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, mv := range v.m {
			ov, ok := o.m[k]
			if !ok || !mv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// EncodeMsgpack implements msgpack.CustomEncoder so Value round-trips
// through the tagged representation the frame codec expects.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch v.kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.b)
	case KindInt:
		return enc.EncodeInt64(v.i)
	case KindFloat:
		return enc.EncodeFloat64(v.f)
	case KindString:
		return enc.EncodeString(v.s)
	case KindBytes:
		return enc.EncodeBytes(v.by)
	case KindArray:
		if err := enc.EncodeArrayLen(len(v.arr)); err != nil {
			return err
		}
		for _, e := range v.arr {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		if err := enc.EncodeMapLen(len(v.m)); err != nil {
			return err
		}
		for k, e := range v.m {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value: unencodable kind %v", v.kind)
	}
}

// DecodeMsgpack implements msgpack.CustomDecoder, inferring the Value kind
// from the wire type the way a dynamically-typed peer (JS/Python) would
// produce it. Decoding into interface{} and re-tagging keeps this exhaustive
// without hand-enumerating every msgpack wire tag.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromInterface(raw)
	return nil
}

func fromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case int:
		return Int(int64(t))
	case uint8:
		return Int(int64(t))
	case uint16:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case string:
		return String(t)
	case []byte:
		return Bytes(t)
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = fromInterface(e)
		}
		return Array(out)
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = fromInterface(e)
		}
		return Map(out)
	default:
		return Null()
	}
}
