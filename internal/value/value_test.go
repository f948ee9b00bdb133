package value

import (
	"math"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestEqualStructural(t *testing.T) {
	nan := Float(math.NaN())
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"null==null", Null(), Null(), true},
		{"int==int", Int(42), Int(42), true},
		{"int!=float", Int(42), Float(42), false},
		{"nan!=nan", Float(math.NaN()), Float(math.NaN()), false},
		{"nan!=itself", nan, nan, false},
		{"map order irrelevant", Map(map[string]Value{"a": Int(1), "b": Int(2)}), Map(map[string]Value{"b": Int(2), "a": Int(1)}), true},
		{"array order matters", Array([]Value{Int(1), Int(2)}), Array([]Value{Int(2), Int(1)}), false},
		{"bytes equal", Bytes([]byte("x")), Bytes([]byte("x")), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.a.Equal(c.b); got != c.want {
				t.Fatalf("Equal() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestMsgpackRoundTrip(t *testing.T) {
	values := []Value{
		Null(),
		Bool(true),
		Int(-7),
		Float(3.5),
		String("hello"),
		Bytes([]byte{1, 2, 3}),
		Array([]Value{Int(1), String("a"), Bool(false)}),
		Map(map[string]Value{"x": Int(1), "y": String("z")}),
	}
	for _, v := range values {
		data, err := msgpack.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v.Kind(), err)
		}
		var out Value
		if err := msgpack.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal %v: %v", v.Kind(), err)
		}
		if !out.Equal(v) {
			t.Fatalf("round trip mismatch for %v: got %+v", v.Kind(), out)
		}
	}
}

func TestNumericPromotion(t *testing.T) {
	f, ok := Int(5).Numeric()
	if !ok || f != 5 {
		t.Fatalf("Int.Numeric() = %v, %v", f, ok)
	}
	if _, ok := String("x").Numeric(); ok {
		t.Fatalf("String.Numeric() should not be numeric")
	}
}
