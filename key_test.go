package mdht

import (
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func mustKey(t *testing.T, hexStr string) Key {
	k, err := KeyFromHex(hexStr)
	if err != nil {
		t.Fatalf("KeyFromHex('%v'): %v", hexStr, err)
	}
	return k
}

func TestKeyFromHex(t *testing.T) {
	h := "0123456789abcdef0123456789abcdef01234567"
	k := mustKey(t, h)
	if k.String() != h {
		t.Fatalf("round trip: got '%v' want '%v'", k.String(), h)
	}
	ku := mustKey(t, strings.ToUpper(h))
	if ku != k {
		t.Fatalf("case should not matter")
	}
	if _, err := KeyFromHex(h[:39]); err == nil {
		t.Fatalf("39 characters must be rejected")
	}
	if _, err := KeyFromHex(h + "00"); err == nil {
		t.Fatalf("42 characters must be rejected")
	}
	if _, err := KeyFromHex(strings.Repeat("zz", 20)); err == nil {
		t.Fatalf("non-hex must be rejected")
	}
}

func TestKeyDistance(t *testing.T) {
	a := mustKey(t, strings.Repeat("00", 20))
	b := mustKey(t, strings.Repeat("ff", 20))
	d := a.Distance(b)
	if d != b {
		t.Fatalf("00^ff must be ff")
	}
	if !a.Distance(a).IsZero() {
		t.Fatalf("distance to self must be zero")
	}
	// symmetric
	if a.Distance(b) != b.Distance(a) {
		t.Fatalf("xor metric must be symmetric")
	}
}

func TestKeyCommonPrefixLen(t *testing.T) {
	a := mustKey(t, strings.Repeat("00", 20))
	if a.CommonPrefixLen(a) != 160 {
		t.Fatalf("equal keys share all 160 bits")
	}
	b := mustKey(t, "80"+strings.Repeat("00", 19))
	if got := a.CommonPrefixLen(b); got != 0 {
		t.Fatalf("first bit differs: got %v", got)
	}
	c := mustKey(t, "01"+strings.Repeat("00", 19))
	if got := a.CommonPrefixLen(c); got != 7 {
		t.Fatalf("8th bit differs: got %v want 7", got)
	}
}

func TestDistanceOrder(t *testing.T) {
	cv.Convey("DistanceOrder sorts by xor distance to the target and is antisymmetric", t, func() {
		target := mustKey(t, strings.Repeat("00", 20))
		near := mustKey(t, "01"+strings.Repeat("00", 19))
		far := mustKey(t, "f0"+strings.Repeat("00", 19))
		ord := target.DistanceOrder()

		cv.So(ord(near, far), cv.ShouldBeLessThan, 0)
		cv.So(ord(far, near), cv.ShouldBeGreaterThan, 0)
		cv.So(ord(near, near), cv.ShouldEqual, 0)
		cv.So(target.Closer(near, far), cv.ShouldBeTrue)
		cv.So(target.Closer(far, near), cv.ShouldBeFalse)

		// distinct keys never sit at equal xor distance from a
		// target, so no exact tie can be built from them.
		t2 := mustKey(t, "08"+strings.Repeat("00", 19))
		x := mustKey(t, "00"+strings.Repeat("00", 19))
		y := mustKey(t, "10"+strings.Repeat("00", 19))
		// d(t2,x) = 08, d(t2,y) = 18; not equal. construct a real tie:
		// any key and itself is the only true tie under xor, so
		// verify the comparator falls back to key order on equal
		// distance inputs by checking antisymmetry instead.
		ord2 := t2.DistanceOrder()
		cv.So(ord2(x, y), cv.ShouldEqual, -ord2(y, x))
	})
}

func TestKeyJSON(t *testing.T) {
	k := RandomKey()
	b, err := k.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var k2 Key
	if err := k2.UnmarshalJSON(b); err != nil {
		t.Fatal(err)
	}
	if k2 != k {
		t.Fatalf("json round trip changed the key")
	}
	if err := k2.UnmarshalJSON([]byte("42")); err == nil {
		t.Fatalf("non-string json must be rejected")
	}
}

func TestRandomKeysDiffer(t *testing.T) {
	if RandomKey() == RandomKey() {
		t.Fatalf("two random 160 bit keys collided; the sky is falling")
	}
}
