package btreekit

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	cases := []uint64{
		0, 1, 0x7f, 0x80, 0x3fff, 0x4000,
		0x1fffff, 0x200000,
		0xfffffff, 0x10000000,
		1 << 35, 1 << 42, 1 << 49,
		1<<56 - 1, 1 << 56, 1<<56 + 12345,
		^uint64(0),
	}
	for _, v := range cases {
		buf := make([]byte, 9)
		n := putVarint(buf, v)
		if n != varintLen(v) {
			t.Errorf("varintLen(%d)=%d but putVarint wrote %d bytes", v, varintLen(v), n)
		}
		got, gn := getVarint(buf[:n])
		if gn != n {
			t.Errorf("getVarint consumed %d bytes, want %d for value %d", gn, n, v)
		}
		if got != v {
			t.Errorf("round trip mismatch: put %d got %d", v, got)
		}
	}
}

func TestVarintLenBoundaries(t *testing.T) {
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 1},
		{0x7f, 1},
		{0x80, 2},
		{0x3fff, 2},
		{0x4000, 3},
		{1 << 56, 9},
		{^uint64(0), 9},
	}
	for _, c := range cases {
		if got := varintLen(c.v); got != c.want {
			t.Errorf("varintLen(%#x) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestGetVarintTruncated(t *testing.T) {
	buf := []byte{0x81, 0x81, 0x81} // continuation bits set, but buffer too short
	_, n := getVarint(buf)
	if n != 0 {
		t.Errorf("expected getVarint to report 0 for a truncated buffer, got %d", n)
	}
}

func TestGetVarint32Truncates(t *testing.T) {
	buf := make([]byte, 9)
	full := uint64(1) << 40
	putVarint(buf, full)
	v, n := getVarint32(buf)
	if n == 0 {
		t.Fatal("getVarint32 failed to decode")
	}
	if v != uint32(full) {
		t.Errorf("getVarint32 should truncate to the low 32 bits, got %d", v)
	}
}
