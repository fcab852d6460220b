// SPDX-License-Identifier: Unlicense OR MIT

package wire_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"tideway.org/wire"
)

func TestScalarRoundTrip(t *testing.T) {
	w := wire.NewWriter()
	w.WriteUint8(0xab)
	w.WriteBool(true)
	w.WriteBool(false)
	w.WriteUint16(0xbeef)
	w.WriteUint32(0xdeadbeef)
	w.WriteUint64(math.MaxUint64)
	w.WriteInt32(-42)
	w.WriteInt64(math.MinInt64)
	w.WriteFloat64(1.5)
	w.WriteFloat64(math.Inf(-1))

	r := wire.NewReader(w.Bytes())
	if v, _ := r.ReadUint8(); v != 0xab {
		t.Errorf("uint8 = %#x", v)
	}
	if v, _ := r.ReadBool(); !v {
		t.Error("bool true mismatch")
	}
	if v, _ := r.ReadBool(); v {
		t.Error("bool false mismatch")
	}
	if v, _ := r.ReadUint16(); v != 0xbeef {
		t.Errorf("uint16 = %#x", v)
	}
	if v, _ := r.ReadUint32(); v != 0xdeadbeef {
		t.Errorf("uint32 = %#x", v)
	}
	if v, _ := r.ReadUint64(); v != math.MaxUint64 {
		t.Errorf("uint64 = %#x", v)
	}
	if v, _ := r.ReadInt32(); v != -42 {
		t.Errorf("int32 = %d", v)
	}
	if v, _ := r.ReadInt64(); v != math.MinInt64 {
		t.Errorf("int64 = %d", v)
	}
	if v, _ := r.ReadFloat64(); v != 1.5 {
		t.Errorf("float64 = %v", v)
	}
	if v, _ := r.ReadFloat64(); !math.IsInf(v, -1) {
		t.Errorf("float64 inf = %v", v)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{
		"",
		"hello",
		"héllo wörld",
		"夢のまた夢",
		strings.Repeat("\U0001F600", 128),
	} {
		w := wire.NewWriter()
		w.WriteString(s)
		r := wire.NewReader(w.Bytes())
		got, err := r.ReadString()
		if err != nil {
			t.Fatalf("ReadString(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("round trip %q != %q", got, s)
		}
		if err := r.Finish(); err != nil {
			t.Errorf("Finish after %q: %v", s, err)
		}
	}
}

func TestInvalidUTF8(t *testing.T) {
	w := wire.NewWriter()
	w.WriteUint64(2)
	w.WriteUint8(0xff)
	w.WriteUint8(0xfe)
	_, err := wire.NewReader(w.Bytes()).ReadString()
	if !errors.Is(err, wire.ErrInvalidUTF8) {
		t.Fatalf("err = %v, want ErrInvalidUTF8", err)
	}
}

func TestTrailingData(t *testing.T) {
	w := wire.NewWriter()
	w.WriteInt64(7)
	w.WriteUint8(0)
	r := wire.NewReader(w.Bytes())
	if _, err := r.ReadInt64(); err != nil {
		t.Fatal(err)
	}
	if err := r.Finish(); !errors.Is(err, wire.ErrTrailingData) {
		t.Fatalf("Finish = %v, want ErrTrailingData", err)
	}
}

func TestUnderflow(t *testing.T) {
	r := wire.NewReader([]byte{1, 2, 3})
	if _, err := r.ReadUint64(); !errors.Is(err, wire.ErrUnderflow) {
		t.Fatalf("ReadUint64 = %v, want ErrUnderflow", err)
	}
	// A huge string length must fail cleanly, not allocate or read
	// out of bounds.
	w := wire.NewWriter()
	w.WriteUint64(math.MaxUint64)
	if _, err := wire.NewReader(w.Bytes()).ReadString(); !errors.Is(err, wire.ErrUnderflow) {
		t.Fatalf("ReadString = %v, want ErrUnderflow", err)
	}
}

func TestFloat64ArrayAbortsWhole(t *testing.T) {
	w := wire.NewWriter()
	w.WriteFloat64(1)
	w.WriteFloat64(2)
	w.WriteUint32(0) // half an element
	r := wire.NewReader(w.Bytes())
	out, err := r.ReadFloat64Array(3)
	if !errors.Is(err, wire.ErrUnderflow) {
		t.Fatalf("err = %v, want ErrUnderflow", err)
	}
	if out != nil {
		t.Fatalf("partial result %v leaked", out)
	}
}
