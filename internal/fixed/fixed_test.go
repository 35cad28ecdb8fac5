package fixed

import (
	"errors"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	inputs := []string{
		"0",
		"1",
		"0.001",
		"0.0015",
		"50000",
		"123.456",
		"999999.999999999999",
		"-999999.999999999999",
		"0.000000000001",
		"-0.5",
	}
	for _, in := range inputs {
		d, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", in, err)
		}
		back, err := Parse(d.String())
		if err != nil {
			t.Fatalf("reparse of %q -> %q error = %v", in, d.String(), err)
		}
		if !d.Equal(back) {
			t.Fatalf("round trip of %q: %q != %q", in, d.String(), back.String())
		}
	}
}

func TestParseRejectsTooPrecise(t *testing.T) {
	if _, err := Parse("0.0000000000001"); !errors.Is(err, ErrTooPrecise) {
		t.Fatalf("expected ErrTooPrecise, got %v", err)
	}
	if _, err := Parse("1.1234567890123"); !errors.Is(err, ErrTooPrecise) {
		t.Fatalf("expected ErrTooPrecise, got %v", err)
	}
	// Exactly 12 fractional digits is accepted.
	if _, err := Parse("1.123456789012"); err != nil {
		t.Fatalf("unexpected error for 12 digits: %v", err)
	}
}

func TestParseRejectsOutOfRange(t *testing.T) {
	for _, in := range []string{"1000000", "1000000.0", "-1000000.000000000001"} {
		if _, err := Parse(in); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("Parse(%q): expected ErrOutOfRange, got %v", in, err)
		}
	}
}

func TestParseRejectsExponentNotation(t *testing.T) {
	// A value like 1e-20 would smuggle in 20 fractional digits past the
	// textual scale check and break the String round trip.
	for _, in := range []string{"1e-20", "1E5", "1.5e2", "-2e-13"} {
		if _, err := Parse(in); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Parse(%q): expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "  ", "abc", "1.2.3", "--1", "1,5"} {
		if _, err := Parse(in); !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrTooPrecise) {
			t.Fatalf("Parse(%q): expected malformed, got %v", in, err)
		}
	}
}

func TestAddSubInverse(t *testing.T) {
	pairs := [][2]string{
		{"10.5", "2.5"},
		{"0.001", "0.0005"},
		{"999999", "0.999999999999"},
		{"-5.25", "3.75"},
	}
	for _, pair := range pairs {
		a := MustParse(pair[0])
		b := MustParse(pair[1])
		sum, err := a.Add(b)
		if err != nil {
			t.Fatalf("Add(%s, %s) error = %v", pair[0], pair[1], err)
		}
		diff, err := sum.Sub(b)
		if err != nil {
			t.Fatalf("Sub error = %v", err)
		}
		if !diff.Equal(a) {
			t.Fatalf("(a+b)-b = %s, want %s", diff, a)
		}
	}
}

func TestArithmetic(t *testing.T) {
	a := MustParse("10.5")
	b := MustParse("2.5")

	sum, _ := a.Add(b)
	if sum.String() != "13" {
		t.Fatalf("10.5+2.5 = %s", sum)
	}
	diff, _ := a.Sub(b)
	if diff.String() != "8" {
		t.Fatalf("10.5-2.5 = %s", diff)
	}
	prod, err := a.Mul(b)
	if err != nil || prod.String() != "26.25" {
		t.Fatalf("10.5*2.5 = %s, err=%v", prod, err)
	}
	quot, err := a.Div(b)
	if err != nil || quot.String() != "4.2" {
		t.Fatalf("10.5/2.5 = %s, err=%v", quot, err)
	}
}

func TestDivTruncatesTowardZero(t *testing.T) {
	// 1/3 has a non-terminating expansion; the quotient keeps exactly
	// twelve digits and drops the rest.
	q, err := One.Div(MustParse("3"))
	if err != nil {
		t.Fatalf("Div error = %v", err)
	}
	if q.String() != "0.333333333333" {
		t.Fatalf("1/3 = %s", q)
	}

	neg, err := MustParse("-1").Div(MustParse("3"))
	if err != nil {
		t.Fatalf("Div error = %v", err)
	}
	if neg.String() != "-0.333333333333" {
		t.Fatalf("-1/3 = %s, want truncation toward zero", neg)
	}

	twoThirds, err := MustParse("2").Div(MustParse("3"))
	if err != nil {
		t.Fatalf("Div error = %v", err)
	}
	if twoThirds.String() != "0.666666666666" {
		t.Fatalf("2/3 = %s, want truncated not rounded", twoThirds)
	}
}

func TestDivByZero(t *testing.T) {
	if _, err := One.Div(Zero); !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestOverflowFailsExplicitly(t *testing.T) {
	if _, err := Max().Add(One); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow on add, got %v", err)
	}
	if _, err := Min().Sub(One); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow on sub, got %v", err)
	}
	if _, err := MustParse("999999").ScaleInt(2); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow on scale, got %v", err)
	}
}

func TestScaleInt(t *testing.T) {
	d := MustParse("0.001")
	scaled, err := d.ScaleInt(3)
	if err != nil {
		t.Fatalf("ScaleInt error = %v", err)
	}
	if scaled.String() != "0.003" {
		t.Fatalf("0.001*3 = %s", scaled)
	}
}

func TestCompareTotalOrder(t *testing.T) {
	a := MustParse("0.001")
	b := MustParse("0.0015")
	if a.Cmp(b) != -1 || b.Cmp(a) != 1 || a.Cmp(a) != 0 {
		t.Fatalf("comparison order broken")
	}
	if Maximum(a, b) != b {
		t.Fatalf("Maximum picked the smaller value")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	d := MustParse("50000.00")
	raw, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON error = %v", err)
	}
	var back Decimal
	if err := back.UnmarshalJSON(raw); err != nil {
		t.Fatalf("UnmarshalJSON error = %v", err)
	}
	if !back.Equal(d) {
		t.Fatalf("json round trip: %s != %s", back, d)
	}
	// Exchange payloads carry bare numbers in some fields.
	var bare Decimal
	if err := bare.UnmarshalJSON([]byte("0.0005")); err != nil {
		t.Fatalf("bare UnmarshalJSON error = %v", err)
	}
	if bare.String() != "0.0005" {
		t.Fatalf("bare value = %s", bare)
	}
}
