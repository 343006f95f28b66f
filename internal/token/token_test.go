package token

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one token", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"whole and frac", "1.500000", 1_500_000},
		{"no frac", "1", 1_000_000},
		{"short frac", "1.5", 1_500_000},
		{"six decimals", "1.123456", 1_123_456},
		{"large amount", "999999.999999", 999_999_999_999},
		{"leading zeros", "007.50", 7_500_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"-1", "1.2.3", "abc", "1,50"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) accepted invalid input", input)
		}
	}
}

func TestParse_Empty(t *testing.T) {
	got, ok := Parse("")
	if !ok || got.Sign() != 0 {
		t.Errorf("Parse(\"\") = %v, %v; want 0, true", got, ok)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000", "1.500000", "100.000001", "999999.999999"} {
		parsed, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(parsed); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestFormat_Nil(t *testing.T) {
	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q", got)
	}
}

func TestMulDiv_Proportional(t *testing.T) {
	// 100 tokens, 50 of 60 minutes elapsed → 83.333333
	total, _ := Parse("100")
	got := MulDiv(total, 50*60, 60*60)
	if Format(got) != "83.333333" {
		t.Errorf("MulDiv 50/60 of 100 = %s, want 83.333333", Format(got))
	}
}

func TestMulDiv_ZeroDenominator(t *testing.T) {
	total, _ := Parse("100")
	if got := MulDiv(total, 1, 0); got.Sign() != 0 {
		t.Errorf("MulDiv with den=0 = %v, want 0", got)
	}
}

func TestApplyBasisPoints(t *testing.T) {
	total, _ := Parse("100")
	tests := []struct {
		bps  int64
		want string
	}{
		{10000, "100.000000"}, // 100%
		{9000, "90.000000"},   // 90% cap
		{250, "2.500000"},     // 2.5% fee
		{10, "0.100000"},      // 0.1% dust threshold
		{0, "0.000000"},
	}
	for _, tt := range tests {
		if got := Format(ApplyBasisPoints(total, tt.bps)); got != tt.want {
			t.Errorf("ApplyBasisPoints(100, %d) = %s, want %s", tt.bps, got, tt.want)
		}
	}
}

func TestMulDiv_TruncatesTowardZero(t *testing.T) {
	one := big.NewInt(1)
	if got := MulDiv(one, 1, 3); got.Sign() != 0 {
		t.Errorf("MulDiv(1, 1, 3) = %v, want 0", got)
	}
}
