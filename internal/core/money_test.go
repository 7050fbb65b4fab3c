package core

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out int64
		ok  bool
	}{
		{"1", 100, true},
		{"1.0", 100, true},
		{"1.23", 123, true},
		{"1,23", 123, true},
		{"0.01", 1, true},
		{"1.005", 101, true}, // half-up rounding
		{"12.344", 1234, true},
		{" 2.50 ", 250, true},
		{"500000", 50000000, true},
		{"-1", 0, false},
		{"+1", 0, false},
		{"0", 0, false},
		{"0.004", 0, false},
		{"abc", 0, false},
		{"1.2.3", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || got.Cents != tc.out {
				t.Fatalf("%q expected %d, got %d (err=%v)", tc.in, tc.out, got.Cents, err)
			}
		} else if err == nil {
			t.Fatalf("%q expected error", tc.in)
		}
	}
}

func TestContribution(t *testing.T) {
	cases := []struct {
		amount int64
		pct    string
		want   int64
	}{
		{50000000, "10", 5000000}, // 500,000.00 at 10%
		{100000000, "5", 5000000},
		{1000, "12.5", 125},
		{1001, "12.5", 125},  // 125.125 -> 125
		{1003, "12.5", 125},  // 125.375 -> 125
		{1004, "12.5", 126},  // 125.5 -> 126
		{333, "33.33", 111},  // 110.9889 -> 111
		{1, "10", 0},         // 0.1 cent rounds away
		{5, "10", 1},         // 0.5 cent rounds up
		{100, "0", 0},
		{100, "100", 100},
	}
	for _, tc := range cases {
		got := Contribution(Money{Cents: tc.amount}, decimal.RequireFromString(tc.pct))
		if got.Cents != tc.want {
			t.Errorf("Contribution(%d, %s) = %d, want %d", tc.amount, tc.pct, got.Cents, tc.want)
		}
	}
}

func TestContributionIsDeterministic(t *testing.T) {
	pct := decimal.RequireFromString("7.77")
	first := Contribution(Money{Cents: 123457}, pct)
	for i := 0; i < 100; i++ {
		if got := Contribution(Money{Cents: 123457}, pct); got != first {
			t.Fatalf("run %d: got %v, want %v", i, got, first)
		}
	}
}

func TestParsePercentage(t *testing.T) {
	for _, s := range []string{"0", "10", "12.5", "100", "33,3"} {
		if _, err := ParsePercentage(s); err != nil {
			t.Errorf("%q: unexpected error %v", s, err)
		}
	}
	for _, s := range []string{"-1", "100.01", "abc", ""} {
		if _, err := ParsePercentage(s); err == nil {
			t.Errorf("%q: expected error", s)
		}
	}
}

func TestMoneySubFloor(t *testing.T) {
	if got := (Money{Cents: 250}).SubFloor(Money{Cents: 200}); got.Cents != 50 {
		t.Fatalf("expected 50, got %d", got.Cents)
	}
	if got := (Money{Cents: 100}).SubFloor(Money{Cents: 200}); got.Cents != 0 {
		t.Fatalf("expected floor at 0, got %d", got.Cents)
	}
}

func TestMoneyString(t *testing.T) {
	if s := (Money{Cents: 5000000}).String(); s != "50000.00" {
		t.Fatalf("unexpected %q", s)
	}
}
