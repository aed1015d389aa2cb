package cmd

import "testing"

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"12.50", 1250},
		{"12.5", 1250},
		{"0.05", 5},
		{"7", 700},
		{".5", 50},
		{"-3.20", -320},
		{" 10 ", 1000},
	}
	for _, tc := range cases {
		got, err := parseAmount(tc.in)
		if err != nil {
			t.Errorf("parseAmount(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseAmount(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseAmountErrors(t *testing.T) {
	for _, in := range []string{"", ".", "1.234", "abc", "1.2.3"} {
		if _, err := parseAmount(in); err == nil {
			t.Errorf("parseAmount(%q) succeeded, want error", in)
		}
	}
}
