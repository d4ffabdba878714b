package phone

import "testing"

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+1 610 555 0123", "+16105550123"},
		{"(610) 555-0123", "+16105550123"},
		{" +16105550123 ", "+16105550123"},
	}
	for _, tc := range cases {
		got, err := NormalizeE164(tc.in)
		if err != nil {
			t.Errorf("NormalizeE164(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeE164(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeE164Invalid(t *testing.T) {
	for _, in := range []string{"", "not a number", "123"} {
		if _, err := NormalizeE164(in); err == nil {
			t.Errorf("NormalizeE164(%q) expected error", in)
		}
	}
}
