package envcfg

import "testing"

func TestParseTri(t *testing.T) {
	cases := map[string]Tri{
		"1": On, "true": On, "YES": On, "on": On,
		"0": Off, "false": Off, "No": Off, "off": Off,
		"":        Auto,
		"garbage": Auto,
	}
	for in, want := range cases {
		if got := parseTri(in); got != want {
			t.Errorf("parseTri(%q) = %v, want %v", in, got, want)
		}
	}
}
