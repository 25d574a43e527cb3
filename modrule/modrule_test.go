package modrule

import "testing"

func TestParseFullRule(t *testing.T) {
	r := Parse("libtarget.so@0x1000%2a^0xff")
	if r.Path != "libtarget.so" {
		t.Fatalf("path = %q", r.Path)
	}
	if !r.HasBase || r.Base != 0x1000 {
		t.Fatalf("base = %v/%v", r.HasBase, r.Base)
	}
	if !r.HasInstance || r.Instance != 0x2a {
		t.Fatalf("instance = %v/%v", r.HasInstance, r.Instance)
	}
	if !r.HasNamespace || r.Namespace != 0xff {
		t.Fatalf("namespace = %v/%v", r.HasNamespace, r.Namespace)
	}
}

func TestParsePathOnly(t *testing.T) {
	r := Parse("/system/lib64/libc.so")
	if r.Path != "/system/lib64/libc.so" || r.HasBase || r.HasInstance || r.HasNamespace {
		t.Fatalf("unexpected parse: %+v", r)
	}
}

func TestParseMalformedSuffixFallsBackToPath(t *testing.T) {
	r := Parse("weird@name/lib.so")
	if r.Path != "weird@name/lib.so" || r.HasBase {
		t.Fatalf("should not have parsed a base from %+v", r)
	}
}

func TestMatchAbsoluteRequiresExact(t *testing.T) {
	r := Parse("/data/app/libtarget.so")
	id := Identity{Path: "/data/app/libtarget.so"}
	if !r.Match(id) {
		t.Fatal("expected exact match")
	}
	id.Path = "/other/libtarget.so"
	if r.Match(id) {
		t.Fatal("expected mismatch on different absolute path")
	}
}

func TestMatchRelativeIsSuffix(t *testing.T) {
	r := Parse("libtarget.so")
	if !r.Match(Identity{Path: "/data/app/libtarget.so"}) {
		t.Fatal("expected suffix match")
	}
	if r.Match(Identity{Path: "/data/app/libother.so"}) {
		t.Fatal("unexpected match")
	}
}

func TestMatchQualifiers(t *testing.T) {
	r := Parse("libtarget.so@1000")
	id := Identity{Path: "libtarget.so", Base: 0x1000}
	if !r.Match(id) {
		t.Fatal("expected match on matching base")
	}
	id.Base = 0x2000
	if r.Match(id) {
		t.Fatal("expected mismatch on different base")
	}
}

func TestIsUnconditionallyIgnored(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"", true},
		{"[vdso]", true},
		{"/system/lib64/libpltproxy.so", true},
		{"/system/lib64/libc.so", false},
	}
	for _, c := range cases {
		if got := IsUnconditionallyIgnored(c.path, "libpltproxy.so"); got != c.want {
			t.Errorf("IsUnconditionallyIgnored(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestListMatchAny(t *testing.T) {
	var l List
	l.Add("libfoo.so")
	l.Add("libbar.so@2000")
	if !l.MatchAny(Identity{Path: "libfoo.so"}) {
		t.Fatal("expected match")
	}
	if l.MatchAny(Identity{Path: "libbaz.so"}) {
		t.Fatal("expected no match")
	}
}
