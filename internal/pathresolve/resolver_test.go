package pathresolve

import "testing"

func TestSameSourceFile(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"./c", "/b/c", true},
		{"/b/c", "/b/c", true},
	}

	for _, c := range cases {
		if got := SameSourceFile(c.a, c.b); got != c.want {
			t.Fatalf("SameSourceFile(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestResolve_PrefixReplacement(t *testing.T) {
	cfg := Config{
		PrefixReplacements: []PrefixReplacement{
			{From: "SYS:src", To: "/tmp/does-not-exist-src"},
		},
	}
	r := New(cfg, nil)

	got := r.Resolve("SYS:src/gencop.s")
	if got == "SYS:src/gencop.s" {
		t.Fatalf("expected prefix replacement to apply, got %q", got)
	}
}

func TestResolve_Memoises(t *testing.T) {
	r := New(Config{}, nil)

	first := r.Resolve("Work:foo.s")
	second := r.Resolve("Work:foo.s")

	if first != second {
		t.Fatalf("expected memoised result to be stable: %q != %q", first, second)
	}
}
