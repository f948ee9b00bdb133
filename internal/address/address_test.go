package address

import (
	"math/rand"
	"strconv"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{"/a/b", true},
		{"", false},
		{"a/b", false},
		{"/a//b", false},
		{"/a/*", false},
	}
	for _, c := range cases {
		err := Validate(c.addr)
		if (err == nil) != c.ok {
			t.Errorf("Validate(%q) err=%v, want ok=%v", c.addr, err, c.ok)
		}
	}
}

func TestPatternMatches(t *testing.T) {
	cases := []struct {
		pattern, addr string
		want          bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/*", "/a/b", true},
		{"/a/*", "/a/b/c", false},
		{"/a/**", "/a/b/c", true},
		{"/a/**", "/a", true},
		{"/x/**", "/x/1", true},
		{"/x/**", "/x/1/2", true},
		{"/**", "/anything/at/all", true},
		{"/a/**/z", "/a/b/c/z", true},
		{"/a/**/z", "/a/z", true},
		{"/a/**/z", "/a/z/y", false},
	}
	for _, c := range cases {
		p, err := Compile(c.pattern)
		if err != nil {
			t.Fatalf("Compile(%q): %v", c.pattern, err)
		}
		if got := p.Matches(c.addr); got != c.want {
			t.Errorf("Pattern(%q).Matches(%q) = %v, want %v", c.pattern, c.addr, got, c.want)
		}
	}
}

func TestSubsumes(t *testing.T) {
	cases := []struct {
		parent, child string
		want          bool
	}{
		{"/lights/**", "/lights/zone-1", true},
		{"/lights/**", "/audio/zone-1", false},
		{"/lights/zone-1", "/lights/zone-1", true},
		{"/lights/*", "/lights/zone-1", true},
		{"/lights/*", "/lights/**", false}, // conservative rejection, see address.go
		{"/lights/zone-1", "/lights/*", false},
	}
	for _, c := range cases {
		p, err := Compile(c.parent)
		if err != nil {
			t.Fatalf("Compile(%q): %v", c.parent, err)
		}
		q, err := Compile(c.child)
		if err != nil {
			t.Fatalf("Compile(%q): %v", c.child, err)
		}
		if got := Subsumes(p, q); got != c.want {
			t.Errorf("Subsumes(%q, %q) = %v, want %v", c.parent, c.child, got, c.want)
		}
	}
}

// P7: pattern matching soundness, fuzzed against random address/pattern
// pairs built from a small segment alphabet.
func TestPatternMatchingSoundnessRandom(t *testing.T) {
	alphabet := []string{"a", "b", "c"}
	rnd := rand.New(rand.NewSource(1))

	randSegs := func(n int) []string {
		segs := make([]string, n)
		for i := range segs {
			segs[i] = alphabet[rnd.Intn(len(alphabet))]
		}
		return segs
	}

	for i := 0; i < 500; i++ {
		addrSegs := randSegs(rnd.Intn(4))
		addr := "/" + joinSegs(addrSegs)

		patSegs := randSegs(rnd.Intn(4))
		// Randomly replace a segment with a wildcard.
		if len(patSegs) > 0 && rnd.Intn(2) == 0 {
			idx := rnd.Intn(len(patSegs))
			if rnd.Intn(2) == 0 {
				patSegs[idx] = "*"
			} else {
				patSegs[idx] = "**"
			}
		}
		pattern := "/" + joinSegs(patSegs)

		p, err := Compile(pattern)
		if err != nil {
			continue
		}
		got := p.Matches(addr)
		want := referenceMatch(patSegs, addrSegs)
		if got != want {
			t.Fatalf("iteration %d: pattern=%q addr=%q got=%v want=%v", i, pattern, addr, got, want)
		}
	}
}

func joinSegs(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

// referenceMatch is a naive recursive reference implementation of the
// formal semantics in §4.2, used to cross-check the production matcher.
func referenceMatch(pat, addr []string) bool {
	if len(pat) == 0 {
		return len(addr) == 0
	}
	if pat[0] == "**" {
		for k := 0; k <= len(addr); k++ {
			if referenceMatch(pat[1:], addr[k:]) {
				return true
			}
		}
		return false
	}
	if len(addr) == 0 {
		return false
	}
	if pat[0] != "*" && pat[0] != addr[0] {
		return false
	}
	return referenceMatch(pat[1:], addr[1:])
}

func BenchmarkPatternMatches(b *testing.B) {
	p, _ := Compile("/a/**/z")
	addr := "/a/" + strconv.Itoa(1) + "/" + strconv.Itoa(2) + "/z"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Matches(addr)
	}
}
