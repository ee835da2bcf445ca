package nameident

import (
	"testing"

	"github.com/saferwall/ilguard/rng"
)

func TestAllocateAvoidsCollisions(t *testing.T) {
	a := New(rng.NewSeeded(1), SchemeSimple, IntensityLight)
	avoid := map[string]bool{}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		name := a.Allocate("scope", IntentType, avoid)
		if seen[name] {
			t.Fatalf("Allocate produced a duplicate name %q at iteration %d", name, i)
		}
		seen[name] = true
		avoid[name] = true
	}
}

func TestAllocateRespectsPresetAvoidSet(t *testing.T) {
	a := New(rng.NewSeeded(2), SchemeSimple, IntensityLight)
	avoid := map[string]bool{}
	first := a.Allocate("scope", IntentMethod, avoid)
	avoid[first] = true
	// Force a collision: seed a fresh allocator with the same seed so its
	// first draw repeats `first`, then confirm Allocate detects and
	// resolves it via the suffix counter instead of returning the same
	// name twice.
	b := New(rng.NewSeeded(2), SchemeSimple, IntensityLight)
	second := b.Allocate("scope", IntentMethod, avoid)
	if second == first {
		t.Fatalf("expected a suffixed name distinct from %q, got the same value", first)
	}
}

func TestSchemeConfusableAlphabet(t *testing.T) {
	a := New(rng.NewSeeded(3), SchemeConfusable, IntensityNormal)
	name := a.Allocate("scope", IntentField, map[string]bool{})
	for _, r := range name {
		if !contains(confusableAlphabet, r) {
			t.Fatalf("confusable name %q contains non-confusable rune %q", name, r)
		}
	}
}

func TestSchemeInvisibleLeadingUnderscore(t *testing.T) {
	a := New(rng.NewSeeded(4), SchemeInvisible, IntensityNormal)
	name := a.Allocate("scope", IntentEvent, map[string]bool{})
	if len(name) == 0 || name[0] != '_' {
		t.Fatalf("invisible scheme name %q must start with underscore", name)
	}
}

func TestSchemeSimpleLowercaseOnly(t *testing.T) {
	a := New(rng.NewSeeded(5), SchemeSimple, IntensityAggressive)
	name := a.Allocate("scope", IntentProperty, map[string]bool{})
	for _, r := range name {
		if r < 'a' || r > 'z' {
			t.Fatalf("simple scheme name %q contains non-lowercase rune %q", name, r)
		}
	}
}

func contains(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
