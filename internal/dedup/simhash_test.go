package dedup

import (
	"fmt"
	"strings"
	"testing"
)

func TestSimhashDeterministic(t *testing.T) {
	content := "The quick brown fox jumps over the lazy dog"
	a := Simhash(content)
	b := Simhash(content)
	if a != b {
		t.Fatalf("Simhash not deterministic: %x != %x", a, b)
	}
	if Hamming(a, b) != 0 {
		t.Fatal("identical content must have distance 0")
	}
}

func TestSimhashCaseAndWhitespaceInsensitive(t *testing.T) {
	a := Simhash("Hello   World")
	b := Simhash("hello\nworld")
	if a != b {
		t.Fatalf("tokenization should lowercase and split on any whitespace: %x != %x", a, b)
	}
}

func TestSimhashEmpty(t *testing.T) {
	if got := Simhash(""); got != 0 {
		t.Fatalf("empty content hash = %x, want 0", got)
	}
}

func TestHamming(t *testing.T) {
	if got := Hamming(0, 0); got != 0 {
		t.Errorf("Hamming(0,0) = %d", got)
	}
	if got := Hamming(0, ^uint64(0)); got != 64 {
		t.Errorf("Hamming(0,~0) = %d, want 64", got)
	}
	if got := Hamming(0b1011, 0b0010); got != 2 {
		t.Errorf("Hamming = %d, want 2", got)
	}
}

func buildTokens(n int) []string {
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("token%04d", i)
	}
	return tokens
}

func TestNearDuplicateDetected(t *testing.T) {
	// A 1000-token page dominated by recurring vocabulary, with one token
	// changed: the bit counters barely move, so the hashes stay within the
	// duplicate threshold.
	tokens := make([]string, 1000)
	for i := range tokens {
		tokens[i] = "boilerplate"
		if i%100 == 0 {
			tokens[i] = fmt.Sprintf("unique%04d", i)
		}
	}
	original := strings.Join(tokens, " ")

	changed := append([]string(nil), tokens...)
	changed[500] = "mutated"
	variant := strings.Join(changed, " ")

	ha := Simhash(original)
	hb := Simhash(variant)
	if d := Hamming(ha, hb); d > 3 {
		t.Fatalf("one changed token out of 1000 gave distance %d, want <= 3", d)
	}

	index := NewIndex(3)
	if index.IsDuplicate(ha) {
		t.Fatal("first document must not be a duplicate")
	}
	if !index.IsDuplicate(hb) {
		t.Fatal("near-identical document must be detected")
	}
	if index.Duplicates() != 1 {
		t.Fatalf("duplicate count = %d, want 1", index.Duplicates())
	}
	if index.Len() != 1 {
		t.Fatalf("index should not store duplicate hashes, len = %d", index.Len())
	}
}

func TestDistinctContentNotDuplicate(t *testing.T) {
	index := NewIndex(3)
	a := Simhash(strings.Join(buildTokens(500), " "))

	other := make([]string, 500)
	for i := range other {
		other[i] = fmt.Sprintf("completely-different-%04d", i)
	}
	b := Simhash(strings.Join(other, " "))

	if index.IsDuplicate(a) {
		t.Fatal("first insert flagged as duplicate")
	}
	if index.IsDuplicate(b) {
		t.Fatal("unrelated content flagged as duplicate")
	}
	if index.Len() != 2 {
		t.Fatalf("index len = %d, want 2", index.Len())
	}
}
