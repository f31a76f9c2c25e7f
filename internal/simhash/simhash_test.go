package simhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Breaking News: 42 storms hit the COAST!")
	assert.Equal(t, []string{"breaking", "news", "42", "storms", "hit", "the", "coast"}, tokens)

	assert.Empty(t, Tokenize("!!! ... ---"))
}

func TestHashIsDeterministic(t *testing.T) {
	a := Hash("the quick brown fox jumps over the lazy dog")
	b := Hash("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, a, b)
	assert.NotZero(t, a)
}

func TestSimilarTextsAreClose(t *testing.T) {
	base := "the city council voted on tuesday to approve the new transit budget after months of debate over funding sources and the projected shortfall in regional revenue"
	nearDup := "the city council voted on wednesday to approve the new transit budget after months of debate over funding sources and the projected shortfall in regional revenue"
	unrelated := "quarterly earnings exceeded analyst expectations driven by strong cloud growth and improved operating margins across all business segments this fiscal year"

	dNear := Distance(Hash(base), Hash(nearDup))
	dFar := Distance(Hash(base), Hash(unrelated))
	assert.Less(t, dNear, 20, "one-word edit stays close")
	assert.Greater(t, dFar, dNear, "unrelated text is farther than a near-duplicate")
}

func TestWordOrderMatters(t *testing.T) {
	a := Hash("dog bites man in park")
	b := Hash("man bites dog in park")
	assert.NotEqual(t, a, b)
}

func TestDistance(t *testing.T) {
	assert.Equal(t, 0, Distance(0xFFFF, 0xFFFF))
	assert.Equal(t, 1, Distance(0b1000, 0b0000))
	assert.Equal(t, 64, Distance(0, ^uint64(0)))
}

func TestIndexCandidatesShareABand(t *testing.T) {
	ix := NewIndex()
	sig := uint64(0x1122334455667788)
	ix.Add(1, sig)

	// Flip one bit in band 0: still collides on the other seven bands.
	assert.Contains(t, ix.Candidates(sig^1), int64(1))

	// Flip one bit in every band: no shared band value remains.
	var far uint64 = sig
	for b := 0; b < 8; b++ {
		far ^= 1 << (b * 8)
	}
	assert.Empty(t, ix.Candidates(far))
}

func TestIndexSimilarVerifiesDistance(t *testing.T) {
	ix := NewIndex()
	base := Hash("regional flooding closed three bridges across the northern valley on friday morning")
	ix.Add(10, base)
	ix.Add(11, base^0x3)                   // distance 2
	ix.Add(12, base^(1<<0)^(1<<9)^(1<<18)) // distance 3, spread across bands

	got := ix.Similar(base, 2)
	assert.ElementsMatch(t, []int64{10, 11}, got)

	got = ix.Similar(base, 3)
	assert.ElementsMatch(t, []int64{10, 11, 12}, got)

	assert.Equal(t, 3, ix.Len())
}

func TestIndexReAddUpdatesSignature(t *testing.T) {
	ix := NewIndex()
	ix.Add(5, 0xAAAA)
	ix.Add(5, 0x5555)

	sig, ok := ix.Signature(5)
	require.True(t, ok)
	assert.Equal(t, uint64(0x5555), sig)

	// Old band slots do not resurrect the previous signature.
	got := ix.Similar(0xAAAA, 0)
	assert.Empty(t, got)
	got = ix.Similar(0x5555, 0)
	assert.Equal(t, []int64{5}, got)
}

func TestShortInputs(t *testing.T) {
	assert.Zero(t, Hash(""))
	one := Hash("word")
	assert.NotZero(t, one)
	assert.Equal(t, one, HashTokens([]string{"word"}))
}
