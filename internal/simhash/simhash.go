// Package simhash computes 64-bit similarity signatures for page text
// and indexes them for near-duplicate lookup. Two pages with small
// Hamming distance between signatures are near-duplicates.
package simhash

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"sync"
	"unicode"
)

const shingleSize = 2

// Hash computes the signature of raw text. Tokens are lower-cased
// letter/digit runs; consecutive pairs form shingles so word order
// matters.
func Hash(text string) uint64 {
	return HashTokens(Tokenize(text))
}

// HashTokens computes the signature over a prepared token stream.
func HashTokens(tokens []string) uint64 {
	var counts [64]int

	vote := func(h uint64) {
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				counts[i]++
			} else {
				counts[i]--
			}
		}
	}

	if len(tokens) < shingleSize {
		for _, tok := range tokens {
			vote(fnvHash(tok))
		}
	} else {
		for i := 0; i+shingleSize <= len(tokens); i++ {
			vote(fnvHash(strings.Join(tokens[i:i+shingleSize], " ")))
		}
	}

	var sig uint64
	for i := 0; i < 64; i++ {
		if counts[i] > 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// Tokenize splits text into lower-cased letter/digit runs.
func Tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// Distance is the Hamming distance between two signatures.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

const (
	numBands = 8
	bandBits = 8
)

// Index is a banded LSH index over signatures. Each signature is cut
// into 8 bands of 8 bits; signatures sharing any band value become
// candidates. With 8x8 banding, pairs within Hamming distance 7 are
// guaranteed to collide on at least one band.
type Index struct {
	mu    sync.RWMutex
	bands [numBands]map[uint8][]int64
	sigs  map[int64]uint64
}

// NewIndex builds an empty index.
func NewIndex() *Index {
	ix := &Index{sigs: make(map[int64]uint64)}
	for b := range ix.bands {
		ix.bands[b] = make(map[uint8][]int64)
	}
	return ix
}

func band(sig uint64, b int) uint8 {
	return uint8(sig >> (uint(b) * bandBits))
}

// Add registers id with its signature. Re-adding an id updates the
// signature but leaves stale band slots behind; Candidates filters
// them out through the sigs map.
func (ix *Index) Add(id int64, sig uint64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.sigs[id] = sig
	for b := 0; b < numBands; b++ {
		key := band(sig, b)
		ix.bands[b][key] = append(ix.bands[b][key], id)
	}
}

// Candidates returns ids sharing at least one band with sig, without
// distance verification.
func (ix *Index) Candidates(sig uint64) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[int64]struct{})
	var out []int64
	for b := 0; b < numBands; b++ {
		key := band(sig, b)
		for _, id := range ix.bands[b][key] {
			if _, dup := seen[id]; dup {
				continue
			}
			// Skip slots orphaned by a re-Add.
			if cur, ok := ix.sigs[id]; !ok || band(cur, b) != key {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Similar returns ids whose verified Hamming distance to sig is at
// most maxDistance.
func (ix *Index) Similar(sig uint64, maxDistance int) []int64 {
	candidates := ix.Candidates(sig)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []int64
	for _, id := range candidates {
		if Distance(ix.sigs[id], sig) <= maxDistance {
			out = append(out, id)
		}
	}
	return out
}

// Signature returns the stored signature for id.
func (ix *Index) Signature(id int64) (uint64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	sig, ok := ix.sigs[id]
	return sig, ok
}

// Len reports how many ids are indexed.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.sigs)
}
