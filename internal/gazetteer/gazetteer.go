// Package gazetteer indexes known places for text and URL-path matching
// and deduplicates place observations arriving from ingestion sources.
package gazetteer

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/storage"
)

// maxShingle is the longest place name, in words, the text matcher looks
// for ("sri jayawardenepura kotte" is three).
const maxShingle = 3

// Index is an in-memory view of the stored gazetteer. It is safe for
// concurrent use; Add keeps it current as ingestion writes new places.
type Index struct {
	mu        sync.RWMutex
	places    map[int64]*storage.Place
	byName    map[string][]int64
	byCountry map[string][]int64
	namesOf   map[int64][]string

	logger *zap.Logger
}

// NewIndex creates an empty index.
func NewIndex(logger *zap.Logger) *Index {
	return &Index{
		places:    make(map[int64]*storage.Place),
		byName:    make(map[string][]int64),
		byCountry: make(map[string][]int64),
		namesOf:   make(map[int64][]string),
		logger:    logger.Named("gazetteer"),
	}
}

// LoadFrom populates the index from the stored places and names.
func (ix *Index) LoadFrom(store *storage.Store) error {
	places, err := store.AllPlaces()
	if err != nil {
		return err
	}
	names, err := store.AllPlaceNames()
	if err != nil {
		return err
	}

	ix.mu.Lock()
	for _, p := range places {
		ix.addLocked(p)
	}
	for _, n := range names {
		ix.addNameLocked(n.PlaceID, n.Normalized)
	}
	ix.mu.Unlock()

	ix.logger.Info("gazetteer loaded",
		zap.Int("places", len(places)),
		zap.Int("names", len(names)))
	return nil
}

// Add registers a place and its normalized names.
func (ix *Index) Add(p *storage.Place, names ...string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.addLocked(p)
	for _, n := range names {
		ix.addNameLocked(p.ID, n)
	}
}

func (ix *Index) addLocked(p *storage.Place) {
	if _, seen := ix.places[p.ID]; !seen && p.CountryCode != "" {
		ix.byCountry[p.CountryCode] = append(ix.byCountry[p.CountryCode], p.ID)
	}
	ix.places[p.ID] = p
}

func (ix *Index) addNameLocked(placeID int64, normalized string) {
	if normalized == "" {
		return
	}
	for _, id := range ix.byName[normalized] {
		if id == placeID {
			return
		}
	}
	ix.byName[normalized] = append(ix.byName[normalized], placeID)
	ix.namesOf[placeID] = append(ix.namesOf[placeID], normalized)
}

// Place returns the indexed place or nil.
func (ix *Index) Place(id int64) *storage.Place {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.places[id]
}

// Len reports the number of indexed places.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.places)
}

// NamesOf returns the normalized names registered for a place.
func (ix *Index) NamesOf(id int64) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]string(nil), ix.namesOf[id]...)
}

// PlacesInCountry returns the ids of places with the given country code.
func (ix *Index) PlacesInCountry(code string) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := append([]int64(nil), ix.byCountry[code]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the ids registered under one normalized name.
func (ix *Index) Lookup(normalized string) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]int64(nil), ix.byName[normalized]...)
}

// Match scans free text for known place names, trying word shingles up
// to maxShingle long. The result is sorted and duplicate-free, so equal
// input always yields equal output.
func (ix *Index) Match(text string) []int64 {
	words := strings.Fields(NormalizeName(text))
	if len(words) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[int64]bool)
	for i := range words {
		for n := 1; n <= maxShingle && i+n <= len(words); n++ {
			key := strings.Join(words[i:i+n], " ")
			for _, id := range ix.byName[key] {
				seen[id] = true
			}
		}
	}
	return sortedIDs(seen)
}

// MatchPath matches URL path segments against known place names.
// Segments are matched whole: /za/cape-town/politics matches the
// country and the city but never a partial word.
func (ix *Index) MatchPath(urlPath string) []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[int64]bool)
	for _, seg := range strings.Split(urlPath, "/") {
		key := NormalizeName(seg)
		if key == "" {
			continue
		}
		for _, id := range ix.byName[key] {
			seen[id] = true
		}
	}
	return sortedIDs(seen)
}

func sortedIDs(set map[int64]bool) []int64 {
	if len(set) == 0 {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NormalizeName lowercases a name, converts URL-style separators to
// spaces and collapses whitespace runs. It is the single normal form
// used by the index, the resolver and the place_names table.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", " ")
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, "'", "")
	return strings.Join(strings.Fields(s), " ")
}
