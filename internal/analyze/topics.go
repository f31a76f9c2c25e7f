package analyze

import (
	"sort"
	"strings"

	"github.com/harvest-crawler/harvest/internal/gazetteer"
)

// TopicIndex maps keywords and URL path segments to topic identifiers.
// Keywords are stored normalized; one keyword belongs to one topic.
type TopicIndex struct {
	keywords map[string]string
	topics   map[string][]string
}

// NewTopicIndex creates an empty index.
func NewTopicIndex() *TopicIndex {
	return &TopicIndex{
		keywords: make(map[string]string),
		topics:   make(map[string][]string),
	}
}

// DefaultTopics returns the built-in news section vocabulary.
func DefaultTopics() *TopicIndex {
	t := NewTopicIndex()
	t.Add("politics", "politics", "government", "parliament", "election", "elections", "senate")
	t.Add("business", "business", "economy", "markets", "finance", "trade")
	t.Add("sport", "sport", "sports", "football", "soccer", "rugby", "cricket", "tennis")
	t.Add("culture", "culture", "arts", "entertainment", "music", "film", "books")
	t.Add("science", "science", "research", "space")
	t.Add("technology", "technology", "tech", "digital", "internet")
	t.Add("health", "health", "medicine", "hospitals")
	t.Add("crime", "crime", "justice", "courts", "police")
	t.Add("environment", "environment", "climate", "energy", "wildlife")
	t.Add("education", "education", "schools", "university")
	t.Add("world", "world", "international", "foreign")
	t.Add("opinion", "opinion", "editorial", "analysis", "comment")
	return t
}

// Add registers keywords for a topic. Later registrations never steal a
// keyword already owned by another topic.
func (t *TopicIndex) Add(topicID string, keywords ...string) {
	if _, seen := t.topics[topicID]; !seen {
		t.topics[topicID] = nil
	}
	for _, kw := range keywords {
		norm := gazetteer.NormalizeName(kw)
		if norm == "" {
			continue
		}
		if _, taken := t.keywords[norm]; taken {
			continue
		}
		t.keywords[norm] = topicID
		t.topics[topicID] = append(t.topics[topicID], norm)
	}
}

// Topics returns all topic ids, sorted.
func (t *TopicIndex) Topics() []string {
	out := make([]string, 0, len(t.topics))
	for id := range t.topics {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of topics.
func (t *TopicIndex) Len() int { return len(t.topics) }

// MatchSegment returns the topic id a single URL segment maps to.
func (t *TopicIndex) MatchSegment(seg string) (string, bool) {
	id, ok := t.keywords[gazetteer.NormalizeName(seg)]
	return id, ok
}

// MatchPath returns the topics matched by any path segment, sorted.
func (t *TopicIndex) MatchPath(urlPath string) []string {
	seen := make(map[string]bool)
	for _, seg := range strings.Split(urlPath, "/") {
		if id, ok := t.MatchSegment(seg); ok {
			seen[id] = true
		}
	}
	return sortedTopics(seen)
}

// MatchText scans free text for topic keywords, sorted output.
func (t *TopicIndex) MatchText(text string) []string {
	seen := make(map[string]bool)
	for _, w := range strings.Fields(gazetteer.NormalizeName(text)) {
		if id, ok := t.keywords[w]; ok {
			seen[id] = true
		}
	}
	return sortedTopics(seen)
}

func sortedTopics(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
