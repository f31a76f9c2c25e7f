package crawler

import (
	"net/url"
	"strings"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
	"github.com/harvest-crawler/harvest/internal/queue"
)

// Base priorities by request source. Plan-directed work always outranks
// organic discovery; hub candidates from the adaptive seeder sit between
// the two, and discovered links are split by how article-like their
// path looks.
const (
	basePlanDirected = 1000
	baseAcquisition  = 700
	baseArticleLike  = 500
	baseDiscovery    = 200

	adjustFloor = 0.5
	adjustCeil  = 2.0
)

// Hosts whose names carry one of these tokens tend to be news outlets,
// which makes their deep links worth a small boost.
var newsHostTokens = []string{
	"news", "daily", "times", "post", "herald", "tribune",
	"gazette", "observer", "chronicle", "journal",
}

// scorer turns a queue request into a numeric priority. The base depends
// on where the request came from; the multiplier rewards gazetteer and
// topic matches in the path plus news-sounding hosts, and decays with
// depth. The multiplier is clamped so no signal combination can starve
// or flood a bucket.
type scorer struct {
	gaz    *gazetteer.Index
	topics *analyze.TopicIndex
}

func newScorer(gaz *gazetteer.Index, topics *analyze.TopicIndex) *scorer {
	return &scorer{gaz: gaz, topics: topics}
}

// Priority satisfies fetch.PriorityFn.
func (s *scorer) Priority(bucket queue.Bucket, rawURL string, depth int) float64 {
	var host, path string
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.ToLower(u.Hostname())
		path = u.Path
	}

	var base float64
	switch bucket {
	case queue.PlanDirected:
		base = basePlanDirected
	case queue.Acquisition:
		base = baseAcquisition
	default:
		if articleLikePath(path) {
			base = baseArticleLike
		} else {
			base = baseDiscovery
		}
	}

	adjust := 1.0
	if s.gaz != nil && len(s.gaz.MatchPath(path)) > 0 {
		adjust += 0.15
	}
	if s.topics != nil && len(s.topics.MatchPath(path)) > 0 {
		adjust += 0.1
	}
	if newsyHost(host) {
		adjust += 0.1
	}
	adjust -= 0.08 * float64(depth)
	if adjust < adjustFloor {
		adjust = adjustFloor
	}
	if adjust > adjustCeil {
		adjust = adjustCeil
	}
	return base * adjust
}

// articleLikePath reports whether the last path segment looks like an
// article slug: long, heavily hyphenated, or preceded by a /yyyy/mm/
// date prefix.
func articleLikePath(path string) bool {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 {
		return false
	}
	last := segs[len(segs)-1]
	if strings.Count(last, "-") >= 3 || len(last) >= 25 {
		return true
	}
	for i := 0; i+1 < len(segs); i++ {
		if isYear(segs[i]) && isMonthOrDay(segs[i+1]) {
			return true
		}
	}
	return false
}

func isYear(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s[0] == '1' || s[0] == '2'
}

func isMonthOrDay(s string) bool {
	if len(s) == 0 || len(s) > 2 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func newsyHost(host string) bool {
	for _, tok := range newsHostTokens {
		if strings.Contains(host, tok) {
			return true
		}
	}
	return false
}
